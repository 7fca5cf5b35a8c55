package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var countersCmd = &cobra.Command{
	Use:   "counters",
	Short: "Show the housekeeping report",
	Long: `Request a housekeeping report from the daemon. The report is also published
on the software bus as a telemetry packet.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCounters(cmd.Context(), newClient(), cmd.OutOrStdout())
	},
}

var resetCountersCmd = &cobra.Command{
	Use:   "reset-counters",
	Short: "Reset the command and ingest counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runResetCounters(cmd.Context(), newClient(), cmd.OutOrStdout())
	},
}

var noopCmd = &cobra.Command{
	Use:   "noop",
	Short: "Send the no-op command",
	Long:  `Send the no-op command. The command counter is incremented.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNoop(cmd.Context(), newClient(), cmd.OutOrStdout())
	},
}

func runCounters(ctx context.Context, client ControlClient, out io.Writer) error {
	rep, err := client.Housekeeping(ctx)
	if err != nil {
		return fmt.Errorf("failed to get housekeeping report: %w", err)
	}
	b, err := rep.YAML()
	if err != nil {
		return fmt.Errorf("failed to format report: %w", err)
	}
	_, err = out.Write(b)
	return err
}

func runResetCounters(ctx context.Context, client ControlClient, out io.Writer) error {
	snap, err := client.ResetCounters(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset counters: %w", err)
	}
	fmt.Fprintln(out, "✓ Counters reset")
	return yaml.NewEncoder(out).Encode(snap)
}

func runNoop(ctx context.Context, client ControlClient, out io.Writer) error {
	snap, err := client.Noop(ctx)
	if err != nil {
		return fmt.Errorf("noop failed: %w", err)
	}
	fmt.Fprintf(out, "✓ No-op accepted (command counter %d)\n", snap.CommandCounter)
	return nil
}
