package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/cilab/internal/daemon"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the cilab daemon",
	Long: `Stop the cilab daemon gracefully.

The daemon_shutdown request is sent over the control socket. If the socket is
unreachable, SIGTERM is sent to the process recorded in the PID file. Any
partially reassembled uplink message is discarded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd.Context(), newClient(), resolvePIDFile(stopPIDFile), cmd.OutOrStdout())
	},
}

var stopPIDFile string

func init() {
	stopCmd.Flags().StringVarP(&stopPIDFile, "pidfile", "p", "", "PID file used when the socket is unreachable")
}

// stopBySignal is replaced in tests.
var stopBySignal = daemon.StopDaemon

func runStop(ctx context.Context, client ControlClient, pidPath string, out io.Writer) error {
	err := client.Shutdown(ctx)
	if err == nil {
		fmt.Fprintln(out, "✓ Shutdown requested")
		return nil
	}

	if sigErr := stopBySignal(pidPath, 10*time.Second); sigErr != nil {
		return fmt.Errorf("failed to stop daemon: %w (signal: %v)", err, sigErr)
	}
	fmt.Fprintln(out, "✓ Daemon stopped")
	return nil
}
