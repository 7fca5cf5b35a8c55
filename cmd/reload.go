package cmd

import (
	"fmt"
	"io"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/cilab/internal/daemon"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload configuration",
	Long: `Send SIGHUP to the daemon recorded in the PID file. Logging settings are
applied immediately; other changes are reported in the daemon log as needing
a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReload(resolvePIDFile(reloadPIDFile), cmd.OutOrStdout())
	},
}

var reloadPIDFile string

func init() {
	reloadCmd.Flags().StringVarP(&reloadPIDFile, "pidfile", "p", "", "PID file path")
}

// signalProcess is replaced in tests.
var signalProcess = syscall.Kill

func runReload(pidPath string, out io.Writer) error {
	pid, err := daemon.ReadPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	if err := signalProcess(pid, syscall.SIGHUP); err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	fmt.Fprintln(out, "✓ Reload signal sent")
	return nil
}
