package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/cilab/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Load and validate the configuration file given with --config without starting
the daemon. Environment overrides (CILAB_*) are applied as the daemon would.

Examples:
  cilab validate -c /etc/cilab/config.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(configFile, cmd.OutOrStdout())
	},
}

func runValidate(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}

	fmt.Fprintf(out, "VALID: node %q, source %s, decoder %s, bus %s\n",
		cfg.Node.Hostname,
		cfg.Source.Type,
		cfg.Decoder.Type,
		cfg.Bus.Type,
	)
	fmt.Fprintf(out, "  reassembly %d bytes, idle threshold %s, %d frames/poll every %s, on publish failure: %s\n",
		cfg.Uplink.ReassemblyCapacity,
		cfg.Uplink.IdleThreshold,
		cfg.Uplink.MaxFramesPerPoll,
		cfg.Uplink.PollInterval,
		cfg.Uplink.OnPublishFailure,
	)
	return nil
}

func fileMissing(path string) bool {
	_, err := os.Stat(path)
	return os.IsNotExist(err)
}
