// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/cilab/internal/command"
	"firestige.xyz/cilab/internal/config"
)

const defaultSocketPath = "/var/run/cilab.sock"

var (
	// Global flags
	configFile  string
	socketPath  string
	callTimeout time.Duration
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cilab",
	Short: "cilab - uplink command ingest for the ground segment",
	Long: `cilab receives radio link frames from the ground station gateway, reassembles
them into complete uplink messages using link idle time, decodes them and forwards
them to the software bus.

Local control goes through a Unix domain socket, remote control through Kafka.
Captured passes can be replayed offline with "cilab replay".`,
	Version:       command.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/cilab/config.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "",
		"daemon socket path (default: control.socket from the config file)")
	rootCmd.PersistentFlags().DurationVar(&callTimeout, "timeout", 10*time.Second,
		"control request timeout")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(countersCmd)
	rootCmd.AddCommand(resetCountersCmd)
	rootCmd.AddCommand(noopCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(validateCmd)
}

// resolveSocket picks the --socket flag, then the config file, then the
// built-in default.
func resolveSocket() string {
	if socketPath != "" {
		return socketPath
	}
	if cfg, err := config.Load(configFile); err == nil && cfg.Control.Socket != "" {
		return cfg.Control.Socket
	}
	return defaultSocketPath
}

// resolvePIDFile does the same for the PID file.
func resolvePIDFile(flag string) string {
	if flag != "" {
		return flag
	}
	if cfg, err := config.Load(configFile); err == nil && cfg.Control.PIDFile != "" {
		return cfg.Control.PIDFile
	}
	return "/var/run/cilab.pid"
}
