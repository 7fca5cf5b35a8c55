package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/cilab/internal/config"
	"firestige.xyz/cilab/internal/daemon"
)

var replayCmd = &cobra.Command{
	Use:   "replay <capture.pcap>",
	Short: "Replay a captured pass offline",
	Long: `Feed the gateway datagrams of a pcap or pcapng capture through the ingest
path and print the resulting counters. Time is simulated, so a pass replays in
well under its real duration while keeping the idle gaps that delimit messages.

The config file is optional; built-in defaults are used when it does not exist.
The bus is always the in-process one.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfigOrDefault(configFile)
		if err != nil {
			return err
		}
		return runReplay(cmd, cfg, args[0], cmd.OutOrStdout())
	},
}

var (
	replaySpeed      float64
	replayPort       int
	replayLinkHeader bool
	replayFormat     string
)

func init() {
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 1.0, "replay speed factor, 0 ignores capture timing")
	replayCmd.Flags().IntVar(&replayPort, "port", 0, "UDP port carrying frames (0 = any)")
	replayCmd.Flags().BoolVar(&replayLinkHeader, "link-header", false, "datagrams start with [sender][rssi]")
	replayCmd.Flags().StringVarP(&replayFormat, "output", "o", "yaml", "output format: yaml|json")
}

func loadConfigOrDefault(path string) (*config.GlobalConfig, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if fileMissing(path) {
		return config.Default()
	}
	return nil, err
}

func runReplay(cmd *cobra.Command, cfg *config.GlobalConfig, path string, out io.Writer) error {
	flags := cmd.Flags()
	if flags.Changed("speed") || cfg.Source.Type != "pcap" {
		cfg.Source.Pcap.Speed = replaySpeed
	}
	if flags.Changed("port") {
		cfg.Source.Pcap.Port = replayPort
	}
	if flags.Changed("link-header") {
		cfg.Source.Pcap.LinkHeader = replayLinkHeader
	}

	res, err := daemon.Replay(cmd.Context(), cfg, path)
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	switch replayFormat {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case "yaml":
		return yaml.NewEncoder(out).Encode(res)
	default:
		return fmt.Errorf("unknown output format %q", replayFormat)
	}
}
