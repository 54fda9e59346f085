package main

import (
	"fmt"
	"os"

	"github.com/danmuck/ratslink/internal/config"
	"github.com/danmuck/ratslink/internal/logging"
	"github.com/danmuck/ratslink/internal/output"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

var (
	cfgFile      string
	callsign     string
	outputFormat string
	adminURL     string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ratsd",
		Short: "Reliable messaging over amateur radio data links",
		Long: `ratsd runs a D-RATS compatible station over a serial radio, a KISS TNC
or a ratflector socket, and talks to a running station through its admin API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "ratsd.toml", "station config file")
	flags.StringVar(&callsign, "callsign", "", "override the configured callsign")
	flags.StringVarP(&outputFormat, "output", "o", output.FormatTable, "listing format: table, json or yaml")
	flags.StringVar(&adminURL, "admin", "", "admin API of a running station (default from config)")

	root.AddCommand(
		newRunCmd(),
		newSniffCmd(),
		newChatCmd(),
		newPingCmd(),
		newSendFileCmd(),
		newRecvFileCmd(),
		newSessionsCmd(),
		newStationsCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return root
}

// loadStation reads the config file, applies flag overrides and installs
// the configured logger.
func loadStation() (config.Station, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Station{}, err
	}
	if callsign != "" {
		cfg.Callsign = callsign
		if err := config.ValidateCallsign(cfg.Callsign); err != nil {
			return config.Station{}, err
		}
	}
	logging.ConfigureWith(cfg.Log)
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ratsd version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ratsd version %s\n", version)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
