package main

import (
	"fmt"

	"github.com/danmuck/ratslink/internal/config"
	"github.com/danmuck/ratslink/internal/output"
	"github.com/spf13/cobra"
)

type configSummary struct {
	Callsign  string `json:"callsign" yaml:"callsign"`
	Pipe      string `json:"pipe" yaml:"pipe"`
	Address   string `json:"address" yaml:"address"`
	BlockSize int    `json:"blocksize" yaml:"blocksize"`
	OutLimit  int    `json:"out_limit" yaml:"out_limit"`
	Idle      string `json:"idle_timeout" yaml:"idle_timeout"`
	Admin     string `json:"admin" yaml:"admin"`
	LogLevel  string `json:"log_level" yaml:"log_level"`
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check a station config",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [PATH]",
		Short: "Write a default station config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfgFile
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteTemplate(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate [PATH]",
		Short: "Load a station config and report what it sets",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfgFile
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			idle := "never"
			if cfg.Session.IdleTimeout > 0 {
				idle = cfg.Session.IdleTimeout.String()
			}
			return output.Print(cmd.OutOrStdout(), outputFormat, configSummary{
				Callsign:  cfg.Callsign,
				Pipe:      cfg.Pipe.Kind,
				Address:   cfg.Pipe.Address,
				BlockSize: cfg.Session.BlockSize,
				OutLimit:  cfg.Session.OutLimit,
				Idle:      idle,
				Admin:     cfg.Admin.Addr,
				LogLevel:  cfg.Log.Level.String(),
			})
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
