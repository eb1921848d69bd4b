// Package main is the zfit command: it fits redshifts to spectra across one or
// more processes and serves the stored results.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aristath/zfit/internal/config"
	"github.com/aristath/zfit/pkg/logger"
)

var (
	configPath string
	logLevel   string
	prettyLog  bool

	cfg *config.Config
	log zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "zfit",
	Short:         "Distributed spectroscopic redshift fitting",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			if err := os.Setenv("ZFIT_CONFIG", configPath); err != nil {
				return err
			}
		}
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		log = logger.New(logger.Config{Level: cfg.LogLevel, Pretty: prettyLog})
		logger.SetGlobalLogger(log)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&prettyLog, "pretty", false, "human readable log output")

	rootCmd.AddCommand(runCmd, hubCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "zfit:", err)
		os.Exit(1)
	}
}
