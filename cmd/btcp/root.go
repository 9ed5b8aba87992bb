package main

import (
	"os"

	"github.com/irctrakz/btcp/pkg/config"
	"github.com/irctrakz/btcp/pkg/logging"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	configPath string
	debugMode  bool
)

var rootCmd = &cobra.Command{
	Use:           "btcp",
	Short:         "btcp transfers data over a reliable transport on top of lossy UDP",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a yaml or json config file")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
}

// loadConfig layers defaults, the optional config file, environment
// variables, and flags, then applies the logging setup.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		if err := config.LoadFromFile(configPath, cfg); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	if err := cfg.ApplyLogging(); err != nil {
		return nil, err
	}
	if debugMode || os.Getenv("DEBUG") != "" {
		logging.SetLevel(logging.DebugLevel)
	}
	return cfg, nil
}
