package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blerec/pkg/config"
)

// loadConfig reads --config and applies --log-level and --verbose on top.
// --log-level takes precedence over --verbose.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		if _, err := logrus.ParseLevel(level); err != nil {
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
		}
		cfg.Log.Level = level
	} else if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Log.Level = logrus.DebugLevel.String()
	}
	return cfg, nil
}
