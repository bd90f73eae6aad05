package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/seclink/pkg/config"
)

// configureLogger creates a logger from cfg and the command flags.
// --log-level takes precedence over --verbose, which takes precedence over the
// config file. Without any of them the logger stays silent.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())

	logLevelStr, _ := cmd.Flags().GetString("log-level")
	verbose, _ := cmd.Flags().GetBool("verbose")
	configPath, _ := cmd.Flags().GetString("config")

	switch {
	case logLevelStr != "":
		switch logLevelStr {
		case "debug", "info", "warn", "error":
			level, _ := logrus.ParseLevel(logLevelStr)
			logger.SetLevel(level)
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
		}
	case verbose:
		logger.SetLevel(logrus.DebugLevel)
	case configPath == "":
		// Default to panic level (essentially silent for normal operations)
		logger.SetLevel(logrus.PanicLevel)
	}

	return logger, nil
}
