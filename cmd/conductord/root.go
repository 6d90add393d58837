// Command conductord runs a bare-metal conductor and offers operator tools
// around it.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/eleven-am/conductor"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

type rootOptions struct {
	configFile string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "conductord",
		Short:         "Bare-metal provisioning conductor",
		Long:          "conductord drives bare-metal nodes through power changes, cleaning and deployment, and hands running workflows between peer conductors.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to a YAML configuration file")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newStepsCmd())
	cmd.AddCommand(newContinueCmd(opts))
	return cmd
}

// loadConfig reads --config when given and falls back to defaults.
func (o *rootOptions) loadConfig() (*conductor.Config, error) {
	if o.configFile == "" {
		config := conductor.DefaultConfig()
		if err := config.ApplyDefaults(); err != nil {
			return nil, err
		}
		return config, nil
	}
	return conductor.LoadConfig(o.configFile)
}

func newLogger(cfg conductor.LogConfig, debug bool, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	if debug {
		level = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}
