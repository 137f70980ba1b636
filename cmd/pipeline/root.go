package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/heyronith/kurral-sub012/internal/application"
)

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "pipeline",
		Short:        "Fact-check and score user-generated content",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (YAML); PIPELINE_* environment variables override it")

	root.AddCommand(
		newServeCmd(opts),
		newProcessCmd(opts),
		newWorkerCmd(opts),
		newMigrateCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

// load reads the configuration and installs the logger it describes as the
// slog default.
func (o *rootOptions) load() (*application.Config, *slog.Logger, error) {
	cfg, err := application.LoadConfig(viper.New(), o.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// newLogger builds the slog handler selected by cfg.
func newLogger(cfg application.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch cfg.Format {
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("service", application.TracingServiceName)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}
