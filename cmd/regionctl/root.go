package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshuapare/regiongc/internal/logger"
	"github.com/joshuapare/regiongc/pkg/config"
)

var (
	// Global flags
	verbose    bool
	quiet      bool
	jsonOut    bool
	configPath string
	logLevel   string
	logFormat  string
	logDir     string

	cfg      config.Config
	closeLog = func() error { return nil }
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regionctl",
		Short: "Drive and inspect a region-based garbage collected heap",
		Long: `regionctl runs allocation workloads against a region heap with a
concurrent collector and reports what the allocator and control loop did.`,
		Version:           "0.1.0",
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return closeLog()
		},
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	cmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); logging is off when empty")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	cmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Write logs to a dated file in this directory")

	cmd.AddCommand(newRunCmd(), newConfigCmd(), newVersionCmd())
	return cmd
}

// setup loads the configuration and initializes logging.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg = config.Default()
		if err = cfg.ApplyEnv(os.LookupEnv); err == nil {
			err = cfg.Validate()
		}
	}
	if err != nil {
		return err
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if logDir != "" {
		cfg.Log.Dir = logDir
	}
	enabled := logLevel != "" || logDir != "" || verbose
	level := slog.LevelInfo
	if cfg.Log.Level != "" {
		if level, err = logger.ParseLevel(cfg.Log.Level); err != nil {
			return err
		}
	}
	closeLog, err = logger.Init(logger.Options{
		Enabled: enabled,
		Level:   level,
		Format:  logger.Format(cfg.Log.Format),
		Writer:  cmd.ErrOrStderr(),
		LogDir:  cfg.Log.Dir,
	})
	return err
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(w io.Writer, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(w, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(w io.Writer, format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(w, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
