package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sendrec/watchparty/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "watchparty",
	Short:         "Watch a movie together: shared playback sessions over HTTP",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	flagServerURL string
	flagLogLevel  string
	flagLogFormat string
)

func init() {
	defaults := config.Defaults()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagServerURL, "server", defaults.ServerURL, "watchparty server URL (env WATCHPARTY_SERVER)")
	flags.StringVar(&flagLogLevel, "log-level", defaults.LogLevel, "log level: debug, info, warn, error (env LOG_LEVEL)")
	flags.StringVar(&flagLogFormat, "log-format", defaults.LogFormat, "log format: text or json (env LOG_FORMAT)")

	rootCmd.AddCommand(serveCmd, uploadCmd, joinCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "watchparty:", err)
		os.Exit(1)
	}
}

// applyFlags lets flags given on the command line override cfg.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.ServerURL = flagServerURL
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = flagLogFormat
	}
	if f := flags.Lookup("threshold"); f != nil && f.Changed {
		cfg.SyncThreshold = flagThreshold
	}
}

// viewerConfig loads the settings of the upload and join commands.
func viewerConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadViewer()
	if err != nil {
		return nil, nil, err
	}
	applyFlags(cmd, cfg)
	if cfg.SyncThreshold < 0 {
		return nil, nil, fmt.Errorf("threshold must not be negative")
	}
	return cfg, config.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat), nil
}
