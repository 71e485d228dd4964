package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/berrythewa/clipbridge/internal/bridge"
	"github.com/berrythewa/clipbridge/internal/config"
)

var (
	// Global flags
	configFile  string
	verbose     bool
	quiet       bool
	syncPrimary bool

	// Shared resources
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd runs the bridge in the foreground when called without a
// subcommand.
var rootCmd = &cobra.Command{
	Use:   "clipbridge",
	Short: "Bidirectional clipboard bridge between X11 and Wayland",
	Long: `Clipbridge keeps the clipboard and primary selections of an X11 server
and a Wayland compositor mutually consistent, so a copy made in one
graphics stack becomes a paste in the other.

It needs both servers reachable: DISPLAY for X11, and WAYLAND_DISPLAY
with a compositor supporting wlr-data-control for Wayland.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("sync-primary") {
			cfg.SyncPrimary = syncPrimary
		}
		logger, err = setupLogger(cfg)
		return err
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		defer func() { _ = logger.Sync() }()
		return bridge.New(cfg, logger).Run(cmd.Context())
	},
}

// Execute runs the command tree; initialization failures exit non-zero.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is $XDG_CONFIG_HOME/clipbridge/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "minimize output")
	rootCmd.Flags().BoolVar(&syncPrimary, "sync-primary", false, "also observe the Wayland primary (mouse) selection")

	rootCmd.AddCommand(newVersionCmd())
}

func setupLogger(cfg *config.Config) (*zap.Logger, error) {
	var zcfg zap.Config

	switch {
	case verbose:
		zcfg = zap.NewDevelopmentConfig()
	case quiet:
		zcfg = zap.NewProductionConfig()
		zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	default:
		zcfg = zap.NewProductionConfig()
		zcfg.Level = zap.NewAtomicLevelAt(parseLevel(cfg.Log.Level))
	}

	if cfg.Log.File != "" {
		zcfg.OutputPaths = append(zcfg.OutputPaths, cfg.Log.File)
	}

	l, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	return l, nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
