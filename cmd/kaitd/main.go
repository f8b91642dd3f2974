package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"kait/internal/config"
	"kait/internal/runtime"
	"kait/internal/types"
)

// Exit codes.
const (
	exitOK           = 0
	exitConfig       = 1
	exitDataDir      = 2
	exitBindConflict = 3
)

var (
	verbose  bool
	dataRoot string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "kaitd",
	Short: "kait - self-improving advisory engine for AI coding agents",
	Long: `kaitd observes a coding agent's tool-use events, distills them into
reliability-scored insights, and serves just-in-time pre-tool advice back to
the agent. The learning loop closes through implicit feedback: whether the
next tool call succeeded after advice was shown.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		cfg.DisableStacktrace = true
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kait daemon (ingest, pipeline, advisory, promotion)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		rt, err := runtime.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(),
			os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Info("starting kaitd",
			zap.String("data_root", cfg.DataRoot),
			zap.Int("port", cfg.Ingest.Port),
			zap.Bool("lite", cfg.Lite))
		return rt.Run(ctx)
	},
}

func loadConfig() (*config.Config, error) {
	root := dataRoot
	if root == "" {
		var err error
		root, err = config.DataRoot()
		if err != nil {
			return nil, err
		}
	}
	return config.Load(root)
}

// exitCodeFor maps a startup/shutdown error onto the CLI contract.
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "address already in use"):
		return exitBindConflict
	case strings.Contains(msg, "create data dir") ||
		strings.Contains(msg, "permission denied"):
		return exitDataDir
	case errors.Is(err, types.ErrFatal):
		return exitConfig
	default:
		return exitConfig
	}
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging to stderr")
	rootCmd.PersistentFlags().StringVar(&dataRoot, "data-root", "", "data directory (default $DATA_ROOT or ~/.kait)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(hookCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error("kaitd failed", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "kaitd: %v\n", err)
		}
		os.Exit(exitCodeFor(err))
	}
}
