// intelkit はIntelligenceKitサイドカーを使ってファイルにタグと要約を付与するCLI
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/y-oga-819/go-intelkit/internal/config"
)

var (
	// Global flags
	configPath string
	binaryPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "intelkit",
	Short: "On-device tagging and summarization through the IntelligenceKit sidecar",
	Long: `intelkit drives the IntelligenceKit sidecar over NDJSON to generate topic tags
and one-sentence summaries, and keeps captured files ("gems") in a local SQLite store.

When the sidecar is missing or Apple Intelligence is unavailable, every command still
runs: saving works without enrichment and explicit enrichment reports why it cannot run.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if binaryPath != "" {
			cfg.Sidecar.BinaryPath = binaryPath
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		logger, err = newLogger(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Logging.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(cfg.LogLevel())
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return zc.Build()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Config file path")
	rootCmd.PersistentFlags().StringVar(&binaryPath, "binary", "", "IntelligenceKit binary path (or set INTELKIT_BINARY env)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(tagsCmd)
	rootCmd.AddCommand(summarizeCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(enrichCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	// SIGINTでもサイドカーのshutdownまで実行してから終了する
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
