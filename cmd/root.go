package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sold-listings-crawler/internal/app"
	"github.com/JakeFAU/sold-listings-crawler/internal/config"
	"github.com/JakeFAU/sold-listings-crawler/internal/logging"
	"github.com/JakeFAU/sold-listings-crawler/internal/orchestrator"
)

// Runner is the part of the application the crawl command drives.
type Runner interface {
	Run(ctx context.Context, queries []string) ([]orchestrator.Summary, error)
	Close() error
}

// newRunner builds the application. Tests replace it with a fake.
var newRunner = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	return app.Build(ctx, cfg, logger)
}

// newLogger builds the process logger from the loaded configuration.
var newLogger = func(cfg config.LoggingConfig) (*zap.Logger, error) {
	return logging.New(logging.Config{Development: cfg.Development, Level: cfg.Level})
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "soldcrawl",
		Short: "Crawls sold-item search results into structured listing records.",
		Long: `soldcrawl walks the sold and completed search results for one or more queries,
renders each result and detail page through a rotating pool of egress proxies,
extracts listing fields and stores each item once. Pages that cannot be fetched
or parsed are captured as diagnostics for later review.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	cmd.AddCommand(newCrawlCmd(opts))
	return cmd
}

// Execute runs the CLI. A fatal error exits non-zero; an interrupt exits cleanly.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	logger, lerr := logging.New(logging.Config{Development: true})
	if lerr != nil {
		logger = zap.NewExample()
	}
	stop()
	logger.Fatal("command execution failed", zap.Error(err))
}
