package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/sold-listings-crawler/internal/config"
	"github.com/JakeFAU/sold-listings-crawler/internal/crawler"
)

// flagBindings maps crawl flags to the config keys they override.
var flagBindings = map[string]string{
	"query":      "crawl.queries",
	"max-items":  "crawl.max_items",
	"sink":       "sink.backend",
	"base-url":   "crawl.base_url",
	"engine":     "render.engine",
	"proxy-file": "egress.proxy_file",
}

func newCrawlCmd(root *rootOptions) *cobra.Command {
	v := config.New()
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl sold listings for one or more queries",
		Long: `Crawls the sold and completed results for each --query in turn, sharing one proxy
pool and one sink across queries. The crawl stops when --max-items records have been
stored, when the results run out, or when every proxy stays banned.`,
		Example: `  soldcrawl crawl --query "ps5" --max-items 5 --sink file
  soldcrawl crawl -q "switch oled" -q "steam deck" --config crawl.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, v, root.configPath)
		},
	}

	flags := cmd.Flags()
	flags.StringSliceP("query", "q", nil, "search query; repeat to crawl several queries in order")
	flags.IntP("max-items", "n", 0, "maximum listing records to store per query (0 = unlimited)")
	flags.String("sink", "", "listing sink: file, postgres or memory")
	flags.String("base-url", "", "marketplace base URL")
	flags.String("engine", "", "render engine: chromedp or colly")
	flags.String("proxy-file", "", "file with one proxy address per line")
	if err := bindFlags(v, flags); err != nil {
		panic(err)
	}
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagBindings {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func runCrawl(cmd *cobra.Command, v *viper.Viper, configPath string) error {
	cfg, err := config.LoadFrom(v, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(cfg.Crawl.Queries) == 0 {
		return crawler.ErrMissingQuery
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	runner, err := newRunner(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init application: %w", err)
	}
	defer func() {
		if cerr := runner.Close(); cerr != nil {
			logger.Warn("close application failed", zap.Error(cerr))
		}
	}()

	summaries, runErr := runner.Run(ctx, cfg.Crawl.Queries)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	for _, s := range summaries {
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	if runErr != nil {
		return fmt.Errorf("run crawl: %w", runErr)
	}
	logger.Info("crawl command finished", zap.Int("queries", len(summaries)))
	return nil
}
