package cmd

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/config"
)

// crawlFlags override values loaded from file and environment.
type crawlFlags struct {
	maxPages    int
	output      string
	proxy       string
	seeds       []string
	concurrency int
}

func (f crawlFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("max-pages") {
		cfg.Crawler.MaxPages = f.maxPages
	}
	if flags.Changed("output") {
		cfg.Output.Location = f.output
	}
	if flags.Changed("proxy") {
		cfg.HTTP.ProxyURL = f.proxy
	}
	if flags.Changed("seed") {
		cfg.Crawler.StartURLs = f.seeds
	}
	if flags.Changed("concurrency") {
		cfg.Crawler.Concurrency = f.concurrency
	}
}

// newCrawlCmd creates and configures the 'crawl' subcommand.
func newCrawlCmd(state *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run one crawl to the configured page budget",
		Long: `Seeds the frontier from start_urls (or <base_url>/cars), then fetches
and saves in-scope listing pages until max_pages are saved, the frontier
is exhausted or SIGINT/SIGTERM arrives. A crawl_summary.json is written
at the end of every run that started.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if state.app == nil {
				return errors.New("application services not initialized")
			}
			res, err := state.app.Run(cmd.Context())
			if err != nil {
				return err
			}
			state.app.Logger().Info("Crawl command finished",
				zap.Int("saved", res.Saved),
				zap.Int("target", res.Target),
				zap.Bool("interrupted", res.Interrupted))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&state.crawl.maxPages, "max-pages", 0, "number of pages to save")
	flags.StringVar(&state.crawl.output, "output", "", "output directory, gs://bucket/prefix or memory://")
	flags.StringVar(&state.crawl.proxy, "proxy", "", "proxy URL (http, https, socks5)")
	flags.StringSliceVar(&state.crawl.seeds, "seed", nil, "seed URL; repeat or comma-separate for several")
	flags.IntVar(&state.crawl.concurrency, "concurrency", 0, "number of fetch workers")
	return cmd
}
