// Package cmd defines and implements the CLI commands for the listing-crawler
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/app"
	"github.com/JakeFAU/listing-crawler/internal/config"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// Exit codes returned by Execute.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitBadConfig = 2
)

// Runner defines what commands need from the application. This allows us to
// inject a fake app during tests.
type Runner interface {
	Run(ctx context.Context) (crawler.Result, error)
	Logger() *zap.Logger
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config) (Runner, error) {
	return app.Build(ctx, cfg)
}

// cliState carries what the root command builds for its subcommands.
type cliState struct {
	cfgFile string
	crawl   crawlFlags
	app     Runner
}

// newRootCmd creates and configures the root command.
func newRootCmd(state *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listing-crawler",
		Short: "Archives car listing pages from carzone.ie.",
		Long: `listing-crawler walks the listing section of a single site, saving each
in-scope HTML page to a local directory or a GCS bucket until the page
budget is met. Requests are paced with randomized delays, rotate browser
identities and back off on rate limiting.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs before the subcommand: config is loaded, flag overrides are
		// applied and the application is built.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(state.cfgFile)
			if err != nil {
				return fmt.Errorf("%w: %w", errBadConfig, err)
			}
			state.crawl.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("%w: %w", errBadConfig, err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			state.app = appInstance
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&state.cfgFile, "config", "", "path to a YAML config file")
	cmd.AddCommand(newCrawlCmd(state))
	return cmd
}

var errBadConfig = errors.New("invalid configuration")

// Execute is the main entry point. It returns the process exit code.
func Execute() int {
	return execute(context.Background(), os.Args[1:], os.Stderr)
}

func execute(ctx context.Context, args []string, stderr io.Writer) int {
	state := &cliState{}
	root := newRootCmd(state)
	root.SetArgs(args)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)

	if state.app != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := state.app.Close(closeCtx); cerr != nil {
			state.app.Logger().Warn("Shutdown incomplete", zap.Error(cerr))
		}
	}

	if err == nil {
		return ExitOK
	}
	if state.app != nil {
		state.app.Logger().Error("Command execution failed", zap.Error(err))
	} else {
		fmt.Fprintf(stderr, "listing-crawler: %v\n", err)
	}
	if errors.Is(err, crawler.ErrNoValidSeeds) || errors.Is(err, errBadConfig) {
		return ExitBadConfig
	}
	return ExitFailure
}
