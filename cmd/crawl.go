// Package cmd defines the CLI commands of the newscrawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/news-crawler/internal/app"
)

// newApp is the application factory. It is a variable so tests can inject
// a fake backend.
var newApp = func(ctx context.Context, e *env) (*app.App, error) {
	return app.New(ctx, e.cfg, e.logger)
}

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	var serve bool
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run a crawl until every category target is met",
		Long: `Seeds the configured section pages, then crawls until every category
reaches its target, the frontier runs dry, or the process is interrupted.
State is checkpointed so the next run resumes where this one stopped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd.Context(), serve)
		},
	}
	cmd.Flags().BoolVar(&serve, "serve", false, "serve the status API while crawling (overrides server.enabled)")
	return cmd
}

func runCrawl(parent context.Context, serve bool) error {
	e, err := resolveEnv(parent)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, e)
	if err != nil {
		return fmt.Errorf("initialize crawl services: %w", err)
	}
	defer a.Close()

	seeded, err := a.Seed()
	if err != nil {
		return err
	}
	e.logger.Info("crawl starting",
		zap.String("run_id", a.RunID.String()),
		zap.Int("seeds", seeded),
		zap.Int("workers", e.cfg.Crawler.Workers),
	)

	if !serve && !e.cfg.Server.Enabled {
		return finishCrawl(e.logger, a.Orchestrator.Run(ctx))
	}

	// The API outlives the crawl only until Run returns.
	g, gctx := errgroup.WithContext(ctx)
	apiCtx, stopAPI := context.WithCancel(gctx)
	defer stopAPI()
	srv := a.APIServer()
	g.Go(func() error {
		return srv.ListenAndServe(apiCtx, e.cfg.Server.Port, e.cfg.Server.ShutdownTimeout)
	})
	g.Go(func() error {
		defer stopAPI()
		return a.Orchestrator.Run(gctx)
	})
	return finishCrawl(e.logger, g.Wait())
}

func finishCrawl(logger *zap.Logger, err error) error {
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawl: %w", err)
	}
	logger.Info("crawl command finished")
	return nil
}
