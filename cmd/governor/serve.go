package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/livebs/governor/pkg/llm"
	"github.com/livebs/governor/pkg/server"
	"github.com/livebs/governor/pkg/tracker"
)

func newServeCmd(configPath *string) *cobra.Command {
	var (
		listen        string
		purgeInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the governor HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if listen != "" {
				a.cfg.Listen = listen
			}
			if a.cfg.OpenAI.APIKey == "" {
				a.logger.Warn("no inference API key configured, chat requests will fail upstream")
			}

			// A nil *SQLiteTracker must not become a non-nil interface.
			var tr tracker.Tracker
			if a.tracker != nil {
				tr = a.tracker
			}

			srv := server.New(a.cfg, server.Deps{
				Store:    a.store,
				Cache:    a.cache,
				Enforcer: a.enforcer,
				Tracker:  tr,
				LLM:      llm.NewOpenAI(a.cfg.OpenAI, a.logger),
				Metrics:  a.metrics,
				Logger:   a.logger,
			})

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.ListenAndServe(ctx)
			})
			if a.store.Purges() && purgeInterval > 0 {
				g.Go(func() error {
					purgeLoop(ctx, a, purgeInterval)
					return nil
				})
			}

			a.logger.Info("starting governor",
				zap.String("listen", a.cfg.Listen),
				zap.String("store", a.store.BackendName()),
				zap.Bool("degraded", a.store.Degraded()),
				zap.Int64("daily_limit", a.budget.DailyLimit()),
			)
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "override the listen address")
	cmd.Flags().DurationVar(&purgeInterval, "purge-interval", 10*time.Minute, "how often expired SQLite entries are removed")
	return cmd
}

func purgeLoop(ctx context.Context, a *app, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.store.PurgeExpired(ctx); n > 0 {
				a.logger.Debug("purged expired entries", zap.Int64("count", n))
			}
		}
	}
}
