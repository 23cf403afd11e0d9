// Command governor serves and administers per-user token budgets and the
// response cache.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/livebs/governor/pkg/budget"
	"github.com/livebs/governor/pkg/cache"
	"github.com/livebs/governor/pkg/config"
	"github.com/livebs/governor/pkg/logging"
	"github.com/livebs/governor/pkg/metrics"
	"github.com/livebs/governor/pkg/store"
	"github.com/livebs/governor/pkg/tracker"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "governor",
		Short:         "Governor: per-user token budgets and response caching in front of an LLM API",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "governor.yaml", "path to config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newBudgetCmd(&configPath),
		newCacheCmd(&configPath),
		newStatsCmd(&configPath),
		newStoreCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds the components shared by every command.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	store    *store.Store
	cache    *cache.Manager
	budget   *budget.Manager
	enforcer *budget.Enforcer
	tracker  *tracker.SQLiteTracker
}

// newApp loads the config and opens the store. withTracker also opens the
// usage ledger when tracking is enabled.
func newApp(ctx context.Context, configPath string, withTracker bool) (*app, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logging.New(cfg.Log),
		metrics: metrics.New(nil),
	}
	if cfg.ClampWarningThreshold() {
		a.logger.Warn("warning threshold exceeded the daily limit, lowered to the limit",
			zap.Int64("daily_limit", cfg.Budget.DailyLimit))
	}
	a.store = store.Open(ctx, cfg.Store, a.logger, a.metrics)
	a.cache = cache.New(a.store, cfg.Cache.DefaultTTL, a.logger, a.metrics)

	a.budget, err = budget.NewManager(a.store, cfg.Budget, a.logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	var recorder budget.Recorder
	if withTracker && cfg.Tracker.Enabled {
		a.tracker, err = tracker.New(cfg.Tracker.DBPath)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init tracker: %w", err)
		}
		recorder = a.tracker
	}
	a.enforcer = budget.New(a.budget, recorder, a.logger, a.metrics)
	return a, nil
}

func (a *app) Close() {
	if a.tracker != nil {
		_ = a.tracker.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logger.Sync()
}
