package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/livebs/governor/pkg/config"
	"github.com/livebs/governor/pkg/logging"
	"github.com/livebs/governor/pkg/metrics"
)

// Open builds the process-wide Store. It tries the configured backend once;
// on any failure it logs the degradation and serves from an in-process Memory
// backend for the rest of the process lifetime. Open never fails.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger, m *metrics.Metrics) *Store {
	logger = logging.OrNop(logger)

	var (
		backend Backend
		err     error
	)
	switch cfg.Driver {
	case "memory":
		backend = NewMemory()
	case "sqlite":
		backend, err = openSQLite(cfg.SQLitePath)
	default:
		backend, err = openRedis(ctx, cfg)
	}

	if err != nil {
		logger.Warn("backing store unavailable, falling back to in-process store",
			zap.String("component", "store"),
			zap.String("driver", cfg.Driver),
			zap.Error(err),
		)
		s := New(NewMemory(), logger, m)
		s.degraded = true
		m.SetDegraded(true)
		return s
	}

	logger.Info("backing store ready",
		zap.String("component", "store"),
		zap.String("backend", backend.Name()),
	)
	m.SetDegraded(false)
	return New(backend, logger, m)
}

// openRedis and openSQLite return a nil interface on failure rather than a
// typed nil pointer.
func openRedis(ctx context.Context, cfg config.StoreConfig) (Backend, error) {
	r, err := NewRedis(ctx, cfg.Redis, cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func openSQLite(path string) (Backend, error) {
	s, err := NewSQLite(path)
	if err != nil {
		return nil, err
	}
	return s, nil
}
