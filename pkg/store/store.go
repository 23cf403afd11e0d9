// Package store provides the key-value-with-expiry backing store used by the
// response cache and the token ledger.
//
// Backends (Redis, SQLite, Memory) return errors. Everything above this
// package talks to the Store facade, which absorbs and logs backend failures
// so that caching stays best-effort.
package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/livebs/governor/pkg/logging"
	"github.com/livebs/governor/pkg/metrics"
)

// ErrNotFound is returned by backends when a key is absent or expired.
var ErrNotFound = errors.New("store: key not found")

// ErrConflict is returned by Update when optimistic retries are exhausted.
var ErrConflict = errors.New("store: concurrent update conflict")

// UpdateFunc computes the next value of a key from its current value.
// Returning a nil next value leaves the key untouched. The function may be
// invoked more than once when a backend retries after a conflict, so it must
// not accumulate state across calls.
type UpdateFunc func(current []byte, found bool) (next []byte, err error)

// Backend is a key-value store with per-key expiry. A ttl <= 0 means the key
// never expires.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	// Update atomically applies fn to the current value of key and stores the
	// result with ttl.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
	// DeletePrefix removes every key starting with prefix and returns how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases resources.
	Close() error
}

// Store is the best-effort facade over a Backend. Get, Set, Delete and Ping
// never return errors; failures are logged and reported as absent reads or
// false results.
type Store struct {
	backend  Backend
	degraded bool
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// New wraps backend in a Store.
func New(backend Backend, logger *zap.Logger, m *metrics.Metrics) *Store {
	return &Store{
		backend: backend,
		logger:  logging.OrNop(logger).With(zap.String("component", "store")),
		metrics: m,
	}
}

// BackendName returns the name of the active backend.
func (s *Store) BackendName() string {
	return s.backend.Name()
}

// Degraded reports whether the configured backend was unavailable at startup
// and the in-process substitute is serving instead.
func (s *Store) Degraded() bool {
	return s.degraded
}

// Get returns the value stored under key. Absent, expired and failed reads
// all return ok == false.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	value, err := s.backend.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		s.metrics.RecordStoreOp(s.backend.Name(), "get", nil)
		return nil, false
	}
	s.metrics.RecordStoreOp(s.backend.Name(), "get", err)
	if err != nil {
		s.logger.Warn("store get failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return value, true
}

// Set stores value under key for ttl and reports whether the write succeeded.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	err := s.backend.Set(ctx, key, value, ttl)
	s.metrics.RecordStoreOp(s.backend.Name(), "set", err)
	if err != nil {
		s.logger.Warn("store set failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Delete removes keys and reports whether the delete succeeded.
func (s *Store) Delete(ctx context.Context, keys ...string) bool {
	if len(keys) == 0 {
		return true
	}
	err := s.backend.Delete(ctx, keys...)
	s.metrics.RecordStoreOp(s.backend.Name(), "delete", err)
	if err != nil {
		s.logger.Warn("store delete failed", zap.Strings("keys", keys), zap.Error(err))
		return false
	}
	return true
}

// DeletePrefix removes every key under prefix. Failures are logged and
// reported as zero removals.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) int {
	n, err := s.backend.DeletePrefix(ctx, prefix)
	s.metrics.RecordStoreOp(s.backend.Name(), "delete_prefix", err)
	if err != nil {
		s.logger.Warn("store delete by prefix failed", zap.String("prefix", prefix), zap.Error(err))
		return 0
	}
	return n
}

// Update atomically rewrites key. Unlike the other methods it returns the
// error, because callers that own a record must know whether it persisted.
// The failure is still logged here.
func (s *Store) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	err := s.backend.Update(ctx, key, ttl, fn)
	s.metrics.RecordStoreOp(s.backend.Name(), "update", err)
	if err != nil {
		s.logger.Warn("store update failed", zap.String("key", key), zap.Error(err))
	}
	return err
}

// Ping reports whether the backend answers.
func (s *Store) Ping(ctx context.Context) bool {
	err := s.backend.Ping(ctx)
	s.metrics.RecordStoreOp(s.backend.Name(), "ping", err)
	if err != nil {
		s.logger.Warn("store ping failed", zap.Error(err))
		return false
	}
	return true
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// purger is implemented by backends that keep expired rows until swept.
type purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Purges reports whether the backend needs periodic PurgeExpired calls.
func (s *Store) Purges() bool {
	_, ok := s.backend.(purger)
	return ok
}

// PurgeExpired removes expired entries from backends that do not expire keys
// on their own. It returns 0 for every other backend.
func (s *Store) PurgeExpired(ctx context.Context) int64 {
	p, ok := s.backend.(purger)
	if !ok {
		return 0
	}
	n, err := p.PurgeExpired(ctx)
	s.metrics.RecordStoreOp(s.backend.Name(), "purge", err)
	if err != nil {
		s.logger.Warn("store purge failed", zap.Error(err))
		return 0
	}
	return n
}
