// Package storetest provides Backend doubles for tests in other packages.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livebs/governor/pkg/store"
)

// ErrInjected is the error returned by a Flaky backend for failing operations.
var ErrInjected = errors.New("storetest: injected failure")

// Flaky wraps a Backend and fails selected operations on demand.
type Flaky struct {
	store.Backend

	mu   sync.Mutex
	fail map[string]bool

	Calls sync.Map // op name -> *atomic.Int64
}

// NewFlaky wraps inner. With no operations marked failing it behaves exactly like inner.
func NewFlaky(inner store.Backend) *Flaky {
	return &Flaky{Backend: inner, fail: make(map[string]bool)}
}

// Fail makes the named operations ("get", "set", "delete", "update",
// "delete_prefix", "ping") return ErrInjected.
func (f *Flaky) Fail(ops ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, op := range ops {
		f.fail[op] = true
	}
}

// Heal clears all injected failures.
func (f *Flaky) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = make(map[string]bool)
}

// Count returns how many times op was invoked.
func (f *Flaky) Count(op string) int64 {
	v, ok := f.Calls.Load(op)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

func (f *Flaky) hit(op string) error {
	v, _ := f.Calls.LoadOrStore(op, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[op] {
		return ErrInjected
	}
	return nil
}

// Name implements store.Backend.
func (f *Flaky) Name() string { return "flaky" }

// Get implements store.Backend.
func (f *Flaky) Get(ctx context.Context, key string) ([]byte, error) {
	if err := f.hit("get"); err != nil {
		return nil, err
	}
	return f.Backend.Get(ctx, key)
}

// Set implements store.Backend.
func (f *Flaky) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := f.hit("set"); err != nil {
		return err
	}
	return f.Backend.Set(ctx, key, value, ttl)
}

// Delete implements store.Backend.
func (f *Flaky) Delete(ctx context.Context, keys ...string) error {
	if err := f.hit("delete"); err != nil {
		return err
	}
	return f.Backend.Delete(ctx, keys...)
}

// Update implements store.Backend.
func (f *Flaky) Update(ctx context.Context, key string, ttl time.Duration, fn store.UpdateFunc) error {
	if err := f.hit("update"); err != nil {
		return err
	}
	return f.Backend.Update(ctx, key, ttl, fn)
}

// DeletePrefix implements store.Backend.
func (f *Flaky) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if err := f.hit("delete_prefix"); err != nil {
		return 0, err
	}
	return f.Backend.DeletePrefix(ctx, prefix)
}

// Ping implements store.Backend.
func (f *Flaky) Ping(ctx context.Context) error {
	if err := f.hit("ping"); err != nil {
		return err
	}
	return f.Backend.Ping(ctx)
}
