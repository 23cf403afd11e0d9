package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/livebs/governor/pkg/config"
	"github.com/livebs/governor/pkg/store"
)

func rapidManager(rt *rapid.T, limit int64, clock *fakeClock) *Manager {
	cfg := config.BudgetConfig{
		DailyLimit:       limit,
		WarningThreshold: limit * 4 / 5,
		Timezone:         "UTC",
		Locale:           "en",
	}
	mem := store.NewMemory(store.WithClock(clock.Now))
	mgr, err := NewManager(store.New(mem, nil, nil), cfg, nil, WithClock(clock.Now))
	require.NoError(rt, err)
	return mgr
}

// Used tokens always equal the sum of the persisted debits.
func TestProperty_ConsumeIsMonotonicSum(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		clock := newFakeClock(testNoon)
		mgr := rapidManager(rt, 50000, clock)
		ctx := context.Background()

		debits := rapid.SliceOfN(rapid.Int64Range(1, 5000), 1, 30).Draw(rt, "debits")
		var sum, prev int64
		for _, n := range debits {
			require.True(rt, mgr.Consume(ctx, "u", n, "chat"))
			sum += n

			u := mgr.Usage(ctx, "u")
			assert.GreaterOrEqual(rt, u.UsedTokens, prev)
			prev = u.UsedTokens
		}

		u := mgr.Usage(ctx, "u")
		assert.Equal(rt, sum, u.UsedTokens)
		assert.Equal(rt, int64(len(debits)), u.RequestsCount)
	})
}

// Remaining tokens are never negative.
func TestProperty_RemainingIsClamped(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		clock := newFakeClock(testNoon)
		limit := rapid.Int64Range(0, 100000).Draw(rt, "limit")
		mgr := rapidManager(rt, limit, clock)
		ctx := context.Background()

		used := rapid.Int64Range(1, 1_000_000).Draw(rt, "used")
		require.True(rt, mgr.Consume(ctx, "u", used, "chat"))

		u := mgr.Usage(ctx, "u")
		assert.GreaterOrEqual(rt, u.RemainingTokens, int64(0))
		if used >= limit {
			assert.Equal(rt, int64(0), u.RemainingTokens)
			assert.True(rt, u.IsLimitReached)
		} else {
			assert.Equal(rt, limit-used, u.RemainingTokens)
		}
	})
}

// Debits on one day never show up in another day's record.
func TestProperty_DayIsolation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		clock := newFakeClock(testNoon)
		mgr := rapidManager(rt, 50000, clock)
		ctx := context.Background()

		day1 := rapid.SliceOfN(rapid.Int64Range(1, 1000), 0, 10).Draw(rt, "day1")
		day2 := rapid.SliceOfN(rapid.Int64Range(1, 1000), 0, 10).Draw(rt, "day2")

		var sum1, sum2 int64
		for _, n := range day1 {
			require.True(rt, mgr.Consume(ctx, "u", n, "chat"))
			sum1 += n
		}
		clock.Advance(24 * time.Hour)
		for _, n := range day2 {
			require.True(rt, mgr.Consume(ctx, "u", n, "chat"))
			sum2 += n
		}

		assert.Equal(rt, sum2, mgr.Usage(ctx, "u").UsedTokens)
		assert.Equal(rt, sum2, mgr.UsageOn(ctx, "u", "2025-03-11").UsedTokens)
		// Day one's record outlived its TTL; it never absorbed day two's debits.
		assert.LessOrEqual(rt, mgr.UsageOn(ctx, "u", "2025-03-10").UsedTokens, sum1)
	})
}

// A sequence of atomic debits never pushes usage past the limit.
func TestProperty_TryConsumeRespectsLimit(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		clock := newFakeClock(testNoon)
		limit := rapid.Int64Range(0, 10000).Draw(rt, "limit")
		mgr := rapidManager(rt, limit, clock)
		ctx := context.Background()

		requests := rapid.SliceOfN(rapid.Int64Range(1, 3000), 1, 20).Draw(rt, "requests")
		var granted int64
		for _, n := range requests {
			_, ok, err := mgr.TryConsume(ctx, "u", n, "chat")
			require.NoError(rt, err)
			if ok {
				granted += n
			}
		}

		u := mgr.Usage(ctx, "u")
		assert.Equal(rt, granted, u.UsedTokens)
		assert.LessOrEqual(rt, u.UsedTokens, limit)
	})
}
