// Package cache is the domain-aware response cache: namespaced keys,
// per-category TTLs and prompt hashing on top of the best-effort store.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/livebs/governor/pkg/logging"
	"github.com/livebs/governor/pkg/metrics"
	"github.com/livebs/governor/pkg/models"
	"github.com/livebs/governor/pkg/store"
)

// Namespace prefixes every key written by governor.
const Namespace = "livebs"

// Category groups cached values that share a TTL policy.
type Category string

const (
	CategoryProfile    Category = "profile"
	CategoryAIResponse Category = "ai_response"
	CategoryMealPlan   Category = "meal_plan"
	CategoryWorkout    Category = "workout"
	CategoryStats      Category = "stats"
)

// Categories lists every cache category.
var Categories = []Category{CategoryProfile, CategoryAIResponse, CategoryMealPlan, CategoryWorkout, CategoryStats}

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown cache category %q", s)
}

// Default TTLs per category. Profiles use the configured default TTL.
const (
	AIResponseTTL  = 24 * time.Hour
	MealPlanTTL    = 12 * time.Hour
	WorkoutPlanTTL = 24 * time.Hour
	StatsTTL       = 5 * time.Minute
)

// LatestMealPlan is the plan type invalidated on profile changes.
const LatestMealPlan = "latest"

// hashLen is the number of hex characters kept from the prompt digest.
const hashLen = 12

// Key builds "<namespace>:<category>:<identifier>".
func Key(category Category, id string) string {
	return Namespace + ":" + string(category) + ":" + id
}

// HashPrompt returns a short, stable digest of a prompt. Identical prompts map
// to the same key across users and restarts.
func HashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])[:hashLen]
}

// Manager exposes typed cache accessors. It never returns store errors: a
// failed read is a miss and a failed write returns false.
type Manager struct {
	store      *store.Store
	defaultTTL time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
	group      singleflight.Group
	hits       atomic.Int64
	misses     atomic.Int64
}

// New creates a Manager. defaultTTL applies to profiles and to any category
// whose own TTL is unset; zero means one hour.
func New(s *store.Store, defaultTTL time.Duration, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &Manager{
		store:      s,
		defaultTTL: defaultTTL,
		logger:     logging.OrNop(logger).With(zap.String("component", "cache")),
		metrics:    m,
	}
}

// TTL returns the default time-to-live for a category.
func (m *Manager) TTL(category Category) time.Duration {
	switch category {
	case CategoryAIResponse:
		return AIResponseTTL
	case CategoryMealPlan:
		return MealPlanTTL
	case CategoryWorkout:
		return WorkoutPlanTTL
	case CategoryStats:
		return StatsTTL
	default:
		return m.defaultTTL
	}
}

func (m *Manager) get(ctx context.Context, category Category, id string, dest any) bool {
	data, ok := m.store.Get(ctx, Key(category, id))
	if ok {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(dest); err != nil {
			m.logger.Warn("discarding undecodable cache entry",
				zap.String("category", string(category)), zap.String("id", id), zap.Error(err))
			ok = false
		}
	}

	if ok {
		m.hits.Add(1)
	} else {
		m.misses.Add(1)
	}
	m.metrics.RecordCacheLookup(string(category), ok)
	return ok
}

func (m *Manager) set(ctx context.Context, category Category, id string, value any, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = m.TTL(category)
	}
	data, err := json.Marshal(value)
	if err != nil {
		m.logger.Warn("cache value not serializable",
			zap.String("category", string(category)), zap.String("id", id), zap.Error(err))
		return false
	}
	return m.store.Set(ctx, Key(category, id), data, ttl)
}

// GetProfile decodes the cached profile of userID into dest.
func (m *Manager) GetProfile(ctx context.Context, userID string, dest any) bool {
	return m.get(ctx, CategoryProfile, userID, dest)
}

// SetProfile caches a profile. ttl 0 uses the default TTL.
func (m *Manager) SetProfile(ctx context.Context, userID string, profile any, ttl time.Duration) bool {
	return m.set(ctx, CategoryProfile, userID, profile, ttl)
}

// GetAIResponse decodes the response cached under promptHash into dest.
func (m *Manager) GetAIResponse(ctx context.Context, promptHash string, dest any) bool {
	return m.get(ctx, CategoryAIResponse, promptHash, dest)
}

// SetAIResponse caches a response keyed by the hash of prompt and returns
// that hash. ttl 0 means 24h.
func (m *Manager) SetAIResponse(ctx context.Context, prompt string, response any, ttl time.Duration) string {
	hash := HashPrompt(prompt)
	m.set(ctx, CategoryAIResponse, hash, response, ttl)
	return hash
}

// computeTimeout bounds a shared compute once it is detached from the caller.
const computeTimeout = 2 * time.Minute

// ComputeAIResponse runs compute for prompt, caches the result and decodes it
// into dest. It does no lookup of its own: callers check GetAIResponse first,
// so each miss is counted once. Concurrent callers with the same prompt share
// one compute. It runs detached from ctx's cancellation, bounded by
// computeTimeout, so one caller going away does not fail the others.
func (m *Manager) ComputeAIResponse(ctx context.Context, prompt string, dest any, compute func(context.Context) (any, error)) error {
	hash := HashPrompt(prompt)
	v, err, _ := m.group.Do(hash, func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), computeTimeout)
		defer cancel()

		value, err := compute(cctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode response: %w", err)
		}
		m.store.Set(cctx, Key(CategoryAIResponse, hash), data, AIResponseTTL)
		return data, nil
	})
	if err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(v.([]byte)))
	dec.UseNumber()
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func mealPlanID(userID, planType string) string {
	if planType == "" {
		planType = LatestMealPlan
	}
	return userID + ":" + planType
}

// GetMealPlan decodes the cached meal plan of userID into dest. An empty
// planType means "latest".
func (m *Manager) GetMealPlan(ctx context.Context, userID, planType string, dest any) bool {
	return m.get(ctx, CategoryMealPlan, mealPlanID(userID, planType), dest)
}

// SetMealPlan caches a meal plan. ttl 0 means 12h.
func (m *Manager) SetMealPlan(ctx context.Context, userID, planType string, plan any, ttl time.Duration) bool {
	return m.set(ctx, CategoryMealPlan, mealPlanID(userID, planType), plan, ttl)
}

// GetWorkoutPlan decodes a cached workout plan into dest.
func (m *Manager) GetWorkoutPlan(ctx context.Context, userID, planID string, dest any) bool {
	return m.get(ctx, CategoryWorkout, userID+":"+planID, dest)
}

// SetWorkoutPlan caches a workout plan. ttl 0 means 24h.
func (m *Manager) SetWorkoutPlan(ctx context.Context, userID, planID string, plan any, ttl time.Duration) bool {
	return m.set(ctx, CategoryWorkout, userID+":"+planID, plan, ttl)
}

// GetStats decodes cached aggregate statistics into dest.
func (m *Manager) GetStats(ctx context.Context, key string, dest any) bool {
	return m.get(ctx, CategoryStats, key, dest)
}

// SetStats caches aggregate statistics. ttl 0 means 5 minutes.
func (m *Manager) SetStats(ctx context.Context, key string, stats any, ttl time.Duration) bool {
	return m.set(ctx, CategoryStats, key, stats, ttl)
}

// InvalidateUser drops the per-user entries that depend on the profile.
// Best-effort and not transactional.
func (m *Manager) InvalidateUser(ctx context.Context, userID string) bool {
	return m.store.Delete(ctx,
		Key(CategoryProfile, userID),
		Key(CategoryMealPlan, mealPlanID(userID, LatestMealPlan)),
	)
}

// Clear removes every entry of one category and returns how many were removed.
func (m *Manager) Clear(ctx context.Context, category Category) int {
	n := m.store.DeletePrefix(ctx, Key(category, ""))
	m.logger.Info("cache category cleared", zap.String("category", string(category)), zap.Int("removed", n))
	return n
}

// Stats returns hit and miss counts since the Manager was created.
func (m *Manager) Stats() models.CacheStats {
	return models.CacheStats{
		Hits:   m.hits.Load(),
		Misses: m.misses.Load(),
	}
}
