// Package budget tracks and enforces per-user daily token budgets.
package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/livebs/governor/pkg/cache"
	"github.com/livebs/governor/pkg/config"
	"github.com/livebs/governor/pkg/logging"
	"github.com/livebs/governor/pkg/models"
	"github.com/livebs/governor/pkg/store"
)

const dayLayout = "2006-01-02"

// record is the persisted form of one user's usage for one day.
type record struct {
	UsedTokens       int64      `json:"used_tokens"`
	RequestsCount    int64      `json:"requests_count"`
	FirstRequestTime *time.Time `json:"first_request_time,omitempty"`
	LastRequestTime  *time.Time `json:"last_request_time,omitempty"`
	LastRequestType  string     `json:"last_request_type,omitempty"`
}

func (r *record) add(tokens int64, requestType string, now time.Time) {
	r.UsedTokens += tokens
	r.RequestsCount++
	if r.FirstRequestTime == nil {
		r.FirstRequestTime = &now
	}
	r.LastRequestTime = &now
	r.LastRequestType = requestType
}

// Manager owns the daily usage records. It is the only component that writes
// them.
type Manager struct {
	store            *store.Store
	dailyLimit       int64
	warningThreshold int64
	loc              *time.Location
	now              func() time.Time
	messages         *Messages
	logger           *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLocation overrides the timezone that defines calendar days.
func WithLocation(loc *time.Location) Option {
	return func(m *Manager) { m.loc = loc }
}

// NewManager creates a Manager with the limits in cfg.
func NewManager(s *store.Store, cfg config.BudgetConfig, logger *zap.Logger, opts ...Option) (*Manager, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("budget timezone: %w", err)
	}
	m := &Manager{
		store:            s,
		dailyLimit:       cfg.DailyLimit,
		warningThreshold: cfg.WarningThreshold,
		loc:              loc,
		now:              time.Now,
		messages:         NewMessages(cfg.Locale),
		logger:           logging.OrNop(logger).With(zap.String("component", "budget")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// DailyLimit returns the configured per-user daily limit.
func (m *Manager) DailyLimit() int64 { return m.dailyLimit }

// Messages returns the localized texts used by the manager.
func (m *Manager) Messages() *Messages { return m.messages }

// Day returns the calendar day of t in the budget timezone.
func (m *Manager) Day(t time.Time) string {
	return t.In(m.loc).Format(dayLayout)
}

// Today returns the current calendar day in the budget timezone.
func (m *Manager) Today() string {
	return m.Day(m.now())
}

// Key returns the storage key of userID's record for day (YYYY-MM-DD).
func Key(userID, day string) string {
	return cache.Namespace + ":tokens:" + userID + "-" + day
}

// NextReset returns the next local midnight after now.
func (m *Manager) NextReset() time.Time {
	t := m.now().In(m.loc)
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, m.loc)
}

// recordTTL is the time left until the record's day ends.
func (m *Manager) recordTTL() time.Duration {
	ttl := m.NextReset().Sub(m.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (m *Manager) decode(userID string, data []byte) record {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		m.logger.Warn("discarding corrupt usage record", zap.String("user_id", userID), zap.Error(err))
		return record{}
	}
	return r
}

func (m *Manager) load(ctx context.Context, userID, day string) record {
	data, ok := m.store.Get(ctx, Key(userID, day))
	if !ok {
		return record{}
	}
	return m.decode(userID, data)
}

func (m *Manager) usage(userID, day string, r record) models.TokenUsage {
	remaining := m.dailyLimit - r.UsedTokens
	if remaining < 0 {
		remaining = 0
	}
	return models.TokenUsage{
		UserID:           userID,
		Day:              day,
		UsedTokens:       r.UsedTokens,
		RequestsCount:    r.RequestsCount,
		FirstRequestTime: r.FirstRequestTime,
		LastRequestTime:  r.LastRequestTime,
		LastRequestType:  r.LastRequestType,
		DailyLimit:       m.dailyLimit,
		RemainingTokens:  remaining,
		IsWarning:        r.UsedTokens >= m.warningThreshold,
		IsLimitReached:   r.UsedTokens >= m.dailyLimit,
	}
}

// Usage returns today's usage for userID. An absent or unreadable record is
// zero usage.
func (m *Manager) Usage(ctx context.Context, userID string) models.TokenUsage {
	day := m.Day(m.now())
	return m.usage(userID, day, m.load(ctx, userID, day))
}

// UsageOn returns userID's usage for a specific day.
func (m *Manager) UsageOn(ctx context.Context, userID, day string) models.TokenUsage {
	return m.usage(userID, day, m.load(ctx, userID, day))
}

// Consume adds tokens to today's record without any budget check and reports
// whether the new record was persisted.
func (m *Manager) Consume(ctx context.Context, userID string, tokens int64, requestType string) bool {
	if tokens <= 0 {
		m.logger.Warn("refusing non-positive consumption", zap.String("user_id", userID), zap.Int64("tokens", tokens))
		return false
	}
	now := m.now()
	day := m.Day(now)

	err := m.store.Update(ctx, Key(userID, day), m.recordTTL(), func(current []byte, found bool) ([]byte, error) {
		var r record
		if found {
			r = m.decode(userID, current)
		}
		r.add(tokens, requestType, now)
		return json.Marshal(r)
	})
	if err != nil {
		m.logger.Error("failed to persist token usage",
			zap.String("user_id", userID), zap.Int64("tokens", tokens), zap.Error(err))
		return false
	}
	return true
}

// CanConsume reports whether tokens more would stay within today's limit,
// along with the current usage. It does not change anything.
func (m *Manager) CanConsume(ctx context.Context, userID string, tokens int64) (bool, models.TokenUsage) {
	u := m.Usage(ctx, userID)
	return u.UsedTokens+tokens <= m.dailyLimit, u
}

// TryConsume checks and debits in one atomic step. allowed is false when the
// debit would exceed today's limit, in which case nothing is written. The
// returned usage reflects the record after the debit, or as it stood when the
// request was rejected. err is non-nil only when the store failed.
func (m *Manager) TryConsume(ctx context.Context, userID string, tokens int64, requestType string) (usage models.TokenUsage, allowed bool, err error) {
	if tokens <= 0 {
		return models.TokenUsage{}, false, fmt.Errorf("%w: %d", ErrInvalidTokens, tokens)
	}
	now := m.now()
	day := m.Day(now)

	var result record
	err = m.store.Update(ctx, Key(userID, day), m.recordTTL(), func(current []byte, found bool) ([]byte, error) {
		var r record
		if found {
			r = m.decode(userID, current)
		}
		if r.UsedTokens+tokens > m.dailyLimit {
			result, allowed = r, false
			return nil, nil
		}
		r.add(tokens, requestType, now)
		result, allowed = r, true
		return json.Marshal(r)
	})
	if err != nil {
		return models.TokenUsage{}, false, err
	}
	return m.usage(userID, day, result), allowed, nil
}

// Reset deletes userID's record for today.
func (m *Manager) Reset(ctx context.Context, userID string) bool {
	ok := m.store.Delete(ctx, Key(userID, m.Day(m.now())))
	if ok {
		m.logger.Info("token usage reset", zap.String("user_id", userID))
	}
	return ok
}

// usedPercent is used as an unrounded percentage of the daily limit. A zero
// limit counts as fully used. Alert tiers and messages classify on this value.
func usedPercent(used, dailyLimit int64) float64 {
	if dailyLimit <= 0 {
		return 100
	}
	return float64(used) / float64(dailyLimit) * 100
}

// Percentage returns used as a percentage of the daily limit, rounded to one
// decimal for display.
func Percentage(used, dailyLimit int64) float64 {
	return math.Round(usedPercent(used, dailyLimit)*10) / 10
}

// AlertFor classifies a usage percentage.
func AlertFor(percentage float64) models.AlertLevel {
	switch {
	case percentage >= 95:
		return models.AlertCritical
	case percentage >= 80:
		return models.AlertWarning
	case percentage >= 60:
		return models.AlertInfo
	default:
		return models.AlertNormal
	}
}

// Status returns the client-facing status for userID.
func (m *Manager) Status(ctx context.Context, userID string) models.TokenStatus {
	u := m.Usage(ctx, userID)
	raw := usedPercent(u.UsedTokens, u.DailyLimit)
	return models.TokenStatus{
		UserID:         userID,
		Used:           u.UsedTokens,
		Remaining:      u.RemainingTokens,
		DailyLimit:     u.DailyLimit,
		PercentageUsed: Percentage(u.UsedTokens, u.DailyLimit),
		RequestsCount:  u.RequestsCount,
		AlertLevel:     AlertFor(raw),
		StatusMessage:  m.messages.Status(raw, u.RemainingTokens, u.DailyLimit),
		IsLimitReached: u.IsLimitReached,
		ResetTime:      m.NextReset(),
	}
}
