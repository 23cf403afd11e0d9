package budget

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/livebs/governor/pkg/logging"
	"github.com/livebs/governor/pkg/metrics"
	"github.com/livebs/governor/pkg/models"
)

// ErrBudgetExceeded is returned when a request exceeds the budget.
var ErrBudgetExceeded = errors.New("budget exceeded")

// ErrConsumeFailed is returned when a permitted debit could not be recorded.
var ErrConsumeFailed = errors.New("budget: failed to record token usage")

// ErrInvalidTokens is returned for non-positive token amounts.
var ErrInvalidTokens = errors.New("budget: token amount must be positive")

// ErrMissingUser is returned when no user id accompanies a request.
var ErrMissingUser = errors.New("budget: missing user id")

// requestOverhead is added to every estimate for the system prompt and framing.
const requestOverhead = 50

// EstimateTokens approximates the cost of sending text: one token per four
// characters plus a fixed overhead.
func EstimateTokens(text string) int64 {
	return int64(utf8.RuneCountInString(text))/4 + requestOverhead
}

// LimitReason distinguishes the two kinds of rejection.
type LimitReason string

const (
	// ReasonExhausted means nothing is left for today.
	ReasonExhausted LimitReason = "exhausted"
	// ReasonInsufficient means some tokens are left, but fewer than requested.
	ReasonInsufficient LimitReason = "insufficient"
)

// LimitError is the structured rejection returned by the Enforcer. It matches
// ErrBudgetExceeded with errors.Is.
type LimitError struct {
	UserID     string
	Reason     LimitReason
	Requested  int64
	Remaining  int64
	DailyLimit int64
	ResetTime  time.Time
	Message    string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("budget exceeded (%s): requested %d, remaining %d of %d",
		e.Reason, e.Requested, e.Remaining, e.DailyLimit)
}

// Is makes errors.Is(err, ErrBudgetExceeded) hold for any LimitError.
func (e *LimitError) Is(target error) bool {
	return target == ErrBudgetExceeded
}

// Grant describes a permitted and recorded debit.
type Grant struct {
	Tokens         int64
	Usage          models.TokenUsage
	PercentageUsed float64
	AlertLevel     models.AlertLevel
	// Advisory is a short warning for the caller to show, empty below 60%.
	Advisory string
}

// Recorder receives one event per granted debit.
type Recorder interface {
	Record(ctx context.Context, ev models.UsageEvent) error
}

// Enforcer gates every call to the inference API on the user's daily budget.
type Enforcer struct {
	manager  *Manager
	recorder Recorder
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// New creates an Enforcer. recorder and m may be nil.
func New(manager *Manager, recorder Recorder, logger *zap.Logger, m *metrics.Metrics) *Enforcer {
	return &Enforcer{
		manager:  manager,
		recorder: recorder,
		logger:   logging.OrNop(logger).With(zap.String("component", "enforcer")),
		metrics:  m,
	}
}

// Manager returns the underlying budget manager.
func (e *Enforcer) Manager() *Manager { return e.manager }

// Authorize estimates the cost of prompt and debits it from userID's budget.
func (e *Enforcer) Authorize(ctx context.Context, userID, prompt, requestType string) (*Grant, error) {
	return e.AuthorizeTokens(ctx, userID, EstimateTokens(prompt), requestType)
}

// AuthorizeTokens debits an explicit amount. It returns a *LimitError when the
// budget does not cover tokens, and an error wrapping ErrConsumeFailed when
// the debit could not be persisted. The check and the debit are one atomic
// store operation, so concurrent requests cannot overshoot the limit.
func (e *Enforcer) AuthorizeTokens(ctx context.Context, userID string, tokens int64, requestType string) (*Grant, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	if tokens <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTokens, tokens)
	}

	usage, allowed, err := e.manager.TryConsume(ctx, userID, tokens, requestType)
	if err != nil {
		e.metrics.RecordBudgetDecision("error", 0)
		e.logger.Error("token debit not recorded",
			zap.String("user_id", userID), zap.Int64("tokens", tokens), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrConsumeFailed, err)
	}

	if !allowed {
		e.metrics.RecordBudgetDecision("rejected", 0)
		lerr := e.limitError(userID, tokens, usage)
		e.logger.Info("request rejected by budget",
			zap.String("user_id", userID),
			zap.String("reason", string(lerr.Reason)),
			zap.Int64("requested", tokens),
			zap.Int64("remaining", usage.RemainingTokens),
		)
		return nil, lerr
	}

	e.metrics.RecordBudgetDecision("allowed", tokens)
	if e.recorder != nil {
		ev := models.UsageEvent{
			UserID:      userID,
			Tokens:      tokens,
			RequestType: requestType,
			CreatedAt:   e.manager.now().UTC(),
		}
		if err := e.recorder.Record(ctx, ev); err != nil {
			e.logger.Warn("usage event not recorded", zap.String("user_id", userID), zap.Error(err))
		}
	}

	raw := usedPercent(usage.UsedTokens, usage.DailyLimit)
	level := AlertFor(raw)
	return &Grant{
		Tokens:         tokens,
		Usage:          usage,
		PercentageUsed: Percentage(usage.UsedTokens, usage.DailyLimit),
		AlertLevel:     level,
		Advisory:       e.manager.messages.Advisory(level, raw, usage.RemainingTokens),
	}, nil
}

func (e *Enforcer) limitError(userID string, requested int64, usage models.TokenUsage) *LimitError {
	lerr := &LimitError{
		UserID:     userID,
		Requested:  requested,
		Remaining:  usage.RemainingTokens,
		DailyLimit: usage.DailyLimit,
		ResetTime:  e.manager.NextReset(),
	}
	if usage.RemainingTokens == 0 {
		lerr.Reason = ReasonExhausted
		lerr.Message = e.manager.messages.Exhausted(usage.DailyLimit)
	} else {
		lerr.Reason = ReasonInsufficient
		lerr.Message = e.manager.messages.Insufficient(requested, usage.RemainingTokens)
	}
	return lerr
}

// Guard authorizes prompt and then runs call. The debit stands whether or not
// call succeeds.
func (e *Enforcer) Guard(ctx context.Context, userID, prompt, requestType string, call func(context.Context, *Grant) error) (*Grant, error) {
	grant, err := e.Authorize(ctx, userID, prompt, requestType)
	if err != nil {
		return nil, err
	}
	return grant, call(ctx, grant)
}
