package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/livebs/governor/pkg/budget"
	"github.com/livebs/governor/pkg/cache"
	"github.com/livebs/governor/pkg/llm"
	"github.com/livebs/governor/pkg/models"
	"github.com/livebs/governor/pkg/tracker"
)

// advisorySeparator sits between an answer and the budget advisory.
const advisorySeparator = "\n\n---\n"

const maxChatBody = 1 << 20

func (s *Server) handleTokenStatus(w http.ResponseWriter, r *http.Request) {
	status := s.enforcer.Manager().Status(r.Context(), r.Header.Get(UserHeader))
	writeJSON(w, http.StatusOK, status)
}

type chatRequest struct {
	Message     string `json:"message"`
	RequestType string `json:"request_type,omitempty"`
}

type chatResponse struct {
	Message         string            `json:"message"`
	Cached          bool              `json:"cached"`
	TokensConsumed  int64             `json:"tokens_consumed"`
	TokensRemaining *int64            `json:"tokens_remaining,omitempty"`
	AlertLevel      models.AlertLevel `json:"alert_level,omitempty"`
}

// tokenLimitBody is the 429 payload of a budget rejection.
type tokenLimitBody struct {
	Error           string             `json:"error"`
	Type            string             `json:"type"`
	Reason          budget.LimitReason `json:"reason"`
	Message         string             `json:"message"`
	RemainingTokens int64              `json:"remaining_tokens"`
	DailyLimit      int64              `json:"daily_limit"`
	RequestedTokens int64              `json:"requested_tokens"`
	ResetTime       time.Time          `json:"reset_time"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(UserHeader)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxChatBody))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}
	if req.RequestType == "" {
		req.RequestType = "chat"
	}

	ctx := r.Context()

	// A cached answer costs nothing.
	var answer llm.Completion
	if s.cache.GetAIResponse(ctx, cache.HashPrompt(req.Message), &answer) {
		w.Header().Set("X-Governor-Cache", "hit")
		writeJSON(w, http.StatusOK, chatResponse{Message: answer.Text, Cached: true})
		return
	}

	grant, err := s.enforcer.Authorize(ctx, userID, req.Message, req.RequestType)
	if err != nil {
		s.writeBudgetError(w, err)
		return
	}

	err = s.cache.ComputeAIResponse(ctx, req.Message, &answer, func(ctx context.Context) (any, error) {
		return s.llm.Complete(ctx, req.Message)
	})
	if err != nil {
		s.logger.Warn("inference call failed", zap.String("user_id", userID), zap.Error(err))
		writeJSONError(w, http.StatusBadGateway, "upstream_error", "the assistant is unavailable, try again later")
		return
	}

	msg := answer.Text
	if grant.Advisory != "" {
		msg += advisorySeparator + grant.Advisory
	}
	remaining := grant.Usage.RemainingTokens
	w.Header().Set("X-Governor-Cache", "miss")
	writeJSON(w, http.StatusOK, chatResponse{
		Message:         msg,
		TokensConsumed:  grant.Tokens,
		TokensRemaining: &remaining,
		AlertLevel:      grant.AlertLevel,
	})
}

func (s *Server) writeBudgetError(w http.ResponseWriter, err error) {
	var lerr *budget.LimitError
	switch {
	case errors.As(err, &lerr):
		writeJSON(w, http.StatusTooManyRequests, tokenLimitBody{
			Error:           "token_limit_exceeded",
			Type:            "token_limit",
			Reason:          lerr.Reason,
			Message:         lerr.Message,
			RemainingTokens: lerr.Remaining,
			DailyLimit:      lerr.DailyLimit,
			RequestedTokens: lerr.Requested,
			ResetTime:       lerr.ResetTime,
		})
	case errors.Is(err, budget.ErrConsumeFailed):
		writeJSONError(w, http.StatusInternalServerError, "token_persistence_failed",
			s.enforcer.Manager().Messages().ConsumeFailed())
	case errors.Is(err, budget.ErrMissingUser), errors.Is(err, budget.ErrInvalidTokens):
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "budget check failed")
	}
}

type adminStats struct {
	models.DailySummary
	TopUsers []models.UserUsage `json:"top_users"`
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "tracking_disabled", "usage tracking is disabled")
		return
	}

	mgr := s.enforcer.Manager()
	day := r.URL.Query().Get("date")
	if day == "" {
		day = mgr.Today()
	}

	ctx := r.Context()
	var stats adminStats
	if s.cache.GetStats(ctx, "daily:"+day, &stats) {
		writeJSON(w, http.StatusOK, stats)
		return
	}

	loc, err := s.cfg.Budget.Location()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "invalid budget timezone")
		return
	}
	from, to, err := tracker.DayBounds(day, loc)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
		return
	}

	summary, err := s.tracker.Summary(ctx, from, to)
	if err != nil {
		s.logger.Error("daily summary failed", zap.String("date", day), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to compute statistics")
		return
	}
	summary.Date = day
	summary.DailyLimitPerUser = mgr.DailyLimit()

	top, err := s.tracker.TopUsers(ctx, from, to, 10)
	if err != nil {
		s.logger.Error("top users failed", zap.String("date", day), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to compute statistics")
		return
	}
	if top == nil {
		top = []models.UserUsage{}
	}

	stats = adminStats{DailySummary: summary, TopUsers: top}
	s.cache.SetStats(ctx, "daily:"+day, stats, 0)
	writeJSON(w, http.StatusOK, stats)
}

type healthBody struct {
	Status    string      `json:"status"`
	Store     string      `json:"store"`
	Degraded  bool        `json:"degraded"`
	Reachable bool        `json:"store_reachable"`
	Cache     cacheHealth `json:"cache"`
}

type cacheHealth struct {
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	HitRatio float64 `json:"hit_ratio"`
}

// handleHealth always answers 200: a degraded cache never makes the service
// unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reachable := s.store.Ping(r.Context())
	status := "ok"
	if s.store.Degraded() || !reachable {
		status = "degraded"
	}
	stats := s.cache.Stats()
	writeJSON(w, http.StatusOK, healthBody{
		Status:    status,
		Store:     s.store.BackendName(),
		Degraded:  s.store.Degraded(),
		Reachable: reachable,
		Cache: cacheHealth{
			Hits:     stats.Hits,
			Misses:   stats.Misses,
			HitRatio: stats.HitRatio(),
		},
	})
}
