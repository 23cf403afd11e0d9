package models

import "time"

// UsageEvent records a single granted token debit.
type UsageEvent struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"user_id"`
	Tokens      int64     `json:"tokens"`
	RequestType string    `json:"request_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// DailySummary aggregates token usage across all users for one day.
type DailySummary struct {
	Date                 string  `json:"date"`
	ActiveUsers          int64   `json:"total_users_active_today"`
	TotalTokens          int64   `json:"total_tokens_used_today"`
	TotalRequests        int64   `json:"total_requests_today"`
	AverageTokensPerUser float64 `json:"average_tokens_per_user"`
	DailyLimitPerUser    int64   `json:"daily_limit_per_user"`
}

// UserUsage is a per-user aggregate row.
type UserUsage struct {
	UserID       string `json:"user_id"`
	RequestCount int64  `json:"request_count"`
	TotalTokens  int64  `json:"total_tokens"`
}
