// Package models holds the data types shared across governor packages.
package models

import "time"

// AlertLevel classifies how close a user is to the daily token limit.
type AlertLevel string

const (
	AlertNormal   AlertLevel = "normal"
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// TokenUsage is one user's token consumption for one calendar day, together
// with the fields derived from the process-wide limits.
type TokenUsage struct {
	UserID           string     `json:"user_id"`
	Day              string     `json:"day"`
	UsedTokens       int64      `json:"used_tokens"`
	RequestsCount    int64      `json:"requests_count"`
	FirstRequestTime *time.Time `json:"first_request_time"`
	LastRequestTime  *time.Time `json:"last_request_time"`
	LastRequestType  string     `json:"last_request_type,omitempty"`

	DailyLimit      int64 `json:"daily_limit"`
	RemainingTokens int64 `json:"remaining_tokens"`
	IsWarning       bool  `json:"is_warning"`
	IsLimitReached  bool  `json:"is_limit_reached"`
}

// TokenStatus is the read-only status surface returned to clients.
type TokenStatus struct {
	UserID         string     `json:"user_id"`
	Used           int64      `json:"tokens_used_today"`
	Remaining      int64      `json:"tokens_remaining"`
	DailyLimit     int64      `json:"daily_limit"`
	PercentageUsed float64    `json:"percentage_used"`
	RequestsCount  int64      `json:"requests_count"`
	AlertLevel     AlertLevel `json:"alert_level"`
	StatusMessage  string     `json:"status_message"`
	IsLimitReached bool       `json:"is_limit_reached"`
	ResetTime      time.Time  `json:"reset_time"`
}
