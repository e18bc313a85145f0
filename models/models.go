package models

import (
	"time"
)

// DailyUsage mirrors the upstream's per-day totals for reporting.
type DailyUsage struct {
	ID            uint   `gorm:"primaryKey"`
	Date          string `gorm:"uniqueIndex;size:10"` // YYYY-MM-DD
	TotalTokens   int64
	TotalRequests int64
	SuccessCount  int64
	FailureCount  int64
	UpdatedAt     time.Time
}

// UserUsage aggregates usage per day, user, and pool key.
type UserUsage struct {
	ID            uint   `gorm:"primaryKey"`
	Date          string `gorm:"index:idx_user_usage,unique;size:10"`
	UserEmail     string `gorm:"index:idx_user_usage,unique"`
	APIKeyID      string `gorm:"index:idx_user_usage,unique;column:api_key_id"`
	TotalTokens   int64
	InputTokens   int64
	OutputTokens  int64
	TotalRequests int64
	SuccessCount  int64
	FailureCount  int64
	UpdatedAt     time.Time
}
