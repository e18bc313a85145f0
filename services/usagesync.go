package services

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/keyportal/models"
)

// UsageSyncer mirrors the upstream's aggregate counters into the local
// reporting database so usage history survives independently of the
// upstream's memory and of the snapshot file.
type UsageSyncer struct {
	db      *gorm.DB
	client  *ManagementClient
	ownerOf func(keyID string) (string, bool)
	log     *logrus.Entry
}

// SyncStats summarizes one sync run.
type SyncStats struct {
	DailyRecords int `json:"daily_records"`
	UserRecords  int `json:"user_records"`
	UnknownKeys  int `json:"unknown_keys"`
}

func NewUsageSyncer(db *gorm.DB, client *ManagementClient, ownerOf func(string) (string, bool)) *UsageSyncer {
	return &UsageSyncer{
		db:      db,
		client:  client,
		ownerOf: ownerOf,
		log:     logrus.WithField("component", "usage-sync"),
	}
}

// Sync fetches the current aggregate and upserts the per-day and
// per-user rows. Rows are replaced, not accumulated, so re-running a
// sync over the same data is harmless.
func (s *UsageSyncer) Sync(ctx context.Context) (*SyncStats, error) {
	agg, err := s.client.FetchUsage(ctx)
	if err != nil {
		return nil, fmt.Errorf("usage sync: %w", err)
	}

	stats := &SyncStats{}
	now := time.Now().UTC()

	for date, totals := range agg.PerDay {
		row := models.DailyUsage{
			Date:          date,
			TotalTokens:   totals.TotalTokens,
			TotalRequests: totals.TotalRequests,
			SuccessCount:  totals.SuccessCount,
			FailureCount:  totals.FailureCount,
			UpdatedAt:     now,
		}
		err := s.db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "date"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"total_tokens", "total_requests", "success_count", "failure_count", "updated_at",
			}),
		}).Create(&row).Error
		if err != nil {
			return nil, fmt.Errorf("usage sync: upsert daily %s: %w", date, err)
		}
		stats.DailyRecords++
	}

	type bucketKey struct {
		date  string
		email string
		keyID string
	}
	buckets := make(map[bucketKey]*models.UserUsage)
	unknown := make(map[string]bool)

	for _, detail := range agg.Details {
		email := detail.UserEmail
		if email == "" {
			if owner, ok := s.ownerOf(detail.APIKeyID); ok {
				email = owner
			} else {
				email = "unknown"
				unknown[detail.APIKeyID] = true
			}
		}

		bk := bucketKey{
			date:  detail.Timestamp.UTC().Format("2006-01-02"),
			email: email,
			keyID: detail.APIKeyID,
		}
		row, ok := buckets[bk]
		if !ok {
			row = &models.UserUsage{
				Date:      bk.date,
				UserEmail: bk.email,
				APIKeyID:  bk.keyID,
				UpdatedAt: now,
			}
			buckets[bk] = row
		}
		row.TotalRequests++
		if detail.Success {
			row.SuccessCount++
		} else {
			row.FailureCount++
		}
		row.TotalTokens += detail.TotalTokens
		row.InputTokens += detail.InputTokens
		row.OutputTokens += detail.OutputTokens
	}

	for _, row := range buckets {
		err := s.db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "date"}, {Name: "user_email"}, {Name: "api_key_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"total_tokens", "input_tokens", "output_tokens",
				"total_requests", "success_count", "failure_count", "updated_at",
			}),
		}).Create(row).Error
		if err != nil {
			return nil, fmt.Errorf("usage sync: upsert user usage: %w", err)
		}
		stats.UserRecords++
	}

	stats.UnknownKeys = len(unknown)
	if stats.UnknownKeys > 0 {
		for keyID := range unknown {
			s.log.WithField("key", keyID).Warn("Usage recorded for a key with no owner")
		}
	}

	s.log.WithFields(logrus.Fields{
		"daily_records": stats.DailyRecords,
		"user_records":  stats.UserRecords,
		"unknown_keys":  stats.UnknownKeys,
	}).Info("Usage sync completed")
	return stats, nil
}
