package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/example/keyportal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(&models.DailyUsage{}, &models.UserUsage{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	db.Exec("DELETE FROM daily_usages")
	db.Exec("DELETE FROM user_usages")
	return db
}

func usageServer(t *testing.T, agg UsageAggregate) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/usage" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(agg)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestUsageSync(t *testing.T) {
	day := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	agg := UsageAggregate{
		Totals: Totals{TotalTokens: 300, TotalRequests: 3, SuccessCount: 2, FailureCount: 1},
		PerDay: map[string]Totals{
			"2026-08-25": {TotalTokens: 300, TotalRequests: 3, SuccessCount: 2, FailureCount: 1},
		},
		Details: []RequestDetail{
			{Timestamp: day, APIKeyID: "pk_0001", Model: "claude-sonnet-4-5", Success: true, InputTokens: 60, OutputTokens: 40, TotalTokens: 100},
			{Timestamp: day.Add(time.Minute), APIKeyID: "pk_0001", Success: false, InputTokens: 50, OutputTokens: 50, TotalTokens: 100},
			{Timestamp: day.Add(2 * time.Minute), APIKeyID: "pk_0099", Success: true, InputTokens: 30, OutputTokens: 70, TotalTokens: 100},
		},
	}
	server := usageServer(t, agg)

	db := setupTestDB(t)
	client := NewManagementClient(server.URL, "", 5*time.Second)
	owners := map[string]string{"pk_0001": "a@x.com"}
	syncer := NewUsageSyncer(db, client, func(id string) (string, bool) {
		email, ok := owners[id]
		return email, ok
	})

	stats, err := syncer.Sync(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if stats.DailyRecords != 1 || stats.UserRecords != 2 || stats.UnknownKeys != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	var daily models.DailyUsage
	if err := db.Where("date = ?", "2026-08-25").First(&daily).Error; err != nil {
		t.Fatal(err)
	}
	if daily.TotalTokens != 300 || daily.FailureCount != 1 {
		t.Errorf("Unexpected daily row: %+v", daily)
	}

	var userRow models.UserUsage
	if err := db.Where("user_email = ? AND api_key_id = ?", "a@x.com", "pk_0001").First(&userRow).Error; err != nil {
		t.Fatal(err)
	}
	if userRow.TotalRequests != 2 || userRow.SuccessCount != 1 || userRow.FailureCount != 1 || userRow.TotalTokens != 200 {
		t.Errorf("Unexpected user row: %+v", userRow)
	}

	var unknownRow models.UserUsage
	if err := db.Where("user_email = ?", "unknown").First(&unknownRow).Error; err != nil {
		t.Fatal(err)
	}
	if unknownRow.APIKeyID != "pk_0099" {
		t.Errorf("Unexpected unknown row: %+v", unknownRow)
	}
}

func TestUsageSyncIsIdempotent(t *testing.T) {
	day := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	agg := UsageAggregate{
		PerDay: map[string]Totals{"2026-08-25": {TotalTokens: 100, TotalRequests: 1, SuccessCount: 1}},
		Details: []RequestDetail{
			{Timestamp: day, APIKeyID: "pk_0001", Success: true, TotalTokens: 100},
		},
	}
	server := usageServer(t, agg)

	db := setupTestDB(t)
	client := NewManagementClient(server.URL, "", 5*time.Second)
	syncer := NewUsageSyncer(db, client, func(string) (string, bool) { return "a@x.com", true })

	for i := 0; i < 2; i++ {
		if _, err := syncer.Sync(t.Context()); err != nil {
			t.Fatal(err)
		}
	}

	var count int64
	db.Model(&models.UserUsage{}).Count(&count)
	if count != 1 {
		t.Errorf("Expected 1 user usage row after two syncs, got %d", count)
	}
	var row models.UserUsage
	db.First(&row)
	if row.TotalTokens != 100 {
		t.Errorf("Re-sync accumulated instead of replacing: %+v", row)
	}
}
