package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(baseURL string) *ManagementClient {
	return NewManagementClient(baseURL, "test-key", 5*time.Second)
}

func TestFetchUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/usage" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("X-Management-Key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(UsageAggregate{
			Totals: Totals{TotalTokens: 1000, TotalRequests: 50, SuccessCount: 48, FailureCount: 2},
			PerKey: map[string]Totals{"pk_0001": {TotalTokens: 1000, TotalRequests: 50}},
		})
	}))
	defer server.Close()

	agg, err := newTestClient(server.URL).FetchUsage(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if agg.Totals.TotalTokens != 1000 {
		t.Errorf("Expected 1000 tokens, got %d", agg.Totals.TotalTokens)
	}
	if agg.PerKey["pk_0001"].TotalRequests != 50 {
		t.Errorf("Expected 50 requests for pk_0001, got %d", agg.PerKey["pk_0001"].TotalRequests)
	}
}

func TestImportUsage(t *testing.T) {
	var received UsageSnapshot
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/usage/import" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(ImportResult{
			Added:         received.Totals.TotalRequests,
			TotalTokens:   received.Totals.TotalTokens,
			TotalRequests: received.Totals.TotalRequests,
		})
	}))
	defer server.Close()

	snap := &UsageSnapshot{
		SchemaVersion: 1,
		ExportedAt:    time.Now().UTC(),
		Totals:        Totals{TotalTokens: 1200, TotalRequests: 55},
	}

	result, err := newTestClient(server.URL).ImportUsage(context.Background(), snap)
	if err != nil {
		t.Fatal(err)
	}
	if result.TotalTokens != 1200 {
		t.Errorf("Expected 1200 restored tokens, got %d", result.TotalTokens)
	}
	if received.SchemaVersion != 1 {
		t.Errorf("Expected schema_version 1 on the wire, got %d", received.SchemaVersion)
	}
}

func TestRevokeCredentialIdempotent(t *testing.T) {
	statuses := []int{http.StatusOK, http.StatusNotFound, http.StatusGone}
	call := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(statuses[call])
		call++
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	for i := range statuses {
		if err := client.RevokeCredential(context.Background(), "pk_0001"); err != nil {
			t.Errorf("Call %d: expected success, got %v", i, err)
		}
	}
}

func TestRevokeCredentialUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	if err := newTestClient(server.URL).RevokeCredential(context.Background(), "pk_0001"); err == nil {
		t.Error("Expected error on 500")
	}
}

func TestListAuthFiles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/files" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"files":[{"name":"a@x.com.json","path":"auths/a@x.com.json","expired":false,"expires_at":"2026-09-01T00:00:00Z"}]}`))
	}))
	defer server.Close()

	files, err := newTestClient(server.URL).ListAuthFiles(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Name != "a@x.com.json" {
		t.Errorf("Unexpected files: %+v", files)
	}
}
