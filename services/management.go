package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/failsafe-go/failsafe-go/failsafehttp"
)

// ErrUpstreamUnavailable wraps transport-level failures that survived
// the client's retry policy. Callers treat these as transient: the
// operation did not take effect and may be retried later.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// ManagementClient is a typed client over the proxy's management API.
// Retries with bounded exponential backoff happen here, at the call
// site boundary; callers only ever see the final outcome.
type ManagementClient struct {
	BaseURL       string
	ManagementKey string
	Client        *http.Client
}

func NewManagementClient(baseURL, managementKey string, timeout time.Duration) *ManagementClient {
	retry := failsafehttp.NewRetryPolicyBuilder().
		WithBackoff(500*time.Millisecond, 5*time.Second).
		WithMaxRetries(3).
		Build()

	return &ManagementClient{
		BaseURL:       baseURL,
		ManagementKey: managementKey,
		Client: &http.Client{
			Timeout:   timeout,
			Transport: failsafehttp.NewRoundTripper(nil, retry),
		},
	}
}

// Structs for the management API

// Totals is the four-counter shape used by every aggregation bucket.
type Totals struct {
	TotalTokens   int64 `json:"total_tokens"`
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	FailureCount  int64 `json:"failure_count"`
}

// RequestDetail is a single request record from the upstream ledger.
type RequestDetail struct {
	Timestamp       time.Time `json:"timestamp"`
	APIKeyID        string    `json:"api_key_id"`
	UserEmail       string    `json:"user_email,omitempty"`
	Model           string    `json:"model,omitempty"`
	Success         bool      `json:"success"`
	InputTokens     int64     `json:"input_tokens"`
	OutputTokens    int64     `json:"output_tokens"`
	CachedTokens    int64     `json:"cached_tokens,omitempty"`
	ReasoningTokens int64     `json:"reasoning_tokens,omitempty"`
	TotalTokens     int64     `json:"total_tokens"`
}

// UsageAggregate is the upstream's current in-memory accounting state.
type UsageAggregate struct {
	Totals  Totals            `json:"totals"`
	PerKey  map[string]Totals `json:"per_key"`
	PerDay  map[string]Totals `json:"per_day"`
	PerHour map[string]Totals `json:"per_hour"`
	Details []RequestDetail   `json:"details,omitempty"`
}

// UsageSnapshot is the persisted, versioned export of a UsageAggregate.
type UsageSnapshot struct {
	SchemaVersion int               `json:"schema_version"`
	ExportedAt    time.Time         `json:"exported_at"`
	Totals        Totals            `json:"totals"`
	PerKey        map[string]Totals `json:"per_key"`
	PerDay        map[string]Totals `json:"per_day"`
	PerHour       map[string]Totals `json:"per_hour"`
	Details       []RequestDetail   `json:"details,omitempty"`
}

// ImportResult is the upstream's response to a usage import.
type ImportResult struct {
	Added         int64 `json:"added"`
	Skipped       int64 `json:"skipped"`
	TotalTokens   int64 `json:"total_tokens"`
	TotalRequests int64 `json:"total_requests"`
}

// AuthFile describes one upstream credential file.
type AuthFile struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Expired   bool   `json:"expired"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// Methods

// FetchUsage reads the current aggregate counters from the upstream.
func (c *ManagementClient) FetchUsage(ctx context.Context) (*UsageAggregate, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/usage", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch usage: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch usage: status %d", resp.StatusCode)
	}

	var agg UsageAggregate
	if err := json.NewDecoder(resp.Body).Decode(&agg); err != nil {
		return nil, fmt.Errorf("decode usage: %w", err)
	}
	return &agg, nil
}

// ImportUsage replays a snapshot into the upstream. The upstream
// replaces its state wholesale, so repeating the same import is safe.
func (c *ManagementClient) ImportUsage(ctx context.Context, snap *UsageSnapshot) (*ImportResult, error) {
	body, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/usage/import", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: import usage: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("import usage: status %d, body: %s", resp.StatusCode, string(respBody))
	}

	var result ImportResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode import result: %w", err)
	}
	return &result, nil
}

// RevokeCredential deletes a credential upstream. A 404 or 410 means
// the credential is already gone, which counts as success so that
// operators can retry revocations safely.
func (c *ManagementClient) RevokeCredential(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/auth/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: revoke %s: %v", ErrUpstreamUnavailable, id, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound, http.StatusGone:
		return nil
	default:
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("revoke %s: status %d, body: %s", id, resp.StatusCode, string(respBody))
	}
}

// ListAuthFiles returns the upstream's credential files.
func (c *ManagementClient) ListAuthFiles(ctx context.Context) ([]AuthFile, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/auth/files", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: list auth files: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list auth files: status %d", resp.StatusCode)
	}

	var response struct {
		Files []AuthFile `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode auth files: %w", err)
	}
	return response.Files, nil
}

// AuthFileDetail fetches expiry metadata for one credential file.
func (c *ManagementClient) AuthFileDetail(ctx context.Context, path string) (*AuthFile, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/auth/files/detail?path="+url.QueryEscape(path), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: auth file detail: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth file detail: status %d", resp.StatusCode)
	}

	var file AuthFile
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		return nil, fmt.Errorf("decode auth file detail: %w", err)
	}
	return &file, nil
}

func (c *ManagementClient) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, body)
	if err != nil {
		return nil, err
	}
	if c.ManagementKey != "" {
		req.Header.Set("X-Management-Key", c.ManagementKey)
	}
	return req, nil
}
