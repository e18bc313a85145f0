package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/keyportal/services"
)

// RestartEvent records one detected upstream restart.
type RestartEvent struct {
	Number       int64          `json:"number"`
	DetectedAt   time.Time      `json:"detected_at"`
	PrevTokens   int64          `json:"prev_tokens"`
	PrevRequests int64          `json:"prev_requests"`
	SeenTokens   int64          `json:"seen_tokens"`
	SeenRequests int64          `json:"seen_requests"`
	Restored     *ImportSummary `json:"restored,omitempty"`
}

// Detector infers an upstream restart from a regression in its
// monotonic usage counters. Absent a restart the counters never
// decrease, so the default tolerance is zero; a tolerance band is
// configurable for upstreams whose counters can jitter downward.
//
// Detector state lives only in memory. When this process restarts the
// baseline is rebuilt on the first poll; only the snapshot persists.
type Detector struct {
	client    *services.ManagementClient
	manager   *Manager
	tolerance int64
	log       *logrus.Entry

	mu            sync.Mutex
	initialized   bool
	lastTokens    int64
	lastRequests  int64
	restartCount  int64
	lastCheckedAt time.Time
}

func NewDetector(client *services.ManagementClient, manager *Manager, tolerance int64) *Detector {
	return &Detector{
		client:    client,
		manager:   manager,
		tolerance: tolerance,
		log:       logrus.WithField("component", "restart-detector"),
	}
}

// Poll reads the upstream counters and compares them to the baseline.
// The first poll only seeds the baseline and never emits an event.
// On regression it triggers a snapshot import and re-baselines from the
// post-import counters so the next poll does not re-trigger.
func (d *Detector) Poll(ctx context.Context) (*RestartEvent, error) {
	agg, err := d.client.FetchUsage(ctx)
	if err != nil {
		// Baseline untouched: an unreachable upstream is not a restart.
		return nil, fmt.Errorf("poll: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now().UTC()
	tokens := agg.Totals.TotalTokens
	requests := agg.Totals.TotalRequests

	if !d.initialized {
		d.initialized = true
		d.setBaseline(tokens, requests, now)
		d.log.WithFields(logrus.Fields{
			"tokens":   tokens,
			"requests": requests,
		}).Info("Restart monitoring initialized")
		return nil, nil
	}

	tokensDropped := tokens < d.lastTokens-d.tolerance
	requestsDropped := requests < d.lastRequests-d.tolerance

	if !tokensDropped && !requestsDropped {
		d.setBaseline(tokens, requests, now)
		return nil, nil
	}

	d.restartCount++
	event := &RestartEvent{
		Number:       d.restartCount,
		DetectedAt:   now,
		PrevTokens:   d.lastTokens,
		PrevRequests: d.lastRequests,
		SeenTokens:   tokens,
		SeenRequests: requests,
	}
	d.log.WithFields(logrus.Fields{
		"restart":       d.restartCount,
		"prev_tokens":   event.PrevTokens,
		"prev_requests": event.PrevRequests,
		"seen_tokens":   tokens,
		"seen_requests": requests,
		"lost_tokens":   event.PrevTokens - tokens,
		"lost_requests": event.PrevRequests - requests,
	}).Warn("Upstream restart detected, restoring snapshot")

	summary, err := d.manager.Import(ctx)
	if err != nil {
		d.log.WithError(err).Error("Snapshot restore failed, upstream continues with fresh statistics")
		d.setBaseline(tokens, requests, now)
		return event, nil
	}
	event.Restored = summary

	// Re-baseline from post-import counters, not the pre-restart zeros.
	if post, err := d.client.FetchUsage(ctx); err == nil {
		d.setBaseline(post.Totals.TotalTokens, post.Totals.TotalRequests, now)
	} else {
		d.log.WithError(err).Warn("Could not read post-import counters, baselining from restore summary")
		d.setBaseline(summary.RestoredTokens, summary.RestoredRequests, now)
	}
	return event, nil
}

func (d *Detector) setBaseline(tokens, requests int64, at time.Time) {
	d.lastTokens = tokens
	d.lastRequests = requests
	d.lastCheckedAt = at
}

// RestartCount reports how many restarts this process has detected.
func (d *Detector) RestartCount() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.restartCount
}

// Baseline returns the current baseline counters and when they were
// last refreshed. All zero until the first poll.
func (d *Detector) Baseline() (tokens, requests int64, checkedAt time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastTokens, d.lastRequests, d.lastCheckedAt
}
