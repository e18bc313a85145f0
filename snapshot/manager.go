// Package snapshot keeps the upstream proxy's in-memory usage counters
// durable: it periodically exports them to disk and replays the last
// export when the upstream is detected to have restarted.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/keyportal/services"
	"github.com/example/keyportal/storage"
)

// SchemaVersion is the snapshot document version this manager writes
// and the only version it will replay.
const SchemaVersion = 1

const documentName = "usage_snapshot.json"

var (
	// ErrNoSnapshot means no snapshot has ever been exported.
	ErrNoSnapshot = errors.New("snapshot: no snapshot persisted")
	// ErrCorruptSnapshot means the persisted snapshot is undecodable or
	// carries an unrecognized schema version. Import aborts before any
	// upstream call; a degraded upstream beats a malformed replay.
	ErrCorruptSnapshot = errors.New("snapshot: corrupt or unrecognized snapshot")
)

// ImportSummary reports what an import restored, for observability.
type ImportSummary struct {
	ExportedAt       time.Time `json:"exported_at"`
	RestoredTokens   int64     `json:"restored_tokens"`
	RestoredRequests int64     `json:"restored_requests"`
	Added            int64     `json:"added"`
	Skipped          int64     `json:"skipped"`
}

// Manager serializes usage snapshots to the document store and drives
// import/export against the upstream management API. Export and Import
// share one mutex: they touch the same persisted document and the
// upstream's import is a full replace, so they must never interleave.
type Manager struct {
	store  storage.Store
	client *services.ManagementClient
	log    *logrus.Entry

	mu         sync.Mutex
	lastExport time.Time
}

func NewManager(store storage.Store, client *services.ManagementClient) *Manager {
	return &Manager{
		store:  store,
		client: client,
		log:    logrus.WithField("component", "snapshot"),
	}
}

// Export fetches the current aggregate from the upstream and persists
// it atomically. On any failure the previously persisted snapshot is
// left untouched.
func (m *Manager) Export(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agg, err := m.client.FetchUsage(ctx)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	snap := &services.UsageSnapshot{
		SchemaVersion: SchemaVersion,
		ExportedAt:    time.Now().UTC(),
		Totals:        agg.Totals,
		PerKey:        agg.PerKey,
		PerDay:        agg.PerDay,
		PerHour:       agg.PerHour,
		Details:       agg.Details,
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("export: encode snapshot: %w", err)
	}
	if err := m.store.WriteDocumentAtomic(documentName, data); err != nil {
		return fmt.Errorf("export: %w", err)
	}

	m.lastExport = snap.ExportedAt
	m.log.WithFields(logrus.Fields{
		"tokens":   snap.Totals.TotalTokens,
		"requests": snap.Totals.TotalRequests,
	}).Info("Exported usage snapshot")
	return nil
}

// Import replays the last persisted snapshot into the upstream. The
// upstream replaces its state wholesale, so importing the same snapshot
// twice is safe. Import does not retry; the caller decides.
func (m *Manager) Import(ctx context.Context) (*ImportSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := m.store.ReadDocument(documentName)
	if errors.Is(err, storage.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}

	var snap services.UsageSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if snap.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: schema version %d", ErrCorruptSnapshot, snap.SchemaVersion)
	}

	result, err := m.client.ImportUsage(ctx, &snap)
	if err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}

	summary := &ImportSummary{
		ExportedAt:       snap.ExportedAt,
		RestoredTokens:   snap.Totals.TotalTokens,
		RestoredRequests: snap.Totals.TotalRequests,
		Added:            result.Added,
		Skipped:          result.Skipped,
	}
	m.log.WithFields(logrus.Fields{
		"exported_at": snap.ExportedAt,
		"tokens":      summary.RestoredTokens,
		"requests":    summary.RestoredRequests,
		"added":       result.Added,
		"skipped":     result.Skipped,
	}).Info("Imported usage snapshot")
	return summary, nil
}

// LastExport reports when the most recent successful export happened.
// Zero until the first export of this process.
func (m *Manager) LastExport() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastExport
}
