// Package keypool owns the finite pool of proxy credentials and the
// user-to-credential mapping. Every mutation runs under one mutex, so
// two concurrent assignments can never hand out the same key.
package keypool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/example/keyportal/services"
	"github.com/example/keyportal/storage"
)

const (
	poolDocument  = "key_pool.json"
	usersDocument = "user_keys.json"

	secretPrefix = "usr_pool"
)

type KeyStatus string

const (
	StatusAvailable KeyStatus = "available"
	StatusAssigned  KeyStatus = "assigned"
	StatusRevoked   KeyStatus = "revoked"
)

var (
	// ErrPoolExhausted means no Available key is left. Recoverable by an
	// operator generating more capacity; never retried automatically.
	ErrPoolExhausted = errors.New("keypool: no available keys")
	// ErrKeyNotFound is expected in idempotent retry flows and is not an
	// operational error.
	ErrKeyNotFound = errors.New("keypool: key not found")
)

// PoolKey is one allocatable credential slot. ID is the identity the
// upstream knows; SecretMaterial is the bearer token handed to users.
type PoolKey struct {
	ID             string     `json:"id"`
	SecretMaterial string     `json:"secret_material"`
	Status         KeyStatus  `json:"status"`
	AssignedTo     string     `json:"assigned_to,omitempty"`
	Label          string     `json:"label,omitempty"`
	AssignedAt     *time.Time `json:"assigned_at,omitempty"`
}

// UserKeyRecord aggregates the pool keys a user holds.
type UserKeyRecord struct {
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Keys      []string  `json:"keys"`
	CreatedAt time.Time `json:"created_at"`
}

// Allocator assigns, tracks, and revokes pool keys. The pool document
// and the user-mapping document are persisted separately; assignment
// writes the pool first and revocation detaches the mapping first, and
// a startup reconcile pass repairs a crash between the two writes.
//
// Revoked keys stay consumed unless recycle is set, in which case a
// revoked key returns to Available for reassignment.
type Allocator struct {
	store   storage.Store
	client  *services.ManagementClient
	recycle bool
	log     *logrus.Entry

	mu    sync.Mutex
	pool  []PoolKey
	users []UserKeyRecord
}

func NewAllocator(store storage.Store, client *services.ManagementClient, recycle bool) (*Allocator, error) {
	a := &Allocator{
		store:   store,
		client:  client,
		recycle: recycle,
		log:     logrus.WithField("component", "keypool"),
	}
	if err := a.load(); err != nil {
		return nil, err
	}
	if a.reconcile() {
		if err := a.saveUsersLocked(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Allocator) load() error {
	data, err := a.store.ReadDocument(poolDocument)
	switch {
	case errors.Is(err, storage.ErrNotExist):
		a.pool = nil
	case err != nil:
		return fmt.Errorf("load pool: %w", err)
	default:
		if err := json.Unmarshal(data, &a.pool); err != nil {
			return fmt.Errorf("decode pool: %w", err)
		}
	}

	data, err = a.store.ReadDocument(usersDocument)
	switch {
	case errors.Is(err, storage.ErrNotExist):
		a.users = nil
	case err != nil:
		return fmt.Errorf("load users: %w", err)
	default:
		if err := json.Unmarshal(data, &a.users); err != nil {
			return fmt.Errorf("decode users: %w", err)
		}
	}

	a.log.WithFields(logrus.Fields{
		"keys":  len(a.pool),
		"users": len(a.users),
	}).Info("Loaded key pool state")
	return nil
}

// reconcile repairs the mapping after a crash between the pool write
// and the user-mapping write: every Assigned key must appear in its
// owner's record, and every record entry must point at a key still
// assigned to that user. Reports whether anything changed.
func (a *Allocator) reconcile() bool {
	changed := false

	assigned := make(map[string]string) // key id -> owner email
	for _, k := range a.pool {
		if k.Status == StatusAssigned {
			assigned[k.ID] = k.AssignedTo
		}
	}

	for i := range a.users {
		rec := &a.users[i]
		kept := rec.Keys[:0]
		for _, id := range rec.Keys {
			if owner, ok := assigned[id]; ok && owner == rec.Email {
				kept = append(kept, id)
				delete(assigned, id)
			} else {
				a.log.WithFields(logrus.Fields{"key": id, "user": rec.Email}).
					Warn("Dropping stale key reference during reconcile")
				changed = true
			}
		}
		rec.Keys = kept
	}

	// Whatever is left is assigned in the pool but owned by nobody.
	for id, email := range assigned {
		a.log.WithFields(logrus.Fields{"key": id, "user": email}).
			Warn("Reattaching orphaned assignment during reconcile")
		rec := a.findUserLocked(email)
		if rec == nil {
			a.users = append(a.users, UserKeyRecord{
				Email:     email,
				Name:      email,
				CreatedAt: time.Now().UTC(),
			})
			rec = &a.users[len(a.users)-1]
		}
		rec.Keys = append(rec.Keys, id)
		changed = true
	}
	return changed
}

// Assign hands the first Available key (ascending pool order) to the
// user, creating their record on first assignment. A user may hold any
// number of keys; only per-key exclusivity is enforced.
func (a *Allocator) Assign(email, name, label string) (*PoolKey, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := -1
	for i := range a.pool {
		if a.pool[i].Status == StatusAvailable {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrPoolExhausted
	}

	key := &a.pool[idx]
	now := time.Now().UTC()
	key.Status = StatusAssigned
	key.AssignedTo = email
	key.Label = label
	key.AssignedAt = &now

	// Pool document first: a crash here leaves an assignment the
	// startup reconcile reattaches to the user record.
	if err := a.savePoolLocked(); err != nil {
		key.Status = StatusAvailable
		key.AssignedTo = ""
		key.Label = ""
		key.AssignedAt = nil
		return nil, err
	}

	rec := a.findUserLocked(email)
	if rec == nil {
		if name == "" {
			name = email
		}
		a.users = append(a.users, UserKeyRecord{
			Email:     email,
			Name:      name,
			CreatedAt: now,
		})
		rec = &a.users[len(a.users)-1]
	}
	rec.Keys = append(rec.Keys, key.ID)

	if err := a.saveUsersLocked(); err != nil {
		// Disk now has the pool ahead of the mapping; reconcile repairs
		// this on the next startup.
		return nil, err
	}

	a.log.WithFields(logrus.Fields{"key": key.ID, "user": email}).Info("Assigned pool key")
	assigned := *key
	return &assigned, nil
}

// Revoke disables a key upstream and marks it Revoked locally (or
// returns it to Available when recycling is on). Revoking an already
// revoked key is a no-op success so operators may retry safely.
func (a *Allocator) Revoke(ctx context.Context, keyID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := a.findKeyLocked(keyID)
	if key == nil {
		return ErrKeyNotFound
	}
	if key.Status == StatusRevoked {
		return nil
	}

	// Upstream first; the caller must not see success unless the
	// credential is actually dead. Already-gone counts as success.
	if err := a.client.RevokeCredential(ctx, keyID); err != nil {
		return err
	}

	owner := key.AssignedTo

	// Detach the mapping before flipping the pool status: a crash in
	// between leaves an assigned-but-unowned key, which reconcile
	// reattaches, and the revoke can simply be retried.
	if owner != "" {
		if rec := a.findUserLocked(owner); rec != nil {
			kept := rec.Keys[:0]
			for _, id := range rec.Keys {
				if id != keyID {
					kept = append(kept, id)
				}
			}
			rec.Keys = kept
		}
		if err := a.saveUsersLocked(); err != nil {
			return err
		}
	}

	if a.recycle {
		key.Status = StatusAvailable
	} else {
		key.Status = StatusRevoked
	}
	key.AssignedTo = ""
	key.Label = ""
	key.AssignedAt = nil

	if err := a.savePoolLocked(); err != nil {
		return err
	}

	a.log.WithFields(logrus.Fields{"key": keyID, "user": owner, "recycled": a.recycle}).
		Info("Revoked pool key")
	return nil
}

// Reset is the operator escape hatch returning a Revoked key to
// Available. Resetting an Available key is a no-op.
func (a *Allocator) Reset(keyID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := a.findKeyLocked(keyID)
	if key == nil {
		return ErrKeyNotFound
	}
	if key.Status == StatusAvailable {
		return nil
	}
	if key.Status == StatusAssigned {
		return fmt.Errorf("keypool: key %s is assigned, revoke it first", keyID)
	}

	key.Status = StatusAvailable
	if err := a.savePoolLocked(); err != nil {
		key.Status = StatusRevoked
		return err
	}
	a.log.WithField("key", keyID).Info("Reset revoked key to available")
	return nil
}

// Generate mints n fresh Available keys and appends them to the pool.
func (a *Allocator) Generate(n int) ([]PoolKey, error) {
	if n <= 0 {
		return nil, fmt.Errorf("keypool: invalid count %d", n)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	minted := make([]PoolKey, 0, n)
	for i := 0; i < n; i++ {
		seq := len(a.pool) + i + 1
		short := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		minted = append(minted, PoolKey{
			ID:             fmt.Sprintf("pk_%04d", seq),
			SecretMaterial: fmt.Sprintf("%s_%04d_%s", secretPrefix, seq, short),
			Status:         StatusAvailable,
		})
	}

	a.pool = append(a.pool, minted...)
	if err := a.savePoolLocked(); err != nil {
		a.pool = a.pool[:len(a.pool)-n]
		return nil, err
	}

	a.log.WithField("count", n).Info("Generated pool keys")
	return minted, nil
}

// Keys returns a copy of the pool in allocation order.
func (a *Allocator) Keys() []PoolKey {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]PoolKey, len(a.pool))
	copy(out, a.pool)
	return out
}

// Users returns a copy of all user records.
func (a *Allocator) Users() []UserKeyRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]UserKeyRecord, len(a.users))
	for i, rec := range a.users {
		out[i] = rec
		out[i].Keys = append([]string(nil), rec.Keys...)
	}
	return out
}

// UserKeys returns the keys currently assigned to one user.
func (a *Allocator) UserKeys(email string) []PoolKey {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec := a.findUserLocked(email)
	if rec == nil {
		return nil
	}
	out := make([]PoolKey, 0, len(rec.Keys))
	for _, id := range rec.Keys {
		if key := a.findKeyLocked(id); key != nil {
			out = append(out, *key)
		}
	}
	return out
}

// OwnerOf reports which user holds a key, by key id.
func (a *Allocator) OwnerOf(keyID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := a.findKeyLocked(keyID)
	if key == nil || key.Status != StatusAssigned {
		return "", false
	}
	return key.AssignedTo, true
}

// Counts reports pool occupancy for the status endpoint.
func (a *Allocator) Counts() (available, assigned, revoked int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range a.pool {
		switch k.Status {
		case StatusAvailable:
			available++
		case StatusAssigned:
			assigned++
		case StatusRevoked:
			revoked++
		}
	}
	return
}

func (a *Allocator) findKeyLocked(id string) *PoolKey {
	for i := range a.pool {
		if a.pool[i].ID == id {
			return &a.pool[i]
		}
	}
	return nil
}

func (a *Allocator) findUserLocked(email string) *UserKeyRecord {
	for i := range a.users {
		if a.users[i].Email == email {
			return &a.users[i]
		}
	}
	return nil
}

func (a *Allocator) savePoolLocked() error {
	data, err := json.MarshalIndent(a.pool, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pool: %w", err)
	}
	if err := a.store.WriteDocumentAtomic(poolDocument, data); err != nil {
		return fmt.Errorf("save pool: %w", err)
	}
	return nil
}

func (a *Allocator) saveUsersLocked() error {
	data, err := json.MarshalIndent(a.users, "", "  ")
	if err != nil {
		return fmt.Errorf("encode users: %w", err)
	}
	if err := a.store.WriteDocumentAtomic(usersDocument, data); err != nil {
		return fmt.Errorf("save users: %w", err)
	}
	return nil
}
