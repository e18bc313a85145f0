package keypool

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/example/keyportal/services"
	"github.com/example/keyportal/storage"
)

func newTestAllocator(t *testing.T, recycle bool) (*Allocator, *storage.MemStore) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	store := storage.NewMemStore()
	client := services.NewManagementClient(server.URL, "test-key", 5*time.Second)
	a, err := NewAllocator(store, client, recycle)
	if err != nil {
		t.Fatal(err)
	}
	return a, store
}

func TestAssignRevokeScenario(t *testing.T) {
	a, _ := newTestAllocator(t, false)
	minted, err := a.Generate(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(minted) != 3 {
		t.Fatalf("Expected 3 keys, got %d", len(minted))
	}

	k1, err := a.Assign("a@x.com", "A", "laptop")
	if err != nil {
		t.Fatal(err)
	}
	if k1.ID != minted[0].ID {
		t.Errorf("Expected first key %s, got %s", minted[0].ID, k1.ID)
	}
	if k1.Status != StatusAssigned || k1.AssignedTo != "a@x.com" || k1.AssignedAt == nil {
		t.Errorf("Bad assigned key: %+v", k1)
	}

	k2, err := a.Assign("b@x.com", "B", "phone")
	if err != nil {
		t.Fatal(err)
	}
	if k2.ID != minted[1].ID {
		t.Errorf("Expected second key %s, got %s", minted[1].ID, k2.ID)
	}

	if err := a.Revoke(t.Context(), k1.ID); err != nil {
		t.Fatal(err)
	}

	// Revoked keys are consumed, not recycled: the third assignment
	// gets key 3, not key 1.
	k3, err := a.Assign("c@x.com", "C", "desk")
	if err != nil {
		t.Fatal(err)
	}
	if k3.ID != minted[2].ID {
		t.Errorf("Expected third key %s, got %s", minted[2].ID, k3.ID)
	}

	if _, err := a.Assign("d@x.com", "D", "tablet"); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("Expected ErrPoolExhausted, got %v", err)
	}
}

func TestAssignConcurrentAtMostOneOwner(t *testing.T) {
	a, _ := newTestAllocator(t, false)
	if _, err := a.Generate(40); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make(chan string, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := a.Assign("user@x.com", "User", "dev")
			if err != nil {
				t.Error(err)
				return
			}
			results <- key.ID
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for id := range results {
		if seen[id] {
			t.Errorf("Key %s assigned twice", id)
		}
		seen[id] = true
	}
	if len(seen) != 40 {
		t.Errorf("Expected 40 distinct keys, got %d", len(seen))
	}
	if got := len(a.UserKeys("user@x.com")); got != 40 {
		t.Errorf("Expected 40 keys on record, got %d", got)
	}
}

func TestRevokeIdempotent(t *testing.T) {
	a, _ := newTestAllocator(t, false)
	if _, err := a.Generate(1); err != nil {
		t.Fatal(err)
	}
	key, err := a.Assign("a@x.com", "A", "laptop")
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Revoke(t.Context(), key.ID); err != nil {
		t.Fatal(err)
	}
	if err := a.Revoke(t.Context(), key.ID); err != nil {
		t.Errorf("Second revoke should be a no-op success, got %v", err)
	}

	revoked := 0
	for _, k := range a.Keys() {
		if k.ID == key.ID {
			if k.Status != StatusRevoked {
				t.Errorf("Expected revoked, got %s", k.Status)
			}
			revoked++
		}
	}
	if revoked != 1 {
		t.Errorf("Expected exactly one record for %s, got %d", key.ID, revoked)
	}
	if got := len(a.UserKeys("a@x.com")); got != 0 {
		t.Errorf("Revoked key still on user record: %d", got)
	}
}

func TestRevokeUnknownKey(t *testing.T) {
	a, _ := newTestAllocator(t, false)
	if err := a.Revoke(t.Context(), "pk_9999"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

func TestRevokeUpstreamFailureKeepsAssignment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	store := storage.NewMemStore()
	client := services.NewManagementClient(server.URL, "", 2*time.Second)
	a, err := NewAllocator(store, client, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Generate(1); err != nil {
		t.Fatal(err)
	}
	key, err := a.Assign("a@x.com", "A", "laptop")
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Revoke(t.Context(), key.ID); err == nil {
		t.Fatal("Expected revoke to fail while upstream errors")
	}
	if owner, ok := a.OwnerOf(key.ID); !ok || owner != "a@x.com" {
		t.Errorf("Key should still be assigned to a@x.com, got %q ok=%v", owner, ok)
	}
}

func TestRecycleRevokedReturnsToPool(t *testing.T) {
	a, _ := newTestAllocator(t, true)
	if _, err := a.Generate(1); err != nil {
		t.Fatal(err)
	}
	key, err := a.Assign("a@x.com", "A", "laptop")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Revoke(t.Context(), key.ID); err != nil {
		t.Fatal(err)
	}

	again, err := a.Assign("b@x.com", "B", "phone")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != key.ID {
		t.Errorf("Expected recycled key %s, got %s", key.ID, again.ID)
	}
}

func TestResetRevokedKey(t *testing.T) {
	a, _ := newTestAllocator(t, false)
	if _, err := a.Generate(1); err != nil {
		t.Fatal(err)
	}
	key, err := a.Assign("a@x.com", "A", "laptop")
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Reset(key.ID); err == nil {
		t.Error("Resetting an assigned key must fail")
	}
	if err := a.Revoke(t.Context(), key.ID); err != nil {
		t.Fatal(err)
	}
	if err := a.Reset(key.ID); err != nil {
		t.Fatal(err)
	}

	again, err := a.Assign("b@x.com", "B", "phone")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != key.ID {
		t.Errorf("Expected reset key %s, got %s", key.ID, again.ID)
	}
}

func TestAssignPersistenceFailure(t *testing.T) {
	a, store := newTestAllocator(t, false)
	if _, err := a.Generate(1); err != nil {
		t.Fatal(err)
	}

	store.FailWrites = true
	if _, err := a.Assign("a@x.com", "A", "laptop"); err == nil {
		t.Fatal("Expected assign to fail on persistence error")
	}
	store.FailWrites = false

	// The failed assignment must not have consumed the key.
	available, assigned, _ := a.Counts()
	if available != 1 || assigned != 0 {
		t.Errorf("Expected 1 available / 0 assigned, got %d/%d", available, assigned)
	}
}

func TestReconcileReattachesOrphanedAssignment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()
	client := services.NewManagementClient(server.URL, "", 5*time.Second)

	store := storage.NewMemStore()
	now := time.Now().UTC()
	pool := []PoolKey{
		{ID: "pk_0001", SecretMaterial: "usr_pool_0001_abc", Status: StatusAssigned, AssignedTo: "a@x.com", AssignedAt: &now},
		{ID: "pk_0002", SecretMaterial: "usr_pool_0002_def", Status: StatusAvailable},
	}
	poolData, _ := json.Marshal(pool)
	if err := store.WriteDocumentAtomic("key_pool.json", poolData); err != nil {
		t.Fatal(err)
	}
	// Simulates a crash after the pool write and before the mapping
	// write: the user record references nothing and a stale entry
	// points at an unassigned key.
	users := []UserKeyRecord{{Email: "b@x.com", Name: "B", Keys: []string{"pk_0002"}, CreatedAt: now}}
	usersData, _ := json.Marshal(users)
	if err := store.WriteDocumentAtomic("user_keys.json", usersData); err != nil {
		t.Fatal(err)
	}

	a, err := NewAllocator(store, client, false)
	if err != nil {
		t.Fatal(err)
	}

	if keys := a.UserKeys("a@x.com"); len(keys) != 1 || keys[0].ID != "pk_0001" {
		t.Errorf("Orphaned assignment not reattached: %+v", keys)
	}
	if keys := a.UserKeys("b@x.com"); len(keys) != 0 {
		t.Errorf("Stale mapping entry not dropped: %+v", keys)
	}
}

func TestStateSurvivesReload(t *testing.T) {
	a, store := newTestAllocator(t, false)
	if _, err := a.Generate(2); err != nil {
		t.Fatal(err)
	}
	key, err := a.Assign("a@x.com", "Alice", "laptop")
	if err != nil {
		t.Fatal(err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()
	client := services.NewManagementClient(server.URL, "", 5*time.Second)

	reloaded, err := NewAllocator(store, client, false)
	if err != nil {
		t.Fatal(err)
	}
	if owner, ok := reloaded.OwnerOf(key.ID); !ok || owner != "a@x.com" {
		t.Errorf("Assignment lost across reload: %q ok=%v", owner, ok)
	}
	available, assigned, revoked := reloaded.Counts()
	if available != 1 || assigned != 1 || revoked != 0 {
		t.Errorf("Unexpected counts after reload: %d/%d/%d", available, assigned, revoked)
	}
}
