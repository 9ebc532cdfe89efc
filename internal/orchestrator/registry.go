package orchestrator

import (
	"errors"
	"sort"
	"sync"
)

// Registry is the concurrency-safe table of live streams. A stream id is
// present exactly while its worker is starting, running or shutting down.
type Registry interface {
	// Register adds rec. It fails with ErrAlreadyExists if the id is taken;
	// an existing stream is never overwritten.
	Register(rec *StreamRecord) error

	// Unregister removes id. Removing an absent id is a no-op.
	Unregister(id StreamID)

	// UnregisterRecord removes rec only if it is still the record stored
	// under its id, so cleanup of an old session never removes a newer
	// session that reuses the id. It reports whether rec was removed.
	UnregisterRecord(rec *StreamRecord) bool

	// Lookup returns the record stored under id.
	Lookup(id StreamID) (*StreamRecord, bool)

	// IsActive reports whether id belongs to a running stream.
	IsActive(id StreamID) bool

	// ListActive returns the running streams ordered by start time.
	ListActive() []StreamID

	// ActiveStreamCount returns len(ListActive()). Used for metrics.
	ActiveStreamCount() int
}

var (
	// ErrAlreadyExists is returned when starting a stream whose id is live.
	ErrAlreadyExists = errors.New("stream already exists")

	// ErrNotFound is returned for control operations on unknown or stopped streams.
	ErrNotFound = errors.New("stream not found")
)

// InMemoryRegistry is a concurrency-safe Registry backed by a Store;
// by default that is an InMemoryStore.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	store Store
}

// NewInMemoryRegistry constructs a registry with a default in-memory store.
func NewInMemoryRegistry() *InMemoryRegistry {
	return NewInMemoryRegistryWithStore(NewInMemoryStore())
}

// NewInMemoryRegistryWithStore constructs a registry that uses the given Store.
func NewInMemoryRegistryWithStore(store Store) *InMemoryRegistry {
	return &InMemoryRegistry{store: store}
}

// Register implements Registry.Register.
func (r *InMemoryRegistry) Register(rec *StreamRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.store.GetRecord(rec.ID); exists {
		return ErrAlreadyExists
	}
	r.store.SetRecord(rec)
	return nil
}

// Unregister implements Registry.Unregister.
func (r *InMemoryRegistry) Unregister(id StreamID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store.DeleteRecord(id)
}

// UnregisterRecord implements Registry.UnregisterRecord.
func (r *InMemoryRegistry) UnregisterRecord(rec *StreamRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.store.GetRecord(rec.ID)
	if !exists || current != rec {
		return false
	}
	r.store.DeleteRecord(rec.ID)
	return true
}

// Lookup implements Registry.Lookup.
func (r *InMemoryRegistry) Lookup(id StreamID) (*StreamRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.GetRecord(id)
}

// IsActive implements Registry.IsActive.
func (r *InMemoryRegistry) IsActive(id StreamID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.store.GetRecord(id)
	return ok && rec.Status() == StatusRunning
}

// ListActive implements Registry.ListActive.
func (r *InMemoryRegistry) ListActive() []StreamID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]*StreamRecord, 0)
	for _, id := range r.store.ListStreamIDs() {
		if rec, ok := r.store.GetRecord(id); ok && rec.Status() == StatusRunning {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].StartedAt.Equal(records[j].StartedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].StartedAt.Before(records[j].StartedAt)
	})

	ids := make([]StreamID, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	return ids
}

// ActiveStreamCount implements Registry.ActiveStreamCount.
func (r *InMemoryRegistry) ActiveStreamCount() int {
	return len(r.ListActive())
}
