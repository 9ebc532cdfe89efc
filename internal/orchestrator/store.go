package orchestrator

// Store is the storage abstraction behind the registry.
// Implementations are not required to be safe for concurrent use; the
// registry serializes all access.
type Store interface {
	GetRecord(id StreamID) (*StreamRecord, bool)
	SetRecord(rec *StreamRecord)
	DeleteRecord(id StreamID)
	ListStreamIDs() []StreamID
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	records map[StreamID]*StreamRecord
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[StreamID]*StreamRecord),
	}
}

// GetRecord implements Store.GetRecord.
func (s *InMemoryStore) GetRecord(id StreamID) (*StreamRecord, bool) {
	rec, ok := s.records[id]
	return rec, ok
}

// SetRecord implements Store.SetRecord.
func (s *InMemoryStore) SetRecord(rec *StreamRecord) {
	s.records[rec.ID] = rec
}

// DeleteRecord implements Store.DeleteRecord.
func (s *InMemoryStore) DeleteRecord(id StreamID) {
	delete(s.records, id)
}

// ListStreamIDs implements Store.ListStreamIDs.
func (s *InMemoryStore) ListStreamIDs() []StreamID {
	ids := make([]StreamID, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	return ids
}
