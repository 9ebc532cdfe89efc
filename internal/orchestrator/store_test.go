package orchestrator

import (
	"slices"
	"testing"
)

func TestInMemoryStore(t *testing.T) {
	s := NewInMemoryStore()
	if _, ok := s.GetRecord("a"); ok {
		t.Fatal("empty store returned a record")
	}

	a := &StreamRecord{ID: "a"}
	s.SetRecord(a)
	s.SetRecord(&StreamRecord{ID: "b"})

	if got, ok := s.GetRecord("a"); !ok || got != a {
		t.Errorf("GetRecord(a) = %v, %v", got, ok)
	}

	ids := s.ListStreamIDs()
	slices.Sort(ids)
	if !slices.Equal(ids, []StreamID{"a", "b"}) {
		t.Errorf("ListStreamIDs = %v", ids)
	}

	s.DeleteRecord("a")
	s.DeleteRecord("missing")
	if _, ok := s.GetRecord("a"); ok {
		t.Error("record a still present after delete")
	}
}
