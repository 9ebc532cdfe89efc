package orchestrator

import (
	"errors"
	"slices"
	"testing"
	"time"
)

func recordWithStatus(id StreamID, startedAt time.Time, st Status) *StreamRecord {
	rec := &StreamRecord{ID: id, StartedAt: startedAt}
	w := &worker{rec: rec}
	w.state.Store(int32(st))
	rec.worker = w
	return rec
}

func TestInMemoryRegistry_Register_duplicate(t *testing.T) {
	reg := NewInMemoryRegistry()
	first := recordWithStatus("cam", time.Now(), StatusRunning)
	if err := reg.Register(first); err != nil {
		t.Fatalf("Register: %v", err)
	}

	err := reg.Register(recordWithStatus("cam", time.Now(), StatusRunning))
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if got, _ := reg.Lookup("cam"); got != first {
		t.Error("existing record was overwritten")
	}
}

func TestInMemoryRegistry_UnregisterRecord_identity(t *testing.T) {
	reg := NewInMemoryRegistry()
	old := recordWithStatus("cam", time.Now(), StatusRunning)
	_ = reg.Register(old)
	reg.Unregister("cam")

	newer := recordWithStatus("cam", time.Now(), StatusRunning)
	_ = reg.Register(newer)

	if reg.UnregisterRecord(old) {
		t.Error("stale record removed the newer session")
	}
	if got, ok := reg.Lookup("cam"); !ok || got != newer {
		t.Error("newer session missing after stale cleanup")
	}
	if !reg.UnregisterRecord(newer) {
		t.Error("UnregisterRecord(current) = false")
	}
	if _, ok := reg.Lookup("cam"); ok {
		t.Error("record still present")
	}
}

func TestInMemoryRegistry_Unregister_absent(t *testing.T) {
	reg := NewInMemoryRegistry()
	reg.Unregister("missing")
	if reg.UnregisterRecord(recordWithStatus("missing", time.Now(), StatusRunning)) {
		t.Error("UnregisterRecord of absent id reported removal")
	}
}

func TestInMemoryRegistry_only_running_is_active(t *testing.T) {
	reg := NewInMemoryRegistry()
	now := time.Now()
	_ = reg.Register(recordWithStatus("starting", now, StatusStarting))
	_ = reg.Register(recordWithStatus("running", now, StatusRunning))
	_ = reg.Register(recordWithStatus("stopping", now, StatusStopping))

	if reg.IsActive("starting") || reg.IsActive("stopping") || reg.IsActive("missing") {
		t.Error("non-running stream reported active")
	}
	if !reg.IsActive("running") {
		t.Error("running stream not active")
	}
	if got := reg.ListActive(); !slices.Equal(got, []StreamID{"running"}) {
		t.Errorf("ListActive = %v", got)
	}
	if reg.ActiveStreamCount() != 1 {
		t.Errorf("ActiveStreamCount = %d", reg.ActiveStreamCount())
	}
}

func TestInMemoryRegistry_ListActive_ordered_by_start(t *testing.T) {
	reg := NewInMemoryRegistry()
	base := time.Now()
	_ = reg.Register(recordWithStatus("c", base.Add(2*time.Second), StatusRunning))
	_ = reg.Register(recordWithStatus("a", base, StatusRunning))
	_ = reg.Register(recordWithStatus("b", base.Add(time.Second), StatusRunning))
	_ = reg.Register(recordWithStatus("a2", base, StatusRunning))

	want := []StreamID{"a", "a2", "b", "c"}
	if got := reg.ListActive(); !slices.Equal(got, want) {
		t.Errorf("ListActive = %v, want %v", got, want)
	}
}

func TestInMemoryRegistry_empty(t *testing.T) {
	reg := NewInMemoryRegistry()
	if got := reg.ListActive(); got == nil || len(got) != 0 {
		t.Errorf("ListActive on empty registry = %#v, want empty slice", got)
	}
}
