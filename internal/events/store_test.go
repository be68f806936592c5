package events

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStoreAppendReadAndFilters(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	s := NewStore("")

	base := time.Now().Add(-2 * time.Hour).UTC()
	seed := []Event{
		{Timestamp: base, ServiceID: "a", EventType: ServiceCreated},
		{Timestamp: base.Add(10 * time.Minute), ServiceID: "a", EventType: ServiceUpdated},
		{Timestamp: base.Add(20 * time.Minute), ServerID: "m2", EventType: SyncServerFailed, Message: "timeout"},
	}
	for _, evt := range seed {
		if err := s.Append(evt); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, err := s.Read(Query{})
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}

	byService, err := s.Read(Query{ServiceID: "a"})
	if err != nil {
		t.Fatalf("read service: %v", err)
	}
	if len(byService) != 2 {
		t.Fatalf("expected 2 events for service a, got %d", len(byService))
	}

	byType, err := s.Read(Query{EventType: SyncServerFailed})
	if err != nil {
		t.Fatalf("read type: %v", err)
	}
	if len(byType) != 1 || byType[0].ServerID != "m2" {
		t.Fatalf("unexpected type result: %+v", byType)
	}

	limited, err := s.Read(Query{Limit: 1})
	if err != nil {
		t.Fatalf("read limit: %v", err)
	}
	if len(limited) != 1 || limited[0].EventType != SyncServerFailed {
		t.Fatalf("unexpected limited result: %+v", limited)
	}

	since, err := s.Read(Query{Since: base.Add(15 * time.Minute)})
	if err != nil {
		t.Fatalf("read since: %v", err)
	}
	if len(since) != 1 {
		t.Fatalf("unexpected since result: %+v", since)
	}
}

func TestStoreReadMissingFile(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "none.jsonl"))
	out, err := s.Read(Query{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no events, got %d", len(out))
	}
}

func TestStoreSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	if err := os.WriteFile(path, []byte("{not json\n\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := NewStore(path)
	if err := s.Append(Event{EventType: SyncCompleted, Count: 2}); err != nil {
		t.Fatal(err)
	}
	out, err := s.Read(Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Count != 2 || out[0].Timestamp.IsZero() {
		t.Fatalf("unexpected events: %+v", out)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("unexpected mode %v", info.Mode().Perm())
	}
}
