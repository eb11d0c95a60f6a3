package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndListEvents(t *testing.T) {
	s := openTestStore(t)

	s.RecordEvent(EventRecord{ID: "1", Timestamp: time.Now(), Type: "exec", Allowed: true, Result: "success"})
	s.RecordEvent(EventRecord{ID: "2", Timestamp: time.Now(), Type: "file_read", Allowed: false, Result: "denied"})

	all, err := s.ListEvents("", 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 events, got %d", len(all))
	}

	filtered, err := s.ListEvents("exec", 0)
	if err != nil {
		t.Fatalf("ListEvents filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != "1" {
		t.Fatalf("expected only the exec event, got %+v", filtered)
	}
}

func TestStats(t *testing.T) {
	s := openTestStore(t)

	s.RecordEvent(EventRecord{ID: "1", Timestamp: time.Now(), Type: "exec", Allowed: true, Result: "success"})
	s.RecordEvent(EventRecord{ID: "2", Timestamp: time.Now(), Type: "exec", Allowed: false, Result: "denied"})
	s.RecordEvent(EventRecord{ID: "3", Timestamp: time.Now(), Type: "file_read", Allowed: true, Result: "success"})

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalEvents != 3 {
		t.Fatalf("expected 3 total events, got %d", stats.TotalEvents)
	}
	if stats.ByType["exec"] != 2 {
		t.Fatalf("expected 2 exec events, got %d", stats.ByType["exec"])
	}
	if stats.ByResult["denied"] != 1 {
		t.Fatalf("expected 1 denied result, got %d", stats.ByResult["denied"])
	}
}

func TestSkillVersionLifecycle(t *testing.T) {
	s := openTestStore(t)

	rec := SkillVersionRecord{Slug: "weather-lookup", Version: "1.0.0", SHA: "abc123", Trusted: true, InstalledAt: time.Now()}
	if err := s.UpsertSkillVersion(rec); err != nil {
		t.Fatalf("UpsertSkillVersion: %v", err)
	}

	got, err := s.GetSkillVersion("weather-lookup")
	if err != nil {
		t.Fatalf("GetSkillVersion: %v", err)
	}
	if got == nil || got.SHA != "abc123" {
		t.Fatalf("expected matching skill version record, got %+v", got)
	}

	if err := s.RemoveSkillVersion("weather-lookup"); err != nil {
		t.Fatalf("RemoveSkillVersion: %v", err)
	}
	got, err = s.GetSkillVersion("weather-lookup")
	if err != nil {
		t.Fatalf("GetSkillVersion after removal: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil after removal, got %+v", got)
	}
}

func TestMarshalMetadata(t *testing.T) {
	if got := MarshalMetadata(nil); got != "" {
		t.Fatalf("expected empty string for nil, got %q", got)
	}
	got := MarshalMetadata(map[string]string{"k": "v"})
	if got != `{"k":"v"}` {
		t.Fatalf("unexpected marshal output: %q", got)
	}
}
