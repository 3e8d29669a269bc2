package stats

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "stats.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSettingsRoundTrip(t *testing.T) {
	db := openTestDB(t)

	got, err := db.GetSetting("missing")
	if err != nil || got != "" {
		t.Errorf("missing setting should be empty, got %q %v", got, err)
	}

	if err := db.SetSetting("fernet_key", "abc123"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err = db.GetSetting("fernet_key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "abc123" {
		t.Errorf("expected abc123, got %q", got)
	}

	// Overwrite.
	db.SetSetting("fernet_key", "def456")
	got, _ = db.GetSetting("fernet_key")
	if got != "def456" {
		t.Errorf("expected def456, got %q", got)
	}
}

func TestUsageEvents(t *testing.T) {
	db := openTestDB(t)

	db.SessionStarted("s1", "alice", "rstudio")
	db.SessionStopped("s1", "alice", "rstudio", "idle", 42*time.Minute)
	db.SessionFailed("s2", "bob", "jupyter", "image not found")

	events, err := db.EventsForOwner("alice", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for alice, got %d", len(events))
	}

	var sawStop bool
	for _, ev := range events {
		if ev.Event == EventSessionStop {
			sawStop = true
			if ev.UsageSecs != int64((42 * time.Minute).Seconds()) {
				t.Errorf("usage seconds %d", ev.UsageSecs)
			}
			if ev.Detail != "idle" {
				t.Errorf("detail %q", ev.Detail)
			}
		}
	}
	if !sawStop {
		t.Error("stop event not recorded")
	}

	bobEvents, _ := db.EventsForOwner("bob", 10)
	if len(bobEvents) != 1 || bobEvents[0].Event != EventSessionFailed {
		t.Errorf("unexpected events for bob: %+v", bobEvents)
	}
}
