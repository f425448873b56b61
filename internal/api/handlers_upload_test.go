package api

import (
	"testing"
	"time"
)

func TestPreviewStore_PutThenGetRoundTrips(t *testing.T) {
	s := newPreviewStore()
	name := s.put([]byte("a,b\n1,2\n"), []string{"a", "b"})

	entry, ok := s.get(name)
	if !ok {
		t.Fatalf("expected to find the entry just put")
	}
	if string(entry.data) != "a,b\n1,2\n" {
		t.Fatalf("unexpected data: %q", entry.data)
	}
	if len(entry.headers) != 2 || entry.headers[0] != "a" {
		t.Fatalf("unexpected headers: %v", entry.headers)
	}
}

func TestPreviewStore_GetUnknownNameMisses(t *testing.T) {
	s := newPreviewStore()
	if _, ok := s.get("does-not-exist"); ok {
		t.Fatalf("expected a lookup for an unknown name to miss")
	}
}

func TestPreviewStore_ExpiredEntryMisses(t *testing.T) {
	s := newPreviewStore()
	name := "fixed-name"
	s.mu.Lock()
	s.entries[name] = previewEntry{data: []byte("x"), expiresAt: time.Now().Add(-time.Second)}
	s.mu.Unlock()

	if _, ok := s.get(name); ok {
		t.Fatalf("expected an expired entry to miss")
	}
}

func TestPreviewStore_GCLockedDropsOnlyExpiredEntries(t *testing.T) {
	s := newPreviewStore()
	s.mu.Lock()
	s.entries["fresh"] = previewEntry{expiresAt: time.Now().Add(time.Hour)}
	s.entries["stale"] = previewEntry{expiresAt: time.Now().Add(-time.Hour)}
	s.gcLocked()
	s.mu.Unlock()

	if _, ok := s.entries["stale"]; ok {
		t.Fatalf("expected the stale entry to be collected")
	}
	if _, ok := s.entries["fresh"]; !ok {
		t.Fatalf("expected the fresh entry to survive gc")
	}
}
