package session

import (
	"testing"
	"time"
)

func TestInsertAndGet(t *testing.T) {
	r := New()
	sess := r.Insert("alice", nil, map[string]any{"device_name": "laptop"})
	got, ok := r.Get("alice")
	if !ok {
		t.Fatalf("expected session to be found")
	}
	if got != sess {
		t.Errorf("expected same session pointer back")
	}
	if got.Meta()["device_name"] != "laptop" {
		t.Errorf("expected meta to carry device_name, got %v", got.Meta())
	}
}

func TestInsertReplacesPrior(t *testing.T) {
	r := New()
	first := r.Insert("bob", nil, nil)
	second := r.Insert("bob", nil, nil)
	got, ok := r.Get("bob")
	if !ok {
		t.Fatalf("expected session to be found")
	}
	if got == first {
		t.Errorf("expected the replacement session, got the original")
	}
	if got != second {
		t.Errorf("expected the second inserted session")
	}
}

func TestGetMissing(t *testing.T) {
	r := New()
	if _, ok := r.Get("nobody"); ok {
		t.Errorf("expected no session for unknown id")
	}
}

func TestStaleSessionEvictedOnGet(t *testing.T) {
	r := New()
	sess := r.Insert("carol", nil, nil)
	sess.pingAt.Store(time.Now().Add(-2 * StaleAfter).UnixNano())
	if _, ok := r.Get("carol"); ok {
		t.Errorf("expected stale session to be evicted on lookup")
	}
	if _, ok := r.Get("carol"); ok {
		t.Errorf("expected session to remain absent after eviction")
	}
}

func TestGetDefaultFallsBackToTunnelID(t *testing.T) {
	r := New()
	r.Insert("tunnel-42", nil, nil)
	sess, ok := r.GetDefault("tunnel-42")
	if !ok {
		t.Fatalf("expected fallback lookup to find tunnel-42")
	}
	if sess.RoutingID != "tunnel-42" {
		t.Errorf("expected tunnel-42, got %s", sess.RoutingID)
	}
}

func TestGetDefaultPrefersDefaultClientID(t *testing.T) {
	r := New()
	r.Insert(DefaultClientID, nil, nil)
	r.Insert("tunnel-42", nil, nil)
	sess, ok := r.GetDefault("tunnel-42")
	if !ok {
		t.Fatalf("expected default session to be found")
	}
	if sess.RoutingID != DefaultClientID {
		t.Errorf("expected default_client_id to take priority, got %s", sess.RoutingID)
	}
}

func TestMergeMetaPreservesExistingKeys(t *testing.T) {
	r := New()
	sess := r.Insert("dave", nil, map[string]any{"device_name": "phone"})
	sess.MergeMeta(map[string]any{"device_name": "tablet", "extra": "1"})
	meta := sess.Meta()
	if meta["device_name"] != "tablet" {
		t.Errorf("expected device_name updated to tablet, got %v", meta["device_name"])
	}
	if meta["extra"] != "1" {
		t.Errorf("expected extra key merged in, got %v", meta["extra"])
	}
}

func TestSweepRemovesOnlyStale(t *testing.T) {
	r := New()
	fresh := r.Insert("fresh", nil, nil)
	stale := r.Insert("stale", nil, nil)
	stale.pingAt.Store(time.Now().Add(-2 * StaleAfter).UnixNano())

	n := r.Sweep()
	if n != 1 {
		t.Fatalf("expected 1 session swept, got %d", n)
	}
	if _, ok := r.Get("stale"); ok {
		t.Errorf("expected stale session gone after sweep")
	}
	if _, ok := r.Get("fresh"); !ok {
		t.Errorf("expected fresh session to survive sweep")
	}
	_ = fresh
}

func TestSnapshotFiltersByAge(t *testing.T) {
	r := New()
	r.Insert("recent", nil, nil)
	old := r.Insert("old", nil, nil)
	old.pingAt.Store(time.Now().Add(-45 * time.Second).UnixNano())

	snap := r.Snapshot(30 * time.Second)
	if len(snap) != 1 {
		t.Fatalf("expected 1 session within 30s window, got %d", len(snap))
	}
	if snap[0].RoutingID != "recent" {
		t.Errorf("expected recent session in snapshot, got %s", snap[0].RoutingID)
	}
}
