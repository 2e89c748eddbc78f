package health

import (
	"testing"
	"time"
)

func TestWatcher_IsStaleAfterThreshold(t *testing.T) {
	w := NewWatcher(50*time.Millisecond, nil)
	w.RecordSeen("peer-1")

	if w.IsStale("peer-1") {
		t.Fatal("expected peer to be fresh immediately after RecordSeen")
	}

	time.Sleep(80 * time.Millisecond)
	if !w.IsStale("peer-1") {
		t.Fatal("expected peer to be stale after exceeding the threshold")
	}
}

func TestWatcher_UnknownPeerIsNotStale(t *testing.T) {
	w := NewWatcher(time.Second, nil)
	if w.IsStale("never-seen") {
		t.Fatal("expected a never-seen peer to report not stale")
	}
}

func TestWatcher_HealingEventOnRecoveryAfterStale(t *testing.T) {
	w := NewWatcher(30*time.Millisecond, nil)
	w.RecordSeen("peer-1")
	time.Sleep(50 * time.Millisecond)

	if !w.IsStale("peer-1") {
		t.Fatal("expected peer to be stale")
	}

	w.RecordSeen("peer-1") // healing

	select {
	case healed := <-w.HealingEvents():
		if healed != "peer-1" {
			t.Fatalf("expected healing event for peer-1, got %s", healed)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for healing event")
	}
}

func TestWatcher_SweepReportsStalePeers(t *testing.T) {
	w := NewWatcher(20*time.Millisecond, nil)
	w.RecordSeen("stale-peer")
	w.RecordSeen("fresh-peer")
	time.Sleep(40 * time.Millisecond)
	w.RecordSeen("fresh-peer") // refresh

	stale := w.Sweep()
	if len(stale) != 1 || stale[0] != "stale-peer" {
		t.Fatalf("expected only stale-peer to be reported, got %v", stale)
	}
}

func TestWatcher_Forget(t *testing.T) {
	w := NewWatcher(time.Second, nil)
	w.RecordSeen("peer-1")
	w.Forget("peer-1")
	if w.IsStale("peer-1") {
		t.Fatal("a forgotten peer should report not-stale (never observed), not stale")
	}
}
