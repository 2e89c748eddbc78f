// Package health tracks peer liveness for the sync manager: staleness
// detection on a heartbeat cadence, and a reusable sliding-window
// sync-health score adapted from the teacher's adaptive quorum scorer. It
// notifies the sync manager when a previously-stale peer becomes reachable
// again, so the manager can request a fresh sync rather than wait for the
// next scheduled heartbeat.
package health

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Watcher tracks last-seen times per peer and detects staleness and
// partition healing, generalizing the teacher's health.Probe /
// staleness.Detector into one peer-liveness table.
type Watcher struct {
	mu         sync.Mutex
	lastSeen   map[string]time.Time
	wasStale   map[string]bool
	staleAfter time.Duration
	logger     *zap.Logger
	healing    chan string
}

// NewWatcher builds a Watcher that considers a peer stale once staleAfter
// has elapsed since its last observed traffic (heartbeat, op batch, ack,
// anything). Per spec.md §4.F.5 this should be 3×heartbeat_interval.
func NewWatcher(staleAfter time.Duration, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		lastSeen:   make(map[string]time.Time),
		wasStale:   make(map[string]bool),
		staleAfter: staleAfter,
		logger:     logger,
		healing:    make(chan string, 32),
	}
}

// RecordSeen marks peerIdentity as having produced traffic just now. If the
// peer had previously crossed the staleness threshold, this is a healing
// event and is published on HealingEvents().
func (w *Watcher) RecordSeen(peerIdentity string) {
	w.mu.Lock()
	now := time.Now()
	wasStale := w.wasStale[peerIdentity]
	w.lastSeen[peerIdentity] = now
	w.wasStale[peerIdentity] = false
	w.mu.Unlock()

	if wasStale {
		w.logger.Info("peer healed after partition", zap.String("peer", peerIdentity))
		select {
		case w.healing <- peerIdentity:
		default:
			w.logger.Warn("healing event channel full, dropping event", zap.String("peer", peerIdentity))
		}
	}
}

// HealingEvents reports peer identities that transitioned from stale back
// to live.
func (w *Watcher) HealingEvents() <-chan string { return w.healing }

// IsStale reports whether peerIdentity has not been seen within staleAfter.
// It also updates the internal wasStale bookkeeping so a subsequent
// RecordSeen is correctly recognized as a healing event.
func (w *Watcher) IsStale(peerIdentity string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	seen, ok := w.lastSeen[peerIdentity]
	if !ok {
		return false // never observed: neither live nor meaningfully stale yet
	}
	stale := time.Since(seen) > w.staleAfter
	if stale {
		w.wasStale[peerIdentity] = true
	}
	return stale
}

// Sweep returns every tracked peer currently past the staleness threshold.
// Intended to be called on the manager's heartbeat timer tick.
func (w *Watcher) Sweep() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var stale []string
	now := time.Now()
	for peer, seen := range w.lastSeen {
		if now.Sub(seen) > w.staleAfter {
			w.wasStale[peer] = true
			stale = append(stale, peer)
		}
	}
	return stale
}

// Forget drops a peer from tracking entirely (on explicit removal).
func (w *Watcher) Forget(peerIdentity string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.lastSeen, peerIdentity)
	delete(w.wasStale, peerIdentity)
}
