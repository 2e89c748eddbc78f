// Package syncmanager runs the cooperative gossip event loop: it answers
// Announce/RequestSync/OpBatch/Heartbeat envelopes, tracks per-peer sync
// watermarks, drives the heartbeat timer, and reacts to health.Watcher
// staleness and healing events. It is the one place in the tree that owns a
// long-running select loop.
package syncmanager

import (
	"context"
	"math"
	"net"
	"sync"
	"time"

	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/ahenk-go/syncd/internal/health"
	"github.com/ahenk-go/syncd/internal/hlc"
	"github.com/ahenk-go/syncd/internal/merge"
	"github.com/ahenk-go/syncd/internal/metrics"
	"github.com/ahenk-go/syncd/internal/oplog"
	"github.com/ahenk-go/syncd/internal/protocol"
	"github.com/ahenk-go/syncd/internal/transport"
)

// heartbeatAckTag marks an Ack envelope as the echo reply to a heartbeat
// (as opposed to an OpBatch acknowledgment), letting the sender measure a
// round-trip time without a dedicated wire message.
const heartbeatAckTag = "heartbeat"

// Peer is the live gossip-connection state the manager tracks for each peer
// identity it has heard from or dialed. It is distinct from store.Peer,
// which is the durable account-membership record: this is runtime-only.
type Peer struct {
	Identity  string
	UserID    string
	DeviceID  string
	Address   multiaddr.Multiaddr
	Watermark hlc.HLC // highest HLC applied from this peer so far
}

// Config wires a Manager's dependencies. All fields are required except
// Logger and Metrics.
type Config struct {
	UserID            string
	DeviceID          string
	PeerIdentity      string
	Clock             *hlc.Clock
	Engine            *merge.Engine
	Transport         *transport.Transport
	Watcher           *health.Watcher
	Scorer            *health.Scorer
	Metrics           *metrics.Metrics
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// Manager owns the peer table and the gossip event loop for one device.
type Manager struct {
	userID       string
	deviceID     string
	peerIdentity string

	clock     *hlc.Clock
	engine    *merge.Engine
	transport *transport.Transport
	watcher   *health.Watcher
	scorer    *health.Scorer
	metrics   *metrics.Metrics
	logger    *zap.Logger

	heartbeatInterval time.Duration

	mu              sync.Mutex
	peers           map[string]*Peer
	heartbeatSentAt map[string]time.Time
	peerRTT         map[string]float64 // seconds, most recent heartbeat round-trip per peer
	peerClockDrift  map[string]float64 // seconds, abs drift observed on the last heartbeat per peer
	sendAttempts    int
	sendFailures    int
}

// New builds a Manager from cfg.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Manager{
		userID:            cfg.UserID,
		deviceID:          cfg.DeviceID,
		peerIdentity:      cfg.PeerIdentity,
		clock:             cfg.Clock,
		engine:            cfg.Engine,
		transport:         cfg.Transport,
		watcher:           cfg.Watcher,
		scorer:            cfg.Scorer,
		metrics:           cfg.Metrics,
		logger:            logger,
		heartbeatInterval: interval,
		peers:             make(map[string]*Peer),
		heartbeatSentAt:   make(map[string]time.Time),
		peerRTT:           make(map[string]float64),
		peerClockDrift:    make(map[string]float64),
	}
}

// Listen starts accepting inbound gossip connections.
func (m *Manager) Listen() error {
	return m.transport.Listen()
}

// ListenAddr returns the bound listen address, valid after Listen succeeds.
func (m *Manager) ListenAddr() net.Addr {
	return m.transport.Addr()
}

// StartDiscovery begins broadcasting local presence on the subnet and
// auto-connects to every peer discovered via broadcast that we are not
// already connected to. It returns once the broadcast/listen goroutines are
// started; discovery itself keeps running until ctx is cancelled.
func (m *Manager) StartDiscovery(ctx context.Context, deviceID string, dialBackPort int) error {
	discovered, err := m.transport.StartLocalDiscovery(ctx, deviceID, dialBackPort)
	if err != nil {
		return err
	}
	go m.consumeDiscoveries(ctx, discovered)
	return nil
}

func (m *Manager) consumeDiscoveries(ctx context.Context, discovered <-chan transport.DiscoveredPeer) {
	for {
		select {
		case <-ctx.Done():
			return
		case peer, ok := <-discovered:
			if !ok {
				return
			}
			if m.transport.Connected(peer.PeerIdentity) {
				continue
			}
			m.logger.Info("discovered peer via local broadcast",
				zap.String("peer", peer.PeerIdentity), zap.String("device_id", peer.DeviceID))
			if err := m.ConnectToNetwork(peer.PeerIdentity, peer.Addr); err != nil {
				m.logger.Warn("failed to connect to discovered peer", zap.String("peer", peer.PeerIdentity), zap.Error(err))
			}
		}
	}
}

// RegisterWithRelay registers this device's dial-back address with relay,
// so peers behind NAT can still be reached indirectly.
func (m *Manager) RegisterWithRelay(relay multiaddr.Multiaddr) error {
	return m.transport.RegisterWithRelay(relay)
}

// ConnectToNetwork dials a bootstrap peer and completes the handshake by
// announcing this device's presence immediately afterward.
func (m *Manager) ConnectToNetwork(peerIdentity string, addr multiaddr.Multiaddr) error {
	if err := m.transport.Dial(peerIdentity, addr); err != nil {
		return err
	}
	return m.AnnouncePresence(peerIdentity)
}

// AnnouncePresence sends an Announce to a peer we already have a
// connection to (inbound or outbound).
func (m *Manager) AnnouncePresence(peerIdentity string) error {
	return m.transport.Send(peerIdentity, protocol.Announce{
		UserID:       m.userID,
		DeviceID:     m.deviceID,
		PeerIdentity: m.peerIdentity,
	})
}

// RequestSync asks peerIdentity for every operation after that peer's
// recorded watermark.
func (m *Manager) RequestSync(peerIdentity string) error {
	m.mu.Lock()
	p, ok := m.peers[peerIdentity]
	m.mu.Unlock()
	var since hlc.HLC
	if ok {
		since = p.Watermark
	}
	return m.transport.Send(peerIdentity, protocol.RequestSync{
		UserID:         m.userID,
		SinceTimestamp: since,
	})
}

// Run drives the event loop until ctx is cancelled: inbound transport
// events, the heartbeat timer, the staleness sweep, and healing events from
// the health.Watcher all flow through this one select.
func (m *Manager) Run(ctx context.Context) error {
	heartbeat := time.NewTicker(m.heartbeatInterval)
	defer heartbeat.Stop()
	sweep := time.NewTicker(m.heartbeatInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-m.transport.Events():
			if !ok {
				return nil
			}
			m.handleEvent(ev)

		case <-heartbeat.C:
			m.sendHeartbeats()

		case <-sweep.C:
			m.sweepStalePeers()

		case peerIdentity, ok := <-m.watcher.HealingEvents():
			if !ok {
				continue
			}
			m.onHealing(peerIdentity)
		}
	}
}

func (m *Manager) handleEvent(ev transport.Event) {
	m.watcher.RecordSeen(ev.PeerIdentity)

	switch msg := ev.Message.(type) {
	case protocol.Announce:
		m.onAnnounce(ev.PeerIdentity, msg)
	case protocol.RequestSync:
		m.onRequestSync(ev.PeerIdentity, msg)
	case protocol.OpBatch:
		m.onOpBatch(ev.PeerIdentity, msg)
	case protocol.Heartbeat:
		m.onHeartbeat(ev.PeerIdentity, msg)
	case protocol.Ack:
		m.onAck(ev.PeerIdentity, msg)
	default:
		m.logger.Warn("unhandled gossip message type", zap.String("peer", ev.PeerIdentity))
	}
}

func (m *Manager) onAnnounce(peerIdentity string, msg protocol.Announce) {
	m.mu.Lock()
	p, ok := m.peers[peerIdentity]
	if !ok {
		p = &Peer{Identity: peerIdentity}
		m.peers[peerIdentity] = p
	}
	p.UserID = msg.UserID
	p.DeviceID = msg.DeviceID
	m.mu.Unlock()

	m.logger.Info("peer announced", zap.String("peer", peerIdentity), zap.String("device_id", msg.DeviceID))

	if err := m.RequestSync(peerIdentity); err != nil {
		m.logger.Warn("request_sync after announce failed", zap.String("peer", peerIdentity), zap.Error(err))
	}
}

// opWireOverhead estimates the per-operation msgp framing cost (map header,
// field keys, the fixed-width timestamp) on top of each operation's own
// string and data payload lengths, for sizing a batch against MaxMessageSize
// without round-tripping through the real encoder.
const opWireOverhead = 96

func estimatedOpSize(op oplog.Operation) int {
	return opWireOverhead + len(op.ID) + len(op.DeviceID) + len(op.Table) + len(op.RowID) + len(op.Type) + len(op.Data)
}

func (m *Manager) onRequestSync(peerIdentity string, msg protocol.RequestSync) {
	ops, err := m.engine.Oplog().Since(msg.SinceTimestamp)
	if err != nil {
		m.logger.Warn("oplog.Since failed while answering request_sync", zap.String("peer", peerIdentity), zap.Error(err))
		return
	}
	if len(ops) == 0 {
		return
	}

	limit := m.transport.MaxMessageSize()
	// leave headroom for the envelope's own map/array framing around the ops.
	safeLimit := limit - limit/10

	var batch []oplog.Operation
	batchSize := 0
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		err := m.transport.Send(peerIdentity, protocol.OpBatch{Ops: batch})
		m.recordSendResult(peerIdentity, err)
		if err != nil {
			return false // stop pushing further batches; the peer will re-request from its watermark
		}
		if m.metrics != nil {
			m.metrics.MergeBatchSize.Observe(float64(len(batch)))
		}
		batch = nil
		batchSize = 0
		return true
	}

	for _, op := range ops {
		sz := estimatedOpSize(op)
		if len(batch) > 0 && batchSize+sz > safeLimit {
			if !flush() {
				return
			}
		}
		batch = append(batch, op)
		batchSize += sz
	}
	flush()
}

func (m *Manager) onOpBatch(peerIdentity string, msg protocol.OpBatch) {
	if len(msg.Ops) == 0 {
		return
	}
	merge.SortByHLC(msg.Ops)

	start := time.Now()
	if err := m.engine.Merge(msg.Ops); err != nil {
		m.logger.Warn("merge failed", zap.String("peer", peerIdentity), zap.Error(err))
		return
	}
	if m.metrics != nil {
		m.metrics.MergeLatency.Observe(time.Since(start).Seconds())
		for _, op := range msg.Ops {
			m.metrics.OpsAppliedTotal.WithLabelValues(string(op.Type)).Inc()
		}
	}

	highest := msg.Ops[len(msg.Ops)-1].Timestamp
	m.mu.Lock()
	p, ok := m.peers[peerIdentity]
	if !ok {
		p = &Peer{Identity: peerIdentity}
		m.peers[peerIdentity] = p
	}
	if highest > p.Watermark {
		p.Watermark = highest
	}
	m.mu.Unlock()

	if m.clock != nil {
		m.clock.Tick(&highest)
	}

	_ = m.transport.Send(peerIdentity, protocol.Ack{
		HighestOpID: msg.Ops[len(msg.Ops)-1].ID,
		HighestHLC:  highest,
	})
}

// onHeartbeat ticks the clock from the peer's HLC, records the observed
// drift, and echoes the heartbeat straight back as an Ack so the original
// sender can measure a round-trip time in onAck.
func (m *Manager) onHeartbeat(peerIdentity string, msg protocol.Heartbeat) {
	if m.clock != nil {
		remote := msg.HLC
		m.clock.Tick(&remote)
	}

	driftSeconds := 0.0
	if m.clock != nil {
		now := m.clock.Now()
		driftMicros := now.Physical() - msg.HLC.Physical()
		driftSeconds = float64(driftMicros) / 1e6
		if m.metrics != nil {
			m.metrics.ClockDrift.WithLabelValues(peerIdentity).Set(driftSeconds)
		}
	}
	m.mu.Lock()
	m.peerClockDrift[peerIdentity] = math.Abs(driftSeconds)
	m.mu.Unlock()

	err := m.transport.Send(peerIdentity, protocol.Ack{HighestOpID: heartbeatAckTag, HighestHLC: msg.HLC})
	m.recordSendResult(peerIdentity, err)
}

// onAck completes the heartbeat round-trip measurement started in
// sendHeartbeats. Acks for an OpBatch (HighestOpID carrying a real
// operation id) fall through untouched; liveness for those is already
// recorded by handleEvent before the type switch.
func (m *Manager) onAck(peerIdentity string, msg protocol.Ack) {
	if msg.HighestOpID != heartbeatAckTag {
		return
	}
	m.mu.Lock()
	sentAt, ok := m.heartbeatSentAt[peerIdentity]
	if ok {
		delete(m.heartbeatSentAt, peerIdentity)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	rtt := time.Since(sentAt).Seconds()
	m.mu.Lock()
	m.peerRTT[peerIdentity] = rtt
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.HeartbeatRTT.WithLabelValues(peerIdentity).Set(rtt)
	}
}

func (m *Manager) sendHeartbeats() {
	m.mu.Lock()
	identities := make([]string, 0, len(m.peers))
	for id := range m.peers {
		identities = append(identities, id)
	}
	m.mu.Unlock()

	hb := protocol.Heartbeat{DeviceID: m.deviceID, HLC: m.clock.Now()}
	for _, id := range identities {
		if !m.transport.Connected(id) {
			continue
		}
		m.mu.Lock()
		m.heartbeatSentAt[id] = time.Now()
		m.mu.Unlock()
		err := m.transport.Send(id, hb)
		m.recordSendResult(id, err)
	}
}

func (m *Manager) sweepStalePeers() {
	stale := m.watcher.Sweep()

	m.mu.Lock()
	known := len(m.peers)
	rttSamples := make([]float64, 0, len(m.peerRTT))
	for _, v := range m.peerRTT {
		rttSamples = append(rttSamples, v)
	}
	clockSamples := make([]float64, 0, len(m.peerClockDrift))
	for _, v := range m.peerClockDrift {
		clockSamples = append(clockSamples, v)
	}
	attempts, failures := m.sendAttempts, m.sendFailures
	m.sendAttempts, m.sendFailures = 0, 0
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.PeersStale.Set(float64(len(stale)))
		m.metrics.PeersKnown.Set(float64(known))
	}

	if m.scorer != nil && known > 0 {
		successRate := float64(known-len(stale)) / float64(known)
		avgRTT := mean(rttSamples)
		rttVariance := variance(rttSamples)
		avgClockDrift := mean(clockSamples)
		errorRate := 0.0
		if attempts > 0 {
			errorRate = float64(failures) / float64(attempts)
		}
		m.scorer.RecordSample(avgRTT, successRate, rttVariance, errorRate, avgClockDrift)
		m.scorer.Score()
	}
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func variance(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	avg := mean(vals)
	sumSq := 0.0
	for _, v := range vals {
		d := v - avg
		sumSq += d * d
	}
	return sumSq / float64(len(vals))
}

// onHealing is called when the health.Watcher observes a previously-stale
// peer become live again. Per the gossip-direction invariant, a healed
// partition triggers a RequestSync against that peer rather than a full
// reconciliation scan: each side already knows its own watermark, so a
// watermark-bounded pull is sufficient to catch back up.
func (m *Manager) onHealing(peerIdentity string) {
	m.logger.Info("peer healed after partition, requesting sync", zap.String("peer", peerIdentity))
	if m.metrics != nil {
		m.metrics.PartitionHealingEvents.Inc()
	}
	if err := m.RequestSync(peerIdentity); err != nil {
		m.logger.Warn("request_sync after healing failed", zap.String("peer", peerIdentity), zap.Error(err))
	}
}

// recordSendResult folds a transport.Send outcome into the error-rate window
// the health scorer draws on, and into the per-peer SendErrors counter.
// Passing a nil err still counts the attempt.
func (m *Manager) recordSendResult(peerIdentity string, err error) {
	m.mu.Lock()
	m.sendAttempts++
	if err != nil {
		m.sendFailures++
	}
	m.mu.Unlock()

	if err == nil {
		return
	}
	m.logger.Warn("send failed", zap.String("peer", peerIdentity), zap.Error(err))
	if m.metrics != nil {
		m.metrics.SendErrors.WithLabelValues(peerIdentity).Inc()
	}
}

// ApplyLocal stamps op with the local clock and applies it through the
// merge engine, recording metrics alongside.
func (m *Manager) ApplyLocal(table, rowID string, typ oplog.Type, data []byte) error {
	ts := m.clock.Now()
	op := oplog.New(m.deviceID, ts, table, rowID, typ, data)
	if err := m.engine.ApplyLocal(op); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.OpsAppliedTotal.WithLabelValues(string(typ)).Inc()
	}
	return nil
}

// Peers returns a snapshot of the current peer table.
func (m *Manager) Peers() []Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, *p)
	}
	return out
}
