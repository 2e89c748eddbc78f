// Package transport implements the peer-to-peer network layer: a listening
// endpoint, outbound dialing to bootstrap addresses, relay registration for
// NAT traversal, local-network discovery via UDP broadcast, and a
// message-oriented bidirectional stream per peer. It surfaces one inbound
// event channel to the sync manager and a best-effort Send primitive,
// generalizing the teacher's peer-address-keyed connection map from unary
// RPC calls to a persistent framed stream.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/ahenk-go/syncd/internal/protocol"
	"github.com/ahenk-go/syncd/internal/syncerr"
)

// Config controls transport behavior. No field is ever read from an
// environment variable; callers build it explicitly (internal/config).
type Config struct {
	ListenAddr           string
	EnableLocalDiscovery bool
	EnableRelay          bool
	BootstrapNodes       []multiaddr.Multiaddr
	RelayServers         []multiaddr.Multiaddr
	HeartbeatInterval    time.Duration
	MaxMessageSize       int
	DiscoveryPort        int
}

// Event is one inbound (peer_identity, decoded_message) tuple delivered to
// the sync manager.
type Event struct {
	PeerIdentity string
	Message      any
}

const lengthPrefixSize = 4

// Transport owns the network endpoints and the live peer connection table.
type Transport struct {
	cfg           Config
	localIdentity string
	logger        *zap.Logger

	listener net.Listener

	mu    sync.RWMutex
	conns map[string]*peerConn

	events chan Event

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type peerConn struct {
	identity string
	conn     net.Conn
	writeMu  sync.Mutex
}

// New builds a Transport. Call Listen to start accepting inbound
// connections, and optionally StartLocalDiscovery / Dial.
func New(cfg Config, localIdentity string, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4 << 20
	}
	return &Transport{
		cfg:           cfg,
		localIdentity: localIdentity,
		logger:        logger,
		conns:         make(map[string]*peerConn),
		events:        make(chan Event, 256),
		stopCh:        make(chan struct{}),
	}
}

// Events returns the channel of inbound (peer_identity, message) tuples.
func (t *Transport) Events() <-chan Event { return t.events }

// Listen starts accepting inbound TCP connections on cfg.ListenAddr.
func (t *Transport) Listen() error {
	ln, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return syncerr.New(syncerr.KindSync, "transport.Listen", err)
	}
	t.listener = ln

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

// MaxMessageSize returns the configured max frame size, for callers (the
// sync manager) that need to partition a send into size-bounded batches.
func (t *Transport) MaxMessageSize() int { return t.cfg.MaxMessageSize }

// Addr returns the bound listen address, valid after Listen succeeds.
func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				t.logger.Warn("accept failed", zap.Error(err))
				return
			}
		}
		t.wg.Add(1)
		go t.handleInbound(conn)
	}
}

// handleInbound expects the first frame on an inbound connection to be an
// Announce, which carries the peer's identity and lets us register the
// connection in the peer table before any further frames are processed.
func (t *Transport) handleInbound(conn net.Conn) {
	defer t.wg.Done()

	frame, err := readFrame(conn, t.cfg.MaxMessageSize)
	if err != nil {
		t.logger.Warn("inbound connection closed before handshake", zap.Error(err))
		_ = conn.Close()
		return
	}
	msg, err := protocol.Unmarshal(frame)
	if err != nil {
		t.logger.Warn("failed to decode handshake frame", zap.Error(err))
		_ = conn.Close()
		return
	}
	announce, ok := msg.(protocol.Announce)
	if !ok {
		t.logger.Warn("first inbound frame was not an announce", zap.String("type", fmt.Sprintf("%T", msg)))
		_ = conn.Close()
		return
	}

	pc := &peerConn{identity: announce.PeerIdentity, conn: conn}
	t.mu.Lock()
	t.conns[pc.identity] = pc
	t.mu.Unlock()

	t.deliver(pc.identity, announce)
	t.readLoop(pc)
}

// readLoop pulls length-prefixed envelopes off conn until it errors or
// closes, decoding and delivering each to the events channel.
func (t *Transport) readLoop(pc *peerConn) {
	defer t.removePeer(pc.identity)
	for {
		frame, err := readFrame(pc.conn, t.cfg.MaxMessageSize)
		if err != nil {
			if err != io.EOF {
				t.logger.Debug("peer read loop ended", zap.String("peer", pc.identity), zap.Error(err))
			}
			return
		}
		msg, err := protocol.Unmarshal(frame)
		if err != nil {
			if _, unknown := err.(protocol.ErrUnknownVariant); unknown {
				t.logger.Info("dropped envelope with unrecognized variant", zap.String("peer", pc.identity), zap.Error(err))
				continue
			}
			t.logger.Warn("malformed envelope, dropping", zap.String("peer", pc.identity), zap.Error(err))
			continue
		}
		t.deliver(pc.identity, msg)
	}
}

func (t *Transport) deliver(peerIdentity string, msg any) {
	select {
	case t.events <- Event{PeerIdentity: peerIdentity, Message: msg}:
	case <-t.stopCh:
	}
}

func (t *Transport) removePeer(identity string) {
	t.mu.Lock()
	if pc, ok := t.conns[identity]; ok {
		_ = pc.conn.Close()
		delete(t.conns, identity)
	}
	t.mu.Unlock()
}

// Dial opens an outbound connection to addr and registers it under
// peerIdentity (the identity we expect the remote end to present, known
// ahead of time via pairing or bootstrap configuration). The caller is
// responsible for sending an Announce next so the remote's accept loop can
// complete its half of the handshake.
func (t *Transport) Dial(peerIdentity string, addr multiaddr.Multiaddr) error {
	network, address, err := dialArgs(addr)
	if err != nil {
		return syncerr.New(syncerr.KindSync, "transport.Dial", err)
	}

	conn, err := net.DialTimeout(network, address, 10*time.Second)
	if err != nil {
		return syncerr.New(syncerr.KindSync, "transport.Dial", err)
	}

	pc := &peerConn{identity: peerIdentity, conn: conn}
	t.mu.Lock()
	t.conns[peerIdentity] = pc
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(pc)
	return nil
}

// dialArgs converts a multiaddress of the form /ip4/<addr>/tcp/<port> into
// net.Dial arguments.
func dialArgs(addr multiaddr.Multiaddr) (network, address string, err error) {
	ip, err := addr.ValueForProtocol(multiaddr.P_IP4)
	if err != nil {
		return "", "", fmt.Errorf("multiaddress missing ip4 component: %w", err)
	}
	port, err := addr.ValueForProtocol(multiaddr.P_TCP)
	if err != nil {
		return "", "", fmt.Errorf("multiaddress missing tcp component: %w", err)
	}
	return "tcp", net.JoinHostPort(ip, port), nil
}

// Send best-effort delivers msg to peerIdentity. It returns an error if the
// peer is not currently connected or the write fails. The write has no
// deadline. The sync manager counts a failure toward its send-error rate and
// keeps the peer in its table; no per-peer unreachable state is recorded.
func (t *Transport) Send(peerIdentity string, msg any) error {
	t.mu.RLock()
	pc, ok := t.conns[peerIdentity]
	t.mu.RUnlock()
	if !ok {
		return syncerr.New(syncerr.KindSync, "transport.Send", fmt.Errorf("no connection to peer %q", peerIdentity))
	}

	payload, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	if len(payload) > t.cfg.MaxMessageSize {
		return syncerr.New(syncerr.KindSync, "transport.Send", fmt.Errorf("message of %d bytes exceeds max_message_size %d", len(payload), t.cfg.MaxMessageSize))
	}

	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	if err := writeFrame(pc.conn, payload); err != nil {
		return syncerr.New(syncerr.KindSync, "transport.Send", err)
	}
	return nil
}

// Connected reports whether peerIdentity currently has a live connection.
func (t *Transport) Connected(peerIdentity string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.conns[peerIdentity]
	return ok
}

// Close stops accepting new connections and closes every live peer stream.
func (t *Transport) Close() error {
	t.stopOnce.Do(func() { close(t.stopCh) })
	if t.listener != nil {
		_ = t.listener.Close()
	}
	t.mu.Lock()
	for id, pc := range t.conns {
		_ = pc.conn.Close()
		delete(t.conns, id)
	}
	t.mu.Unlock()
	t.wg.Wait()
	close(t.events)
	return nil
}

func readFrame(r io.Reader, maxSize int) ([]byte, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if int(size) > maxSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds max_message_size %d", size, maxSize)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
