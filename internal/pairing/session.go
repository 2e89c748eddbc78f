// Package pairing implements the device-pairing challenge/response state
// machine: an already-paired authorizer device mints a short-lived
// challenge, renders it as a QR code, a new device decodes and answers it,
// and the authorizer validates the answer and derives a shared sync_key by
// authenticated key agreement.
package pairing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/ahenk-go/syncd/internal/metrics"
	"github.com/ahenk-go/syncd/internal/syncerr"
)

// Status is a session's position in the New -> Pending -> Consumed/Expired
// -> Removed state machine from spec.md §4.G. Create() always produces a
// session already in Pending; New exists to name the conceptual starting
// point before a challenge_id is minted.
type Status string

const (
	StatusNew      Status = "new"
	StatusPending  Status = "pending"
	StatusConsumed Status = "consumed"
	StatusExpired  Status = "expired"
	StatusRemoved  Status = "removed"
)

const hkdfInfo = "ahenk-pairing-sync-key-v1"

// Session is the authorizer-side record of an outstanding pairing
// challenge. AuthorizerECDHPrivate never leaves the authorizer process.
type Session struct {
	ChallengeID             string
	UserID                  string
	AuthorizerDeviceID      string
	AuthorizerPeerID        string
	AuthorizerAddress       multiaddr.Multiaddr
	Nonce                   [32]byte
	AuthorizerSigningPublic ed25519.PublicKey
	AuthorizerECDHPublic    [32]byte
	AuthorizerECDHPrivate   [32]byte
	CreatedAt               time.Time
	ExpiresAt               time.Time
	Status                  Status
}

func (s *Session) NonceHex() string                      { return hex.EncodeToString(s.Nonce[:]) }
func (s *Session) AuthorizerSigningPublicHex() string     { return hex.EncodeToString(s.AuthorizerSigningPublic) }
func (s *Session) AuthorizerECDHPublicHex() string        { return hex.EncodeToString(s.AuthorizerECDHPublic[:]) }

// Response is what the new device sends back: its chosen identity, a
// signature over the challenge nonce, and its own public key material so
// the authorizer can complete the ECDH step. It is a one-shot handshake
// payload, not part of the versioned gossip envelope, so it carries no
// variant tag; this package defines no wire encoding for it.
type Response struct {
	ChallengeID      string
	DeviceID         string
	PeerIdentity     string
	DeviceType       string
	DeviceName       string
	SigningPublicKey ed25519.PublicKey
	ECDHPublicKey    [32]byte
	SignedNonce      []byte
}

// ResultStatus is the outcome surfaced to the caller per spec.md §7.
type ResultStatus string

const (
	ResultSuccess          ResultStatus = "success"
	ResultFailed           ResultStatus = "failed"
	ResultExpired          ResultStatus = "expired"
	ResultInvalidSignature ResultStatus = "invalid_signature"
)

// Result is the user-visible surface of Validate.
type Result struct {
	Status        ResultStatus
	DeviceID      string
	UserID        string
	SyncKey       []byte
	FailureReason string
}

// Manager owns the authorizer-side identity and the table of outstanding
// sessions for one device. It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	identity Identity
	ttl      time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
	sessions map[string]*Session
}

// NewManager constructs a Manager for a device acting as authorizer, using
// identity's keypairs to sign/derive keys and ttl as the default challenge
// lifetime. m may be nil, in which case pairing counters are not recorded.
func NewManager(identity Identity, ttl time.Duration, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		identity: identity,
		ttl:      ttl,
		logger:   logger,
		metrics:  m,
		sessions: make(map[string]*Session),
	}
}

// Create mints a new challenge: a 128-bit challenge_id, a 32-byte nonce,
// and an expiry ttl from now. The returned Session is already Pending.
func (m *Manager) Create(userID, authorizerDeviceID, authorizerPeerID string, authorizerAddress multiaddr.Multiaddr) (*Session, error) {
	var idBytes [16]byte
	if _, err := rand.Read(idBytes[:]); err != nil {
		return nil, syncerr.New(syncerr.KindStorage, "pairing.create", err)
	}
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, syncerr.New(syncerr.KindStorage, "pairing.create", err)
	}

	now := time.Now()
	s := &Session{
		ChallengeID:             hex.EncodeToString(idBytes[:]),
		UserID:                  userID,
		AuthorizerDeviceID:      authorizerDeviceID,
		AuthorizerPeerID:        authorizerPeerID,
		AuthorizerAddress:       authorizerAddress,
		Nonce:                   nonce,
		AuthorizerSigningPublic: m.identity.SigningPublic,
		AuthorizerECDHPublic:    m.identity.ECDHPublic,
		AuthorizerECDHPrivate:   m.identity.ECDHPrivate,
		CreatedAt:               now,
		ExpiresAt:               now.Add(m.ttl),
		Status:                  StatusPending,
	}

	m.mu.Lock()
	m.sessions[s.ChallengeID] = s
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.PairingChallengesIssued.Inc()
	}
	m.logger.Info("pairing challenge created",
		zap.String("challenge_id", s.ChallengeID),
		zap.Time("expires_at", s.ExpiresAt))
	return s, nil
}

// Respond is called on the new device: it signs the challenge's nonce with
// its own identity and packages everything the authorizer needs to
// validate and complete the ECDH exchange.
func Respond(challenge ChallengePayload, newDeviceIdentity Identity, deviceID, peerIdentity, deviceType, deviceName string) (Response, error) {
	nonce, err := hex.DecodeString(challenge.Nonce)
	if err != nil {
		return Response{}, syncerr.New(syncerr.KindValidation, "pairing.respond", fmt.Errorf("nonce: %w", err))
	}
	sig := ed25519.Sign(newDeviceIdentity.SigningPrivate, nonce)

	return Response{
		ChallengeID:      challenge.ChallengeID,
		DeviceID:         deviceID,
		PeerIdentity:     peerIdentity,
		DeviceType:       deviceType,
		DeviceName:       deviceName,
		SigningPublicKey: newDeviceIdentity.SigningPublic,
		ECDHPublicKey:    newDeviceIdentity.ECDHPublic,
		SignedNonce:      sig,
	}, nil
}

// Validate looks up the challenge by ID and walks the failure-mode chain
// from spec.md §4.G: not found, already consumed (terminal, non-fatal
// failures never retry a Consumed session), expired, or a bad signature.
// On success the session is marked Consumed and a sync_key is derived.
func (m *Manager) Validate(resp Response) (Result, error) {
	m.mu.Lock()
	s, ok := m.sessions[resp.ChallengeID]
	m.mu.Unlock()
	if !ok {
		m.recordFailure("not_found")
		return Result{Status: ResultFailed, FailureReason: "challenge not found"}, syncerr.ErrChallengeNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s.Status == StatusConsumed {
		m.recordFailure("already_consumed")
		return Result{Status: ResultFailed, FailureReason: "challenge already used"}, syncerr.ErrChallengeConsumed
	}
	if time.Now().After(s.ExpiresAt) {
		s.Status = StatusExpired
		m.recordExpired()
		return Result{Status: ResultExpired, FailureReason: "challenge expired"}, syncerr.ErrChallengeExpired
	}
	if !ed25519.Verify(resp.SigningPublicKey, s.Nonce[:], resp.SignedNonce) {
		m.recordFailure("invalid_signature")
		return Result{Status: ResultInvalidSignature, FailureReason: "signature verification failed"}, syncerr.ErrInvalidSignature
	}

	syncKey, err := DeriveSyncKey(s.AuthorizerECDHPrivate, resp.ECDHPublicKey, s.Nonce)
	if err != nil {
		m.recordFailure("key_derivation_failed")
		return Result{Status: ResultFailed, FailureReason: "key derivation failed"}, err
	}

	s.Status = StatusConsumed
	if m.metrics != nil {
		m.metrics.PairingChallengesConsumed.Inc()
	}
	m.logger.Info("pairing challenge consumed",
		zap.String("challenge_id", s.ChallengeID),
		zap.String("device_id", resp.DeviceID))

	return Result{
		Status:   ResultSuccess,
		DeviceID: resp.DeviceID,
		UserID:   s.UserID,
		SyncKey:  syncKey,
	}, nil
}

func (m *Manager) recordFailure(reason string) {
	if m.metrics != nil {
		m.metrics.PairingFailuresTotal.WithLabelValues(reason).Inc()
	}
}

func (m *Manager) recordExpired() {
	if m.metrics != nil {
		m.metrics.PairingChallengesExpired.Inc()
		m.metrics.PairingFailuresTotal.WithLabelValues("expired").Inc()
	}
}

// Cleanup sweeps sessions whose TTL has elapsed, marking them Expired, and
// removes every session already in a terminal state (Consumed or Expired).
// It returns the number of sessions removed.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, s := range m.sessions {
		if s.Status == StatusPending && now.After(s.ExpiresAt) {
			s.Status = StatusExpired
			if m.metrics != nil {
				m.metrics.PairingChallengesExpired.Inc()
			}
		}
		if s.Status == StatusConsumed || s.Status == StatusExpired {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// DeriveSyncKey performs the X25519 ECDH step between localPrivate and
// remotePublic and stretches the shared secret through HKDF-SHA256, salted
// with the challenge nonce, into a 32-byte sync_key. X25519 is symmetric:
// the authorizer and the new device call this with their own private key
// and the other's public key and arrive at the same result.
func DeriveSyncKey(localPrivate [32]byte, remotePublic [32]byte, nonce [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(localPrivate[:], remotePublic[:])
	if err != nil {
		return nil, syncerr.New(syncerr.KindInvalidSignature, "pairing.derive_sync_key", err)
	}

	reader := hkdf.New(sha256.New, shared, nonce[:], []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, syncerr.New(syncerr.KindStorage, "pairing.derive_sync_key", err)
	}
	return key, nil
}
