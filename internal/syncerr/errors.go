// Package syncerr defines the error taxonomy shared across the sync core.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the taxonomy buckets from the design.
type Kind int

const (
	// KindStorage covers durable-store failures: unavailable, full, corrupt.
	KindStorage Kind = iota
	// KindValidation covers malformed input, empty required fields, duplicate keys.
	KindValidation
	// KindAuth covers credential/account failures. Callers should render a
	// uniform message regardless of the underlying cause.
	KindAuth
	// KindNotFound covers missing challenges, peers, or rows.
	KindNotFound
	// KindExpired covers a pairing challenge past its TTL.
	KindExpired
	// KindInvalidSignature covers signed-nonce verification failure.
	KindInvalidSignature
	// KindSerialization covers message/payload encode or decode failure.
	KindSerialization
	// KindSync covers transport-level failure: unreachable peer, truncated batch.
	KindSync
)

func (k Kind) String() string {
	switch k {
	case KindStorage:
		return "storage"
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindExpired:
		return "expired"
	case KindInvalidSignature:
		return "invalid_signature"
	case KindSerialization:
		return "serialization"
	case KindSync:
		return "sync"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a taxonomy Kind so callers can branch
// with errors.As instead of matching strings.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a tagged error for op failing with kind, wrapping err (which
// may be nil).
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

var (
	// ErrChallengeNotFound is returned when validate() is given an unknown challenge_id.
	ErrChallengeNotFound = New(KindNotFound, "pairing.validate", errors.New("challenge not found"))
	// ErrChallengeConsumed is returned on replay of an already-consumed challenge.
	ErrChallengeConsumed = New(KindValidation, "pairing.validate", errors.New("challenge already used"))
	// ErrChallengeExpired is returned once now() > expires_at.
	ErrChallengeExpired = New(KindExpired, "pairing.validate", errors.New("challenge expired"))
	// ErrInvalidSignature is returned when the signed nonce fails verification.
	ErrInvalidSignature = New(KindInvalidSignature, "pairing.validate", errors.New("signature verification failed"))
)
