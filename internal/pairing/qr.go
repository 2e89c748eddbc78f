package pairing

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/multiformats/go-multiaddr"
	"github.com/skip2/go-qrcode"

	"github.com/ahenk-go/syncd/internal/syncerr"
)

// challengeFields lists the keys that must be present for a decoded
// challenge payload to be usable. Extra keys (authorizer_ecdh_public_key)
// are tolerated and simply ignored by older readers.
var challengeFields = []string{
	"challenge_id",
	"user_id",
	"authorizer_device_id",
	"authorizer_peer_id",
	"authorizer_address",
	"nonce",
	"public_key",
	"created_at",
	"expires_at",
}

// ChallengePayload is the parsed form of the line-oriented key=value text
// a QR code carries from authorizer to new device.
type ChallengePayload struct {
	ChallengeID         string
	UserID              string
	AuthorizerDeviceID  string
	AuthorizerPeerID    string
	AuthorizerAddress   multiaddr.Multiaddr
	Nonce               string // hex
	AuthorizerPublicKey string // hex, Ed25519 signing key
	AuthorizerECDHKey   string // hex, X25519 key; optional for forward compatibility
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// EncodeChallenge renders a Session into the structured text payload that
// gets carried inside the QR code. One key=value pair per line.
func EncodeChallenge(s *Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "challenge_id=%s\n", s.ChallengeID)
	fmt.Fprintf(&b, "user_id=%s\n", s.UserID)
	fmt.Fprintf(&b, "authorizer_device_id=%s\n", s.AuthorizerDeviceID)
	fmt.Fprintf(&b, "authorizer_peer_id=%s\n", s.AuthorizerPeerID)
	fmt.Fprintf(&b, "authorizer_address=%s\n", s.AuthorizerAddress.String())
	fmt.Fprintf(&b, "nonce=%s\n", s.NonceHex())
	fmt.Fprintf(&b, "public_key=%s\n", s.AuthorizerSigningPublicHex())
	fmt.Fprintf(&b, "authorizer_ecdh_public_key=%s\n", s.AuthorizerECDHPublicHex())
	fmt.Fprintf(&b, "created_at=%s\n", s.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "expires_at=%s\n", s.ExpiresAt.UTC().Format(time.RFC3339))
	return b.String()
}

// DecodeChallenge parses the line-oriented QR text payload, rejecting it if
// any required field (per spec.md §6) is missing.
func DecodeChallenge(text string) (ChallengePayload, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return ChallengePayload{}, syncerr.New(syncerr.KindSerialization, "pairing.decode_challenge", fmt.Errorf("malformed line %q", line))
		}
		values[key] = val
	}
	if err := scanner.Err(); err != nil {
		return ChallengePayload{}, syncerr.New(syncerr.KindSerialization, "pairing.decode_challenge", err)
	}

	for _, field := range challengeFields {
		if values[field] == "" {
			return ChallengePayload{}, syncerr.New(syncerr.KindValidation, "pairing.decode_challenge", fmt.Errorf("missing required field %q", field))
		}
	}

	addr, err := multiaddr.NewMultiaddr(values["authorizer_address"])
	if err != nil {
		return ChallengePayload{}, syncerr.New(syncerr.KindValidation, "pairing.decode_challenge", fmt.Errorf("authorizer_address: %w", err))
	}
	createdAt, err := time.Parse(time.RFC3339, values["created_at"])
	if err != nil {
		return ChallengePayload{}, syncerr.New(syncerr.KindValidation, "pairing.decode_challenge", fmt.Errorf("created_at: %w", err))
	}
	expiresAt, err := time.Parse(time.RFC3339, values["expires_at"])
	if err != nil {
		return ChallengePayload{}, syncerr.New(syncerr.KindValidation, "pairing.decode_challenge", fmt.Errorf("expires_at: %w", err))
	}

	return ChallengePayload{
		ChallengeID:         values["challenge_id"],
		UserID:              values["user_id"],
		AuthorizerDeviceID:  values["authorizer_device_id"],
		AuthorizerPeerID:    values["authorizer_peer_id"],
		AuthorizerAddress:   addr,
		Nonce:               values["nonce"],
		AuthorizerPublicKey: values["public_key"],
		AuthorizerECDHKey:   values["authorizer_ecdh_public_key"],
		CreatedAt:           createdAt,
		ExpiresAt:           expiresAt,
	}, nil
}

// RenderQRCode rasterizes a challenge payload into a PNG image of the given
// pixel size, suitable for display on the authorizer's screen.
func RenderQRCode(payload string, size int) ([]byte, error) {
	png, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return nil, syncerr.New(syncerr.KindSerialization, "pairing.render_qr", err)
	}
	return png, nil
}
