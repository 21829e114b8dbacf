// Package signet implements the device trust wire protocol: canonical
// message encoding, HMAC tags, replay protection, and the signed record
// types exchanged between nodes and the fleet.
//
// The protocol provides authenticity and integrity only. Payloads are not
// encrypted.
package signet

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// CanonicalVersion prefixes every signed string. Bump it if the field list
// or encoding ever changes, so signer and verifier can never disagree
// silently about canonicalization.
const CanonicalVersion = "roost1"

// KeySize is the required key length in bytes (256 bits).
const KeySize = 32

// Key is a device HMAC key.
type Key []byte

// GenerateKey returns a new random 256-bit key.
func GenerateKey() (Key, error) {
	k := make(Key, KeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return k, nil
}

// ParseKey decodes a hex-encoded key and validates its length.
func ParseKey(s string) (Key, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("key is %d bytes, want %d", len(raw), KeySize)
	}
	return Key(raw), nil
}

// Hex returns the key encoded for storage.
func (k Key) Hex() string {
	return hex.EncodeToString(k)
}

// IsZero reports whether the key is absent.
func (k Key) IsZero() bool {
	return len(k) == 0
}

// Message is the canonical signing input: a fixed-order field list covering
// everything a verifier must agree on. Body carries the variable part of the
// record; it is hashed, not inlined, so the canonical string stays bounded.
type Message struct {
	DeviceID  string
	Kind      string // "beacon", "reboot", "rotate-key", "result:rotate-key", ...
	Timestamp int64  // Unix seconds as claimed by the sender
	Nonce     string
	Body      []byte
}

// canonical builds the versioned signing string:
//
//	roost1|<device_id>|<kind>|<ts>|<nonce>|<sha256(body) hex>
func (m Message) canonical() []byte {
	bodyHash := sha256.Sum256(m.Body)
	s := fmt.Sprintf("%s|%s|%s|%d|%s|%s",
		CanonicalVersion,
		m.DeviceID,
		m.Kind,
		m.Timestamp,
		m.Nonce,
		hex.EncodeToString(bodyHash[:]),
	)
	return []byte(s)
}

// Sign computes the HMAC-SHA256 tag for the message under key.
func Sign(key Key, m Message) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(m.canonical())
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the tag and compares in constant time.
// An absent key never verifies.
func Verify(key Key, m Message, tag string) bool {
	if key.IsZero() {
		return false
	}
	want, err := hex.DecodeString(tag)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(m.canonical())
	return hmac.Equal(mac.Sum(nil), want)
}

// Match identifies which of a device's two candidate keys verified a message.
type Match int

const (
	MatchNone Match = iota
	MatchActive
	MatchNext
)

func (m Match) String() string {
	switch m {
	case MatchActive:
		return "active"
	case MatchNext:
		return "next"
	default:
		return "none"
	}
}

// VerifyEither attempts verification against the active key and then the
// staged next key, reporting which one matched. The ordered two-key attempt
// is the rotation-window contract: during RotationPending both keys must
// authenticate, and the matched key is the promotion signal.
func VerifyEither(active, next Key, m Message, tag string) Match {
	if Verify(active, m, tag) {
		return MatchActive
	}
	if Verify(next, m, tag) {
		return MatchNext
	}
	return MatchNone
}

// NewNonce returns a 16-byte random nonce, hex encoded.
func NewNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
