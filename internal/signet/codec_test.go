package signet

import (
	"strings"
	"testing"
)

func testKey(t *testing.T) Key {
	t.Helper()
	k, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return k
}

func TestSignVerifyRoundTrip(t *testing.T) {
	key := testKey(t)
	m := Message{
		DeviceID:  "dev-1",
		Kind:      "beacon",
		Timestamp: 1700000000,
		Nonce:     NewNonce(),
		Body:      []byte("host|8090|3|120|100"),
	}

	tag := Sign(key, m)
	if !Verify(key, m, tag) {
		t.Fatal("signature did not verify under the signing key")
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	key := testKey(t)
	base := Message{
		DeviceID:  "dev-1",
		Kind:      "reboot",
		Timestamp: 1700000000,
		Nonce:     "abcd",
	}
	tag := Sign(key, base)

	tests := []struct {
		name   string
		mutate func(m Message) Message
	}{
		{"device", func(m Message) Message { m.DeviceID = "dev-2"; return m }},
		{"kind", func(m Message) Message { m.Kind = "shutdown"; return m }},
		{"timestamp", func(m Message) Message { m.Timestamp++; return m }},
		{"nonce", func(m Message) Message { m.Nonce = "dcba"; return m }},
		{"body", func(m Message) Message { m.Body = []byte("x"); return m }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if Verify(key, tt.mutate(base), tag) {
				t.Errorf("tampered %s still verified", tt.name)
			}
		})
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	key := testKey(t)
	other := testKey(t)
	m := Message{DeviceID: "dev-1", Kind: "beacon", Timestamp: 1, Nonce: "n"}
	tag := Sign(key, m)

	if Verify(other, m, tag) {
		t.Fatal("signature verified under an unrelated key")
	}
}

func TestVerifyAbsentKey(t *testing.T) {
	m := Message{DeviceID: "dev-1", Kind: "beacon", Timestamp: 1, Nonce: "n"}
	if Verify(nil, m, Sign(testKey(t), m)) {
		t.Fatal("absent key verified a signature")
	}
}

func TestVerifyRejectsMalformedTag(t *testing.T) {
	key := testKey(t)
	m := Message{DeviceID: "dev-1", Kind: "beacon", Timestamp: 1, Nonce: "n"}
	for _, tag := range []string{"", "zz", "not-hex!"} {
		if Verify(key, m, tag) {
			t.Errorf("malformed tag %q verified", tag)
		}
	}
}

func TestVerifyEither(t *testing.T) {
	active := testKey(t)
	next := testKey(t)
	m := Message{DeviceID: "dev-1", Kind: "beacon", Timestamp: 1, Nonce: "n"}

	tests := []struct {
		name string
		tag  string
		want Match
	}{
		{"active key", Sign(active, m), MatchActive},
		{"next key", Sign(next, m), MatchNext},
		{"foreign key", Sign(testKey(t), m), MatchNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyEither(active, next, m, tt.tag); got != tt.want {
				t.Errorf("VerifyEither = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVerifyEitherNoStagedKey(t *testing.T) {
	active := testKey(t)
	m := Message{DeviceID: "dev-1", Kind: "beacon", Timestamp: 1, Nonce: "n"}

	if got := VerifyEither(active, nil, m, Sign(active, m)); got != MatchActive {
		t.Errorf("active match = %v, want MatchActive", got)
	}
	if got := VerifyEither(active, nil, m, "0000"); got != MatchNone {
		t.Errorf("bogus tag = %v, want MatchNone", got)
	}
}

func TestParseKey(t *testing.T) {
	key := testKey(t)

	parsed, err := ParseKey(key.Hex())
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if parsed.Hex() != key.Hex() {
		t.Fatal("parsed key differs from original")
	}

	if _, err := ParseKey("abcd"); err == nil {
		t.Error("short key accepted")
	}
	if _, err := ParseKey("nothex"); err == nil {
		t.Error("non-hex key accepted")
	}
	if _, err := ParseKey("  " + key.Hex() + "\n"); err != nil {
		t.Errorf("whitespace-padded key rejected: %v", err)
	}
}

func TestNewNonce(t *testing.T) {
	a, b := NewNonce(), NewNonce()
	if len(a) != 32 {
		t.Errorf("nonce length = %d, want 32 hex chars", len(a))
	}
	if a == b {
		t.Error("two nonces collided")
	}
}

func TestCanonicalContainsVersion(t *testing.T) {
	m := Message{DeviceID: "dev-1", Kind: "beacon", Timestamp: 1, Nonce: "n"}
	if !strings.HasPrefix(string(m.canonical()), CanonicalVersion+"|") {
		t.Fatalf("canonical string does not start with version prefix: %s", m.canonical())
	}
}
