package signet

import (
	"errors"
	"testing"
	"time"
)

func TestParseAction(t *testing.T) {
	for _, s := range []string{"reboot", "shutdown", "update", "rotate-key"} {
		a, err := ParseAction(s)
		if err != nil {
			t.Errorf("ParseAction(%q): %v", s, err)
		}
		if string(a) != s {
			t.Errorf("ParseAction(%q) = %q", s, a)
		}
	}

	_, err := ParseAction("rm-rf")
	if !errors.Is(err, ErrUnknownAction) {
		t.Errorf("unknown action error = %v, want ErrUnknownAction", err)
	}
}

func TestBeaconSignVerify(t *testing.T) {
	key := testKey(t)
	b := &Beacon{
		Type:       BeaconType,
		DeviceID:   "dev-1",
		Hostname:   "perch-01",
		Port:       8090,
		TS:         time.Now().Unix(),
		Nonce:      NewNonce(),
		Epoch:      3,
		UptimeSec:  120,
		BootHealth: HealthSnapshot{Score: 85},
	}
	b.SignWith(key)

	if got := b.VerifyWith(key, nil); got != MatchActive {
		t.Fatalf("verify = %v, want MatchActive", got)
	}

	b.BootHealth.Score = 100
	if got := b.VerifyWith(key, nil); got != MatchNone {
		t.Fatal("score tamper not caught by signature")
	}
}

func TestBeaconSignedWithNextKey(t *testing.T) {
	active := testKey(t)
	next := testKey(t)
	b := &Beacon{DeviceID: "dev-1", TS: time.Now().Unix(), Nonce: NewNonce(), Epoch: 4}
	b.SignWith(next)

	if got := b.VerifyWith(active, next); got != MatchNext {
		t.Fatalf("verify = %v, want MatchNext", got)
	}
}

func TestCommandSignVerify(t *testing.T) {
	key := testKey(t)
	c := &Command{
		DeviceID: "dev-1",
		Action:   ActionReboot,
		TS:       time.Now().Unix(),
		Nonce:    NewNonce(),
	}
	c.SignWith(key)

	if got := c.VerifyWith(key, nil); got != MatchActive {
		t.Fatalf("verify = %v, want MatchActive", got)
	}

	// An attacker must not be able to swap the verb under the same tag.
	c.Action = ActionShutdown
	if got := c.VerifyWith(key, nil); got != MatchNone {
		t.Fatal("action swap not caught by signature")
	}
}

func TestCommandResultBindsStagedKey(t *testing.T) {
	key := testKey(t)
	staged := testKey(t)
	r := &CommandResult{
		DeviceID: "dev-1",
		Action:   ActionRotateKey,
		Status:   "authorized",
		NextKey:  staged.Hex(),
		Epoch:    5,
		TS:       time.Now().Unix(),
		Nonce:    NewNonce(),
	}
	r.SignWith(key)

	if got := r.VerifyWith(key, nil); got != MatchActive {
		t.Fatalf("verify = %v, want MatchActive", got)
	}

	// Substituting the staged key must invalidate the tag.
	r.NextKey = testKey(t).Hex()
	if got := r.VerifyWith(key, nil); got != MatchNone {
		t.Fatal("staged key substitution not caught by signature")
	}
}
