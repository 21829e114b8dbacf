package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/roostlabs/roost/internal/signet"
)

type fakeTrust struct {
	mu     sync.Mutex
	staged map[string]string
	epochs map[string]uint64
}

func newFakeTrust() *fakeTrust {
	return &fakeTrust{staged: make(map[string]string), epochs: make(map[string]uint64)}
}

func (f *fakeTrust) TargetByDevice(context.Context, string) (*Target, error) { return nil, nil }
func (f *fakeTrust) TargetByIP(context.Context, string) (*Target, error)     { return nil, nil }

func (f *fakeTrust) StageKey(_ context.Context, deviceID, nextKey string, targetEpoch uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staged[deviceID] = nextKey
	f.epochs[deviceID] = targetEpoch
	return nil
}

func mustKey(t *testing.T) signet.Key {
	t.Helper()
	k, err := signet.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return k
}

// testClient points a relay client at a fake node handler.
func testClient(t *testing.T, trust TrustSource, timeout time.Duration, node http.HandlerFunc) (*Client, *Target, signet.Key) {
	t.Helper()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	key := mustKey(t)
	target := &Target{DeviceID: "dev-1", IP: host, Active: key, Epoch: 2}
	return NewClient(trust, port, timeout, nil), target, key
}

func TestSendAuthorized(t *testing.T) {
	key := signet.Key(nil) // filled below once testClient mints it
	var node http.HandlerFunc = func(w http.ResponseWriter, r *http.Request) {
		var cmd signet.Command
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			t.Errorf("node decode: %v", err)
		}
		if cmd.VerifyWith(key, nil) != signet.MatchActive {
			t.Error("relayed command not signed with the active key")
		}
		result := &signet.CommandResult{
			DeviceID: cmd.DeviceID,
			Action:   cmd.Action,
			Status:   "authorized",
			TS:       time.Now().Unix(),
			Nonce:    signet.NewNonce(),
		}
		result.SignWith(key)
		json.NewEncoder(w).Encode(result)
	}

	client, target, k := testClient(t, newFakeTrust(), time.Second, node)
	key = k

	d, err := client.Send(context.Background(), target, signet.ActionReboot, time.Now())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if d.Outcome != OutcomeAuthorized {
		t.Fatalf("outcome = %s, want authorized", d.Outcome)
	}
}

func TestSendRejectedPassesReason(t *testing.T) {
	node := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"reason": "bad_signature"})
	}
	client, target, _ := testClient(t, newFakeTrust(), time.Second, node)

	d, err := client.Send(context.Background(), target, signet.ActionReboot, time.Now())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if d.Outcome != OutcomeRejected || d.Reason != "bad_signature" {
		t.Fatalf("dispatch = %+v, want rejected/bad_signature", d)
	}
}

func TestSendTimeoutIsDistinct(t *testing.T) {
	node := func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}
	client, target, _ := testClient(t, newFakeTrust(), 50*time.Millisecond, node)

	d, err := client.Send(context.Background(), target, signet.ActionReboot, time.Now())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if d == nil || d.Outcome != OutcomeTimeout {
		t.Fatalf("dispatch = %+v, want timeout outcome", d)
	}
}

func TestSendRotateKeyStagesKey(t *testing.T) {
	trust := newFakeTrust()
	staged := mustKey(t)

	var key signet.Key
	node := func(w http.ResponseWriter, r *http.Request) {
		result := &signet.CommandResult{
			DeviceID: "dev-1",
			Action:   signet.ActionRotateKey,
			Status:   "authorized",
			NextKey:  staged.Hex(),
			Epoch:    3,
			TS:       time.Now().Unix(),
			Nonce:    signet.NewNonce(),
		}
		result.SignWith(key)
		json.NewEncoder(w).Encode(result)
	}

	client, target, k := testClient(t, trust, time.Second, node)
	key = k

	d, err := client.Send(context.Background(), target, signet.ActionRotateKey, time.Now())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if d.Outcome != OutcomeAuthorized {
		t.Fatalf("outcome = %s", d.Outcome)
	}
	if trust.staged["dev-1"] != staged.Hex() || trust.epochs["dev-1"] != 3 {
		t.Fatalf("staged key not recorded: %+v", trust.staged)
	}
}

func TestSendForgedResultNeverStagesKey(t *testing.T) {
	trust := newFakeTrust()
	attacker := mustKey(t)

	node := func(w http.ResponseWriter, r *http.Request) {
		result := &signet.CommandResult{
			DeviceID: "dev-1",
			Action:   signet.ActionRotateKey,
			Status:   "authorized",
			NextKey:  attacker.Hex(),
			Epoch:    99,
			TS:       time.Now().Unix(),
			Nonce:    signet.NewNonce(),
		}
		result.SignWith(attacker) // not the device's key
		json.NewEncoder(w).Encode(result)
	}

	client, target, _ := testClient(t, trust, time.Second, node)

	d, err := client.Send(context.Background(), target, signet.ActionRotateKey, time.Now())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if d.Outcome != OutcomeRejected || d.Reason != "unverified_result" {
		t.Fatalf("dispatch = %+v, want rejected/unverified_result", d)
	}
	if len(trust.staged) != 0 {
		t.Fatal("forged result staged a key")
	}
}
