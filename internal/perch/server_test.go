package perch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/roostlabs/roost/internal/boothealth"
	"github.com/roostlabs/roost/internal/keyring"
	"github.com/roostlabs/roost/internal/signet"
)

type fakeRunner struct {
	mu      sync.Mutex
	actions []signet.Action
}

func (f *fakeRunner) Run(_ context.Context, a signet.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, a)
	return nil
}

func testServer(t *testing.T) (*Server, *keyring.Engine) {
	t.Helper()
	dir := t.TempDir()
	cfg := &Config{
		DeviceID:      "dev-1",
		DataDir:       dir,
		Hostname:      "perch-01",
		ListenAddr:    ":0",
		AdvertisePort: 8090,
		SkewTolerance: 30 * time.Second,
		Weights:       boothealth.DefaultWeights(),
	}
	keys := testKeys(t)
	ledger, err := boothealth.NewLedger(dir, 0)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	auth := NewAuthenticator(keys, signet.NewGuard(cfg.SkewTolerance), nil)
	return NewServer(cfg, auth, keys, &fakeRunner{}, ledger, nil), keys
}

func postCommand(t *testing.T, srv *Server, cmd *signet.Command) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/cmd", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rr, req)
	return rr
}

func TestCommandEndpointAuthorized(t *testing.T) {
	srv, keys := testServer(t)

	rr := postCommand(t, srv, signedCommand(t, keys, signet.ActionReboot, time.Now()))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}

	var result signet.CommandResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Status != "authorized" {
		t.Errorf("status = %q, want authorized", result.Status)
	}
	active, _ := keys.VerifyKeys()
	if result.VerifyWith(active, nil) != signet.MatchActive {
		t.Error("result not signed with the active key")
	}
}

func TestCommandEndpointRejections(t *testing.T) {
	srv, keys := testServer(t)
	now := time.Now()

	replayed := signedCommand(t, keys, signet.ActionReboot, now)
	if rr := postCommand(t, srv, replayed); rr.Code != http.StatusOK {
		t.Fatalf("priming request status = %d", rr.Code)
	}

	foreign, err := signet.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	badSig := &signet.Command{DeviceID: "dev-1", Action: signet.ActionReboot, TS: now.Unix(), Nonce: signet.NewNonce()}
	badSig.SignWith(foreign)

	tests := []struct {
		name       string
		cmd        *signet.Command
		wantStatus int
		wantReason string
	}{
		{"bad signature", badSig, http.StatusUnauthorized, "bad_signature"},
		{"replay", replayed, http.StatusConflict, "replay"},
		{"stale timestamp", signedCommand(t, keys, signet.ActionReboot, now.Add(-2*time.Minute)), http.StatusBadRequest, "stale_timestamp"},
		{"unknown action", signedCommand(t, keys, signet.Action("format-disk"), now), http.StatusBadRequest, "unknown_action"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postCommand(t, srv, tt.cmd)
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			var rej rejection
			if err := json.Unmarshal(rr.Body.Bytes(), &rej); err != nil {
				t.Fatalf("decode rejection: %v", err)
			}
			if rej.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", rej.Reason, tt.wantReason)
			}
		})
	}
}

func TestCommandEndpointRotateKey(t *testing.T) {
	srv, keys := testServer(t)
	activeBefore, _ := keys.VerifyKeys()

	rr := postCommand(t, srv, signedCommand(t, keys, signet.ActionRotateKey, time.Now()))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}

	var result signet.CommandResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.NextKey == "" {
		t.Fatal("rotate-key result carries no staged key")
	}
	// The staged key rides in a response authenticated by the key the
	// fleet already holds.
	if result.VerifyWith(activeBefore, nil) != signet.MatchActive {
		t.Fatal("rotate-key result not signed with the pre-rotation active key")
	}

	m := keys.Material()
	if !m.Pending() {
		t.Fatal("node not in rotation-pending state")
	}
	if result.Epoch != m.NextEpoch {
		t.Errorf("result epoch = %d, want target %d", result.Epoch, m.NextEpoch)
	}
	staged, err := signet.ParseKey(result.NextKey)
	if err != nil {
		t.Fatalf("parse staged key: %v", err)
	}
	if !bytes.Equal(staged, m.Next) {
		t.Error("result staged key differs from the stored one")
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, keys := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rr := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var st statusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.DeviceID != "dev-1" {
		t.Errorf("device_id = %q", st.DeviceID)
	}
	if st.Epoch != keys.Material().Epoch {
		t.Errorf("epoch = %d, want %d", st.Epoch, keys.Material().Epoch)
	}
	if st.BootHealth.Score != 100 {
		t.Errorf("score = %d, want 100 for empty ledger", st.BootHealth.Score)
	}
}

func TestCommandEndpointMalformedBody(t *testing.T) {
	srv, _ := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/cmd", bytes.NewReader([]byte("{not json")))
	rr := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}
