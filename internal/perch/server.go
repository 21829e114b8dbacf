package perch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/roostlabs/roost/internal/boothealth"
	"github.com/roostlabs/roost/internal/keyring"
	"github.com/roostlabs/roost/internal/signet"
)

// Server is the node's command and status HTTP listener.
type Server struct {
	cfg     *Config
	auth    *Authenticator
	keys    *keyring.Engine
	runner  Runner
	ledger  *boothealth.Ledger
	log     *zap.Logger
	http    *http.Server
	started time.Time
}

// NewServer wires the node HTTP endpoints.
func NewServer(cfg *Config, auth *Authenticator, keys *keyring.Engine, runner Runner, ledger *boothealth.Ledger, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{cfg: cfg, auth: auth, keys: keys, runner: runner, ledger: ledger, log: log, started: time.Now()}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/cmd", s.handleCommand)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.http.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

type rejection struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd signet.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, rejection{Reason: "malformed"})
		return
	}

	if _, err := s.auth.Authenticate(&cmd, time.Now()); err != nil {
		writeJSON(w, rejectStatus(err), rejection{Reason: signet.ReasonCode(err)})
		return
	}

	result := &signet.CommandResult{
		DeviceID: s.cfg.DeviceID,
		Action:   cmd.Action,
		Status:   "authorized",
		TS:       time.Now().Unix(),
		Nonce:    signet.NewNonce(),
	}

	if cmd.Action == signet.ActionRotateKey {
		next, epoch, err := s.keys.BeginRotation()
		if err != nil {
			s.log.Error("rotation failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, rejection{Reason: "storage_failure"})
			return
		}
		result.NextKey = next.Hex()
		result.Epoch = epoch
	} else {
		// Authorization and execution are separate failure domains: the
		// caller gets 200 now, the action runs after the response has
		// flushed so reboot and shutdown cannot cut it off.
		action := cmd.Action
		time.AfterFunc(500*time.Millisecond, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := s.runner.Run(ctx, action); err != nil {
				s.log.Error("action failed",
					zap.String("action", string(action)),
					zap.Error(err))
			}
		})
	}

	// Signed with the active key, the one the fleet is guaranteed to
	// hold. For rotate-key that is what lets the relay trust the staged
	// key riding in this response.
	material := s.keys.Material()
	result.SignWith(material.Active)
	writeJSON(w, http.StatusOK, result)
}

type statusResponse struct {
	DeviceID        string                `json:"device_id"`
	Hostname        string                `json:"hostname"`
	Epoch           uint64                `json:"epoch"`
	RotationPending bool                  `json:"rotation_pending"`
	UptimeSec       int64                 `json:"uptime_sec"`
	BootHealth      signet.HealthSnapshot `json:"boot_health"`
	Events          []boothealth.Event    `json:"events"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	m := s.keys.Material()
	writeJSON(w, http.StatusOK, statusResponse{
		DeviceID:        s.cfg.DeviceID,
		Hostname:        s.cfg.Hostname,
		Epoch:           m.Epoch,
		RotationPending: m.Pending(),
		UptimeSec:       uptimeSeconds(s.started, time.Now()),
		BootHealth:      signet.HealthSnapshot{Score: s.ledger.Score(s.cfg.Weights)},
		Events:          s.ledger.Events(),
	})
}

func rejectStatus(err error) int {
	switch {
	case errors.Is(err, signet.ErrBadSignature):
		return http.StatusUnauthorized
	case errors.Is(err, signet.ErrReplayedNonce):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
