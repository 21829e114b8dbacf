package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/roostlabs/roost/internal/signet"
	"github.com/roostlabs/roost/pkg/plugin"
)

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "POST", Path: "/cmd", Handler: m.HandleCommand},
		{Method: "GET", Path: "/audit", Handler: m.handleAudit},
	}
}

type commandRequest struct {
	DeviceID string `json:"device_id,omitempty"`
	IP       string `json:"ip,omitempty"`
	Cmd      string `json:"cmd"`
}

type commandResponse struct {
	DeviceID string `json:"device_id"`
	Action   string `json:"cmd"`
	Outcome  string `json:"outcome"`
	Reason   string `json:"reason,omitempty"`
}

// HandleCommand signs and forwards an operator command. Exported so the
// composition root can alias it at the legacy /api/cmd path.
//
//	@Summary		Relay command
//	@Description	Signs the command for the target device and forwards it to the node. Timeout is reported distinctly from rejection.
//	@Tags			relay
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request body commandRequest true "Target and action"
//	@Success		200 {object} commandResponse
//	@Failure		403 {object} commandResponse
//	@Failure		404 {object} map[string]any
//	@Failure		504 {object} commandResponse
//	@Router			/relay/cmd [post]
func (m *Module) HandleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		relayWriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	action, err := signet.ParseAction(req.Cmd)
	if err != nil {
		relayWriteError(w, http.StatusBadRequest, "unknown action")
		return
	}

	target, err := m.resolveTarget(r, &req)
	if err != nil {
		m.logger.Error("target resolution failed", zap.Error(err))
		relayWriteError(w, http.StatusInternalServerError, "target resolution failed")
		return
	}
	if target == nil {
		relayWriteError(w, http.StatusNotFound, "unknown device")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), m.config.Timeout+time.Second)
	defer cancel()

	now := time.Now()
	dispatch, err := m.client.Send(ctx, target, action, now)
	if err != nil && !errors.Is(err, ErrTimeout) {
		m.logger.Error("relay failed",
			zap.String("device_id", target.DeviceID),
			zap.String("action", string(action)),
			zap.Error(err))
		relayWriteError(w, http.StatusBadGateway, "relay failed")
		return
	}

	m.audit(r, target.DeviceID, action, dispatch)

	resp := commandResponse{
		DeviceID: target.DeviceID,
		Action:   string(action),
		Outcome:  string(dispatch.Outcome),
		Reason:   dispatch.Reason,
	}
	switch dispatch.Outcome {
	case OutcomeAuthorized:
		relayWriteJSON(w, http.StatusOK, resp)
	case OutcomeRejected:
		relayWriteJSON(w, http.StatusForbidden, resp)
	case OutcomeTimeout:
		relayWriteJSON(w, http.StatusGatewayTimeout, resp)
	}
}

// handleAudit returns the most recent relayed commands.
//
//	@Summary		Command audit log
//	@Tags			relay
//	@Produce		json
//	@Security		BearerAuth
//	@Param			limit query int false "Max entries" default(100)
//	@Success		200 {array} AuditEntry
//	@Router			/relay/audit [get]
func (m *Module) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := m.store.Recent(r.Context(), limit)
	if err != nil {
		m.logger.Error("audit query failed", zap.Error(err))
		relayWriteError(w, http.StatusInternalServerError, "failed to read audit log")
		return
	}
	if entries == nil {
		entries = []AuditEntry{}
	}
	relayWriteJSON(w, http.StatusOK, entries)
}

func (m *Module) resolveTarget(r *http.Request, req *commandRequest) (*Target, error) {
	if req.DeviceID != "" {
		return m.trust.TargetByDevice(r.Context(), req.DeviceID)
	}
	if req.IP != "" {
		return m.trust.TargetByIP(r.Context(), req.IP)
	}
	return nil, nil
}

func (m *Module) audit(r *http.Request, deviceID string, action signet.Action, d *Dispatch) {
	if err := m.store.Record(r.Context(), deviceID, string(action), d.Outcome, d.Reason, time.Now()); err != nil {
		m.logger.Error("audit write failed", zap.Error(err))
	}
	if m.bus != nil {
		m.bus.PublishAsync(r.Context(), plugin.Event{
			Topic:     TopicCommandSent,
			Source:    "relay",
			Timestamp: time.Now(),
			Payload: CommandEventPayload{
				DeviceID: deviceID,
				Action:   string(action),
				Outcome:  string(d.Outcome),
				Reason:   d.Reason,
			},
		})
	}
}

func relayWriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func relayWriteError(w http.ResponseWriter, status int, msg string) {
	relayWriteJSON(w, status, map[string]any{"error": msg})
}
