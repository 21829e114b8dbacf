package roster

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roostlabs/roost/internal/signet"
	"github.com/roostlabs/roost/pkg/plugin"
)

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "POST", Path: "/devices", Handler: m.handleEnroll},
		{Method: "GET", Path: "/devices", Handler: m.handleListDevices},
		{Method: "GET", Path: "/devices/{device_id}", Handler: m.handleGetDevice},
		{Method: "DELETE", Path: "/devices/{device_id}", Handler: m.handleDeleteDevice},
	}
}

type enrollRequest struct {
	DeviceID string `json:"device_id,omitempty"`
	Role     string `json:"role"`
	Site     string `json:"site"`
}

type enrollResponse struct {
	DeviceID string `json:"device_id"`
	Role     string `json:"role"`
	Site     string `json:"site"`
	Epoch    uint64 `json:"epoch"`
	// Key is returned exactly once, at enrollment. It is never readable
	// through the API again.
	Key string `json:"key"`
}

// handleEnroll registers a new device and mints its initial key.
//
//	@Summary		Enroll device
//	@Description	Registers a device and returns its initial key. The key is shown only in this response.
//	@Tags			roster
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request body enrollRequest true "Device identity"
//	@Success		201 {object} enrollResponse
//	@Failure		409 {object} map[string]any
//	@Router			/roster/devices [post]
func (m *Module) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rosterWriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = uuid.NewString()
	}

	existing, err := m.store.Get(r.Context(), req.DeviceID)
	if err != nil {
		m.logger.Error("enrollment lookup failed", zap.Error(err))
		rosterWriteError(w, http.StatusInternalServerError, "enrollment failed")
		return
	}
	if existing != nil {
		rosterWriteError(w, http.StatusConflict, "device already enrolled")
		return
	}

	key, err := signet.GenerateKey()
	if err != nil {
		m.logger.Error("key generation failed", zap.Error(err))
		rosterWriteError(w, http.StatusInternalServerError, "enrollment failed")
		return
	}

	dev := &Device{
		DeviceID:  req.DeviceID,
		Role:      req.Role,
		Site:      req.Site,
		ActiveKey: key.Hex(),
		Epoch:     1,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.Enroll(r.Context(), dev); err != nil {
		m.logger.Error("enrollment failed", zap.String("device_id", req.DeviceID), zap.Error(err))
		rosterWriteError(w, http.StatusInternalServerError, "enrollment failed")
		return
	}

	m.publish(r.Context(), TopicDeviceEnrolled, KeyEventPayload{DeviceID: dev.DeviceID, Epoch: dev.Epoch})
	m.logger.Info("device enrolled",
		zap.String("device_id", dev.DeviceID),
		zap.String("role", dev.Role),
		zap.String("site", dev.Site))

	rosterWriteJSON(w, http.StatusCreated, enrollResponse{
		DeviceID: dev.DeviceID,
		Role:     dev.Role,
		Site:     dev.Site,
		Epoch:    dev.Epoch,
		Key:      key.Hex(),
	})
}

// handleListDevices returns all trust entries, without key material.
//
//	@Summary		List devices
//	@Tags			roster
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200 {array} Device
//	@Router			/roster/devices [get]
func (m *Module) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := m.store.List(r.Context())
	if err != nil {
		m.logger.Error("list devices failed", zap.Error(err))
		rosterWriteError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	if devices == nil {
		devices = []Device{}
	}
	rosterWriteJSON(w, http.StatusOK, devices)
}

// handleGetDevice returns one trust entry, without key material.
//
//	@Summary		Get device
//	@Tags			roster
//	@Produce		json
//	@Security		BearerAuth
//	@Param			device_id path string true "Device ID"
//	@Success		200 {object} Device
//	@Failure		404 {object} map[string]any
//	@Router			/roster/devices/{device_id} [get]
func (m *Module) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	dev, err := m.store.Get(r.Context(), deviceID)
	if err != nil {
		m.logger.Error("get device failed", zap.String("device_id", deviceID), zap.Error(err))
		rosterWriteError(w, http.StatusInternalServerError, "failed to get device")
		return
	}
	if dev == nil {
		rosterWriteError(w, http.StatusNotFound, "device not found")
		return
	}
	rosterWriteJSON(w, http.StatusOK, dev)
}

// handleDeleteDevice removes a device's trust entry.
//
//	@Summary		Remove device
//	@Tags			roster
//	@Produce		json
//	@Security		BearerAuth
//	@Param			device_id path string true "Device ID"
//	@Success		204
//	@Failure		404 {object} map[string]any
//	@Router			/roster/devices/{device_id} [delete]
func (m *Module) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	removed, err := m.store.Delete(r.Context(), deviceID)
	if err != nil {
		m.logger.Error("delete device failed", zap.String("device_id", deviceID), zap.Error(err))
		rosterWriteError(w, http.StatusInternalServerError, "failed to delete device")
		return
	}
	if !removed {
		rosterWriteError(w, http.StatusNotFound, "device not found")
		return
	}
	m.publish(r.Context(), TopicDeviceRemoved, KeyEventPayload{DeviceID: deviceID})
	w.WriteHeader(http.StatusNoContent)
}

func (m *Module) publish(ctx context.Context, topic string, payload any) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(ctx, plugin.Event{
		Topic:     topic,
		Source:    "roster",
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func rosterWriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func rosterWriteError(w http.ResponseWriter, status int, msg string) {
	rosterWriteJSON(w, status, map[string]any{"error": msg})
}
