package ws

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/roostlabs/roost/internal/auth"
	"github.com/roostlabs/roost/internal/lookout"
	"github.com/roostlabs/roost/internal/relay"
	"github.com/roostlabs/roost/internal/roster"
	"github.com/roostlabs/roost/pkg/plugin"
	"go.uber.org/zap"
)

// Handler provides WebSocket endpoints for real-time fleet updates.
type Handler struct {
	hub    *Hub
	tokens *auth.TokenService
	bus    plugin.EventBus
	logger *zap.Logger
}

// Compile-time check that Handler implements the server interface.
var _ interface {
	RegisterRoutes(mux *http.ServeMux)
} = (*Handler)(nil)

// NewHandler creates a WebSocket handler and subscribes to fleet events.
func NewHandler(tokens *auth.TokenService, bus plugin.EventBus, logger *zap.Logger) *Handler {
	h := &Handler{
		hub:    NewHub(logger),
		tokens: tokens,
		bus:    bus,
		logger: logger,
	}
	h.subscribeToEvents()
	return h
}

// RegisterRoutes registers WebSocket routes on the server mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/ws/fleet", h.handleFleetStream)
}

// handleFleetStream upgrades the connection to WebSocket and streams fleet events.
func (h *Handler) handleFleetStream(w http.ResponseWriter, r *http.Request) {
	// Validate JWT from query parameter (browser WS API doesn't support headers).
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token parameter", http.StatusUnauthorized)
		return
	}

	claims, err := h.tokens.ValidateAccessToken(token)
	if err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Allow any origin since we validate via JWT token.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:   conn,
		userID: claims.UserID,
		send:   make(chan Message, 256),
		logger: h.logger,
	}

	h.hub.Register(client)

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		close(done)
	}()

	// readPump blocks until client disconnects.
	client.readPump(ctx)

	h.hub.Unregister(client)
	conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

// subscribeToEvents forwards lookout, roster, and relay events to all
// connected WebSocket clients.
func (h *Handler) subscribeToEvents() {
	if h.bus == nil {
		return
	}

	deviceTopics := map[string]MessageType{
		lookout.TopicBeaconVerified: MessageBeaconVerified,
		lookout.TopicDeviceOnline:   MessageDeviceOnline,
		lookout.TopicDeviceOffline:  MessageDeviceOffline,
		lookout.TopicDeviceCritical: MessageDeviceCritical,
	}
	for topic, msgType := range deviceTopics {
		mt := msgType
		h.bus.Subscribe(topic, func(_ context.Context, event plugin.Event) {
			payload, ok := event.Payload.(lookout.DeviceEventPayload)
			if !ok {
				return
			}
			h.hub.Broadcast(Message{
				Type:      mt,
				DeviceID:  payload.DeviceID,
				Timestamp: event.Timestamp,
				Data:      payload,
			})
		})
	}

	keyTopics := map[string]MessageType{
		roster.TopicDeviceEnrolled: MessageDeviceEnrolled,
		roster.TopicDeviceRemoved:  MessageDeviceRemoved,
		roster.TopicKeyStaged:      MessageKeyStaged,
		roster.TopicKeyPromoted:    MessageKeyPromoted,
	}
	for topic, msgType := range keyTopics {
		mt := msgType
		h.bus.Subscribe(topic, func(_ context.Context, event plugin.Event) {
			payload, ok := event.Payload.(roster.KeyEventPayload)
			if !ok {
				return
			}
			h.hub.Broadcast(Message{
				Type:      mt,
				DeviceID:  payload.DeviceID,
				Timestamp: event.Timestamp,
				Data:      payload,
			})
		})
	}

	h.bus.Subscribe(relay.TopicCommandSent, func(_ context.Context, event plugin.Event) {
		payload, ok := event.Payload.(relay.CommandEventPayload)
		if !ok {
			return
		}
		h.hub.Broadcast(Message{
			Type:      MessageCommandSent,
			DeviceID:  payload.DeviceID,
			Timestamp: event.Timestamp,
			Data:      payload,
		})
	})

	h.logger.Info("subscribed to fleet events for WebSocket broadcasting")
}
