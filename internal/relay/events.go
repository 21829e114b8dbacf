package relay

// Event topics published by the relay module.
const (
	TopicCommandSent = "relay.command.sent"
)

// CommandEventPayload accompanies TopicCommandSent.
type CommandEventPayload struct {
	DeviceID string `json:"device_id"`
	Action   string `json:"action"`
	Outcome  string `json:"outcome"`
	Reason   string `json:"reason,omitempty"`
}
