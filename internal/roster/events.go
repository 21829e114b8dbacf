package roster

// Event topics published by the roster module.
const (
	TopicDeviceEnrolled = "roster.device.enrolled"
	TopicDeviceRemoved  = "roster.device.removed"
	TopicKeyStaged      = "roster.key.staged"
	TopicKeyPromoted    = "roster.key.promoted"
)

// KeyEventPayload accompanies key lifecycle topics.
type KeyEventPayload struct {
	DeviceID string `json:"device_id"`
	Epoch    uint64 `json:"epoch"`
}
