package ws

import "time"

// MessageType discriminates WebSocket messages.
type MessageType string

const (
	MessageBeaconVerified MessageType = "fleet.beacon_verified"
	MessageDeviceOnline   MessageType = "fleet.device_online"
	MessageDeviceOffline  MessageType = "fleet.device_offline"
	MessageDeviceCritical MessageType = "fleet.device_critical"
	MessageDeviceEnrolled MessageType = "fleet.device_enrolled"
	MessageDeviceRemoved  MessageType = "fleet.device_removed"
	MessageKeyStaged      MessageType = "fleet.key_staged"
	MessageKeyPromoted    MessageType = "fleet.key_promoted"
	MessageCommandSent    MessageType = "fleet.command_sent"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      MessageType `json:"type"`
	DeviceID  string      `json:"device_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}
