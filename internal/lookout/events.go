package lookout

// Event topics published by the lookout module.
const (
	TopicBeaconVerified = "lookout.beacon.verified"
	TopicDeviceOffline  = "lookout.device.offline"
	TopicDeviceOnline   = "lookout.device.online"
	TopicDeviceCritical = "lookout.device.critical"
)

// DeviceEventPayload accompanies device state topics.
type DeviceEventPayload struct {
	DeviceID string `json:"device_id"`
	Hostname string `json:"hostname"`
	Score    int    `json:"score"`
}
