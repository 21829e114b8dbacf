package signet

import (
	"fmt"
	"time"
)

// BeaconType identifies roost beacon datagrams on the discovery port.
const BeaconType = "roost-node"

// Action is a remote command verb.
type Action string

const (
	ActionReboot    Action = "reboot"
	ActionShutdown  Action = "shutdown"
	ActionUpdate    Action = "update"
	ActionRotateKey Action = "rotate-key"
)

// ParseAction validates a command verb against the known action set.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionReboot, ActionShutdown, ActionUpdate, ActionRotateKey:
		return Action(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// HealthSnapshot is the boot-health summary carried in beacons and status
// reports.
type HealthSnapshot struct {
	Score int `json:"score"`
}

// Beacon is the periodic signed liveness announcement a node broadcasts
// over UDP. The signature covers the canonical message; variable fields
// ride in the body hash.
type Beacon struct {
	Type       string         `json:"type"`
	DeviceID   string         `json:"device_id"`
	Hostname   string         `json:"hostname"`
	Port       int            `json:"port"` // node command/status HTTP port
	TS         int64          `json:"ts"`
	Nonce      string         `json:"nonce"`
	Epoch      uint64         `json:"epoch"`
	UptimeSec  int64          `json:"uptime_sec"`
	BootHealth HealthSnapshot `json:"boot_health"`
	Sig        string         `json:"sig,omitempty"`
}

// message builds the canonical signing input for the beacon.
func (b *Beacon) message() Message {
	body := fmt.Sprintf("%s|%d|%d|%d|%d", b.Hostname, b.Port, b.Epoch, b.UptimeSec, b.BootHealth.Score)
	return Message{
		DeviceID:  b.DeviceID,
		Kind:      "beacon",
		Timestamp: b.TS,
		Nonce:     b.Nonce,
		Body:      []byte(body),
	}
}

// SignWith stamps the beacon's signature under key.
func (b *Beacon) SignWith(key Key) {
	b.Sig = Sign(key, b.message())
}

// VerifyWith checks the beacon signature against the two candidate keys.
func (b *Beacon) VerifyWith(active, next Key) Match {
	return VerifyEither(active, next, b.message(), b.Sig)
}

// Timestamp returns the claimed emission time.
func (b *Beacon) Timestamp() time.Time {
	return time.Unix(b.TS, 0)
}

// Command is a signed operator command relayed to a node.
type Command struct {
	DeviceID string `json:"device_id"`
	Action   Action `json:"cmd"`
	TS       int64  `json:"ts"`
	Nonce    string `json:"nonce"`
	Sig      string `json:"sig,omitempty"`
}

func (c *Command) message() Message {
	return Message{
		DeviceID:  c.DeviceID,
		Kind:      string(c.Action),
		Timestamp: c.TS,
		Nonce:     c.Nonce,
	}
}

// SignWith stamps the command's signature under key.
func (c *Command) SignWith(key Key) {
	c.Sig = Sign(key, c.message())
}

// VerifyWith checks the command signature against the two candidate keys.
func (c *Command) VerifyWith(active, next Key) Match {
	return VerifyEither(active, next, c.message(), c.Sig)
}

// Timestamp returns the claimed issue time.
func (c *Command) Timestamp() time.Time {
	return time.Unix(c.TS, 0)
}

// CommandResult is the node's authenticated reply to a command. For
// rotate-key it carries the freshly staged key and the epoch the node will
// advertise after promotion; the relay records that as the device's
// next_key. The reply is integrity-protected by the node's current active
// key -- confidentiality is out of protocol scope.
type CommandResult struct {
	DeviceID string `json:"device_id"`
	Action   Action `json:"cmd"`
	Status   string `json:"status"` // "authorized"
	NextKey  string `json:"next_key,omitempty"`
	Epoch    uint64 `json:"epoch,omitempty"`
	TS       int64  `json:"ts"`
	Nonce    string `json:"nonce"`
	Sig      string `json:"sig,omitempty"`
}

func (r *CommandResult) message() Message {
	body := fmt.Sprintf("%s|%s|%d", r.Status, r.NextKey, r.Epoch)
	return Message{
		DeviceID:  r.DeviceID,
		Kind:      "result:" + string(r.Action),
		Timestamp: r.TS,
		Nonce:     r.Nonce,
		Body:      []byte(body),
	}
}

// SignWith stamps the result's signature under key.
func (r *CommandResult) SignWith(key Key) {
	r.Sig = Sign(key, r.message())
}

// VerifyWith checks the result signature against the two candidate keys.
func (r *CommandResult) VerifyWith(active, next Key) Match {
	return VerifyEither(active, next, r.message(), r.Sig)
}
