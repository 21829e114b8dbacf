package signet

import "errors"

// Protocol rejection taxonomy. Verifiers reject locally with one of these;
// they are logged with the device ID and surfaced to HTTP callers as a
// machine-readable reason code, and must never crash the verifying process.
var (
	ErrBadSignature   = errors.New("bad signature")
	ErrReplayedNonce  = errors.New("replayed nonce")
	ErrStaleTimestamp = errors.New("stale timestamp")
	ErrUnknownDevice  = errors.New("unknown device")
	ErrUnknownAction  = errors.New("unknown action")
)

// ReasonCode maps a protocol error to its wire reason code.
// Unrecognized errors map to "internal".
func ReasonCode(err error) string {
	switch {
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrReplayedNonce):
		return "replay"
	case errors.Is(err, ErrStaleTimestamp):
		return "stale_timestamp"
	case errors.Is(err, ErrUnknownDevice):
		return "unknown_device"
	case errors.Is(err, ErrUnknownAction):
		return "unknown_action"
	default:
		return "internal"
	}
}
