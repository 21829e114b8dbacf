package perch

import (
	"time"

	"go.uber.org/zap"

	"github.com/roostlabs/roost/internal/keyring"
	"github.com/roostlabs/roost/internal/signet"
)

// Authenticator verifies inbound signed commands against the node's key
// material. Checks run in a fixed order: signature first, then replay,
// then the action set, so an attacker cannot probe the replay window or
// the verb table without a valid signature.
type Authenticator struct {
	keys  *keyring.Engine
	guard *signet.Guard
	log   *zap.Logger
}

// NewAuthenticator builds an authenticator over the node's key engine.
func NewAuthenticator(keys *keyring.Engine, guard *signet.Guard, log *zap.Logger) *Authenticator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Authenticator{keys: keys, guard: guard, log: log}
}

// Authenticate accepts or rejects a command as of now. On acceptance it
// reports which key verified; a next-key match is the fleet's proof that
// it has adopted the staged key, and triggers rotation confirmation.
func (a *Authenticator) Authenticate(cmd *signet.Command, now time.Time) (signet.Match, error) {
	active, next := a.keys.VerifyKeys()

	match := cmd.VerifyWith(active, next)
	if match == signet.MatchNone {
		a.log.Warn("command rejected",
			zap.String("device_id", cmd.DeviceID),
			zap.String("reason", signet.ReasonCode(signet.ErrBadSignature)))
		return signet.MatchNone, signet.ErrBadSignature
	}

	if err := a.guard.Admit(cmd.DeviceID, cmd.Nonce, cmd.Timestamp(), now); err != nil {
		a.log.Warn("command rejected",
			zap.String("device_id", cmd.DeviceID),
			zap.String("reason", signet.ReasonCode(err)))
		return signet.MatchNone, err
	}

	if _, err := signet.ParseAction(string(cmd.Action)); err != nil {
		a.log.Warn("command rejected",
			zap.String("device_id", cmd.DeviceID),
			zap.String("action", string(cmd.Action)),
			zap.String("reason", signet.ReasonCode(err)))
		return signet.MatchNone, err
	}

	if match == signet.MatchNext {
		if err := a.keys.ConfirmRotation(); err != nil && err != keyring.ErrNotPending {
			// The command stays authorized; the commit retries on the
			// next next-key message.
			a.log.Error("rotation confirmation failed", zap.Error(err))
		} else if err == nil {
			a.log.Info("key rotation confirmed by inbound command",
				zap.String("device_id", cmd.DeviceID))
		}
	}

	a.log.Info("command authorized",
		zap.String("device_id", cmd.DeviceID),
		zap.String("action", string(cmd.Action)),
		zap.String("key", match.String()))
	return match, nil
}
