package keyring

import (
	"bytes"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/roostlabs/roost/internal/signet"
)

// Engine drives the per-device rotation state machine,
// Stable -> RotationPending -> Stable, over a FileStore. All
// read-modify-write sequences run under one mutex so a concurrent
// confirmation can never race a new rotation.
type Engine struct {
	mu    sync.Mutex
	store *FileStore
	state Material
	log   *zap.Logger
}

// NewEngine loads the current key material and recovers any rotation
// commit interrupted by a crash.
func NewEngine(store *FileStore, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{store: store, log: log}

	m, err := store.Load()
	if err != nil {
		return nil, err
	}

	// A crash mid-commit leaves active == next with the epoch and staged
	// file possibly not yet updated. The rotation was already confirmed,
	// so redo the whole promote, which is idempotent, instead of
	// re-entering RotationPending.
	if m.Pending() && bytes.Equal(m.Active, m.Next) {
		log.Info("completing interrupted key rotation", zap.Uint64("epoch", m.NextEpoch))
		if err := store.Promote(m.Next, m.NextEpoch); err != nil {
			return nil, err
		}
		m.Epoch = m.NextEpoch
		m.Next, m.NextEpoch = nil, 0
	}

	e.state = m
	return e, nil
}

// Material returns a copy of the current key state.
func (e *Engine) Material() Material {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Pending reports whether a rotation is staged.
func (e *Engine) Pending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Pending()
}

// SigningKey returns the key outbound messages should be signed with:
// the staged key while a rotation is pending, so the node proves the new
// key reachable, otherwise the active key.
func (e *Engine) SigningKey() (signet.Key, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Pending() {
		return e.state.Next, e.state.NextEpoch
	}
	return e.state.Active, e.state.Epoch
}

// VerifyKeys returns the candidate keys for inbound verification. During
// RotationPending both authenticate.
func (e *Engine) VerifyKeys() (active, next signet.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Active, e.state.Next
}

// BeginRotation generates and stages a new key, leaving the active key
// and epoch untouched. If a rotation is already pending it returns the
// staged key again rather than minting another, so a retried rotate-key
// command whose response was lost converges instead of stranding the
// device. A storage failure leaves the state unchanged.
func (e *Engine) BeginRotation() (next signet.Key, targetEpoch uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Pending() {
		e.log.Info("rotation already pending, returning staged key",
			zap.Uint64("target_epoch", e.state.NextEpoch))
		return e.state.Next, e.state.NextEpoch, nil
	}

	next, err = signet.GenerateKey()
	if err != nil {
		return nil, 0, fmt.Errorf("begin rotation: %w", err)
	}
	targetEpoch = e.state.Epoch + 1

	if err := e.store.StageNext(next, targetEpoch); err != nil {
		return nil, 0, err
	}
	e.state.Next = next
	e.state.NextEpoch = targetEpoch

	e.log.Info("key rotation staged",
		zap.Uint64("epoch", e.state.Epoch),
		zap.Uint64("target_epoch", targetEpoch))
	return next, targetEpoch, nil
}

// ConfirmRotation commits a pending rotation: the staged key becomes
// active and the epoch advances. Call it only once the staged key is
// proven reachable, that is, an inbound message authenticated under it.
func (e *Engine) ConfirmRotation() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.Pending() {
		return ErrNotPending
	}

	if err := e.store.Promote(e.state.Next, e.state.NextEpoch); err != nil {
		return err
	}
	e.state.Active = e.state.Next
	e.state.Epoch = e.state.NextEpoch
	e.state.Next, e.state.NextEpoch = nil, 0

	e.log.Info("key rotation confirmed", zap.Uint64("epoch", e.state.Epoch))
	return nil
}
