// Package keyring manages a node's durable key material and the rotation
// state machine over it. Key material lives in three files under the
// node's data directory:
//
//	device-key       hex-encoded active key
//	key-epoch        decimal epoch counter
//	device-key.next  hex-encoded staged key plus its target epoch,
//	                 present only while a rotation is pending
//
// Every write is write-temp-then-rename so a crash can never leave a torn
// key file.
package keyring

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/roostlabs/roost/internal/signet"
)

const (
	activeFile = "device-key"
	epochFile  = "key-epoch"
	nextFile   = "device-key.next"
)

var (
	// ErrStorage wraps filesystem failures. A rotation step that hits it
	// leaves the prior state intact and is safe to retry.
	ErrStorage = errors.New("key storage failure")

	// ErrNotProvisioned means no device-key file exists yet.
	ErrNotProvisioned = errors.New("device key material not provisioned")

	// ErrNotPending is returned by ConfirmRotation outside RotationPending.
	ErrNotPending = errors.New("no rotation pending")
)

// Material is a point-in-time copy of a device's key state.
// Next and NextEpoch are set only while a rotation is pending.
type Material struct {
	Active    signet.Key
	Epoch     uint64
	Next      signet.Key
	NextEpoch uint64
}

// Pending reports whether a rotation is staged.
func (m Material) Pending() bool {
	return !m.Next.IsZero()
}

// FileStore reads and writes key material files in a single directory.
// It owns file formats and write atomicity; serialization across
// read-modify-write sequences belongs to Engine.
type FileStore struct {
	dir string
}

// NewFileStore creates the data directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrStorage, dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the backing directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Load reads the current key material. Returns ErrNotProvisioned if no
// active key file exists.
func (s *FileStore) Load() (Material, error) {
	var m Material

	raw, err := os.ReadFile(filepath.Join(s.dir, activeFile))
	if errors.Is(err, os.ErrNotExist) {
		return m, ErrNotProvisioned
	}
	if err != nil {
		return m, fmt.Errorf("%w: read %s: %v", ErrStorage, activeFile, err)
	}
	if m.Active, err = signet.ParseKey(string(raw)); err != nil {
		return m, fmt.Errorf("%w: parse %s: %v", ErrStorage, activeFile, err)
	}

	raw, err = os.ReadFile(filepath.Join(s.dir, epochFile))
	if err != nil {
		return m, fmt.Errorf("%w: read %s: %v", ErrStorage, epochFile, err)
	}
	if m.Epoch, err = strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64); err != nil {
		return m, fmt.Errorf("%w: parse %s: %v", ErrStorage, epochFile, err)
	}

	raw, err = os.ReadFile(filepath.Join(s.dir, nextFile))
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("%w: read %s: %v", ErrStorage, nextFile, err)
	}
	if m.Next, m.NextEpoch, err = parseNext(string(raw)); err != nil {
		return m, fmt.Errorf("%w: parse %s: %v", ErrStorage, nextFile, err)
	}
	return m, nil
}

// Initialize writes a fresh active key and epoch and clears any staged
// key. Used at enrollment and re-provisioning.
func (s *FileStore) Initialize(active signet.Key, epoch uint64) error {
	if err := s.writeActive(active, epoch); err != nil {
		return err
	}
	return s.ClearNext()
}

// StageNext durably records a staged key and the epoch it will assume on
// promotion. A single atomic file write: a crash leaves the device either
// Stable or cleanly RotationPending.
func (s *FileStore) StageNext(next signet.Key, targetEpoch uint64) error {
	data := fmt.Sprintf("%s\n%d\n", next.Hex(), targetEpoch)
	return s.writeAtomic(nextFile, []byte(data))
}

// Promote commits a confirmed rotation: active takes the staged key's
// value, the epoch file takes the staged target, and the staged file is
// removed. The active key is written first; if the process dies between
// steps, Load's caller can detect active == next and finish the commit.
func (s *FileStore) Promote(next signet.Key, targetEpoch uint64) error {
	if err := s.writeActive(next, targetEpoch); err != nil {
		return err
	}
	return s.ClearNext()
}

// ClearNext removes the staged key file if present.
func (s *FileStore) ClearNext() error {
	err := os.Remove(filepath.Join(s.dir, nextFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %v", ErrStorage, nextFile, err)
	}
	return nil
}

func (s *FileStore) writeActive(key signet.Key, epoch uint64) error {
	if err := s.writeAtomic(activeFile, []byte(key.Hex()+"\n")); err != nil {
		return err
	}
	return s.writeAtomic(epochFile, []byte(strconv.FormatUint(epoch, 10)+"\n"))
}

func (s *FileStore) writeAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: temp for %s: %v", ErrStorage, name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write %s: %v", ErrStorage, name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: sync %s: %v", ErrStorage, name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close %s: %v", ErrStorage, name, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: chmod %s: %v", ErrStorage, name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename %s: %v", ErrStorage, name, err)
	}
	return nil
}

func parseNext(raw string) (signet.Key, uint64, error) {
	lines := strings.SplitN(strings.TrimSpace(raw), "\n", 2)
	if len(lines) != 2 {
		return nil, 0, fmt.Errorf("want key and target epoch, got %d lines", len(lines))
	}
	key, err := signet.ParseKey(lines[0])
	if err != nil {
		return nil, 0, err
	}
	epoch, err := strconv.ParseUint(strings.TrimSpace(lines[1]), 10, 64)
	if err != nil {
		return nil, 0, err
	}
	return key, epoch, nil
}
