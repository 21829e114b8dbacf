package roster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roostlabs/roost/internal/signet"
)

var (
	// ErrEpochRegression means a staged or promoted epoch would not
	// strictly increase the device's stored epoch. Stale or replayed
	// promotion triggers land here.
	ErrEpochRegression = errors.New("epoch would not increase")

	// ErrNoStagedKey means promotion was attempted with no key staged.
	ErrNoStagedKey = errors.New("no staged key")
)

// Device is one trust entry: identity, key material and the last
// observed liveness/health state.
type Device struct {
	DeviceID  string     `json:"device_id"`
	Role      string     `json:"role"`
	Site      string     `json:"site"`
	ActiveKey string     `json:"-"`
	NextKey   string     `json:"-"`
	Epoch     uint64     `json:"epoch"`
	Hostname  string     `json:"hostname"`
	IP        string     `json:"ip"`
	UptimeSec int64      `json:"uptime_sec"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	LastScore int        `json:"last_score"`
	CreatedAt time.Time  `json:"created_at"`
}

// Keys parses the stored key material. NextKey may be absent.
func (d *Device) Keys() (active, next signet.Key, err error) {
	active, err = signet.ParseKey(d.ActiveKey)
	if err != nil {
		return nil, nil, fmt.Errorf("device %s active key: %w", d.DeviceID, err)
	}
	if d.NextKey != "" {
		next, err = signet.ParseKey(d.NextKey)
		if err != nil {
			return nil, nil, fmt.Errorf("device %s next key: %w", d.DeviceID, err)
		}
	}
	return active, next, nil
}

// Observation is the liveness state extracted from a verified beacon.
type Observation struct {
	Hostname  string
	IP        string
	UptimeSec int64
	Score     int
	SeenAt    time.Time
}

// Store provides database access for the roster plugin.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Enroll inserts a new device trust entry.
func (s *Store) Enroll(ctx context.Context, d *Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO roster_devices (
			device_id, role, site, active_key, next_key, epoch, hostname, ip, created_at
		) VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?)`,
		d.DeviceID, d.Role, d.Site, d.ActiveKey, d.NextKey, d.Epoch,
		d.Hostname, d.IP, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("enroll device: %w", err)
	}
	return nil
}

// Get returns a device by ID. Returns nil, nil if not found.
func (s *Store) Get(ctx context.Context, deviceID string) (*Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, `
		SELECT device_id, role, site, active_key, COALESCE(next_key, ''), epoch,
		       hostname, ip, uptime_sec, last_seen, last_score, created_at
		FROM roster_devices WHERE device_id = ?`, deviceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

// GetByIP returns the device most recently seen at the given address.
// Returns nil, nil if no device has reported from it.
func (s *Store) GetByIP(ctx context.Context, ip string) (*Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, `
		SELECT device_id, role, site, active_key, COALESCE(next_key, ''), epoch,
		       hostname, ip, uptime_sec, last_seen, last_score, created_at
		FROM roster_devices WHERE ip = ?
		ORDER BY last_seen DESC LIMIT 1`, ip))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get device by ip: %w", err)
	}
	return d, nil
}

// List returns all devices ordered by device_id.
func (s *Store) List(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, role, site, active_key, COALESCE(next_key, ''), epoch,
		       hostname, ip, uptime_sec, last_seen, last_score, created_at
		FROM roster_devices ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// Delete removes a device's trust entry. Returns whether a row existed.
func (s *Store) Delete(ctx context.Context, deviceID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM roster_devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return false, fmt.Errorf("delete device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete device: %w", err)
	}
	return n > 0, nil
}

// StageKey records a device's staged key and its target epoch, as
// reported by an authenticated rotate-key result. The target must
// strictly exceed the stored epoch.
func (s *Store) StageKey(ctx context.Context, deviceID, nextKey string, targetEpoch uint64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE roster_devices SET next_key = ?
		WHERE device_id = ? AND epoch < ?`,
		nextKey, deviceID, targetEpoch,
	)
	if err != nil {
		return fmt.Errorf("stage key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("stage key: %w", err)
	}
	if n == 0 {
		return s.explainGuardMiss(ctx, deviceID, targetEpoch, false)
	}
	return nil
}

// Promote commits a rotation: the staged key becomes active and the
// epoch takes newEpoch. The single guarded UPDATE enforces both the
// staged-key precondition and strict epoch monotonicity, so a replayed
// promotion trigger cannot regress state.
func (s *Store) Promote(ctx context.Context, deviceID string, newEpoch uint64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE roster_devices
		SET active_key = next_key, next_key = NULL, epoch = ?
		WHERE device_id = ? AND next_key IS NOT NULL AND epoch < ?`,
		newEpoch, deviceID, newEpoch,
	)
	if err != nil {
		return fmt.Errorf("promote key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("promote key: %w", err)
	}
	if n == 0 {
		return s.explainGuardMiss(ctx, deviceID, newEpoch, true)
	}
	return nil
}

// ObserveBeacon updates a device's liveness and health state from a
// verified beacon. Key material is never touched here.
func (s *Store) ObserveBeacon(ctx context.Context, deviceID string, obs Observation) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE roster_devices
		SET hostname = ?, ip = ?, uptime_sec = ?, last_seen = ?, last_score = ?
		WHERE device_id = ?`,
		obs.Hostname, obs.IP, obs.UptimeSec, obs.SeenAt.UTC(), obs.Score, deviceID,
	)
	if err != nil {
		return fmt.Errorf("observe beacon: %w", err)
	}
	return nil
}

// explainGuardMiss turns a zero-row guarded UPDATE into the precise
// failure: unknown device, missing staged key, or epoch regression.
func (s *Store) explainGuardMiss(ctx context.Context, deviceID string, epoch uint64, needStaged bool) error {
	d, err := s.Get(ctx, deviceID)
	if err != nil {
		return err
	}
	if d == nil {
		return fmt.Errorf("%w: %s", signet.ErrUnknownDevice, deviceID)
	}
	if needStaged && d.NextKey == "" {
		return fmt.Errorf("%w: device %s", ErrNoStagedKey, deviceID)
	}
	return fmt.Errorf("%w: device %s has epoch %d, got %d", ErrEpochRegression, deviceID, d.Epoch, epoch)
}

func scanDevice(row interface{ Scan(...any) error }) (*Device, error) {
	var d Device
	var lastSeen sql.NullTime
	if err := row.Scan(
		&d.DeviceID, &d.Role, &d.Site, &d.ActiveKey, &d.NextKey, &d.Epoch,
		&d.Hostname, &d.IP, &d.UptimeSec, &lastSeen, &d.LastScore, &d.CreatedAt,
	); err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		d.LastSeen = &t
	}
	return &d, nil
}
