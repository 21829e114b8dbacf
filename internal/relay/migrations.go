package relay

import (
	"database/sql"

	"github.com/roostlabs/roost/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create relay audit log",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS relay_audit (
						id TEXT PRIMARY KEY,
						device_id TEXT NOT NULL,
						action TEXT NOT NULL,
						outcome TEXT NOT NULL,
						reason TEXT NOT NULL DEFAULT '',
						created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
					)`,
					`CREATE INDEX IF NOT EXISTS idx_relay_audit_device_time ON relay_audit(device_id, created_at)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}
