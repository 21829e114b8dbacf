package roster

import (
	"database/sql"

	"github.com/roostlabs/roost/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create roster device trust table",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS roster_devices (
						device_id TEXT PRIMARY KEY,
						role TEXT NOT NULL DEFAULT '',
						site TEXT NOT NULL DEFAULT '',
						active_key TEXT NOT NULL,
						next_key TEXT,
						epoch INTEGER NOT NULL,
						hostname TEXT NOT NULL DEFAULT '',
						ip TEXT NOT NULL DEFAULT '',
						uptime_sec INTEGER NOT NULL DEFAULT 0,
						last_seen DATETIME,
						last_score INTEGER NOT NULL DEFAULT 0,
						created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
					)`,
					`CREATE INDEX IF NOT EXISTS idx_roster_devices_site ON roster_devices(site)`,
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
