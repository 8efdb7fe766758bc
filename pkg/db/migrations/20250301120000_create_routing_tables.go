package migrations

import (
	"database/sql"

	"github.com/mbkchat/relay/pkg/db"
	"github.com/pkg/errors"
)

// Migration20250301120000CreateRoutingTables creates the transport routing tables:
// per-inbox activation flags, per-contact sticky assignments, round-robin
// cursors, and the cross-process advisory lock table.
func Migration20250301120000CreateRoutingTables() db.Migration {
	return db.Migration{
		Version:     20250301120000,
		Description: "Create transport activation, contact routing, RR cursor, and advisory lock tables",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS transport_activation (
					inbox_id INTEGER PRIMARY KEY,
					is_active INTEGER NOT NULL DEFAULT 1,
					updated_at DATETIME NOT NULL
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create transport_activation table")
			}

			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS contact_routing (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					phone TEXT NOT NULL,
					agent_code TEXT NOT NULL,
					kind TEXT NOT NULL,
					inbox_id INTEGER NOT NULL,
					updated_at DATETIME NOT NULL,
					UNIQUE (phone, agent_code, kind)
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create contact_routing table")
			}

			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS rr_cursor (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					agent_code TEXT NOT NULL,
					kind TEXT NOT NULL,
					last_index INTEGER NOT NULL DEFAULT -1,
					updated_at DATETIME NOT NULL,
					UNIQUE (agent_code, kind)
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create rr_cursor table")
			}

			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS advisory_lock (
					lock_key INTEGER PRIMARY KEY,
					acquired_at DATETIME NOT NULL
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create advisory_lock table")
			}

			return nil
		},
		Down: func(tx *sql.Tx) error {
			for _, table := range []string{"advisory_lock", "rr_cursor", "contact_routing", "transport_activation"} {
				if _, err := tx.Exec("DROP TABLE IF EXISTS " + table); err != nil {
					return errors.Wrapf(err, "failed to drop %s table", table)
				}
			}
			return nil
		},
	}
}
