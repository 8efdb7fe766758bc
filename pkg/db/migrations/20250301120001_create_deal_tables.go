package migrations

import (
	"database/sql"

	"github.com/mbkchat/relay/pkg/db"
	"github.com/pkg/errors"
)

// Migration20250301120001CreateDealTables creates the CRM-facing tables: deal
// snapshots, deal-to-conversation links (with the exactly-one-primary partial
// unique index), event locks, processed calls, and portal OAuth tokens.
func Migration20250301120001CreateDealTables() db.Migration {
	return db.Migration{
		Version:     20250301120001,
		Description: "Create deal, deal_link, event_lock, processed_call, and portal_token tables",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS deal (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					bx_id INTEGER NOT NULL,
					bx_portal TEXT NOT NULL,
					funnel_id TEXT,
					contact_id INTEGER,
					stage_id TEXT,
					last_sync_chatwoot DATETIME,
					last_transcribed_call DATETIME,
					last_sync_comment_id INTEGER,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL,
					UNIQUE (bx_id, bx_portal)
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create deal table")
			}

			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS deal_link (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					bx_portal TEXT NOT NULL,
					deal_id INTEGER NOT NULL,
					conversation_id INTEGER NOT NULL,
					inbox_id INTEGER NOT NULL,
					cw_contact_id INTEGER NOT NULL,
					is_primary INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME NOT NULL,
					UNIQUE (bx_portal, deal_id, conversation_id)
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create deal_link table")
			}

			// At most one primary conversation per deal.
			if _, err := tx.Exec(`
				CREATE UNIQUE INDEX IF NOT EXISTS idx_deal_link_primary
					ON deal_link (bx_portal, deal_id) WHERE is_primary = 1
			`); err != nil {
				return errors.Wrap(err, "failed to create deal_link primary index")
			}

			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS event_lock (
					event_code TEXT PRIMARY KEY,
					is_running INTEGER NOT NULL DEFAULT 0,
					updated_at DATETIME NOT NULL,
					error TEXT
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create event_lock table")
			}

			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS processed_call (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					portal TEXT NOT NULL,
					call_id TEXT NOT NULL,
					deal_bx_id INTEGER NOT NULL,
					transcribation TEXT,
					error TEXT,
					sent_to_bx INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL,
					UNIQUE (portal, call_id)
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create processed_call table")
			}

			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS portal_token (
					portal TEXT PRIMARY KEY,
					auth_token TEXT NOT NULL,
					refresh_token TEXT NOT NULL,
					refreshed_at DATETIME NOT NULL,
					is_active INTEGER NOT NULL DEFAULT 1
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create portal_token table")
			}

			return nil
		},
		Down: func(tx *sql.Tx) error {
			for _, table := range []string{"portal_token", "processed_call", "event_lock", "deal_link", "deal"} {
				if _, err := tx.Exec("DROP TABLE IF EXISTS " + table); err != nil {
					return errors.Wrapf(err, "failed to drop %s table", table)
				}
			}
			return nil
		},
	}
}
