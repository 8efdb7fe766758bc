package migrations

import (
	"database/sql"

	"github.com/mbkchat/relay/pkg/db"
	"github.com/pkg/errors"
)

// Migration20250301120002CreateJobTables creates the transcription job queue
// and the per-conversation bookkeeping table.
func Migration20250301120002CreateJobTables() db.Migration {
	return db.Migration{
		Version:     20250301120002,
		Description: "Create transcription_job and helpdesk_conversation tables",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS transcription_job (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					portal TEXT NOT NULL,
					deal_bx_id INTEGER NOT NULL,
					status TEXT NOT NULL DEFAULT 'new',
					attempt INTEGER NOT NULL DEFAULT 0,
					priority INTEGER NOT NULL DEFAULT 100,
					next_run_at DATETIME NOT NULL,
					locked_until DATETIME,
					last_error TEXT,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create transcription_job table")
			}

			// At most one active job per (portal, deal).
			if _, err := tx.Exec(`
				CREATE UNIQUE INDEX IF NOT EXISTS idx_transcription_job_active
					ON transcription_job (portal, deal_bx_id)
					WHERE status IN ('new', 'running', 'retry')
			`); err != nil {
				return errors.Wrap(err, "failed to create transcription_job active index")
			}

			if _, err := tx.Exec(`
				CREATE INDEX IF NOT EXISTS idx_transcription_job_due
					ON transcription_job (status, next_run_at, priority, created_at)
			`); err != nil {
				return errors.Wrap(err, "failed to create transcription_job due index")
			}

			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS helpdesk_conversation (
					chatwoot_id INTEGER PRIMARY KEY,
					last_message_id INTEGER,
					last_client_message_date DATETIME,
					agent_contact_sent INTEGER NOT NULL DEFAULT 0,
					manager_contact_sent INTEGER NOT NULL DEFAULT 0,
					next_meeting_datetime DATETIME,
					warmup_number INTEGER NOT NULL DEFAULT 0,
					last_warmup_date DATETIME,
					updated_at DATETIME NOT NULL
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create helpdesk_conversation table")
			}

			return nil
		},
		Down: func(tx *sql.Tx) error {
			for _, table := range []string{"helpdesk_conversation", "transcription_job"} {
				if _, err := tx.Exec("DROP TABLE IF EXISTS " + table); err != nil {
					return errors.Wrapf(err, "failed to drop %s table", table)
				}
			}
			return nil
		},
	}
}
