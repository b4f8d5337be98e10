package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order; the index+1 of the last applied one is
// stored in PRAGMA user_version.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		direction   INTEGER NOT NULL,
		source      INTEGER NOT NULL,
		destination INTEGER NOT NULL,
		sequence    INTEGER NOT NULL,
		type        INTEGER NOT NULL,
		priority    INTEGER NOT NULL,
		hops        INTEGER NOT NULL DEFAULT 0,
		payload     BLOB,
		rssi        INTEGER,
		snr         REAL,
		created_at  INTEGER NOT NULL,
		sent_at     INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_outbound_sequence
		ON messages(direction, sequence, sent_at);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}

	return nil
}
