package store

import (
	"context"
	"database/sql"
	"fmt"
)

// resetTables lists every table in delete order. event_logs first so the
// trail of the wiped entities goes with them.
var resetTables = []string{
	"event_logs",
	"descent_checks",
	"dives",
	"commands",
	"heartbeats",
	"devices",
}

// Reset deletes all rows from every table and rewinds the sqlite
// AUTOINCREMENT counters. Administrative use only.
func (s *Store) Reset(ctx context.Context) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range resetTables {
			if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
			if _, err := tx.Exec(`DELETE FROM sqlite_sequence WHERE name = ?`, table); err != nil {
				return fmt.Errorf("failed to reset sequence for %s: %w", table, err)
			}
		}
		return nil
	})
}
