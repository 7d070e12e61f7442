package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DescentCheckRecord is the immutable verdict cache for one (mid,
// check_seq). It doubles as the audit record of the validation.
type DescentCheckRecord struct {
	ID        int64
	MID       string
	CheckSeq  int64
	CmdSeq    int64
	PlanHash  string
	OK        bool
	Reason    *string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// GetDescentCheck returns the cached verdict for (mid, checkSeq), or
// ErrNotFound if this check sequence is unseen.
func (s *Store) GetDescentCheck(tx *sql.Tx, mid string, checkSeq int64) (*DescentCheckRecord, error) {
	row := tx.QueryRow(`
SELECT id, mid, check_seq, cmd_seq, plan_hash, ok, reason, payload, created_at
FROM descent_checks WHERE mid = ? AND check_seq = ?
`, mid, checkSeq)

	var (
		rec       DescentCheckRecord
		ok        int
		reason    sql.NullString
		payload   string
		createdAt int64
	)
	err := row.Scan(&rec.ID, &rec.MID, &rec.CheckSeq, &rec.CmdSeq, &rec.PlanHash,
		&ok, &reason, &payload, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load descent check: %w", err)
	}
	rec.OK = ok == 1
	if reason.Valid {
		rec.Reason = &reason.String
	}
	rec.Payload = json.RawMessage(payload)
	rec.CreatedAt = unixTime(createdAt)
	return &rec, nil
}

// InsertDescentCheck persists the verdict with a full request snapshot.
// Rows are immutable once written.
func (s *Store) InsertDescentCheck(tx *sql.Tx, mid string, checkSeq, cmdSeq int64, planHash string, ok bool, reason *string, payload interface{}, now time.Time) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal descent check payload: %w", err)
	}
	okInt := 0
	if ok {
		okInt = 1
	}
	_, err = tx.Exec(`
INSERT INTO descent_checks (mid, check_seq, cmd_seq, plan_hash, ok, reason, payload, created_at)
VALUES (?,?,?,?,?,?,?,?)
`, mid, checkSeq, cmdSeq, planHash, okInt, nullString(reason), string(raw), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert descent check: %w", err)
	}
	return nil
}
