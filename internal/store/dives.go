package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Dive is the recorded outcome of one command execution, keyed by
// (mid, cmd_seq). Retried ascent reports update the same row.
type Dive struct {
	ID        int64
	MID       string
	CmdSeq    int64
	OK        *bool
	Summary   map[string]interface{}
	StartedAt *time.Time
	EndedAt   *time.Time
	CreatedAt time.Time
}

// UpsertDive creates the dive row on first report for a command sequence
// and updates outcome, summary and end time on retries.
func (s *Store) UpsertDive(tx *sql.Tx, mid string, cmdSeq int64, ok bool, summary map[string]interface{}, endedAt time.Time, now time.Time) error {
	okInt := 0
	if ok {
		okInt = 1
	}
	var sumArg interface{}
	if len(summary) > 0 {
		sumArg = summary
	}
	sum, err := marshalJSON(sumArg)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
INSERT INTO dives (mid, cmd_seq, ok, summary, ended_at, created_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(mid, cmd_seq) DO UPDATE SET
  ok=excluded.ok,
  summary=excluded.summary,
  ended_at=excluded.ended_at
`, mid, cmdSeq, okInt, sum, endedAt.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert dive: %w", err)
	}
	return nil
}

const diveColumns = `id, mid, cmd_seq, ok, summary, started_at, ended_at, created_at`

func scanDive(row rowScanner) (*Dive, error) {
	var (
		d          Dive
		ok         sql.NullInt64
		summary    sql.NullString
		started    sql.NullInt64
		ended      sql.NullInt64
		created    int64
		summaryMap map[string]interface{}
	)
	err := row.Scan(&d.ID, &d.MID, &d.CmdSeq, &ok, &summary, &started, &ended, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan dive: %w", err)
	}
	if ok.Valid {
		v := ok.Int64 == 1
		d.OK = &v
	}
	if summary.Valid {
		if err := unmarshalInto(summary.String, &summaryMap); err == nil {
			d.Summary = summaryMap
		}
	}
	if started.Valid {
		t := unixTime(started.Int64)
		d.StartedAt = &t
	}
	if ended.Valid {
		t := unixTime(ended.Int64)
		d.EndedAt = &t
	}
	d.CreatedAt = unixTime(created)
	return &d, nil
}

// GetDive loads one dive by surrogate id.
func (s *Store) GetDive(id int64) (*Dive, error) {
	row := s.db.QueryRow(`SELECT `+diveColumns+` FROM dives WHERE id = ?`, id)
	return scanDive(row)
}

// GetDiveByCmdSeq loads one dive by its logical key inside a transaction.
func (s *Store) GetDiveByCmdSeq(tx *sql.Tx, mid string, cmdSeq int64) (*Dive, error) {
	row := tx.QueryRow(`SELECT `+diveColumns+` FROM dives WHERE mid = ? AND cmd_seq = ?`, mid, cmdSeq)
	return scanDive(row)
}

// DiveFilter narrows ListDives.
type DiveFilter struct {
	MID       string
	OK        *bool
	StartDate *time.Time
	EndDate   *time.Time
	Limit     int
	Offset    int
}

// ListDives returns dives newest-first with the total before pagination.
func (s *Store) ListDives(f DiveFilter) ([]*Dive, int, error) {
	where, args := " WHERE 1=1", []interface{}{}
	if f.MID != "" {
		where += " AND mid = ?"
		args = append(args, f.MID)
	}
	if f.OK != nil {
		v := 0
		if *f.OK {
			v = 1
		}
		where += " AND ok = ?"
		args = append(args, v)
	}
	if f.StartDate != nil {
		where += " AND created_at >= ?"
		args = append(args, f.StartDate.Unix())
	}
	if f.EndDate != nil {
		where += " AND created_at <= ?"
		args = append(args, f.EndDate.Unix())
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM dives`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count dives: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(`SELECT `+diveColumns+` FROM dives`+where+
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list dives: %w", err)
	}
	defer rows.Close()

	var out []*Dive
	for rows.Next() {
		d, err := scanDive(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}
