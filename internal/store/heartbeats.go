package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// HeartbeatRecord is one row of the append-only heartbeat ledger.
type HeartbeatRecord struct {
	ID         int64
	MID        string
	HbSeq      int64
	TsUTC      time.Time
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// InsertHeartbeatIfNew appends a ledger row unless (mid, hb_seq) was
// already seen. A duplicate is a silent no-op, never an error. Returns
// whether a row was inserted.
func (s *Store) InsertHeartbeatIfNew(tx *sql.Tx, mid string, hbSeq int64, tsUTC time.Time, payload interface{}, receivedAt time.Time) (bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal heartbeat payload: %w", err)
	}
	res, err := tx.Exec(`
INSERT INTO heartbeats (mid, hb_seq, ts_utc, payload, received_at)
VALUES (?,?,?,?,?)
ON CONFLICT(mid, hb_seq) DO NOTHING
`, mid, hbSeq, tsUTC.Unix(), string(raw), receivedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to append heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// HeartbeatFilter narrows ListHeartbeats. MID is required.
type HeartbeatFilter struct {
	MID       string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
	Ascending bool
}

// ListHeartbeats returns ledger rows for a device with the total before
// pagination.
func (s *Store) ListHeartbeats(f HeartbeatFilter) ([]*HeartbeatRecord, int, error) {
	where := " WHERE mid = ?"
	args := []interface{}{f.MID}
	if f.StartTime != nil {
		where += " AND ts_utc >= ?"
		args = append(args, f.StartTime.Unix())
	}
	if f.EndTime != nil {
		where += " AND ts_utc <= ?"
		args = append(args, f.EndTime.Unix())
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM heartbeats`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count heartbeats: %w", err)
	}

	order := "ts_utc DESC, hb_seq DESC"
	if f.Ascending {
		order = "ts_utc ASC, hb_seq ASC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(`
SELECT id, mid, hb_seq, ts_utc, payload, received_at FROM heartbeats`+where+
		` ORDER BY `+order+` LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list heartbeats: %w", err)
	}
	defer rows.Close()

	var out []*HeartbeatRecord
	for rows.Next() {
		var (
			rec     HeartbeatRecord
			ts, rcv int64
			payload string
		)
		if err := rows.Scan(&rec.ID, &rec.MID, &rec.HbSeq, &ts, &payload, &rcv); err != nil {
			return nil, 0, fmt.Errorf("failed to scan heartbeat: %w", err)
		}
		rec.TsUTC = unixTime(ts)
		rec.ReceivedAt = unixTime(rcv)
		rec.Payload = json.RawMessage(payload)
		out = append(out, &rec)
	}
	return out, total, rows.Err()
}
