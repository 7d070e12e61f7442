package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event is one row of the append-only protocol audit trail.
type Event struct {
	ID        int64
	MID       *string
	EventType string
	Detail    map[string]interface{}
	CreatedAt time.Time
}

// AppendEvent writes one audit row inside the caller's transaction so
// the event commits or rolls back with the mutation it records.
func (s *Store) AppendEvent(tx *sql.Tx, mid string, eventType string, detail map[string]interface{}, now time.Time) error {
	if detail == nil {
		detail = map[string]interface{}{}
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("failed to marshal event detail: %w", err)
	}
	var midArg interface{}
	if mid != "" {
		midArg = mid
	}
	_, err = tx.Exec(`
INSERT INTO event_logs (mid, event_type, detail, created_at)
VALUES (?,?,?,?)
`, midArg, eventType, string(raw), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	MID       string
	EventType string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// ListEvents returns audit rows newest-first with the total before
// pagination.
func (s *Store) ListEvents(f EventFilter) ([]*Event, int, error) {
	where, args := " WHERE 1=1", []interface{}{}
	if f.MID != "" {
		where += " AND mid = ?"
		args = append(args, f.MID)
	}
	if f.EventType != "" {
		where += " AND event_type = ?"
		args = append(args, f.EventType)
	}
	if f.StartTime != nil {
		where += " AND created_at >= ?"
		args = append(args, f.StartTime.Unix())
	}
	if f.EndTime != nil {
		where += " AND created_at <= ?"
		args = append(args, f.EndTime.Unix())
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM event_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(`
SELECT id, mid, event_type, detail, created_at FROM event_logs`+where+
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var (
			ev      Event
			mid     sql.NullString
			detail  string
			created int64
		)
		if err := rows.Scan(&ev.ID, &mid, &ev.EventType, &detail, &created); err != nil {
			return nil, 0, fmt.Errorf("failed to scan event: %w", err)
		}
		if mid.Valid {
			ev.MID = &mid.String
		}
		_ = unmarshalInto(detail, &ev.Detail)
		ev.CreatedAt = unixTime(created)
		out = append(out, &ev)
	}
	return out, total, rows.Err()
}
