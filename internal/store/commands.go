package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dive-control/dcs/internal/protocol"
)

// CommandStatus is the lifecycle state of a queued command. The set is
// closed; unrecognized strings are rejected at the boundary.
type CommandStatus string

const (
	StatusQueued    CommandStatus = "QUEUED"
	StatusIssued    CommandStatus = "ISSUED"
	StatusExecuting CommandStatus = "EXECUTING"
	StatusCompleted CommandStatus = "COMPLETED"
	StatusCanceled  CommandStatus = "CANCELED"
	StatusError     CommandStatus = "ERROR"
	StatusExpired   CommandStatus = "EXPIRED"
)

// ParseCommandStatus maps a wire string onto the closed status set.
func ParseCommandStatus(s string) (CommandStatus, error) {
	switch CommandStatus(s) {
	case StatusQueued, StatusIssued, StatusExecuting,
		StatusCompleted, StatusCanceled, StatusError, StatusExpired:
		return CommandStatus(s), nil
	}
	return "", fmt.Errorf("unrecognized command status %q", s)
}

// Terminal reports whether no further transition may leave the status.
func (s CommandStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCanceled, StatusError, StatusExpired:
		return true
	}
	return false
}

// Command is one queued vehicle command, identified by (mid, seq).
type Command struct {
	ID        int64
	MID       string
	Seq       int64
	Cmd       string
	Args      protocol.RunDiveArgs
	Status    CommandStatus
	IssuedBy  *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

const commandColumns = `id, mid, seq, cmd, args, status, issued_by, created_at, updated_at`

func scanCommand(row rowScanner) (*Command, error) {
	var (
		c                  Command
		args               string
		status             string
		issuedBy           sql.NullString
		createdAt, updated int64
	)
	err := row.Scan(&c.ID, &c.MID, &c.Seq, &c.Cmd, &args, &status, &issuedBy, &createdAt, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan command: %w", err)
	}
	c.Status, err = ParseCommandStatus(status)
	if err != nil {
		return nil, fmt.Errorf("corrupt command row %d: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(args), &c.Args); err != nil {
		return nil, fmt.Errorf("corrupt command args for row %d: %w", c.ID, err)
	}
	if issuedBy.Valid {
		c.IssuedBy = &issuedBy.String
	}
	c.CreatedAt = unixTime(createdAt)
	c.UpdatedAt = unixTime(updated)
	return &c, nil
}

// CreateCommand inserts a QUEUED command with the next per-device
// sequence. Must run inside a device-scoped transaction so the monotonic
// sequence assignment cannot race.
func (s *Store) CreateCommand(tx *sql.Tx, mid string, args protocol.RunDiveArgs, issuedBy string, now time.Time) (*Command, error) {
	var maxSeq sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(seq) FROM commands WHERE mid = ?`, mid).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("failed to read max command seq: %w", err)
	}
	seq := maxSeq.Int64 + 1

	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command args: %w", err)
	}
	res, err := tx.Exec(`
INSERT INTO commands (mid, seq, cmd, args, status, issued_by, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?)
`, mid, seq, protocol.CmdRunDive, string(raw), string(StatusQueued), issuedBy, now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create command: %w", err)
	}
	id, _ := res.LastInsertId()

	return &Command{
		ID:        id,
		MID:       mid,
		Seq:       seq,
		Cmd:       protocol.CmdRunDive,
		Args:      args,
		Status:    StatusQueued,
		IssuedBy:  &issuedBy,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}, nil
}

// GetCommandBySeq loads a command by its per-device sequence.
func (s *Store) GetCommandBySeq(tx *sql.Tx, mid string, seq int64) (*Command, error) {
	row := tx.QueryRow(`SELECT `+commandColumns+` FROM commands WHERE mid = ? AND seq = ?`, mid, seq)
	return scanCommand(row)
}

// GetCommandByID loads a command by its surrogate id, outside any
// transaction.
func (s *Store) GetCommandByID(id int64) (*Command, error) {
	row := s.db.QueryRow(`SELECT `+commandColumns+` FROM commands WHERE id = ?`, id)
	return scanCommand(row)
}

// ListOpenCommands returns the device's QUEUED and ISSUED commands in
// ascending sequence order, the working set for queue maintenance.
func (s *Store) ListOpenCommands(tx *sql.Tx, mid string) ([]*Command, error) {
	rows, err := tx.Query(`
SELECT `+commandColumns+` FROM commands
WHERE mid = ? AND status IN (?, ?)
ORDER BY seq ASC
`, mid, string(StatusQueued), string(StatusIssued))
	if err != nil {
		return nil, fmt.Errorf("failed to list open commands: %w", err)
	}
	defer rows.Close()

	var out []*Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetCommandStatus updates a command's lifecycle status and stamps
// updated_at.
func (s *Store) SetCommandStatus(tx *sql.Tx, id int64, status CommandStatus, now time.Time) error {
	_, err := tx.Exec(`UPDATE commands SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update command %d status: %w", id, err)
	}
	return nil
}

// CommandFilter narrows ListCommands.
type CommandFilter struct {
	MID    string
	Status CommandStatus
	Limit  int
	Offset int
}

// ListCommands returns commands newest-first with the total before
// pagination.
func (s *Store) ListCommands(f CommandFilter) ([]*Command, int, error) {
	where, args := " WHERE 1=1", []interface{}{}
	if f.MID != "" {
		where += " AND mid = ?"
		args = append(args, f.MID)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM commands`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count commands: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(`SELECT `+commandColumns+` FROM commands`+where+
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	var out []*Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}
