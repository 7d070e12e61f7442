package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dive-control/dcs/internal/protocol"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Device is the registry row holding a vehicle's latest reported state.
// Fields are last-writer-wins; only the heartbeat ledger enforces
// per-sequence uniqueness.
type Device struct {
	MID            string
	FW             string
	LastState      string
	LastHbSeq      *int64
	LastSeenAt     time.Time
	LastExecCmdSeq *int64
	LastExecStatus *string
	LastPos        *protocol.Position
	LastPwr        *protocol.Power
	LastEnv        *protocol.Environment
	LastNet        *protocol.Network
	RecoveryReason map[string]interface{}
}

const deviceColumns = `mid, fw, last_state, last_hb_seq, last_seen_at,
last_exec_cmd_seq, last_exec_status, last_pos, last_pwr, last_env, last_net, recovery_reason`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var (
		d        Device
		hbSeq    sql.NullInt64
		seenAt   int64
		execSeq  sql.NullInt64
		execStat sql.NullString
		pos, pwr sql.NullString
		env, net sql.NullString
		recovery sql.NullString
	)
	err := row.Scan(&d.MID, &d.FW, &d.LastState, &hbSeq, &seenAt,
		&execSeq, &execStat, &pos, &pwr, &env, &net, &recovery)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan device: %w", err)
	}
	d.LastSeenAt = unixTime(seenAt)
	if hbSeq.Valid {
		d.LastHbSeq = &hbSeq.Int64
	}
	if execSeq.Valid {
		d.LastExecCmdSeq = &execSeq.Int64
	}
	if execStat.Valid {
		d.LastExecStatus = &execStat.String
	}
	if pos.Valid {
		_ = json.Unmarshal([]byte(pos.String), &d.LastPos)
	}
	if pwr.Valid {
		_ = json.Unmarshal([]byte(pwr.String), &d.LastPwr)
	}
	if env.Valid {
		_ = json.Unmarshal([]byte(env.String), &d.LastEnv)
	}
	if net.Valid {
		_ = json.Unmarshal([]byte(net.String), &d.LastNet)
	}
	if recovery.Valid {
		_ = json.Unmarshal([]byte(recovery.String), &d.RecoveryReason)
	}
	return &d, nil
}

// GetDevice loads one registry row inside a transaction.
func (s *Store) GetDevice(tx *sql.Tx, mid string) (*Device, error) {
	row := tx.QueryRow(`SELECT `+deviceColumns+` FROM devices WHERE mid = ?`, mid)
	return scanDevice(row)
}

// GetDeviceByMID loads one registry row outside any transaction.
func (s *Store) GetDeviceByMID(mid string) (*Device, error) {
	row := s.db.QueryRow(`SELECT `+deviceColumns+` FROM devices WHERE mid = ?`, mid)
	return scanDevice(row)
}

func deviceArgs(d *Device) ([]interface{}, error) {
	pos, err := marshalJSON(jsonOrNil(d.LastPos))
	if err != nil {
		return nil, err
	}
	pwr, err := marshalJSON(jsonOrNil(d.LastPwr))
	if err != nil {
		return nil, err
	}
	env, err := marshalJSON(jsonOrNil(d.LastEnv))
	if err != nil {
		return nil, err
	}
	net, err := marshalJSON(jsonOrNil(d.LastNet))
	if err != nil {
		return nil, err
	}
	var recovery interface{}
	if len(d.RecoveryReason) > 0 {
		recovery = d.RecoveryReason
	}
	rec, err := marshalJSON(recovery)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		d.MID, d.FW, d.LastState,
		nullInt64(d.LastHbSeq), d.LastSeenAt.Unix(),
		nullInt64(d.LastExecCmdSeq), nullString(d.LastExecStatus),
		pos, pwr, env, net, rec,
	}, nil
}

// SaveDevice inserts or fully replaces a registry row (last-writer-wins).
func (s *Store) SaveDevice(tx *sql.Tx, d *Device) error {
	args, err := deviceArgs(d)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
INSERT INTO devices (`+deviceColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(mid) DO UPDATE SET
  fw=excluded.fw,
  last_state=excluded.last_state,
  last_hb_seq=excluded.last_hb_seq,
  last_seen_at=excluded.last_seen_at,
  last_exec_cmd_seq=excluded.last_exec_cmd_seq,
  last_exec_status=excluded.last_exec_status,
  last_pos=excluded.last_pos,
  last_pwr=excluded.last_pwr,
  last_env=excluded.last_env,
  last_net=excluded.last_net,
  recovery_reason=excluded.recovery_reason
`, args...)
	if err != nil {
		return fmt.Errorf("failed to save device %s: %w", d.MID, err)
	}
	return nil
}

// DeviceFilter narrows ListDevices.
type DeviceFilter struct {
	State  string
	Sort   string // "last_seen_at:desc" (default), "last_seen_at:asc", "mid:asc", "mid:desc"
	Limit  int
	Offset int
}

// ListDevices returns registry rows with the total before pagination.
func (s *Store) ListDevices(f DeviceFilter) ([]*Device, int, error) {
	where, args := "", []interface{}{}
	if f.State != "" {
		where = " WHERE last_state = ?"
		args = append(args, f.State)
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM devices`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count devices: %w", err)
	}

	order := "last_seen_at DESC"
	switch f.Sort {
	case "last_seen_at:asc":
		order = "last_seen_at ASC"
	case "mid:asc":
		order = "mid ASC"
	case "mid:desc":
		order = "mid DESC"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(`SELECT `+deviceColumns+` FROM devices`+where+
		` ORDER BY `+order+` LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var out []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

// jsonOrNil collapses typed nil pointers so they render as NULL.
func jsonOrNil(v interface{}) interface{} {
	switch p := v.(type) {
	case *protocol.Position:
		if p == nil {
			return nil
		}
	case *protocol.Power:
		if p == nil {
			return nil
		}
	case *protocol.Environment:
		if p == nil {
			return nil
		}
	case *protocol.Network:
		if p == nil {
			return nil
		}
	}
	return v
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
