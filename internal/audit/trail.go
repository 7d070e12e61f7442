// Package audit records every protocol-significant occurrence.
//
// The ledger of record is the event_logs table, written inside the same
// transaction as the mutation it describes. The trail additionally
// mirrors each entry to a rotated JSONL file for operators tailing the
// box without database access; the mirror is best-effort and carries no
// durability guarantee.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dive-control/dcs/internal/store"
)

// Event types appended by the core message processors.
const (
	EventHeartbeat    = "HB"
	EventDescentCheck = "DESCENT_CHECK"
	EventAscentNotify = "ASCENT_NOTIFY"
	EventCmdExpired   = "CMD_EXPIRED"
	EventCmdCanceled  = "CMD_CANCELED"
)

// entry is one JSONL mirror line.
type entry struct {
	Ts        time.Time              `json:"ts"`
	MID       string                 `json:"mid,omitempty"`
	EventType string                 `json:"event_type"`
	Detail    map[string]interface{} `json:"detail"`
}

// Trail appends audit events to the database ledger and mirrors them to
// a rotated JSONL file.
type Trail struct {
	store *store.Store

	mu     sync.Mutex
	mirror *lumberjack.Logger
}

// NewTrail creates a trail writing its mirror under logDir.
func NewTrail(st *store.Store, logDir string, maxSizeMB, maxBackups int) (*Trail, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	return &Trail{
		store: st,
		mirror: &lumberjack.Logger{
			Filename:   filepath.Join(logDir, "audit.jsonl"),
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
		},
	}, nil
}

// Record appends one event inside the caller's transaction and mirrors
// it. A mirror write failure never fails the transaction.
func (t *Trail) Record(tx *sql.Tx, mid, eventType string, detail map[string]interface{}, now time.Time) error {
	if err := t.store.AppendEvent(tx, mid, eventType, detail, now); err != nil {
		return err
	}
	t.writeMirror(entry{Ts: now.UTC(), MID: mid, EventType: eventType, Detail: detail})
	return nil
}

func (t *Trail) writeMirror(e entry) {
	line, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal audit entry: %v\n", err)
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.mirror.Write(append(line, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write audit entry: %v\n", err)
	}
}

// Close closes the mirror file.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mirror.Close()
}
