package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dive-control/dcs/internal/protocol"
	"github.com/dive-control/dcs/internal/store"
)

// Recorder appends audit events within the caller's transaction.
type Recorder interface {
	Record(tx *sql.Tx, mid, eventType string, detail map[string]interface{}, now time.Time) error
}

// Event types emitted by queue maintenance.
const (
	eventCmdExpired  = "CMD_EXPIRED"
	eventCmdCanceled = "CMD_CANCELED"
)

// ReasonSuperseded is recorded on commands canceled by a newer one.
const ReasonSuperseded = "superseded_by_newer_command"

// Queue mediates every command mutation.
type Queue struct {
	store          *store.Store
	trail          Recorder
	commandTimeout time.Duration
}

// New creates a queue. commandTimeout is measured from command creation.
func New(st *store.Store, trail Recorder, commandTimeout time.Duration) *Queue {
	return &Queue{
		store:          st,
		trail:          trail,
		commandTimeout: commandTimeout,
	}
}

// Transition moves a command to the given status, enforcing the
// lifecycle table, and stamps its update time.
func (q *Queue) Transition(tx *sql.Tx, cmd *store.Command, to store.CommandStatus, now time.Time) error {
	if !CanTransition(cmd.Status, to) {
		return fmt.Errorf("illegal command transition %s -> %s for %s/%d",
			cmd.Status, to, cmd.MID, cmd.Seq)
	}
	if cmd.Status == to {
		return nil
	}
	if err := q.store.SetCommandStatus(tx, cmd.ID, to, now); err != nil {
		return err
	}
	cmd.Status = to
	cmd.UpdatedAt = now.UTC()
	return nil
}

// Create queues a new command for an existing device, assigning the next
// per-device sequence. Unknown devices yield store.ErrNotFound.
func (q *Queue) Create(ctx context.Context, mid string, args protocol.RunDiveArgs, issuedBy string) (*store.Command, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	var created *store.Command
	err := q.store.WithDeviceTx(ctx, mid, func(tx *sql.Tx) error {
		if _, err := q.store.GetDevice(tx, mid); err != nil {
			return err
		}
		cmd, err := q.store.CreateCommand(tx, mid, args, issuedBy, time.Now().UTC())
		if err != nil {
			return err
		}
		created = cmd
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Maintain runs the fixed maintenance order for one device and returns
// the commands to dispatch: expire stale commands, cancel all but the
// newest survivor, promote it to ISSUED when the vehicle can accept
// work, then collect everything ISSUED. After supersession at most one
// command can be open, but the dispatch contract stays a slice.
func (q *Queue) Maintain(tx *sql.Tx, mid string, state protocol.VehicleState, exec *protocol.ExecReport, now time.Time) ([]*store.Command, error) {
	open, err := q.store.ListOpenCommands(tx, mid)
	if err != nil {
		return nil, err
	}

	// Expire: anything open longer than the command timeout.
	active := open[:0]
	for _, cmd := range open {
		age := now.Sub(cmd.CreatedAt)
		if age > q.commandTimeout {
			if err := q.Transition(tx, cmd, store.StatusExpired, now); err != nil {
				return nil, err
			}
			err := q.trail.Record(tx, mid, eventCmdExpired, map[string]interface{}{
				"cmd_seq":         cmd.Seq,
				"cmd":             cmd.Cmd,
				"created_at":      cmd.CreatedAt.Format(time.RFC3339),
				"age_seconds":     age.Seconds(),
				"timeout_seconds": q.commandTimeout.Seconds(),
				"reason":          "command_timeout",
			}, now)
			if err != nil {
				return nil, err
			}
			continue
		}
		active = append(active, cmd)
	}

	// Supersede: keep only the highest sequence. open is ordered by
	// seq ASC, so the survivor is the last element.
	if len(active) > 1 {
		newest := active[len(active)-1]
		for _, cmd := range active[:len(active)-1] {
			if err := q.Transition(tx, cmd, store.StatusCanceled, now); err != nil {
				return nil, err
			}
			err := q.trail.Record(tx, mid, eventCmdCanceled, map[string]interface{}{
				"cmd_seq":           cmd.Seq,
				"cmd":               cmd.Cmd,
				"created_at":        cmd.CreatedAt.Format(time.RFC3339),
				"reason":            ReasonSuperseded,
				"superseded_by_seq": newest.Seq,
			}, now)
			if err != nil {
				return nil, err
			}
		}
		active = active[len(active)-1:]
	}

	// Issue: only when the vehicle waits at the surface and is not
	// still running a previous command.
	shouldIssue := state == protocol.StateSurfaceWait &&
		(exec == nil || exec.Status != protocol.ExecRunning)
	if shouldIssue {
		for _, cmd := range active {
			if cmd.Status == store.StatusQueued {
				if err := q.Transition(tx, cmd, store.StatusIssued, now); err != nil {
					return nil, err
				}
				break
			}
		}
	}

	// Dispatch: everything currently ISSUED.
	var issued []*store.Command
	for _, cmd := range active {
		if cmd.Status == store.StatusIssued {
			issued = append(issued, cmd)
		}
	}
	return issued, nil
}
