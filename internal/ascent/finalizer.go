// Package ascent records dive outcomes and drives executing commands to
// their terminal state.
package ascent

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dive-control/dcs/internal/audit"
	"github.com/dive-control/dcs/internal/protocol"
	"github.com/dive-control/dcs/internal/queue"
	"github.com/dive-control/dcs/internal/store"
)

// Finalizer processes ascent reports. The message has no rejection path:
// it is a best-effort, at-least-once report whose duplicates are
// absorbed by the dive upsert.
type Finalizer struct {
	store    *store.Store
	queue    *queue.Queue
	trail    queue.Recorder
	timeFunc func() time.Time
}

// New creates a finalizer.
func New(st *store.Store, q *queue.Queue, trail queue.Recorder) *Finalizer {
	return &Finalizer{store: st, queue: q, trail: trail, timeFunc: time.Now}
}

// SetTimeFunc overrides the clock, for tests.
func (f *Finalizer) SetTimeFunc(fn func() time.Time) { f.timeFunc = fn }

// Process handles one validated ascent report and always acknowledges.
func (f *Finalizer) Process(ctx context.Context, req *protocol.AscentNotifyRequest) (*protocol.SimpleMessage, error) {
	now := f.timeFunc().UTC()

	err := f.store.WithDeviceTx(ctx, req.MID, func(tx *sql.Tx) error {
		if err := f.upsertDevice(tx, req, now); err != nil {
			return err
		}

		if req.Exec.LastCmdSeq != nil {
			if err := f.finishCommand(tx, req, now); err != nil {
				return err
			}
			ok := req.Exec.Status == protocol.ExecDone
			if err := f.store.UpsertDive(tx, req.MID, *req.Exec.LastCmdSeq, ok,
				req.Exec.Summary, req.TsUTC, now); err != nil {
				return err
			}
		}

		return f.trail.Record(tx, req.MID, audit.EventAscentNotify, map[string]interface{}{
			"cmd_seq":     intOrNil(req.Exec.LastCmdSeq),
			"status":      string(req.Exec.Status),
			"has_summary": req.Exec.Summary != nil,
		}, now)
	})
	if err != nil {
		return nil, err
	}
	return &protocol.SimpleMessage{Message: "acknowledged"}, nil
}

// finishCommand applies the status mapping to the referenced command.
// An unknown sequence is ignored; a retry that would move a terminal
// command sideways is absorbed as a no-op rather than rewriting history.
func (f *Finalizer) finishCommand(tx *sql.Tx, req *protocol.AscentNotifyRequest, now time.Time) error {
	cmd, err := f.store.GetCommandBySeq(tx, req.MID, *req.Exec.LastCmdSeq)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	target := queue.MapAscentStatus(req.Exec.Status)
	if !queue.CanTransition(cmd.Status, target) {
		return nil
	}
	return f.queue.Transition(tx, cmd, target, now)
}

// upsertDevice resets the vehicle to surface-wait with the final
// telemetry and execution pointer from the report.
func (f *Finalizer) upsertDevice(tx *sql.Tx, req *protocol.AscentNotifyRequest, now time.Time) error {
	device, err := f.store.GetDevice(tx, req.MID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		device = &store.Device{MID: req.MID}
	}
	device.FW = req.FW
	device.LastState = string(protocol.StateSurfaceWait)
	device.LastSeenAt = now
	device.LastExecCmdSeq = req.Exec.LastCmdSeq
	status := string(req.Exec.Status)
	device.LastExecStatus = &status
	device.LastPos = req.Pos
	device.LastPwr = req.Pwr
	device.LastEnv = req.Env
	device.LastNet = req.Net
	return f.store.SaveDevice(tx, device)
}

func intOrNil(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
