// Package descent implements the pre-dive handshake: two-party plan
// confirmation that transitions a command into execution.
package descent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dive-control/dcs/internal/audit"
	"github.com/dive-control/dcs/internal/protocol"
	"github.com/dive-control/dcs/internal/queue"
	"github.com/dive-control/dcs/internal/store"
)

// Rejection reasons returned in the verdict. These are successful
// responses carrying a negative business outcome, never errors.
const (
	ReasonCommandNotFound    = "command_not_found"
	ReasonUnsupportedCommand = "unsupported_command"
	ReasonPlanMismatch       = "plan_mismatch"
)

// Gatekeeper processes descent checks.
type Gatekeeper struct {
	store    *store.Store
	queue    *queue.Queue
	trail    queue.Recorder
	timeFunc func() time.Time
}

// New creates a gatekeeper.
func New(st *store.Store, q *queue.Queue, trail queue.Recorder) *Gatekeeper {
	return &Gatekeeper{store: st, queue: q, trail: trail, timeFunc: time.Now}
}

// SetTimeFunc overrides the clock, for tests.
func (g *Gatekeeper) SetTimeFunc(f func() time.Time) { g.timeFunc = f }

// Process handles one validated descent check. A replayed check sequence
// returns the cached verdict unconditionally, with no re-validation and
// no additional side effects.
func (g *Gatekeeper) Process(ctx context.Context, req *protocol.DescentCheckRequest) (*protocol.DescentCheckResponse, error) {
	now := g.timeFunc().UTC()
	resp := &protocol.DescentCheckResponse{AcceptSeq: req.CheckSeq}

	err := g.store.WithDeviceTx(ctx, req.MID, func(tx *sql.Tx) error {
		existing, err := g.store.GetDescentCheck(tx, req.MID, req.CheckSeq)
		if err == nil {
			resp.OK = existing.OK
			resp.Reason = existing.Reason
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		// Telemetry from the housekeeping block lands on the registry
		// regardless of the validation outcome.
		if err := g.upsertDevice(tx, req, now); err != nil {
			return err
		}

		ok, reason, err := g.validate(tx, req, now)
		if err != nil {
			return err
		}
		resp.OK = ok
		resp.Reason = reason

		if err := g.store.InsertDescentCheck(tx, req.MID, req.CheckSeq, req.Plan.CmdSeq,
			req.Plan.PlanHash, ok, reason, req, now); err != nil {
			return err
		}

		detail := map[string]interface{}{
			"check_seq": req.CheckSeq,
			"cmd_seq":   req.Plan.CmdSeq,
			"ok":        ok,
		}
		if reason != nil {
			detail["reason"] = *reason
		} else {
			detail["reason"] = nil
		}
		return g.trail.Record(tx, req.MID, audit.EventDescentCheck, detail, now)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// validate applies the checks in order, stopping at the first failure.
// On success the referenced command moves to EXECUTING and the registry
// execution pointer is set to RUNNING.
func (g *Gatekeeper) validate(tx *sql.Tx, req *protocol.DescentCheckRequest, now time.Time) (bool, *string, error) {
	cmd, err := g.store.GetCommandBySeq(tx, req.MID, req.Plan.CmdSeq)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, strPtr(ReasonCommandNotFound), nil
		}
		return false, nil, err
	}
	if cmd.Cmd != protocol.CmdRunDive {
		return false, strPtr(ReasonUnsupportedCommand), nil
	}
	if cmd.Status != store.StatusQueued && cmd.Status != store.StatusIssued {
		return false, strPtr(fmt.Sprintf("command_not_available(%s)", cmd.Status)), nil
	}
	// Structural equality of all plan parameters, not merely a matching
	// hash.
	if cmd.Args != req.Plan.Args() {
		return false, strPtr(ReasonPlanMismatch), nil
	}

	if err := g.queue.Transition(tx, cmd, store.StatusExecuting, now); err != nil {
		return false, nil, err
	}

	device, err := g.store.GetDevice(tx, req.MID)
	if err != nil {
		return false, nil, err
	}
	device.LastExecCmdSeq = &cmd.Seq
	running := string(protocol.ExecRunning)
	device.LastExecStatus = &running
	if err := g.store.SaveDevice(tx, device); err != nil {
		return false, nil, err
	}
	return true, nil, nil
}

// upsertDevice stamps the registry with the handshake: state moves to
// DESCENT_CHECK and housekeeping telemetry, when present, replaces the
// stored snapshots. Heartbeat and execution pointers are untouched.
func (g *Gatekeeper) upsertDevice(tx *sql.Tx, req *protocol.DescentCheckRequest, now time.Time) error {
	device, err := g.store.GetDevice(tx, req.MID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		device = &store.Device{MID: req.MID}
	}
	device.FW = req.FW
	device.LastState = string(protocol.StateDescentCheck)
	device.LastSeenAt = now
	if req.HK != nil {
		device.LastPos = req.HK.Pos
		device.LastPwr = req.HK.Pwr
		device.LastEnv = req.HK.Env
		device.LastNet = req.HK.Net
	}
	return g.store.SaveDevice(tx, device)
}

func strPtr(s string) *string { return &s }
