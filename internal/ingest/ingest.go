// Package ingest validates, deduplicates and applies vehicle heartbeats,
// then runs queue maintenance and assembles the dispatch response.
package ingest

import (
	"context"
	"database/sql"
	"time"

	"github.com/dive-control/dcs/internal/audit"
	"github.com/dive-control/dcs/internal/protocol"
	"github.com/dive-control/dcs/internal/queue"
	"github.com/dive-control/dcs/internal/store"
)

// Ingestor processes heartbeats. Each heartbeat is one atomic,
// device-serialized transaction: registry upsert, idempotent ledger
// append, queue maintenance, response assembly and the audit event all
// commit or roll back together.
type Ingestor struct {
	store    *store.Store
	queue    *queue.Queue
	trail    queue.Recorder
	nextHbS  int
	timeFunc func() time.Time
}

// New creates an ingestor. nextHbS is the fixed poll interval returned
// to the vehicle.
func New(st *store.Store, q *queue.Queue, trail queue.Recorder, nextHbS int) *Ingestor {
	return &Ingestor{
		store:    st,
		queue:    q,
		trail:    trail,
		nextHbS:  nextHbS,
		timeFunc: time.Now,
	}
}

// SetTimeFunc overrides the clock, for tests.
func (i *Ingestor) SetTimeFunc(f func() time.Time) { i.timeFunc = f }

// Process handles one validated heartbeat.
func (i *Ingestor) Process(ctx context.Context, req *protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error) {
	now := i.timeFunc().UTC()
	resp := &protocol.HeartbeatResponse{
		Ack:      protocol.HeartbeatAck{HbSeq: req.HbSeq, ServerTime: now},
		Commands: []protocol.CommandEnvelope{},
		NextHbS:  i.nextHbS,
	}

	err := i.store.WithDeviceTx(ctx, req.MID, func(tx *sql.Tx) error {
		if err := i.store.SaveDevice(tx, deviceFromHeartbeat(req, now)); err != nil {
			return err
		}

		// Duplicate sequences are a silent no-op on the ledger; the
		// registry above stays last-writer-wins either way.
		if _, err := i.store.InsertHeartbeatIfNew(tx, req.MID, req.HbSeq, req.TsUTC, req, now); err != nil {
			return err
		}

		issued, err := i.queue.Maintain(tx, req.MID, req.State, req.Exec, now)
		if err != nil {
			return err
		}
		for _, cmd := range issued {
			resp.Commands = append(resp.Commands, protocol.NewCommandEnvelope(cmd.Seq, cmd.Args))
		}

		return i.trail.Record(tx, req.MID, audit.EventHeartbeat, map[string]interface{}{
			"hb_seq":            req.HbSeq,
			"state":             string(req.State),
			"commands_returned": len(resp.Commands),
		}, now)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// deviceFromHeartbeat builds the full last-writer-wins registry row.
func deviceFromHeartbeat(req *protocol.HeartbeatRequest, now time.Time) *store.Device {
	d := &store.Device{
		MID:            req.MID,
		FW:             req.FW,
		LastState:      string(req.State),
		LastHbSeq:      &req.HbSeq,
		LastSeenAt:     now,
		LastPos:        req.Pos,
		LastPwr:        req.Pwr,
		LastEnv:        req.Env,
		LastNet:        req.Net,
		RecoveryReason: req.X,
	}
	if req.Exec != nil {
		d.LastExecCmdSeq = req.Exec.LastCmdSeq
		status := string(req.Exec.Status)
		d.LastExecStatus = &status
	}
	return d
}
