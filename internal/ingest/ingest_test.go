package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dive-control/dcs/internal/audit"
	"github.com/dive-control/dcs/internal/protocol"
	"github.com/dive-control/dcs/internal/queue"
	"github.com/dive-control/dcs/internal/store"
)

func newTestIngestor(t *testing.T) (*Ingestor, *queue.Queue, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	trail, err := audit.NewTrail(st, filepath.Join(dir, "logs"), 10, 1)
	if err != nil {
		t.Fatalf("audit.NewTrail() failed: %v", err)
	}
	t.Cleanup(func() { trail.Close() })

	q := queue.New(st, trail, 2*time.Minute)
	return New(st, q, trail, 15), q, st
}

func heartbeat(mid string, seq int64, state protocol.VehicleState) *protocol.HeartbeatRequest {
	return &protocol.HeartbeatRequest{
		MID:   mid,
		FW:    "2.1.0",
		HbSeq: seq,
		TsUTC: time.Now().UTC(),
		State: state,
	}
}

func TestProcessRegistersDevice(t *testing.T) {
	ing, _, st := newTestIngestor(t)

	resp, err := ing.Process(context.Background(), heartbeat("auv-001", 1, protocol.StateSurfaceWait))
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	if resp.Ack.HbSeq != 1 {
		t.Errorf("ack hb_seq = %d, want 1", resp.Ack.HbSeq)
	}
	if resp.NextHbS != 15 {
		t.Errorf("next_hb_s = %d, want 15", resp.NextHbS)
	}
	if resp.Commands == nil || len(resp.Commands) != 0 {
		t.Errorf("commands = %v, want empty non-nil slice", resp.Commands)
	}

	d, err := st.GetDeviceByMID("auv-001")
	if err != nil {
		t.Fatalf("GetDeviceByMID() failed: %v", err)
	}
	if d.LastState != string(protocol.StateSurfaceWait) {
		t.Errorf("registry state = %s, want SURFACE_WAIT", d.LastState)
	}
	if d.LastHbSeq == nil || *d.LastHbSeq != 1 {
		t.Errorf("registry hb_seq = %v, want 1", d.LastHbSeq)
	}
}

func TestProcessDuplicateHeartbeatIsIdempotent(t *testing.T) {
	ing, _, st := newTestIngestor(t)

	req := heartbeat("auv-001", 5, protocol.StateSurfaceWait)
	if _, err := ing.Process(context.Background(), req); err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	if _, err := ing.Process(context.Background(), req); err != nil {
		t.Fatalf("replayed Process() failed: %v", err)
	}

	_, total, err := st.ListHeartbeats(store.HeartbeatFilter{MID: "auv-001"})
	if err != nil {
		t.Fatalf("ListHeartbeats() failed: %v", err)
	}
	if total != 1 {
		t.Errorf("ledger rows = %d, want 1 after replay", total)
	}
}

func TestProcessDispatchesIssuedCommand(t *testing.T) {
	ing, q, _ := newTestIngestor(t)

	if _, err := ing.Process(context.Background(), heartbeat("auv-001", 1, protocol.StateSurfaceWait)); err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	args := protocol.RunDiveArgs{TargetDepthM: 100, HoldAtDepthS: 60, Cycles: 1}
	if _, err := q.Create(context.Background(), "auv-001", args, "op"); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	resp, err := ing.Process(context.Background(), heartbeat("auv-001", 2, protocol.StateSurfaceWait))
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	if len(resp.Commands) != 1 {
		t.Fatalf("commands = %d, want 1", len(resp.Commands))
	}
	env := resp.Commands[0]
	if env.T != "CMD" || env.V != 1 || env.Cmd != protocol.CmdRunDive {
		t.Errorf("envelope = %+v, want t=CMD v=1 cmd=RUN_DIVE", env)
	}
	if env.Seq != 1 || env.Args != args {
		t.Errorf("envelope payload = seq %d args %+v, want seq 1 %+v", env.Seq, env.Args, args)
	}
}

func TestProcessHoldsCommandWhileDiving(t *testing.T) {
	ing, q, _ := newTestIngestor(t)

	if _, err := ing.Process(context.Background(), heartbeat("auv-001", 1, protocol.StateSurfaceWait)); err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	args := protocol.RunDiveArgs{TargetDepthM: 100, HoldAtDepthS: 60, Cycles: 1}
	if _, err := q.Create(context.Background(), "auv-001", args, "op"); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	resp, err := ing.Process(context.Background(), heartbeat("auv-001", 2, protocol.StateDive))
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	if len(resp.Commands) != 0 {
		t.Errorf("commands = %d while diving, want 0", len(resp.Commands))
	}
}

func TestProcessRecordsAuditEvent(t *testing.T) {
	ing, _, st := newTestIngestor(t)

	if _, err := ing.Process(context.Background(), heartbeat("auv-001", 1, protocol.StateSurfaceWait)); err != nil {
		t.Fatalf("Process() failed: %v", err)
	}

	events, total, err := st.ListEvents(store.EventFilter{MID: "auv-001", EventType: audit.EventHeartbeat})
	if err != nil {
		t.Fatalf("ListEvents() failed: %v", err)
	}
	if total != 1 {
		t.Fatalf("HB events = %d, want 1", total)
	}
	if events[0].Detail["hb_seq"] != float64(1) {
		t.Errorf("event detail = %v, want hb_seq 1", events[0].Detail)
	}
}

func TestProcessStoresRecoveryTelemetry(t *testing.T) {
	ing, _, st := newTestIngestor(t)

	req := heartbeat("auv-001", 1, protocol.StateRecovery)
	req.X = map[string]interface{}{"reason": "low_battery"}
	seq := int64(3)
	req.Exec = &protocol.ExecReport{LastCmdSeq: &seq, Status: protocol.ExecAborted}

	if _, err := ing.Process(context.Background(), req); err != nil {
		t.Fatalf("Process() failed: %v", err)
	}

	d, err := st.GetDeviceByMID("auv-001")
	if err != nil {
		t.Fatalf("GetDeviceByMID() failed: %v", err)
	}
	if d.RecoveryReason["reason"] != "low_battery" {
		t.Errorf("recovery reason = %v, want low_battery", d.RecoveryReason)
	}
	if d.LastExecCmdSeq == nil || *d.LastExecCmdSeq != 3 {
		t.Errorf("last exec cmd_seq = %v, want 3", d.LastExecCmdSeq)
	}
	if d.LastExecStatus == nil || *d.LastExecStatus != string(protocol.ExecAborted) {
		t.Errorf("last exec status = %v, want ABORTED", d.LastExecStatus)
	}
}
