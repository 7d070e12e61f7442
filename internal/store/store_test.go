package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dive-control/dcs/internal/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func saveTestDevice(t *testing.T, st *Store, mid string) {
	t.Helper()
	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return st.SaveDevice(tx, &Device{
			MID:        mid,
			FW:         "1.0.0",
			LastState:  string(protocol.StateSurfaceWait),
			LastSeenAt: time.Now().UTC(),
		})
	})
	if err != nil {
		t.Fatalf("SaveDevice() failed: %v", err)
	}
}

func TestDeviceRoundTrip(t *testing.T) {
	st := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hbSeq := int64(4)
	soc := 87.5

	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return st.SaveDevice(tx, &Device{
			MID:        "auv-001",
			FW:         "2.1.0",
			LastState:  string(protocol.StateSurfaceWait),
			LastHbSeq:  &hbSeq,
			LastSeenAt: now,
			LastPos:    &protocol.Position{Lat: 43.6, Lon: 7.1},
			LastPwr:    &protocol.Power{SoC: &soc},
		})
	})
	if err != nil {
		t.Fatalf("SaveDevice() failed: %v", err)
	}

	d, err := st.GetDeviceByMID("auv-001")
	if err != nil {
		t.Fatalf("GetDeviceByMID() failed: %v", err)
	}
	if d.FW != "2.1.0" {
		t.Errorf("FW = %q, want 2.1.0", d.FW)
	}
	if d.LastHbSeq == nil || *d.LastHbSeq != 4 {
		t.Errorf("LastHbSeq = %v, want 4", d.LastHbSeq)
	}
	if d.LastPos == nil || d.LastPos.Lat != 43.6 {
		t.Errorf("LastPos = %+v, want lat 43.6", d.LastPos)
	}
	if d.LastPwr == nil || d.LastPwr.SoC == nil || *d.LastPwr.SoC != 87.5 {
		t.Errorf("LastPwr = %+v, want soc 87.5", d.LastPwr)
	}
	if !d.LastSeenAt.Equal(now) {
		t.Errorf("LastSeenAt = %v, want %v", d.LastSeenAt, now)
	}
}

func TestDeviceUpsertOverwrites(t *testing.T) {
	st := newTestStore(t)
	saveTestDevice(t, st, "auv-001")

	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return st.SaveDevice(tx, &Device{
			MID:        "auv-001",
			FW:         "3.0.0",
			LastState:  string(protocol.StateDive),
			LastSeenAt: time.Now().UTC(),
		})
	})
	if err != nil {
		t.Fatalf("SaveDevice() failed: %v", err)
	}

	d, err := st.GetDeviceByMID("auv-001")
	if err != nil {
		t.Fatalf("GetDeviceByMID() failed: %v", err)
	}
	if d.FW != "3.0.0" || d.LastState != string(protocol.StateDive) {
		t.Errorf("device = (%s, %s), want (3.0.0, DIVE)", d.FW, d.LastState)
	}

	if _, total, err := st.ListDevices(DeviceFilter{}); err != nil || total != 1 {
		t.Errorf("ListDevices() total = %d (err %v), want 1 row after upsert", total, err)
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetDeviceByMID("ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDeviceByMID() = %v, want ErrNotFound", err)
	}
}

func TestInsertHeartbeatIfNew(t *testing.T) {
	st := newTestStore(t)
	saveTestDevice(t, st, "auv-001")
	now := time.Now().UTC()
	payload := map[string]interface{}{"hb_seq": 1}

	var first, second bool
	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		if first, err = st.InsertHeartbeatIfNew(tx, "auv-001", 1, now, payload, now); err != nil {
			return err
		}
		second, err = st.InsertHeartbeatIfNew(tx, "auv-001", 1, now, payload, now)
		return err
	})
	if err != nil {
		t.Fatalf("InsertHeartbeatIfNew() failed: %v", err)
	}
	if !first {
		t.Error("first insert reported not inserted")
	}
	if second {
		t.Error("duplicate hb_seq reported inserted")
	}

	_, total, err := st.ListHeartbeats(HeartbeatFilter{MID: "auv-001"})
	if err != nil {
		t.Fatalf("ListHeartbeats() failed: %v", err)
	}
	if total != 1 {
		t.Errorf("heartbeat total = %d, want exactly 1 ledger row", total)
	}
}

func TestCreateCommandSequencing(t *testing.T) {
	st := newTestStore(t)
	saveTestDevice(t, st, "auv-001")
	saveTestDevice(t, st, "auv-002")
	args := protocol.RunDiveArgs{TargetDepthM: 100, HoldAtDepthS: 60, Cycles: 1}
	now := time.Now().UTC()

	var seqs []int64
	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		for i := 0; i < 3; i++ {
			cmd, err := st.CreateCommand(tx, "auv-001", args, "op", now)
			if err != nil {
				return err
			}
			seqs = append(seqs, cmd.Seq)
		}
		other, err := st.CreateCommand(tx, "auv-002", args, "op", now)
		if err != nil {
			return err
		}
		seqs = append(seqs, other.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("CreateCommand() failed: %v", err)
	}

	want := []int64{1, 2, 3, 1}
	for i, seq := range seqs {
		if seq != want[i] {
			t.Errorf("seq[%d] = %d, want %d (per-device sequences)", i, seq, want[i])
		}
	}
}

func TestCommandStatusRoundTrip(t *testing.T) {
	st := newTestStore(t)
	saveTestDevice(t, st, "auv-001")
	args := protocol.RunDiveArgs{TargetDepthM: 100, HoldAtDepthS: 60, Cycles: 1}
	now := time.Now().UTC()

	var id int64
	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		cmd, err := st.CreateCommand(tx, "auv-001", args, "op", now)
		if err != nil {
			return err
		}
		id = cmd.ID
		if cmd.Status != StatusQueued {
			t.Errorf("new command status = %s, want QUEUED", cmd.Status)
		}
		return st.SetCommandStatus(tx, cmd.ID, StatusIssued, now)
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}

	cmd, err := st.GetCommandByID(id)
	if err != nil {
		t.Fatalf("GetCommandByID() failed: %v", err)
	}
	if cmd.Status != StatusIssued {
		t.Errorf("status = %s, want ISSUED", cmd.Status)
	}
	if cmd.Args != args {
		t.Errorf("args = %+v, want %+v", cmd.Args, args)
	}
}

func TestParseCommandStatus(t *testing.T) {
	if got, err := ParseCommandStatus("QUEUED"); err != nil || got != StatusQueued {
		t.Errorf("ParseCommandStatus(QUEUED) = (%v, %v)", got, err)
	}
	if _, err := ParseCommandStatus("PENDING"); err == nil {
		t.Error("ParseCommandStatus accepted an unknown status")
	}
}

func TestDescentCheckCache(t *testing.T) {
	st := newTestStore(t)
	saveTestDevice(t, st, "auv-001")
	now := time.Now().UTC()
	reason := "plan_mismatch"

	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		if _, err := st.GetDescentCheck(tx, "auv-001", 1); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetDescentCheck() on unseen seq = %v, want ErrNotFound", err)
		}
		return st.InsertDescentCheck(tx, "auv-001", 1, 2, "abcd1234", false, &reason,
			map[string]interface{}{"check_seq": 1}, now)
	})
	if err != nil {
		t.Fatalf("InsertDescentCheck() failed: %v", err)
	}

	err = st.WithTx(context.Background(), func(tx *sql.Tx) error {
		rec, err := st.GetDescentCheck(tx, "auv-001", 1)
		if err != nil {
			return err
		}
		if rec.OK {
			t.Error("cached verdict OK = true, want false")
		}
		if rec.Reason == nil || *rec.Reason != "plan_mismatch" {
			t.Errorf("cached reason = %v, want plan_mismatch", rec.Reason)
		}
		if rec.CmdSeq != 2 {
			t.Errorf("cached cmd_seq = %d, want 2", rec.CmdSeq)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("GetDescentCheck() failed: %v", err)
	}
}

func TestUpsertDive(t *testing.T) {
	st := newTestStore(t)
	saveTestDevice(t, st, "auv-001")
	now := time.Now().UTC()

	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		if err := st.UpsertDive(tx, "auv-001", 1, false, nil, now, now); err != nil {
			return err
		}
		// Retry with the final outcome updates the same row.
		return st.UpsertDive(tx, "auv-001", 1, true,
			map[string]interface{}{"max_depth_m": 99.5}, now.Add(time.Minute), now)
	})
	if err != nil {
		t.Fatalf("UpsertDive() failed: %v", err)
	}

	dives, total, err := st.ListDives(DiveFilter{MID: "auv-001"})
	if err != nil {
		t.Fatalf("ListDives() failed: %v", err)
	}
	if total != 1 {
		t.Fatalf("dive total = %d, want 1", total)
	}
	d := dives[0]
	if d.OK == nil || !*d.OK {
		t.Errorf("dive OK = %v, want true after retry", d.OK)
	}
	if d.Summary["max_depth_m"] != 99.5 {
		t.Errorf("summary = %v, want max_depth_m 99.5", d.Summary)
	}
}

func TestEventsFilter(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()

	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		if err := st.AppendEvent(tx, "auv-001", "HB", map[string]interface{}{"hb_seq": 1}, now); err != nil {
			return err
		}
		return st.AppendEvent(tx, "auv-001", "CMD_EXPIRED", map[string]interface{}{"cmd_seq": 1}, now)
	})
	if err != nil {
		t.Fatalf("AppendEvent() failed: %v", err)
	}

	events, total, err := st.ListEvents(EventFilter{MID: "auv-001", EventType: "CMD_EXPIRED"})
	if err != nil {
		t.Fatalf("ListEvents() failed: %v", err)
	}
	if total != 1 || len(events) != 1 {
		t.Fatalf("filtered events = %d/%d, want 1/1", len(events), total)
	}
	if events[0].Detail["cmd_seq"] != float64(1) {
		t.Errorf("detail = %v, want cmd_seq 1", events[0].Detail)
	}
}

func TestReset(t *testing.T) {
	st := newTestStore(t)
	saveTestDevice(t, st, "auv-001")
	now := time.Now().UTC()

	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		if _, err := st.InsertHeartbeatIfNew(tx, "auv-001", 1, now, nil, now); err != nil {
			return err
		}
		return st.AppendEvent(tx, "auv-001", "HB", nil, now)
	})
	if err != nil {
		t.Fatalf("seeding failed: %v", err)
	}

	if err := st.Reset(context.Background()); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}

	if _, total, _ := st.ListDevices(DeviceFilter{}); total != 0 {
		t.Errorf("devices after reset = %d, want 0", total)
	}
	if _, total, _ := st.ListEvents(EventFilter{}); total != 0 {
		t.Errorf("events after reset = %d, want 0", total)
	}

	// Surrogate ids restart from 1 after the sequence reset.
	err = st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return st.AppendEvent(tx, "auv-001", "HB", nil, now)
	})
	if err != nil {
		t.Fatalf("AppendEvent() after reset failed: %v", err)
	}
	events, _, err := st.ListEvents(EventFilter{})
	if err != nil || len(events) != 1 {
		t.Fatalf("ListEvents() after reset = %d (err %v), want 1", len(events), err)
	}
	if events[0].ID != 1 {
		t.Errorf("first event id after reset = %d, want 1", events[0].ID)
	}
}
