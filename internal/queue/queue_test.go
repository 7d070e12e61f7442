package queue

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dive-control/dcs/internal/protocol"
	"github.com/dive-control/dcs/internal/store"
)

// recordedEvent captures one Recorder call for assertions.
type recordedEvent struct {
	MID       string
	EventType string
	Detail    map[string]interface{}
}

type stubRecorder struct {
	events []recordedEvent
}

func (r *stubRecorder) Record(tx *sql.Tx, mid, eventType string, detail map[string]interface{}, now time.Time) error {
	r.events = append(r.events, recordedEvent{MID: mid, EventType: eventType, Detail: detail})
	return nil
}

func (r *stubRecorder) ofType(eventType string) []recordedEvent {
	var out []recordedEvent
	for _, e := range r.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newTestQueue(t *testing.T) (*Queue, *store.Store, *stubRecorder) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	rec := &stubRecorder{}
	return New(st, rec, 2*time.Minute), st, rec
}

func saveDevice(t *testing.T, st *store.Store, mid string) {
	t.Helper()
	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return st.SaveDevice(tx, &store.Device{
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

func diveArgs() protocol.RunDiveArgs {
	return protocol.RunDiveArgs{TargetDepthM: 100, HoldAtDepthS: 60, Cycles: 1}
}

func TestCreateUnknownDevice(t *testing.T) {
	q, _, _ := newTestQueue(t)
	_, err := q.Create(context.Background(), "ghost", diveArgs(), "op")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Create() for unknown device = %v, want ErrNotFound", err)
	}
}

func TestCreateInvalidArgs(t *testing.T) {
	q, st, _ := newTestQueue(t)
	saveDevice(t, st, "auv-001")
	_, err := q.Create(context.Background(), "auv-001", protocol.RunDiveArgs{}, "op")
	if err == nil {
		t.Error("Create() accepted zero-valued args")
	}
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	q, st, _ := newTestQueue(t)
	saveDevice(t, st, "auv-001")
	cmd, err := q.Create(context.Background(), "auv-001", diveArgs(), "op")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	err = st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return q.Transition(tx, cmd, store.StatusCompleted, time.Now().UTC())
	})
	if err == nil {
		t.Error("Transition(QUEUED -> COMPLETED) succeeded, want error")
	}
}

// maintain runs one maintenance pass inside a device transaction.
func maintain(t *testing.T, q *Queue, st *store.Store, mid string, state protocol.VehicleState, exec *protocol.ExecReport, now time.Time) []*store.Command {
	t.Helper()
	var issued []*store.Command
	err := st.WithDeviceTx(context.Background(), mid, func(tx *sql.Tx) error {
		var err error
		issued, err = q.Maintain(tx, mid, state, exec, now)
		return err
	})
	if err != nil {
		t.Fatalf("Maintain() failed: %v", err)
	}
	return issued
}

func TestMaintainIssuesWhenSurfaced(t *testing.T) {
	q, st, _ := newTestQueue(t)
	saveDevice(t, st, "auv-001")
	if _, err := q.Create(context.Background(), "auv-001", diveArgs(), "op"); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	issued := maintain(t, q, st, "auv-001", protocol.StateSurfaceWait, nil, time.Now().UTC())
	if len(issued) != 1 {
		t.Fatalf("issued %d commands, want 1", len(issued))
	}
	if issued[0].Status != store.StatusIssued {
		t.Errorf("status = %s, want ISSUED", issued[0].Status)
	}
}

func TestMaintainHoldsWhileRunning(t *testing.T) {
	q, st, _ := newTestQueue(t)
	saveDevice(t, st, "auv-001")
	if _, err := q.Create(context.Background(), "auv-001", diveArgs(), "op"); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	running := &protocol.ExecReport{Status: protocol.ExecRunning}
	if issued := maintain(t, q, st, "auv-001", protocol.StateSurfaceWait, running, time.Now().UTC()); len(issued) != 0 {
		t.Errorf("issued %d commands while exec RUNNING, want 0", len(issued))
	}
	if issued := maintain(t, q, st, "auv-001", protocol.StateDive, nil, time.Now().UTC()); len(issued) != 0 {
		t.Errorf("issued %d commands in DIVE state, want 0", len(issued))
	}
}

func TestMaintainExpiresStale(t *testing.T) {
	q, st, rec := newTestQueue(t)
	saveDevice(t, st, "auv-001")
	cmd, err := q.Create(context.Background(), "auv-001", diveArgs(), "op")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	later := time.Now().UTC().Add(3 * time.Minute)
	if issued := maintain(t, q, st, "auv-001", protocol.StateSurfaceWait, nil, later); len(issued) != 0 {
		t.Errorf("issued %d commands, want 0 after expiry", len(issued))
	}

	got, err := st.GetCommandByID(cmd.ID)
	if err != nil {
		t.Fatalf("GetCommandByID() failed: %v", err)
	}
	if got.Status != store.StatusExpired {
		t.Errorf("status = %s, want EXPIRED", got.Status)
	}

	expired := rec.ofType("CMD_EXPIRED")
	if len(expired) != 1 {
		t.Fatalf("CMD_EXPIRED events = %d, want 1", len(expired))
	}
	if expired[0].Detail["reason"] != "command_timeout" {
		t.Errorf("expiry reason = %v, want command_timeout", expired[0].Detail["reason"])
	}
}

func TestMaintainSupersedesAllButNewest(t *testing.T) {
	q, st, rec := newTestQueue(t)
	saveDevice(t, st, "auv-001")
	for i := 0; i < 3; i++ {
		if _, err := q.Create(context.Background(), "auv-001", diveArgs(), "op"); err != nil {
			t.Fatalf("Create() failed: %v", err)
		}
	}

	issued := maintain(t, q, st, "auv-001", protocol.StateSurfaceWait, nil, time.Now().UTC())
	if len(issued) != 1 {
		t.Fatalf("issued %d commands, want 1 survivor", len(issued))
	}
	if issued[0].Seq != 3 {
		t.Errorf("survivor seq = %d, want the newest (3)", issued[0].Seq)
	}

	canceled := rec.ofType("CMD_CANCELED")
	if len(canceled) != 2 {
		t.Fatalf("CMD_CANCELED events = %d, want 2", len(canceled))
	}
	for _, e := range canceled {
		if e.Detail["reason"] != ReasonSuperseded {
			t.Errorf("cancel reason = %v, want %s", e.Detail["reason"], ReasonSuperseded)
		}
		if e.Detail["superseded_by_seq"] != int64(3) {
			t.Errorf("superseded_by_seq = %v, want 3", e.Detail["superseded_by_seq"])
		}
	}

	commands, _, err := st.ListCommands(store.CommandFilter{MID: "auv-001", Status: store.StatusCanceled})
	if err != nil {
		t.Fatalf("ListCommands() failed: %v", err)
	}
	if len(commands) != 2 {
		t.Errorf("CANCELED rows = %d, want 2", len(commands))
	}
}

func TestMaintainAtMostOneIssued(t *testing.T) {
	q, st, _ := newTestQueue(t)
	saveDevice(t, st, "auv-001")
	for i := 0; i < 4; i++ {
		if _, err := q.Create(context.Background(), "auv-001", diveArgs(), "op"); err != nil {
			t.Fatalf("Create() failed: %v", err)
		}
	}

	// Repeated maintenance passes never leave more than one ISSUED row.
	for pass := 0; pass < 3; pass++ {
		maintain(t, q, st, "auv-001", protocol.StateSurfaceWait, nil, time.Now().UTC())
		_, total, err := st.ListCommands(store.CommandFilter{MID: "auv-001", Status: store.StatusIssued})
		if err != nil {
			t.Fatalf("ListCommands() failed: %v", err)
		}
		if total > 1 {
			t.Fatalf("pass %d: %d ISSUED commands, want at most 1", pass, total)
		}
	}
}

func TestMaintainRedeliversIssued(t *testing.T) {
	q, st, _ := newTestQueue(t)
	saveDevice(t, st, "auv-001")
	if _, err := q.Create(context.Background(), "auv-001", diveArgs(), "op"); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	first := maintain(t, q, st, "auv-001", protocol.StateSurfaceWait, nil, time.Now().UTC())
	second := maintain(t, q, st, "auv-001", protocol.StateSurfaceWait, nil, time.Now().UTC())
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("dispatch counts = %d/%d, want 1/1", len(first), len(second))
	}
	if first[0].Seq != second[0].Seq {
		t.Errorf("redelivered seq = %d, want %d", second[0].Seq, first[0].Seq)
	}
}
