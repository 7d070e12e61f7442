package protocol

import (
	"fmt"
	"strings"
	"time"
)

// HeartbeatRequest is the periodic status report posted by a vehicle.
type HeartbeatRequest struct {
	MID   string                 `json:"mid"`
	FW    string                 `json:"fw"`
	HbSeq int64                  `json:"hb_seq"`
	TsUTC time.Time              `json:"ts_utc"`
	State VehicleState           `json:"state"`
	Pos   *Position              `json:"pos,omitempty"`
	Pwr   *Power                 `json:"pwr,omitempty"`
	Env   *Environment           `json:"env,omitempty"`
	Net   *Network               `json:"net,omitempty"`
	Exec  *ExecReport            `json:"exec,omitempty"`
	X     map[string]interface{} `json:"x,omitempty"`
}

// Validate rejects malformed heartbeats before any state mutation.
func (r *HeartbeatRequest) Validate() error {
	if strings.TrimSpace(r.MID) == "" {
		return fmt.Errorf("mid is required")
	}
	if strings.TrimSpace(r.FW) == "" {
		return fmt.Errorf("fw is required")
	}
	if r.HbSeq < 0 {
		return fmt.Errorf("hb_seq must be >= 0")
	}
	if r.TsUTC.IsZero() {
		return fmt.Errorf("ts_utc is required")
	}
	if !r.State.Valid() {
		return fmt.Errorf("unrecognized vehicle state %q", r.State)
	}
	if r.Pwr != nil {
		if err := r.Pwr.Validate(); err != nil {
			return err
		}
	}
	if r.Exec != nil {
		if err := r.Exec.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// HeartbeatAck echoes the heartbeat sequence with server receive time.
type HeartbeatAck struct {
	HbSeq      int64     `json:"hb_seq"`
	ServerTime time.Time `json:"server_time"`
}

// HeartbeatResponse carries the acknowledgment, any commands currently
// issued for the vehicle and the fixed poll interval.
type HeartbeatResponse struct {
	Ack      HeartbeatAck      `json:"ack"`
	Commands []CommandEnvelope `json:"commands"`
	NextHbS  int               `json:"next_hb_s"`
}

// DescentPlan is the dive plan a vehicle proposes before descending.
type DescentPlan struct {
	CmdSeq       int64   `json:"cmd_seq"`
	TargetDepthM float64 `json:"target_depth_m"`
	HoldAtDepthS int64   `json:"hold_at_depth_s"`
	Cycles       int64   `json:"cycles"`
	PlanHash     string  `json:"plan_hash"`
}

// Args returns the plan parameters as command arguments for structural
// comparison against the stored command.
func (p DescentPlan) Args() RunDiveArgs {
	return RunDiveArgs{
		TargetDepthM: p.TargetDepthM,
		HoldAtDepthS: p.HoldAtDepthS,
		Cycles:       p.Cycles,
	}
}

// Validate checks plan field ranges and the plan hash length bounds.
func (p DescentPlan) Validate() error {
	if p.CmdSeq < 0 {
		return fmt.Errorf("cmd_seq must be >= 0")
	}
	if err := p.Args().Validate(); err != nil {
		return err
	}
	if n := len(p.PlanHash); n < 4 || n > 32 {
		return fmt.Errorf("plan_hash length must be 4..32, got %d", n)
	}
	return nil
}

// Housekeeping is the optional telemetry attached to a descent check.
type Housekeeping struct {
	Pos *Position    `json:"pos,omitempty"`
	Pwr *Power       `json:"pwr,omitempty"`
	Env *Environment `json:"env,omitempty"`
	Net *Network     `json:"net,omitempty"`
}

// DescentCheckRequest is the pre-dive handshake posted by a vehicle.
type DescentCheckRequest struct {
	MID      string        `json:"mid"`
	FW       string        `json:"fw"`
	TsUTC    time.Time     `json:"ts_utc"`
	CheckSeq int64         `json:"check_seq"`
	Plan     DescentPlan   `json:"plan"`
	HK       *Housekeeping `json:"hk,omitempty"`
}

// Validate rejects malformed descent checks before any state mutation.
func (r *DescentCheckRequest) Validate() error {
	if strings.TrimSpace(r.MID) == "" {
		return fmt.Errorf("mid is required")
	}
	if strings.TrimSpace(r.FW) == "" {
		return fmt.Errorf("fw is required")
	}
	if r.TsUTC.IsZero() {
		return fmt.Errorf("ts_utc is required")
	}
	if r.CheckSeq < 0 {
		return fmt.Errorf("check_seq must be >= 0")
	}
	if err := r.Plan.Validate(); err != nil {
		return err
	}
	if r.HK != nil && r.HK.Pwr != nil {
		if err := r.HK.Pwr.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// DescentCheckResponse is the verdict on a proposed dive plan. A negative
// verdict is a successful response carrying ok=false, never an HTTP error.
type DescentCheckResponse struct {
	OK        bool    `json:"ok"`
	AcceptSeq int64   `json:"accept_seq"`
	Reason    *string `json:"reason"`
}

// AscentNotifyRequest is the post-dive report posted by a vehicle.
type AscentNotifyRequest struct {
	MID   string       `json:"mid"`
	FW    string       `json:"fw"`
	TsUTC time.Time    `json:"ts_utc"`
	Exec  ExecReport   `json:"exec"`
	Pos   *Position    `json:"pos,omitempty"`
	Pwr   *Power       `json:"pwr,omitempty"`
	Env   *Environment `json:"env,omitempty"`
	Net   *Network     `json:"net,omitempty"`
}

// Validate rejects malformed ascent reports before any state mutation.
func (r *AscentNotifyRequest) Validate() error {
	if strings.TrimSpace(r.MID) == "" {
		return fmt.Errorf("mid is required")
	}
	if strings.TrimSpace(r.FW) == "" {
		return fmt.Errorf("fw is required")
	}
	if r.TsUTC.IsZero() {
		return fmt.Errorf("ts_utc is required")
	}
	if err := r.Exec.Validate(); err != nil {
		return err
	}
	if r.Pwr != nil {
		if err := r.Pwr.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SimpleMessage is a bare acknowledgment body.
type SimpleMessage struct {
	Message string `json:"message"`
}
