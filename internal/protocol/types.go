package protocol

import "fmt"

// VehicleState is the operating state a vehicle reports in its heartbeat.
type VehicleState string

const (
	StateSurfaceWait  VehicleState = "SURFACE_WAIT"
	StateDescentCheck VehicleState = "DESCENT_CHECK"
	StateDive         VehicleState = "DIVE"
	StateRecovery     VehicleState = "RECOVERY"
)

// Valid reports whether s is one of the recognized vehicle states.
func (s VehicleState) Valid() bool {
	switch s {
	case StateSurfaceWait, StateDescentCheck, StateDive, StateRecovery:
		return true
	}
	return false
}

// ExecStatus is the execution status a vehicle reports for its last command.
type ExecStatus string

const (
	ExecIdle    ExecStatus = "IDLE"
	ExecRunning ExecStatus = "RUNNING"
	ExecDone    ExecStatus = "DONE"
	ExecAborted ExecStatus = "ABORTED"
	ExecError   ExecStatus = "ERROR"
)

// Valid reports whether s is one of the recognized execution statuses.
func (s ExecStatus) Valid() bool {
	switch s {
	case ExecIdle, ExecRunning, ExecDone, ExecAborted, ExecError:
		return true
	}
	return false
}

// Position is a GNSS fix reported by the vehicle.
type Position struct {
	Lat  float64  `json:"lat"`
	Lon  float64  `json:"lon"`
	AltM *float64 `json:"alt_m,omitempty"`
	Fix  *int     `json:"fix,omitempty"`
	Nsat *int     `json:"nsat,omitempty"`
}

// Power is the battery snapshot reported by the vehicle.
type Power struct {
	SoC   *float64 `json:"soc,omitempty"`
	VBatt *float64 `json:"v_batt,omitempty"`
	IA    *float64 `json:"i_a,omitempty"`
	TempC *float64 `json:"temp_c,omitempty"`
}

// Validate checks field ranges. SoC is a percentage.
func (p *Power) Validate() error {
	if p.SoC != nil && (*p.SoC < 0 || *p.SoC > 100) {
		return fmt.Errorf("soc out of range: %v", *p.SoC)
	}
	return nil
}

// Environment is the water column snapshot reported by the vehicle.
type Environment struct {
	DepthM     *float64 `json:"depth_m,omitempty"`
	WaterTempC *float64 `json:"water_temp_c,omitempty"`
}

// Network is the cellular link snapshot reported by the vehicle.
type Network struct {
	RAT     *string  `json:"rat,omitempty"`
	RSRPDbm *float64 `json:"rsrp_dbm,omitempty"`
	RSRQDb  *float64 `json:"rsrq_db,omitempty"`
	SNRDb   *float64 `json:"snr_db,omitempty"`
	CellID  *int64   `json:"cell_id,omitempty"`
	EARFCN  *int64   `json:"earfcn,omitempty"`
	TAC     *int64   `json:"tac,omitempty"`
}

// ExecReport describes the vehicle's view of its last executed command.
type ExecReport struct {
	LastCmdSeq *int64                 `json:"last_cmd_seq,omitempty"`
	Status     ExecStatus             `json:"status"`
	Summary    map[string]interface{} `json:"summary,omitempty"`
}

// Validate rejects unrecognized statuses and negative sequence references.
func (r *ExecReport) Validate() error {
	if !r.Status.Valid() {
		return fmt.Errorf("unrecognized exec status %q", r.Status)
	}
	if r.LastCmdSeq != nil && *r.LastCmdSeq < 0 {
		return fmt.Errorf("last_cmd_seq must be >= 0")
	}
	return nil
}

// RunDiveArgs are the parameters of a RUN_DIVE command.
type RunDiveArgs struct {
	TargetDepthM float64 `json:"target_depth_m"`
	HoldAtDepthS int64   `json:"hold_at_depth_s"`
	Cycles       int64   `json:"cycles"`
}

// Validate enforces the argument ranges shared by command creation and
// descent plan confirmation.
func (a RunDiveArgs) Validate() error {
	if a.TargetDepthM <= 0 {
		return fmt.Errorf("target_depth_m must be > 0")
	}
	if a.HoldAtDepthS <= 0 {
		return fmt.Errorf("hold_at_depth_s must be > 0")
	}
	if a.Cycles <= 0 {
		return fmt.Errorf("cycles must be > 0")
	}
	return nil
}

// CmdRunDive is the only command kind the protocol currently carries.
const CmdRunDive = "RUN_DIVE"

// CommandEnvelope is a command dispatched to the vehicle on a heartbeat
// response.
type CommandEnvelope struct {
	T    string      `json:"t"`
	V    int         `json:"v"`
	Seq  int64       `json:"seq"`
	Cmd  string      `json:"cmd"`
	Args RunDiveArgs `json:"args"`
}

// NewCommandEnvelope wraps a command sequence and its arguments in the
// versioned envelope the vehicle firmware expects.
func NewCommandEnvelope(seq int64, args RunDiveArgs) CommandEnvelope {
	return CommandEnvelope{T: "CMD", V: 1, Seq: seq, Cmd: CmdRunDive, Args: args}
}
