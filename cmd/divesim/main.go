// Package main implements divesim, a vehicle emulator for exercising
// the Dive Control Server end to end. It plays the device side of the
// protocol: heartbeat polling, descent checks, a simulated dive of
// compressed duration, and the closing ascent report.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/dive-control/dcs/internal/protocol"
)

// Scenario drives the emulated vehicle. Loaded from YAML when
// -scenario is given, otherwise defaults apply.
type Scenario struct {
	MID string `yaml:"mid"`
	FW  string `yaml:"fw"`

	StartLat      float64 `yaml:"startLat"`
	StartLon      float64 `yaml:"startLon"`
	DriftDegPerHb float64 `yaml:"driftDegPerHb"`

	StartSoC     float64 `yaml:"startSoc"`
	DrainPerDive float64 `yaml:"drainPerDive"`

	// Outcome of each dive: "done", "error" or "aborted".
	DiveOutcome string `yaml:"diveOutcome"`

	// Wall-clock seconds each simulated dive takes, regardless of the
	// commanded hold time.
	DiveDurationSec int `yaml:"diveDurationSec"`

	// Stop after this many dives. Zero keeps polling forever.
	MaxDives int `yaml:"maxDives"`
}

func defaultScenario() *Scenario {
	return &Scenario{
		MID:             "sim-001",
		FW:              "1.0.0-sim",
		StartLat:        43.6,
		StartLon:        7.1,
		DriftDegPerHb:   0.0001,
		StartSoC:        100,
		DrainPerDive:    5,
		DiveOutcome:     "done",
		DiveDurationSec: 3,
	}
}

func loadScenario(path string) (*Scenario, error) {
	sc := defaultScenario()
	if path == "" {
		return sc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, sc); err != nil {
		return nil, fmt.Errorf("invalid scenario yaml: %w", err)
	}
	return sc, nil
}

// vehicle is the emulated device state between heartbeats.
type vehicle struct {
	server   string
	client   *http.Client
	scenario *Scenario

	hbSeq      int64
	checkSeq   int64
	lat, lon   float64
	soc        float64
	state      protocol.VehicleState
	execStatus protocol.ExecStatus
	lastCmdSeq *int64
	summary    map[string]interface{}
	divesDone  int
}

func main() {
	var (
		server       = flag.String("server", "http://localhost:8000", "control server base URL")
		scenarioPath = flag.String("scenario", "", "scenario YAML file")
		mid          = flag.String("mid", "", "override the scenario device id")
	)
	flag.Parse()

	sc, err := loadScenario(*scenarioPath)
	if err != nil {
		log.Fatalf("Failed to load scenario: %v", err)
	}
	if *mid != "" {
		sc.MID = *mid
	}

	v := &vehicle{
		server:     *server,
		client:     &http.Client{Timeout: 10 * time.Second},
		scenario:   sc,
		lat:        sc.StartLat,
		lon:        sc.StartLon,
		soc:        sc.StartSoC,
		state:      protocol.StateSurfaceWait,
		execStatus: protocol.ExecIdle,
	}

	log.Printf("divesim %s polling %s", sc.MID, *server)
	if err := v.run(); err != nil {
		log.Fatalf("Simulation failed: %v", err)
	}
	log.Printf("divesim %s finished after %d dive(s)", sc.MID, v.divesDone)
}

func (v *vehicle) run() error {
	for {
		resp, err := v.heartbeat()
		if err != nil {
			return err
		}

		if len(resp.Commands) > 0 {
			cmd := resp.Commands[len(resp.Commands)-1]
			if err := v.executeDive(cmd); err != nil {
				return err
			}
			if v.scenario.MaxDives > 0 && v.divesDone >= v.scenario.MaxDives {
				return nil
			}
		}

		interval := time.Duration(resp.NextHbS) * time.Second
		if interval <= 0 {
			interval = 15 * time.Second
		}
		log.Printf("sleeping %v until next heartbeat", interval)
		time.Sleep(interval)
	}
}

func (v *vehicle) heartbeat() (*protocol.HeartbeatResponse, error) {
	v.hbSeq++
	v.lat += v.scenario.DriftDegPerHb
	v.lon += v.scenario.DriftDegPerHb

	req := protocol.HeartbeatRequest{
		MID:   v.scenario.MID,
		FW:    v.scenario.FW,
		HbSeq: v.hbSeq,
		TsUTC: time.Now().UTC(),
		State: v.state,
		Pos:   &protocol.Position{Lat: v.lat, Lon: v.lon},
		Pwr:   &protocol.Power{SoC: &v.soc},
	}
	if v.lastCmdSeq != nil {
		req.Exec = &protocol.ExecReport{
			LastCmdSeq: v.lastCmdSeq,
			Status:     v.execStatus,
			Summary:    v.summary,
		}
	}

	var resp protocol.HeartbeatResponse
	if err := v.post("/v1/hb", req, &resp); err != nil {
		return nil, err
	}
	log.Printf("hb_seq=%d acked, %d command(s) pending", v.hbSeq, len(resp.Commands))
	return &resp, nil
}

func (v *vehicle) executeDive(cmd protocol.CommandEnvelope) error {
	v.checkSeq++
	v.state = protocol.StateDescentCheck

	check := protocol.DescentCheckRequest{
		MID:      v.scenario.MID,
		FW:       v.scenario.FW,
		CheckSeq: v.checkSeq,
		TsUTC:    time.Now().UTC(),
		Plan: protocol.DescentPlan{
			CmdSeq:       cmd.Seq,
			TargetDepthM: cmd.Args.TargetDepthM,
			HoldAtDepthS: cmd.Args.HoldAtDepthS,
			Cycles:       cmd.Args.Cycles,
			PlanHash:     fmt.Sprintf("sim-%016d", cmd.Seq),
		},
	}

	var verdict protocol.DescentCheckResponse
	if err := v.post("/v1/descent_check", check, &verdict); err != nil {
		return err
	}
	if !verdict.OK {
		reason := "unknown"
		if verdict.Reason != nil {
			reason = *verdict.Reason
		}
		log.Printf("descent check %d rejected: %s, staying at surface", v.checkSeq, reason)
		v.state = protocol.StateSurfaceWait
		return nil
	}

	log.Printf("descent check %d accepted, diving to %.1fm", v.checkSeq, cmd.Args.TargetDepthM)
	v.state = protocol.StateDive
	v.execStatus = protocol.ExecRunning
	seq := cmd.Seq
	v.lastCmdSeq = &seq

	time.Sleep(time.Duration(v.scenario.DiveDurationSec) * time.Second)

	v.soc -= v.scenario.DrainPerDive
	if v.soc < 0 {
		v.soc = 0
	}
	v.divesDone++

	switch v.scenario.DiveOutcome {
	case "error":
		v.execStatus = protocol.ExecError
		v.summary = map[string]interface{}{"fault": "thruster_stall"}
	case "aborted":
		v.execStatus = protocol.ExecAborted
		v.summary = map[string]interface{}{"abort_reason": "operator"}
	default:
		v.execStatus = protocol.ExecDone
		v.summary = map[string]interface{}{
			"max_depth_m":      cmd.Args.TargetDepthM,
			"held_s":           cmd.Args.HoldAtDepthS,
			"cycles_done":      cmd.Args.Cycles,
			"battery_used_pct": v.scenario.DrainPerDive,
		}
	}

	notify := protocol.AscentNotifyRequest{
		MID:   v.scenario.MID,
		FW:    v.scenario.FW,
		TsUTC: time.Now().UTC(),
		Exec: protocol.ExecReport{
			LastCmdSeq: v.lastCmdSeq,
			Status:     v.execStatus,
			Summary:    v.summary,
		},
		Pos: &protocol.Position{Lat: v.lat, Lon: v.lon},
		Pwr: &protocol.Power{SoC: &v.soc},
	}

	var ack protocol.SimpleMessage
	if err := v.post("/v1/ascent_notify", notify, &ack); err != nil {
		return err
	}
	log.Printf("ascent for cmd_seq=%d reported %s", cmd.Seq, v.execStatus)

	v.state = protocol.StateSurfaceWait
	return nil
}

func (v *vehicle) post(path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := v.client.Post(v.server+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST %s: unexpected status %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
