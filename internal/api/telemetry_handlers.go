package api

import (
	"encoding/json"
	"math"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dive-control/dcs/internal/protocol"
	"github.com/dive-control/dcs/internal/store"
)

func heartbeatView(hb *store.HeartbeatRecord) gin.H {
	return gin.H{
		"id":          hb.ID,
		"mid":         hb.MID,
		"hb_seq":      hb.HbSeq,
		"ts_utc":      hb.TsUTC.UTC().Format(time.RFC3339),
		"payload":     json.RawMessage(hb.Payload),
		"received_at": hb.ReceivedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleTelemetryHeartbeats(c *gin.Context) {
	limit, offset := parsePagination(c, 200)
	f := store.HeartbeatFilter{
		MID:       c.Param("mid"),
		Limit:     limit,
		Offset:    offset,
		Ascending: c.Query("order") == "asc",
	}
	var valid bool
	if f.StartTime, valid = parseTimeParam(c, "since"); !valid {
		return
	}
	if f.EndTime, valid = parseTimeParam(c, "until"); !valid {
		return
	}

	heartbeats, total, err := s.store.ListHeartbeats(f)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	views := make([]gin.H, 0, len(heartbeats))
	for _, hb := range heartbeats {
		views = append(views, heartbeatView(hb))
	}
	writeSuccess(c, gin.H{"heartbeats": views, "total": total})
}

// handleTelemetryLatest returns the device's most recent reported
// snapshot straight from the registry row.
func (s *Server) handleTelemetryLatest(c *gin.Context) {
	d, err := s.store.GetDeviceByMID(c.Param("mid"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	writeSuccess(c, gin.H{
		"mid":          d.MID,
		"state":        d.LastState,
		"last_seen_at": d.LastSeenAt.UTC().Format(time.RFC3339),
		"pos":          d.LastPos,
		"pwr":          d.LastPwr,
		"env":          d.LastEnv,
		"net":          d.LastNet,
	})
}

// handleTelemetryTrajectory reconstructs the surface track from the
// heartbeat ledger as a GeoJSON LineString, with the accumulated
// great-circle distance in meters.
func (s *Server) handleTelemetryTrajectory(c *gin.Context) {
	mid := c.Param("mid")
	if _, err := s.store.GetDeviceByMID(mid); err != nil {
		writeStoreError(c, err)
		return
	}

	limit, _ := parsePagination(c, 1000)
	f := store.HeartbeatFilter{
		MID:       mid,
		Limit:     limit,
		Ascending: true,
	}
	var valid bool
	if f.StartTime, valid = parseTimeParam(c, "since"); !valid {
		return
	}
	if f.EndTime, valid = parseTimeParam(c, "until"); !valid {
		return
	}

	heartbeats, _, err := s.store.ListHeartbeats(f)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	coordinates := make([][]float64, 0, len(heartbeats))
	var (
		distance float64
		prev     *protocol.Position
	)
	for _, hb := range heartbeats {
		var payload protocol.HeartbeatRequest
		if err := json.Unmarshal(hb.Payload, &payload); err != nil || payload.Pos == nil {
			continue
		}
		pos := payload.Pos
		coordinates = append(coordinates, []float64{pos.Lon, pos.Lat})
		if prev != nil {
			distance += haversineMeters(prev.Lat, prev.Lon, pos.Lat, pos.Lon)
		}
		prev = pos
	}

	writeSuccess(c, gin.H{
		"mid":    mid,
		"points": len(coordinates),
		"geojson": gin.H{
			"type":        "LineString",
			"coordinates": coordinates,
		},
		"distance_m": distance,
	})
}

const earthRadiusM = 6371000.0

// haversineMeters returns the great-circle distance between two
// lat/lon pairs in meters.
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
