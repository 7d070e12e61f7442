package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dive-control/dcs/internal/auth"
	"github.com/dive-control/dcs/internal/protocol"
	"github.com/dive-control/dcs/internal/store"
)

// parsePagination reads limit/offset query params with sane bounds.
func parsePagination(c *gin.Context, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v, err := strconv.Atoi(c.DefaultQuery("limit", "")); err == nil && v > 0 && v <= 1000 {
		limit = v
	}
	if v, err := strconv.Atoi(c.DefaultQuery("offset", "")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

// parseTimeParam reads an optional RFC 3339 query param.
func parseTimeParam(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST",
			name+" must be RFC 3339", nil)
		return nil, false
	}
	return &t, true
}

func deviceView(d *store.Device, now time.Time, threshold time.Duration) gin.H {
	return gin.H{
		"mid":               d.MID,
		"fw":                d.FW,
		"state":             d.LastState,
		"online":            now.Sub(d.LastSeenAt) <= threshold,
		"last_hb_seq":       d.LastHbSeq,
		"last_seen_at":      d.LastSeenAt.UTC().Format(time.RFC3339),
		"last_exec_cmd_seq": d.LastExecCmdSeq,
		"last_exec_status":  d.LastExecStatus,
		"pos":               d.LastPos,
		"pwr":               d.LastPwr,
		"env":               d.LastEnv,
		"net":               d.LastNet,
		"recovery_reason":   d.RecoveryReason,
	}
}

func commandView(cmd *store.Command) gin.H {
	return gin.H{
		"id":         cmd.ID,
		"mid":        cmd.MID,
		"seq":        cmd.Seq,
		"cmd":        cmd.Cmd,
		"args":       cmd.Args,
		"status":     cmd.Status,
		"issued_by":  cmd.IssuedBy,
		"created_at": cmd.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at": cmd.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func diveView(d *store.Dive) gin.H {
	view := gin.H{
		"id":      d.ID,
		"mid":     d.MID,
		"cmd_seq": d.CmdSeq,
		"ok":      d.OK,
		"summary": d.Summary,
	}
	if d.StartedAt != nil {
		view["started_at"] = d.StartedAt.UTC().Format(time.RFC3339)
	}
	if d.EndedAt != nil {
		view["ended_at"] = d.EndedAt.UTC().Format(time.RFC3339)
	}
	return view
}

func eventView(e *store.Event) gin.H {
	return gin.H{
		"id":         e.ID,
		"mid":        e.MID,
		"event_type": e.EventType,
		"detail":     e.Detail,
		"created_at": e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleListDevices(c *gin.Context) {
	limit, offset := parsePagination(c, 100)
	devices, total, err := s.store.ListDevices(store.DeviceFilter{
		State:  c.Query("state"),
		Sort:   c.Query("sort"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeStoreError(c, err)
		return
	}

	now := time.Now().UTC()
	views := make([]gin.H, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceView(d, now, s.onlineThreshold))
	}
	writeSuccess(c, gin.H{"devices": views, "total": total})
}

func (s *Server) handleGetDevice(c *gin.Context) {
	d, err := s.store.GetDeviceByMID(c.Param("mid"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	writeSuccess(c, deviceView(d, time.Now().UTC(), s.onlineThreshold))
}

func (s *Server) handleDeviceStatus(c *gin.Context) {
	d, err := s.store.GetDeviceByMID(c.Param("mid"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	now := time.Now().UTC()
	writeSuccess(c, gin.H{
		"mid":               d.MID,
		"state":             d.LastState,
		"online":            now.Sub(d.LastSeenAt) <= s.onlineThreshold,
		"last_seen_at":      d.LastSeenAt.UTC().Format(time.RFC3339),
		"last_exec_cmd_seq": d.LastExecCmdSeq,
		"last_exec_status":  d.LastExecStatus,
	})
}

// createCommandRequest is the operator payload for queuing a dive.
type createCommandRequest struct {
	MID          string  `json:"mid"`
	TargetDepthM float64 `json:"target_depth_m"`
	HoldAtDepthS int64   `json:"hold_at_depth_s"`
	Cycles       int64   `json:"cycles"`
	IssuedBy     string  `json:"issued_by"`
}

func (s *Server) handleCreateCommand(c *gin.Context) {
	var req createCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	if req.MID == "" {
		writeError(c, http.StatusBadRequest, "VALIDATION", "mid is required", nil)
		return
	}

	args := protocol.RunDiveArgs{
		TargetDepthM: req.TargetDepthM,
		HoldAtDepthS: req.HoldAtDepthS,
		Cycles:       req.Cycles,
	}
	if err := args.Validate(); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION", err.Error(), nil)
		return
	}

	issuedBy := req.IssuedBy
	if issuedBy == "" {
		if claims := auth.ClaimsFromContext(c); claims != nil {
			issuedBy = claims.Subject
		}
	}

	cmd, err := s.queue.Create(c.Request.Context(), req.MID, args, issuedBy)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	writeSuccess(c, commandView(cmd))
}

func (s *Server) handleListCommands(c *gin.Context) {
	limit, offset := parsePagination(c, 100)
	f := store.CommandFilter{
		MID:    c.Query("mid"),
		Limit:  limit,
		Offset: offset,
	}
	if raw := c.Query("status"); raw != "" {
		status, err := store.ParseCommandStatus(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
		f.Status = status
	}

	commands, total, err := s.store.ListCommands(f)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	views := make([]gin.H, 0, len(commands))
	for _, cmd := range commands {
		views = append(views, commandView(cmd))
	}
	writeSuccess(c, gin.H{"commands": views, "total": total})
}

func (s *Server) handleGetCommand(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", "id must be an integer", nil)
		return
	}
	cmd, err := s.store.GetCommandByID(id)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	writeSuccess(c, commandView(cmd))
}

func (s *Server) handleListDives(c *gin.Context) {
	limit, offset := parsePagination(c, 100)
	f := store.DiveFilter{
		MID:    c.Query("mid"),
		Limit:  limit,
		Offset: offset,
	}
	if raw := c.Query("ok"); raw != "" {
		ok, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "BAD_REQUEST", "ok must be a boolean", nil)
			return
		}
		f.OK = &ok
	}
	var valid bool
	if f.StartDate, valid = parseTimeParam(c, "since"); !valid {
		return
	}
	if f.EndDate, valid = parseTimeParam(c, "until"); !valid {
		return
	}

	dives, total, err := s.store.ListDives(f)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	views := make([]gin.H, 0, len(dives))
	for _, d := range dives {
		views = append(views, diveView(d))
	}
	writeSuccess(c, gin.H{"dives": views, "total": total})
}

func (s *Server) handleGetDive(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", "id must be an integer", nil)
		return
	}
	d, err := s.store.GetDive(id)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	writeSuccess(c, diveView(d))
}

func (s *Server) handleListEvents(c *gin.Context) {
	limit, offset := parsePagination(c, 100)
	f := store.EventFilter{
		MID:       c.Query("mid"),
		EventType: c.Query("event_type"),
		Limit:     limit,
		Offset:    offset,
	}
	var valid bool
	if f.StartTime, valid = parseTimeParam(c, "since"); !valid {
		return
	}
	if f.EndTime, valid = parseTimeParam(c, "until"); !valid {
		return
	}

	events, total, err := s.store.ListEvents(f)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	views := make([]gin.H, 0, len(events))
	for _, e := range events {
		views = append(views, eventView(e))
	}
	writeSuccess(c, gin.H{"events": views, "total": total})
}

func (s *Server) handleResetDB(c *gin.Context) {
	if err := s.store.Reset(c.Request.Context()); err != nil {
		writeStoreError(c, err)
		return
	}
	writeSuccess(c, gin.H{"message": "database reset"})
}
