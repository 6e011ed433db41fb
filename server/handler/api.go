package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nkayisi/tm20-terminal/server/common"
	"github.com/nkayisi/tm20-terminal/server/config"
	"github.com/nkayisi/tm20-terminal/server/protocol"
	"github.com/nkayisi/tm20-terminal/server/storage"
)

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{`result`: false, `msg`: msg})
}

func (h *Handler) listDevices(c *gin.Context) {
	devices := h.Registry.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		`result`:  true,
		`count`:   len(devices),
		`devices`: devices,
	})
}

func (h *Handler) getDevice(c *gin.Context) {
	sn := c.Param(`sn`)
	terminal, err := h.Store.GetTerminal(sn)
	if errors.Is(err, storage.ErrNotFound) {
		fail(c, http.StatusNotFound, `unknown terminal`)
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	body := gin.H{`result`: true, `terminal`: terminal, `connected`: false}
	if s := h.Registry.Get(sn); s != nil {
		body[`connected`] = true
		body[`session`] = s.Info()
	}
	c.JSON(http.StatusOK, body)
}

var allowedVerbs = map[string]bool{
	protocol.VerbGetUserList: true,
	protocol.VerbGetUserInfo: true,
	protocol.VerbSetUserInfo: true,
	protocol.VerbDeleteUser:  true,
	protocol.VerbEnableUser:  true,
	protocol.VerbSetUserName: true,
	protocol.VerbOpenDoor:    true,
	protocol.VerbSetTime:     true,
	protocol.VerbGetTime:     true,
	protocol.VerbGetNewLog:   true,
	protocol.VerbGetAllLog:   true,
	protocol.VerbCleanLog:    true,
	protocol.VerbCleanUser:   true,
	protocol.VerbReboot:      true,
	protocol.VerbGetDevInfo:  true,
}

// sendCommand delivers a verb to a connected terminal, or queues it
// for the next reconnect when the terminal is offline.
func (h *Handler) sendCommand(c *gin.Context) {
	sn := c.Param(`sn`)
	var req struct {
		Command string         `json:"command"`
		Payload map[string]any `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if !allowedVerbs[req.Command] {
		fail(c, http.StatusBadRequest, `unknown command`)
		return
	}
	terminal, err := h.Store.GetTerminal(sn)
	if errors.Is(err, storage.ErrNotFound) {
		fail(c, http.StatusNotFound, `unknown terminal`)
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	if h.Registry.SendToDevice(sn, protocol.Command(req.Command, req.Payload), config.Config.SendTimeout) {
		common.Info(c, `API_COMMAND`, `ok`, ``, map[string]any{`sn`: sn, `verb`: req.Command})
		c.JSON(http.StatusOK, gin.H{`result`: true, `delivered`: true})
		return
	}

	id, err := h.Store.EnqueueCommand(terminal.ID, req.Command, req.Payload)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	common.Info(c, `API_COMMAND`, `queued`, ``, map[string]any{`sn`: sn, `verb`: req.Command})
	c.JSON(http.StatusAccepted, gin.H{`result`: true, `delivered`: false, `queued_id`: id})
}

func (h *Handler) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.Metrics.Snapshot())
}

func (h *Handler) listEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery(`limit`, `100`))
	c.JSON(http.StatusOK, gin.H{`result`: true, `events`: h.Bus.History(limit)})
}

// syncAttendance triggers one synchronous first-attempt pass for a
// config, optionally scoped to one terminal. Without a config_id the
// pass covers every active config.
func (h *Handler) syncAttendance(c *gin.Context) {
	var req struct {
		ConfigID   int64  `json:"config_id"`
		TerminalID *int64 `json:"terminal_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.ConfigID == 0 {
		h.Attendance.SyncAll(c.Request.Context())
		stats, _ := h.Attendance.Stats()
		c.JSON(http.StatusOK, gin.H{`result`: true, `stats`: stats})
		return
	}
	cfg, err := h.Store.GetConfig(req.ConfigID)
	if errors.Is(err, storage.ErrNotFound) {
		fail(c, http.StatusNotFound, `unknown config`)
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if err = h.Attendance.SyncConfig(c.Request.Context(), cfg, req.TerminalID); err != nil {
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	stats, _ := h.Attendance.Stats()
	c.JSON(http.StatusOK, gin.H{`result`: true, `stats`: stats})
}

// syncUsers pulls the remote user list for one (terminal, config)
// pair and pushes pending names down when the terminal is connected.
func (h *Handler) syncUsers(c *gin.Context) {
	var req struct {
		ConfigID   int64  `json:"config_id"`
		TerminalSN string `json:"terminal_sn"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err := h.Store.GetConfig(req.ConfigID)
	if errors.Is(err, storage.ErrNotFound) {
		fail(c, http.StatusNotFound, `unknown config`)
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	terminal, err := h.Store.GetTerminal(req.TerminalSN)
	if errors.Is(err, storage.ErrNotFound) {
		fail(c, http.StatusNotFound, `unknown terminal`)
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	result, err := h.Users.PullUsers(c.Request.Context(), cfg, terminal)
	if err != nil {
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	pushed := 0
	if h.Registry.Get(terminal.SN) != nil {
		if pushed, err = h.Users.PushUsers(terminal); err != nil {
			common.Warn(c, `API_SYNC_USERS`, `fail`, err.Error(), map[string]any{`sn`: terminal.SN})
		}
	}
	c.JSON(http.StatusOK, gin.H{`result`: true, `pull`: result, `pushed`: pushed})
}

func (h *Handler) syncStats(c *gin.Context) {
	stats, err := h.Attendance.Stats()
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{`result`: true, `stats`: stats})
}

func (h *Handler) deadLetter(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery(`limit`, `100`))
	logs, err := h.Attendance.DeadLetter(limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{`result`: true, `count`: len(logs), `logs`: logs})
}

// resetFailed re-queues dead-letter rows; an empty or missing id list
// resets all of them.
func (h *Handler) resetFailed(c *gin.Context) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	n, err := h.Attendance.ResetFailed(req.IDs)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{`result`: true, `reset`: n})
}
