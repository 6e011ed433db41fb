package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/nkayisi/tm20-terminal/server/core"
	"github.com/nkayisi/tm20-terminal/server/dashboard"
	"github.com/nkayisi/tm20-terminal/server/engine"
	"github.com/nkayisi/tm20-terminal/server/session"
	"github.com/nkayisi/tm20-terminal/server/storage"
)

// Handler wires the HTTP surface to the hub internals: the terminal
// socket, the dashboard socket, the health probe and the ops API.
type Handler struct {
	Store      *storage.Store
	Registry   *session.Registry
	Bus        *core.Bus
	Metrics    *core.Metrics
	Attendance *engine.AttendanceEngine
	Users      *engine.UserEngine
	Dashboard  *dashboard.Hub
	Redis      *redis.Client
}

func (h *Handler) InitRouter(r *gin.Engine) {
	r.GET(`/ws/terminal`, h.serveTerminal)
	r.GET(`/ws/dashboard`, h.Dashboard.HandleRequest)
	r.GET(`/health`, h.health)

	api := r.Group(`/api`)
	{
		api.GET(`/devices`, h.listDevices)
		api.GET(`/devices/:sn`, h.getDevice)
		api.POST(`/devices/:sn/command`, h.sendCommand)

		api.GET(`/metrics`, h.getMetrics)
		api.GET(`/events`, h.listEvents)

		api.POST(`/sync/attendance`, h.syncAttendance)
		api.POST(`/sync/users`, h.syncUsers)
		api.GET(`/sync/stats`, h.syncStats)
		api.GET(`/sync/dead-letter`, h.deadLetter)
		api.POST(`/sync/reset-failed`, h.resetFailed)
	}
}
