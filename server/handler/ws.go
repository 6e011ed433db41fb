package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	ws "github.com/gorilla/websocket"

	"github.com/nkayisi/tm20-terminal/server/common"
	"github.com/nkayisi/tm20-terminal/server/config"
	"github.com/nkayisi/tm20-terminal/server/core"
	"github.com/nkayisi/tm20-terminal/server/protocol"
	"github.com/nkayisi/tm20-terminal/server/session"
)

var upgrader = ws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// serveTerminal owns one terminal socket from upgrade to close. The
// read loop runs on the request goroutine; the write pump and the
// heartbeat run beside it.
func (h *Handler) serveTerminal(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		common.Warn(c, `WS_UPGRADE`, `fail`, err.Error(), nil)
		return
	}

	s := session.New(conn, common.GetRealIP(c))
	s.SetState(session.StateConnected)
	h.Metrics.IncrConnections()
	h.Bus.Publish(core.EventDeviceConnected, map[string]any{`ip`: common.GetRealIP(c)})
	common.Info(c, `WS_CONNECT`, `ok`, ``, nil)

	s.StartHeartbeat(config.Config.HeartbeatInterval, config.Config.ConnectionTimeout)
	go s.WritePump(func([]byte) { h.Metrics.IncrMessagesOut() })

	s.ReadPump(func(data []byte) { h.dispatch(s, data) })

	if len(s.SN) > 0 {
		h.Registry.Unregister(s.SN, s)
	}
	h.Metrics.IncrDisconnections()
	common.Info(s.SN, `WS_DISCONNECT`, `ok`, ``, nil)
}

// dispatch routes one inbound frame. Invalid frames are dropped with
// a warning; the socket stays up.
func (h *Handler) dispatch(s *session.Session, data []byte) {
	s.Touch()
	h.Metrics.RecordMessage(s.SN)
	started := time.Now()
	defer func() { h.Metrics.ObserveHandlerLatency(time.Since(started)) }()

	msg, err := protocol.Parse(data)
	if err != nil {
		s.RecordError()
		h.Metrics.IncrErrors()
		common.Warn(s.SN, `WS_FRAME`, `fail`, err.Error(), map[string]any{`size`: len(data)})
		return
	}

	if msg.Response != nil {
		h.onResponse(s, msg.Response)
		return
	}
	if msg.Cmd == protocol.VerbReg {
		h.onReg(s, msg.Register)
		return
	}
	if len(s.SN) == 0 {
		common.Warn(nil, `WS_FRAME`, `fail`, `verb before registration`, map[string]any{`verb`: msg.Cmd})
		s.RecordError()
		return
	}
	switch msg.Cmd {
	case protocol.VerbSendLog:
		h.onSendLog(s, msg.SendLog)
	case protocol.VerbSendUser:
		h.onSendUser(s, msg.SendUser)
	case protocol.VerbSendQRCode:
		h.onSendQRCode(s, msg.SendQRCode)
	}
}
