package dashboard

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	ws "github.com/gorilla/websocket"

	"github.com/nkayisi/tm20-terminal/server/common"
	"github.com/nkayisi/tm20-terminal/server/core"
	"github.com/nkayisi/tm20-terminal/server/session"
	"github.com/nkayisi/tm20-terminal/utils"
)

const (
	clientQueue  = 64
	writeWait    = 10 * time.Second
	snapshotSize = 100
)

var upgrader = ws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is one dashboard socket. Slow consumers are cut, never
// waited for.
type client struct {
	id       string
	conn     *ws.Conn
	output   chan []byte
	quit     chan struct{}
	quitOnce sync.Once
}

// close may be reached from the write pump, the hub loop and the read
// loop at once.
func (c *client) close() {
	c.quitOnce.Do(func() {
		close(c.quit)
		c.conn.Close()
	})
}

func (c *client) writePump() {
	defer c.close()
	for {
		select {
		case msg := <-c.output:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(ws.TextMessage, msg); err != nil {
				return
			}
		case <-c.quit:
			return
		}
	}
}

// Hub fans hub events out to dashboard sockets. Clients attach at any
// time and receive a snapshot first, then the live stream.
type Hub struct {
	bus      *core.Bus
	registry *session.Registry
	metrics  *core.Metrics

	attach chan *client
	detach chan *client
	done   chan struct{}
}

func NewHub(bus *core.Bus, registry *session.Registry, metrics *core.Metrics) *Hub {
	return &Hub{
		bus:      bus,
		registry: registry,
		metrics:  metrics,
		attach:   make(chan *client),
		detach:   make(chan *client),
		done:     make(chan struct{}),
	}
}

// Run consumes the event bus until ctx is cancelled. Must run before
// HandleRequest accepts clients.
func (h *Hub) Run(ctx context.Context) {
	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	clients := map[*client]struct{}{}
	defer func() {
		close(h.done)
		for c := range clients {
			c.close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.attach:
			clients[c] = struct{}{}
		case c := <-h.detach:
			delete(clients, c)
		case ev := <-sub.C:
			body, err := utils.JSON.Marshal(ev)
			if err != nil {
				continue
			}
			for c := range clients {
				select {
				case c.output <- body:
				default:
					// a stuck dashboard never backs up the hub
					delete(clients, c)
					c.close()
				}
			}
		}
	}
}

// snapshot is the initial frame: current devices, recent events and
// the metrics document.
func (h *Hub) snapshot() []byte {
	body, _ := utils.JSON.Marshal(map[string]any{
		`type`:      `snapshot`,
		`timestamp`: time.Now().UTC(),
		`data`: map[string]any{
			`devices`: h.registry.Snapshot(),
			`events`:  h.bus.History(snapshotSize),
			`metrics`: h.metrics.Snapshot(),
		},
	})
	return body
}

// HandleRequest upgrades one dashboard connection and serves it until
// the peer goes away.
func (h *Hub) HandleRequest(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		common.Warn(c, `DASHBOARD_UPGRADE`, `fail`, err.Error(), nil)
		return
	}
	cl := &client{
		id:     utils.GetStrUUID(),
		conn:   conn,
		output: make(chan []byte, clientQueue),
		quit:   make(chan struct{}),
	}
	common.Info(c, `DASHBOARD_ATTACH`, `ok`, ``, map[string]any{`client`: cl.id})
	cl.output <- h.snapshot()
	select {
	case h.attach <- cl:
	case <-h.done:
		cl.close()
		return
	}
	go cl.writePump()

	// inbound traffic is ignored; reading detects the disconnect
	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case h.detach <- cl:
	case <-h.done:
	}
	cl.close()
}
