package statusapi

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/danmuck/mqlink/internal/diag"
	"github.com/danmuck/mqlink/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 2 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	clientBuffer   = 64
	broadcastDepth = 1024
)

// Hub fans diagnostic events out to websocket subscribers. It is a diag.Sink;
// Emit never blocks the caller, and events are dropped when the hub is backed up.
type Hub struct {
	upgrader   websocket.Upgrader
	register   chan *client
	unregister chan *client
	broadcast  chan diag.Event
	clients    map[*client]struct{}
	count      atomic.Int64
	dropped    atomic.Uint64
}

var _ diag.Sink = (*Hub)(nil)

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan diag.Event
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan diag.Event, broadcastDepth),
		clients:    make(map[*client]struct{}),
	}
}

// Clients is the number of registered subscribers.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Dropped counts events discarded because the hub or a subscriber was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) Emit(e diag.Event) {
	select {
	case h.broadcast <- e:
	default:
		h.dropped.Add(1)
	}
}

// Run owns the subscriber set until ctx ends, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.remove(c)
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int64(len(h.clients)))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.remove(c)
			}
		case e := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- e:
				default:
					// Slow subscriber; drop it rather than stall the hub.
					h.dropped.Add(1)
					h.remove(c)
				}
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	delete(h.clients, c)
	close(c.send)
	h.count.Store(int64(len(h.clients)))
}

// ServeWS upgrades the request and streams events to it as JSON.
func (h *Hub) ServeWS(ctx *gin.Context) {
	conn, err := h.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		logging.Warnf("statusapi.Hub.ServeWS upgrade remote=%q err=%v", ctx.Request.RemoteAddr, err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan diag.Event, clientBuffer)}
	select {
	case h.register <- c:
	case <-ctx.Request.Context().Done():
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// readPump only watches for close and pong frames; subscribers send nothing.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-time.After(writeWait):
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debugf("statusapi.client.readPump remote=%q err=%v", c.conn.RemoteAddr(), err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case e, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
