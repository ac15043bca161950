package server

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/appletforge/appletforge/internal/logging"
	"github.com/appletforge/appletforge/internal/monitoring"
	"github.com/appletforge/appletforge/internal/registry"
	"github.com/appletforge/appletforge/internal/shared/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // dev server, all origins allowed
	},
}

// Feed broadcasts registry change events to websocket subscribers.
type Feed struct {
	mu      sync.Mutex
	conns   map[*websocket.Conn]bool
	metrics *monitoring.Metrics
	log     *logging.Logger
}

// NewFeed subscribes to the collection and fans events out to every
// connected client.
func NewFeed(col *registry.Collection, metrics *monitoring.Metrics, log *logging.Logger) *Feed {
	f := &Feed{
		conns:   make(map[*websocket.Conn]bool),
		metrics: metrics,
		log:     log,
	}
	col.Subscribe(f.broadcast)
	return f
}

// HandleConnection upgrades the request and keeps the connection in
// the broadcast set until the client goes away.
func (f *Feed) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		f.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer f.drop(conn)

	f.mu.Lock()
	f.conns[conn] = true
	f.mu.Unlock()
	f.metrics.WSConnect()

	if err := conn.WriteJSON(gin.H{"type": "system", "message": "connected to change feed"}); err != nil {
		return
	}

	for {
		var msg struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type == "ping" {
			if err := conn.WriteJSON(gin.H{"type": "pong"}); err != nil {
				return
			}
		}
	}
}

func (f *Feed) broadcast(event types.ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for conn := range f.conns {
		if err := conn.WriteJSON(gin.H{"type": "change", "event": event}); err != nil {
			conn.Close()
			delete(f.conns, conn)
		}
	}
}

func (f *Feed) drop(conn *websocket.Conn) {
	conn.Close()
	f.mu.Lock()
	delete(f.conns, conn)
	f.mu.Unlock()
	f.metrics.WSDisconnect()
}
