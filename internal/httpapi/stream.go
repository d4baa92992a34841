package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"callbridge/internal/calls"
	"callbridge/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// StreamHub fans call status updates out to dashboard websocket
// subscribers. It implements callmgr.Notifier; CallUpdated never blocks the
// mutating path — slow clients drop updates instead.
type StreamHub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*streamClient]struct{}
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

type callUpdate struct {
	Type string           `json:"type"`
	Call calls.CallRecord `json:"call"`
}

func NewStreamHub() *StreamHub {
	return &StreamHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboard origins vary per deployment; auth is handled
			// upstream of this process.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*streamClient]struct{}),
	}
}

// CallUpdated broadcasts a call snapshot to every subscriber.
func (h *StreamHub) CallUpdated(rec calls.CallRecord) {
	data, err := json.Marshal(callUpdate{Type: "call.updated", Call: rec})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Client is not keeping up; it gets the next update instead.
		}
	}
}

// Serve upgrades the request and streams updates until the client leaves.
func (h *StreamHub) Serve(c *gin.Context) {
	log := logger.FromGin(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := &streamClient{conn: conn, send: make(chan []byte, 16)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(client, log)
	h.readLoop(client)
}

func (h *StreamHub) writeLoop(c *streamClient, log *slog.Logger) {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug("stream write failed", "err", err)
				h.drop(c)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

// readLoop exists to notice disconnects; subscribers send nothing we use.
func (h *StreamHub) readLoop(c *streamClient) {
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *StreamHub) drop(c *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	_ = c.conn.Close()
}
