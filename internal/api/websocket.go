package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/finexio/enrichment-engine/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // progressive-status dashboard runs from any origin
	},
}

// ProgressEvent is one push notification: a Batch or Record crossing a
// stage boundary in BJS. UIs watching GET /stream get these instead of
// polling /upload/batches/{id} or /classify-status/{job_id}.
type ProgressEvent struct {
	Type     string `json:"type"` // "batch_progress" | "record_stage" | "merchant_result"
	BatchID  string `json:"batchId,omitempty"`
	RecordID string `json:"recordId,omitempty"`
	Stage    string `json:"stage,omitempty"`
	Status   string `json:"status,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Hub maintains the set of active websocket clients and broadcasts
// progress events, adapted from the teacher's CoinJoin-alert Hub —
// same fan-out-with-write-deadline shape, re-homed onto enrichment
// events instead of mixer detections.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	mutex     sync.Mutex
	log       *logging.Logger
}

// NewHub builds a Hub. Run must be started in its own goroutine.
func NewHub(log *logging.Logger) *Hub {
	return &Hub{
		broadcast: make(chan []byte, 256),
		clients:   make(map[*websocket.Conn]bool),
		log:       log.With("websocket"),
	}
}

// Run drains the broadcast channel and fans each message out to every
// connected client, dropping (and closing) any client whose write
// deadline expires instead of blocking the whole hub on one slow peer.
func (h *Hub) Run() {
	for message := range h.broadcast {
		h.mutex.Lock()
		for client := range h.clients {
			_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
				h.log.Warnf("write error, dropping client: %v", err)
				client.Close()
				delete(h.clients, client)
			}
		}
		h.mutex.Unlock()
	}
}

// Subscribe upgrades an HTTP request to a websocket and registers the
// connection as a broadcast recipient. Read-side is keep-alive only —
// the client never sends anything meaningful, but a read loop is still
// required to detect disconnects.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warnf("upgrade failed: %v", err)
		return
	}

	h.mutex.Lock()
	h.clients[conn] = true
	n := len(h.clients)
	h.mutex.Unlock()
	h.log.Printf("client connected, total=%d", n)

	go func() {
		defer func() {
			h.mutex.Lock()
			delete(h.clients, conn)
			n := len(h.clients)
			h.mutex.Unlock()
			conn.Close()
			h.log.Printf("client disconnected, total=%d", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.log.Warnf("read error: %v", err)
				}
				break
			}
		}
	}()
}

// Broadcast sends one ProgressEvent to all connected clients.
func (h *Hub) Broadcast(ev ProgressEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.broadcast <- data
}
