// Package ws streams shared store changes to UI surfaces. Each connection
// gets a full snapshot on connect and every subsequent change in write
// order, so the popup and overlay render from the same state without
// polling.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nymai/scand/internal/infrastructure/logging"
	"github.com/nymai/scand/internal/infrastructure/monitoring"
	"github.com/nymai/scand/internal/scan"
	"github.com/nymai/scand/internal/shared/types"
	"github.com/nymai/scand/internal/store"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS layer; the socket itself
		// binds to loopback.
		return true
	},
}

// Message is the wire envelope in both directions.
type Message struct {
	Type    string                `json:"type"`
	Key     string                `json:"key,omitempty"`
	ScanID  string                `json:"scan_id,omitempty"`
	Change  *store.Change         `json:"change,omitempty"`
	State   map[string]any        `json:"state,omitempty"`
	Request *types.RawScanRequest `json:"request,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// Handler manages WebSocket observers.
type Handler struct {
	store       *store.Store
	coordinator *scan.Coordinator
	metrics     *monitoring.Metrics
	log         *logging.Logger
}

// NewHandler creates a WebSocket handler.
func NewHandler(st *store.Store, coordinator *scan.Coordinator, metrics *monitoring.Metrics, log *logging.Logger) *Handler {
	return &Handler{
		store:       st,
		coordinator: coordinator,
		metrics:     metrics,
		log:         log.Named("ws"),
	}
}

// HandleConnection upgrades the request and runs the connection until the
// peer goes away.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	h.metrics.WSConnections.Inc()
	defer h.metrics.WSConnections.Dec()

	log := h.log.With(zap.String("conn_id", connID))
	log.Debug("observer connected")

	// A dedicated writer goroutine serializes all writes; store observers
	// fire from the writing goroutine and must not block on the socket.
	send := make(chan Message, sendBufferSize)
	done := make(chan struct{})
	var closeOnce sync.Once
	closeConn := func() {
		closeOnce.Do(func() {
			close(done)
			conn.Close()
		})
	}
	defer closeConn()

	go h.writer(conn, send, done, log)

	h.enqueue(send, Message{Type: "snapshot", State: h.snapshot()})

	unsubscribe := h.store.Subscribe(func(change store.Change) {
		h.enqueue(send, Message{Type: "change", Key: change.Key, Change: &change})
	})
	defer unsubscribe()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		h.metrics.WSMessages.WithLabelValues(msg.Type, "in").Inc()

		switch msg.Type {
		case "scan":
			h.handleScan(send, msg)
		case "cancel":
			h.coordinator.Cancel()
			h.enqueue(send, Message{Type: "cancelled"})
		case "ping":
			h.enqueue(send, Message{Type: "pong"})
		default:
			h.enqueue(send, Message{Type: "error", Error: "unknown message type"})
		}
	}
}

func (h *Handler) handleScan(send chan<- Message, msg Message) {
	if msg.Request == nil {
		h.enqueue(send, Message{Type: "error", Error: "scan message carries no request"})
		return
	}
	scanID, err := h.coordinator.Submit(*msg.Request)
	if err != nil {
		h.enqueue(send, Message{Type: "rejected", Error: err.Error()})
		return
	}
	// Immediate ack; the outcome itself arrives as a lastScanResult change.
	h.enqueue(send, Message{Type: "accepted", ScanID: scanID})
}

func (h *Handler) writer(conn *websocket.Conn, send <-chan Message, done <-chan struct{}, log *logging.Logger) {
	for {
		select {
		case <-done:
			return
		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				return
			}
			h.metrics.WSMessages.WithLabelValues(msg.Type, "out").Inc()
		}
	}
}

// enqueue drops the message when the connection cannot keep up. A UI that
// missed a change recovers from the next snapshot on reconnect.
func (h *Handler) enqueue(send chan<- Message, msg Message) {
	select {
	case send <- msg:
	default:
		h.log.Warn("dropping message for slow observer", zap.String("type", msg.Type))
	}
}

func (h *Handler) snapshot() map[string]any {
	snap := h.store.Snapshot()
	state := make(map[string]any, len(snap))
	for k, v := range snap {
		state[k] = v
	}
	return state
}
