package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"chatrouter/internal/domain"
	"chatrouter/internal/metrics"
	"chatrouter/internal/service"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Frame types on the wire.
const (
	frameResponse   = "response"
	frameNewMessage = "new_message"
	frameError      = "error"
)

// request is a client frame, discriminated by Type.
type request struct {
	Type           string `json:"type"`
	Platform       string `json:"platform,omitempty"`
	PlatformChatID string `json:"platformChatId,omitempty"`
	After          *int64 `json:"after,omitempty"`
	Before         *int64 `json:"before,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// responseFrame answers a client request.
type responseFrame struct {
	Type        string `json:"type"`
	RequestType string `json:"requestType"`
	Data        any    `json:"data"`
}

// pushFrame carries an unsolicited new timeline entry.
type pushFrame struct {
	Type  string               `json:"type"`
	Entry domain.TimelineEntry `json:"entry"`
}

// errorFrame reports a malformed or unknown request. The connection
// stays open.
type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub is the bidirectional framed-JSON transport at /ws: request/response
// queries plus broadcast push of every newly persisted entry.
type Hub struct {
	svc    *service.Service
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client
	subID   string
}

// client tracks one connected socket with a write mutex so broadcasts and
// responses never interleave frames.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// NewHub creates the hub and subscribes it to the service event stream.
// One subscription per hub instance.
func NewHub(svc *service.Service, logger *slog.Logger) *Hub {
	h := &Hub{
		svc:     svc,
		logger:  logger,
		clients: make(map[string]*client),
	}
	h.subID = svc.Subscribe(h.broadcast)
	return h
}

// ServeHTTP upgrades the connection and runs the per-client read loop.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	clientID := uuid.NewString()
	cl := &client{conn: conn}

	h.mu.Lock()
	h.clients[clientID] = cl
	h.mu.Unlock()
	metrics.StreamClients.Inc()

	h.logger.Info("stream client connected", "client_id", clientID)

	defer func() {
		h.mu.Lock()
		delete(h.clients, clientID)
		h.mu.Unlock()
		metrics.StreamClients.Dec()
		conn.Close()
		h.logger.Info("stream client disconnected", "client_id", clientID)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("stream read error", "client_id", clientID, "err", err)
			}
			return
		}
		h.handleFrame(cl, message)
	}
}

func (h *Hub) handleFrame(cl *client, raw []byte) {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		cl.send(errorFrame{Type: frameError, Message: "invalid JSON frame"})
		return
	}

	ctx := context.Background()

	var data any
	var err error
	switch req.Type {
	case "health":
		data, err = h.svc.HealthCheck(ctx)
	case "conversations":
		data, err = h.svc.ListConversations(ctx, domain.Platform(req.Platform), req.Limit)
	case "timeline":
		if req.Platform == "" || req.PlatformChatID == "" {
			cl.send(errorFrame{Type: frameError, Message: "timeline requires platform and platformChatId"})
			return
		}
		data, err = h.svc.GetTimeline(ctx, domain.Platform(req.Platform), req.PlatformChatID,
			domain.Query{After: req.After, Before: req.Before, Limit: req.Limit})
	case "unified_timeline":
		data, err = h.svc.GetUnifiedTimeline(ctx,
			domain.Query{After: req.After, Before: req.Before, Limit: req.Limit})
	default:
		cl.send(errorFrame{Type: frameError, Message: "unknown request type: " + req.Type})
		return
	}

	if err != nil {
		h.logger.Error("stream request failed", "type", req.Type, "err", err)
		cl.send(errorFrame{Type: frameError, Message: err.Error()})
		return
	}
	if err := cl.send(responseFrame{Type: frameResponse, RequestType: req.Type, Data: data}); err != nil {
		h.logger.Debug("stream response write failed", "err", err)
	}
}

// broadcast serializes the push frame once and writes it to a snapshot of
// the open clients. A failing send affects only that client.
func (h *Hub) broadcast(entry domain.TimelineEntry) {
	data, err := json.Marshal(pushFrame{Type: frameNewMessage, Entry: entry})
	if err != nil {
		h.logger.Error("push frame marshal failed", "entry_id", entry.ID, "err", err)
		return
	}

	h.mu.RLock()
	snapshot := make([]*client, 0, len(h.clients))
	for _, cl := range h.clients {
		snapshot = append(snapshot, cl)
	}
	h.mu.RUnlock()

	for _, cl := range snapshot {
		if err := cl.write(data); err != nil {
			h.logger.Debug("push write failed", "err", err)
			continue
		}
		metrics.FramesBroadcast.Inc()
	}
}

// Close unsubscribes from the service and closes every client socket.
func (h *Hub) Close() {
	h.svc.Unsubscribe(h.subID)

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, cl := range h.clients {
		cl.conn.Close()
		delete(h.clients, id)
	}
}
