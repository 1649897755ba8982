// Package relay implements the liveness/fan-out channel for external
// scraper workers. A single Hub multiplexes many websocket connections,
// tracks per-connection heartbeats, and relays dispatch messages between
// peers best-effort: a dead peer is pruned, never allowed to block delivery
// to the rest.
package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hacolby/scout/internal/metrics"
	"github.com/hacolby/scout/internal/scout"
)

const (
	heartbeatText = "ping"
	heartbeatAck  = "pong"

	defaultClientType = "unknown"
	writeTimeout      = 10 * time.Second
)

// Config controls Hub behavior.
type Config struct {
	// WorkerClientTag is the client type reported by the external scraper
	// pool (the original workers connect with ?client=python).
	WorkerClientTag string
	// HeartbeatTimeout is the default liveness window for Status.
	HeartbeatTimeout time.Duration
}

// Status is the report returned for operational callers.
type Status struct {
	ConnectedCount      int  `json:"connected_count"`
	WorkerPoolConnected bool `json:"worker_pool_connected"`
}

// wire is the minimal socket surface the Hub needs; production wraps
// *websocket.Conn, tests substitute fakes.
type wire interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type connection struct {
	mu sync.Mutex // serializes writes per socket

	ws         wire
	clientType string
	lastBeat   time.Time
}

func (c *connection) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *connection) touch(now time.Time) {
	c.mu.Lock()
	c.lastBeat = now
	c.mu.Unlock()
}

func (c *connection) heartbeatAge(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastBeat)
}

// Hub is the shared connection registry. Safe for concurrent use by socket
// readers, HTTP dispatch calls, and status queries.
type Hub struct {
	mu    sync.Mutex
	conns map[*connection]struct{}

	upgrader websocket.Upgrader
	clock    scout.Clock
	cfg      Config
	logger   *zap.Logger
}

// NewHub constructs a Hub.
func NewHub(clock scout.Clock, cfg Config, logger *zap.Logger) *Hub {
	if cfg.WorkerClientTag == "" {
		cfg.WorkerClientTag = "python"
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 90 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		conns: make(map[*connection]struct{}),
		upgrader: websocket.Upgrader{
			// The service authenticates via API key, not origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// ServeHTTP upgrades the request to a websocket and pumps messages until
// the peer disconnects. The declared client type comes from the `client`
// query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	clientType := r.URL.Query().Get("client")
	conn := h.register(ws, clientType)
	defer h.remove(conn)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		h.handleMessage(conn, data)
	}
}

// register adds a connection with its heartbeat initialized to now.
func (h *Hub) register(ws wire, clientType string) *connection {
	if clientType == "" {
		clientType = defaultClientType
	}
	conn := &connection{
		ws:         ws,
		clientType: clientType,
		lastBeat:   h.clock.Now(),
	}
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	metrics.IncRelayConnections()
	h.logger.Info("worker connected", zap.String("client", clientType))
	return conn
}

// remove drops a connection from the registry and closes the socket.
func (h *Hub) remove(conn *connection) {
	h.mu.Lock()
	_, present := h.conns[conn]
	delete(h.conns, conn)
	h.mu.Unlock()
	if !present {
		return
	}
	_ = conn.ws.Close()
	metrics.DecRelayConnections()
	h.logger.Info("worker disconnected", zap.String("client", conn.clientType))
}

// handleMessage answers heartbeats and relays everything else verbatim to
// every other registered connection.
func (h *Hub) handleMessage(conn *connection, data []byte) {
	if isHeartbeat(data) {
		conn.touch(h.clock.Now())
		if err := conn.send([]byte(heartbeatAck)); err != nil {
			h.remove(conn)
		}
		return
	}
	h.broadcast(data, conn)
}

// Dispatch broadcasts a message from an HTTP-level caller to all registered
// connections. It returns the number of successful deliveries.
func (h *Hub) Dispatch(message []byte) int {
	return h.broadcast(message, nil)
}

// broadcast delivers data to every registered connection except origin.
// A failed send silently removes that connection and delivery continues.
func (h *Hub) broadcast(data []byte, origin *connection) int {
	h.mu.Lock()
	targets := make([]*connection, 0, len(h.conns))
	for conn := range h.conns {
		if conn != origin {
			targets = append(targets, conn)
		}
	}
	h.mu.Unlock()

	delivered := 0
	for _, conn := range targets {
		if err := conn.send(data); err != nil {
			h.logger.Warn("relay send failed, pruning connection",
				zap.String("client", conn.clientType),
				zap.Error(err),
			)
			h.remove(conn)
			metrics.ObservePrunedConnection()
			continue
		}
		delivered++
	}
	metrics.ObserveBroadcast()
	return delivered
}

// GetStatus reports connection health. The worker pool counts as connected
// only when at least one worker-tagged connection has a heartbeat within
// the liveness window; an open but silent socket does not qualify.
func (h *Hub) GetStatus(timeout time.Duration) Status {
	if timeout <= 0 {
		timeout = h.cfg.HeartbeatTimeout
	}
	now := h.clock.Now()

	h.mu.Lock()
	defer h.mu.Unlock()
	status := Status{ConnectedCount: len(h.conns)}
	for conn := range h.conns {
		if conn.clientType != h.cfg.WorkerClientTag {
			continue
		}
		if conn.heartbeatAge(now) <= timeout {
			status.WorkerPoolConnected = true
			break
		}
	}
	return status
}

// Close disconnects every registered connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		h.remove(conn)
	}
}

// isHeartbeat recognizes both the bare "ping" text frame the Python workers
// send and the JSON {"type":"ping"} form.
func isHeartbeat(data []byte) bool {
	if bytes.Equal(bytes.TrimSpace(data), []byte(heartbeatText)) {
		return true
	}
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return false
	}
	return msg.Type == heartbeatText
}
