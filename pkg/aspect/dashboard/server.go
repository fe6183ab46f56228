// Package dashboard serves a live inspector for a weaver: the intercepted
// targets and their chains, a feed of registry events over a websocket,
// invocation statistics and advice toggles.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chosenoffset/aspect/pkg/aspect"
	"github.com/chosenoffset/aspect/pkg/aspect/metrics"
)

// Registry is the part of a weaver the inspector reads and controls.
// *aspect.Weaver implements it.
type Registry interface {
	Snapshot() []aspect.TargetInfo
	EnableID(id uuid.UUID, enabled bool) error
}

type Server struct {
	port         int
	server       *http.Server
	upgrader     websocket.Upgrader
	clients      map[*client]bool
	clientsMutex sync.RWMutex
	maxClients   int
	events       chan aspect.Event
	stop         chan struct{}
	stopOnce     sync.Once
	startOnce    sync.Once
	eventBuffer  []aspect.Event
	eventIndex   int
	eventCount   int
	mutex        sync.RWMutex

	registry  Registry
	collector *metrics.Collector
	namespace string
	logger    *zap.Logger
}

// client serializes writes to one websocket connection; the ping loop and
// the broadcaster both write.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(messageType, data)
}

// Option configures a Server.
type Option func(*Server)

// WithCollector exposes invocation statistics at /api/stats and /metrics.
func WithCollector(c *metrics.Collector, namespace string) Option {
	return func(s *Server) {
		s.collector = c
		s.namespace = namespace
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxClients limits concurrent websocket connections.
func WithMaxClients(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

// NewServer creates an inspector for registry listening on port.
func NewServer(port int, registry Registry, opts ...Option) *Server {
	s := &Server{
		port: port,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow same origin and localhost for development
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return origin == fmt.Sprintf("http://localhost:%d", port) ||
					origin == fmt.Sprintf("http://127.0.0.1:%d", port)
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients:     make(map[*client]bool),
		maxClients:  100,
		events:      make(chan aspect.Event, 100),
		stop:        make(chan struct{}),
		eventBuffer: make([]aspect.Event, 200), // Fixed-size circular buffer
		registry:    registry,
		namespace:   "aspect",
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the inspector routes and starts the event broadcaster.
func (s *Server) Handler() http.Handler {
	s.startOnce.Do(func() {
		go s.broadcast()
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/targets", s.handleTargets)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("POST /api/advices/{id}/enable", s.handleToggle(true))
	mux.HandleFunc("POST /api/advices/{id}/disable", s.handleToggle(false))
	mux.HandleFunc("/ws", s.handleWebSocket)

	if s.collector != nil {
		prom, err := metrics.Handler(s.collector, s.namespace)
		if err != nil {
			s.logger.Warn("prometheus exposition disabled", zap.Error(err))
		} else {
			mux.Handle("GET /metrics", prom)
		}
	}
	return mux
}

// Start serves the inspector until Stop is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting aspect inspector", zap.Int("port", s.port))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop closes websocket clients and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// HandleEvent queues a registry event for the feed. It never blocks; events
// are dropped when the queue is full.
func (s *Server) HandleEvent(event aspect.Event) {
	select {
	case s.events <- event:
	default:
		// Drop if channel is full
	}
}

type response struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok", Data: s.registry.Snapshot()})
}

// Events returns the buffered events, oldest first.
func (s *Server) Events() []aspect.Event {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	events := make([]aspect.Event, s.eventCount)
	if s.eventCount == 0 {
		return events
	}
	bufferSize := len(s.eventBuffer)
	if s.eventCount == bufferSize {
		// Buffer is full, start from oldest
		for i := 0; i < bufferSize; i++ {
			events[i] = s.eventBuffer[(s.eventIndex+i)%bufferSize]
		}
	} else {
		copy(events, s.eventBuffer[:s.eventCount])
	}
	return events
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok", Data: s.Events()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		writeJSON(w, http.StatusOK, response{Status: "ok", Data: []metrics.CallStats{}})
		return
	}
	writeJSON(w, http.StatusOK, response{Status: "ok", Data: s.collector.Snapshot()})
}

func (s *Server) handleToggle(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, response{Status: "error", Error: "invalid advice id"})
			return
		}
		if err := s.registry.EnableID(id, enabled); err != nil {
			code := http.StatusInternalServerError
			if aspect.IsUnknownAdvice(err) {
				code = http.StatusNotFound
			}
			writeJSON(w, code, response{Status: "error", Error: err.Error()})
			return
		}
		s.logger.Info("advice toggled from inspector",
			zap.Stringer("advice", id),
			zap.Bool("enabled", enabled))
		writeJSON(w, http.StatusOK, response{Status: "ok", Data: map[string]any{
			"id":      id,
			"enabled": enabled,
		}})
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Check client limit before upgrading
	s.clientsMutex.RLock()
	clientCount := len(s.clients)
	s.clientsMutex.RUnlock()

	if clientCount >= s.maxClients {
		http.Error(w, "Maximum clients reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	c := &client{conn: conn}
	s.clientsMutex.Lock()
	s.clients[c] = true
	s.clientsMutex.Unlock()

	defer func() {
		s.clientsMutex.Lock()
		delete(s.clients, c)
		s.clientsMutex.Unlock()
	}()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// Reading is required to detect client disconnections
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.logger.Debug("websocket read error", zap.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		case <-s.stop:
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Server) broadcast() {
	for {
		select {
		case event := <-s.events:
			s.mutex.Lock()
			s.eventBuffer[s.eventIndex] = event
			s.eventIndex = (s.eventIndex + 1) % len(s.eventBuffer)
			if s.eventCount < len(s.eventBuffer) {
				s.eventCount++
			}
			s.mutex.Unlock()

			s.broadcastMessage(map[string]any{
				"type": "event",
				"data": event,
			})
		case <-s.stop:
			return
		}
	}
}

func (s *Server) broadcastMessage(message any) {
	s.clientsMutex.RLock()
	if len(s.clients) == 0 {
		s.clientsMutex.RUnlock()
		return
	}
	// Copy clients to avoid holding lock during I/O
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMutex.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		s.logger.Warn("marshal broadcast failed", zap.Error(err))
		return
	}

	var failed []*client
	for _, c := range clients {
		if err := c.write(websocket.TextMessage, data); err != nil {
			c.conn.Close()
			failed = append(failed, c)
		}
	}

	if len(failed) > 0 {
		s.clientsMutex.Lock()
		for _, c := range failed {
			delete(s.clients, c)
		}
		s.clientsMutex.Unlock()
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>aspect inspector</title>
<style>
body { font-family: monospace; margin: 2em; }
table { border-collapse: collapse; }
td, th { border: 1px solid #ccc; padding: 4px 8px; text-align: left; }
.off { color: #999; text-decoration: line-through; }
</style>
</head>
<body>
<h1>aspect inspector</h1>
<h2>Targets</h2>
<table id="targets"><tr><th>target</th><th>kind</th><th>chain</th></tr></table>
<h2>Events</h2>
<ul id="events"></ul>
<script>
async function loadTargets() {
  const res = await fetch('/api/targets');
  const body = await res.json();
  const table = document.getElementById('targets');
  table.querySelectorAll('tr.row').forEach(r => r.remove());
  for (const t of body.data || []) {
    const tr = document.createElement('tr');
    tr.className = 'row';
    const chain = t.advices.map(a =>
      '<a href="#" data-id="' + a.id + '" data-on="' + a.enabled + '" class="' + (a.enabled ? '' : 'off') + '">' + a.name + '</a>'
    ).join(' &rarr; ');
    tr.innerHTML = '<td>' + t.name + '</td><td>' + t.kind + '</td><td>' + chain + '</td>';
    table.appendChild(tr);
  }
  table.querySelectorAll('a[data-id]').forEach(a => a.onclick = async e => {
    e.preventDefault();
    const action = a.dataset.on === 'true' ? 'disable' : 'enable';
    await fetch('/api/advices/' + a.dataset.id + '/' + action, {method: 'POST'});
  });
}
const ws = new WebSocket('ws://' + location.host + '/ws');
ws.onmessage = m => {
  const msg = JSON.parse(m.data);
  const li = document.createElement('li');
  li.textContent = msg.data.timestamp + ' ' + msg.data.type + ' ' + (msg.data.target || '');
  document.getElementById('events').prepend(li);
  loadTargets();
};
loadTargets();
</script>
</body>
</html>
`
