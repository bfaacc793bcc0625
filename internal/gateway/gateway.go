// Package gateway serves a read-only view of the current run over HTTP,
// WebSocket and server-sent events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskflow/internal/bus"
	"github.com/basket/taskflow/internal/coordinator"
	"github.com/basket/taskflow/internal/persistence"
)

const (
	clientBufferSize = 256
	writeTimeout     = 5 * time.Second
)

type Config struct {
	Bus *bus.Bus
	// Store, when set, backs the run history endpoints.
	Store *persistence.Store

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WebSockets.
	// Empty means same-origin only.
	AllowOrigins []string

	ConfigFingerprint string
	Logger            *slog.Logger
}

// Message is one frame on /ws and one data line on /api/v1/events.
type Message struct {
	Type  string             `json:"type"`
	Topic string             `json:"topic,omitempty"`
	Event *coordinator.Event `json:"event,omitempty"`
	View  *RunView           `json:"view,omitempty"`
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	view   *view

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	startOnce sync.Once
}

type client struct {
	conn *websocket.Conn
	sub  *bus.Subscription
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		view:    newView(),
		clients: map[*client]struct{}{},
	}
}

// Start folds bus events into the run view until ctx ends.
func (s *Server) Start(ctx context.Context) {
	if s.cfg.Bus == nil {
		return
	}
	s.startOnce.Do(func() {
		sub := s.cfg.Bus.SubscribeBuffered(bus.TopicRunPrefix, 1024)
		go func() {
			defer s.cfg.Bus.Unsubscribe(sub)
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-sub.Ch():
					if !ok {
						return
					}
					if e, ok := ev.Payload.(coordinator.Event); ok {
						s.view.apply(e)
					}
				}
			}
		}()
	})
}

// View returns the current run view.
func (s *Server) View() RunView {
	return s.view.snapshot()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/v1/stats", s.requireAuth(s.handleAPIStats))
	mux.HandleFunc("/api/v1/tasks", s.requireAuth(s.handleAPITasks))
	mux.HandleFunc("/api/v1/tasks/", s.requireAuth(s.handleAPITaskByID))
	mux.HandleFunc("/api/v1/events", s.requireAuth(s.handleEventStream))
	mux.HandleFunc("/api/v1/runs", s.requireAuth(s.handleAPIRuns))
	mux.HandleFunc("/api/v1/runs/", s.requireAuth(s.handleAPIRunByID))
	return mux
}

// ListenAndServe serves Handler on addr until ctx ends, then shuts down
// gracefully. The bound listener address is reported through ready when
// non-nil.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.Start(ctx)
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if ready != nil {
		ready(ln.Addr())
	}
	s.logger.Info("gateway listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		s.closeClients()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	v := s.view.snapshot()
	payload := map[string]any{
		"healthy":            true,
		"run_id":             v.RunID,
		"state":              v.State,
		"ws_clients":         s.clientCount(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	status := http.StatusOK
	if s.cfg.Store != nil {
		dbOK := s.cfg.Store.DB().PingContext(r.Context()) == nil
		payload["db_ok"] = dbOK
		if !dbOK {
			payload["healthy"] = false
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleAPIStats(w http.ResponseWriter, _ *http.Request) {
	v := s.view.snapshot()
	payload := map[string]any{
		"run_id": v.RunID,
		"state":  v.State,
		"stats":  v.Stats,
		"agents": v.Agents,
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleAPITasks(w http.ResponseWriter, r *http.Request) {
	v := s.view.snapshot()
	tasks := v.Tasks
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := make([]coordinator.Task, 0, len(tasks))
		for _, t := range tasks {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": v.RunID, "tasks": tasks, "total": len(tasks)})
}

func (s *Server) handleAPITaskByID(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		http.Error(w, "task id must be a positive integer", http.StatusBadRequest)
		return
	}
	for _, t := range s.view.snapshot().Tasks {
		if t.ID == id {
			writeJSON(w, http.StatusOK, t)
			return
		}
	}
	http.Error(w, "task not found", http.StatusNotFound)
}

func (s *Server) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		http.Error(w, "run history not available: journal disabled", http.StatusServiceUnavailable)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := s.cfg.Store.ListRuns(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleAPIRunByID(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		http.Error(w, "run history not available: journal disabled", http.StatusServiceUnavailable)
		return
	}
	runID := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	if runID == "" {
		http.Error(w, "run id required", http.StatusBadRequest)
		return
	}
	run, err := s.cfg.Store.GetRun(r.Context(), runID)
	if errors.Is(err, persistence.ErrRunNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	tasks, err := s.cfg.Store.ListRunTasks(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "tasks": tasks})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "event bus not configured", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{
		conn: conn,
		sub:  s.cfg.Bus.SubscribeBuffered(bus.TopicRunPrefix, clientBufferSize),
	}
	s.addClient(c)
	s.logger.Info("ws: client connected", "clients", s.clientCount())
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnected")
	}()

	// Observers only read; CloseRead handles pings and the close handshake.
	ctx := conn.CloseRead(r.Context())

	v := s.view.snapshot()
	if err := c.write(ctx, Message{Type: "snapshot", View: &v}); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "snapshot write failed")
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case ev, ok := <-c.sub.Ch():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if c.sub.Dropped() > 0 {
				s.logger.Warn("ws: client too slow, disconnecting", "dropped", c.sub.Dropped())
				_ = conn.Close(websocket.StatusPolicyViolation, "backpressure")
				return
			}
			e, ok := ev.Payload.(coordinator.Event)
			if !ok {
				continue
			}
			if err := c.write(ctx, Message{Type: "event", Topic: ev.Topic, Event: &e}); err != nil {
				s.logger.Warn("ws: write failed, disconnecting", "error", err)
				_ = conn.Close(websocket.StatusPolicyViolation, "write timeout")
				return
			}
		}
	}
}

func (c *client) write(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, msg)
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.cfg.Bus.Unsubscribe(c.sub)
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// closeClients ends every client subscription; handlers then close their
// sockets with StatusGoingAway.
func (s *Server) closeClients() {
	s.clientsMu.RLock()
	subs := make([]*bus.Subscription, 0, len(s.clients))
	for c := range s.clients {
		subs = append(subs, c.sub)
	}
	s.clientsMu.RUnlock()
	for _, sub := range subs {
		s.cfg.Bus.Unsubscribe(sub)
	}
}
