package eventbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kingrea/concord/internal/eventlog"
)

// ServerStatus reports runtime lifecycle states for the HTTP server.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

var errServerDisabled = errors.New("eventbridge: server disabled")

// Server exposes a running session to local observers. It never accepts
// writes: the coordination log and status record are only read.
type Server struct {
	settings Settings
	events   EventSource
	status   StatusSource
	logger   Logger
	clock    func() time.Time
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	state     ServerStatus
	startTime time.Time
	quit      chan struct{}
	quitOnce  sync.Once
	streams   sync.WaitGroup
}

// Option customizes server construction.
type Option func(*Server)

// WithEvents attaches the coordination log served by /events and /events/stream.
func WithEvents(src EventSource) Option {
	return func(s *Server) {
		if src != nil {
			s.events = src
		}
	}
}

// WithStatus attaches the status record served by /status.
func WithStatus(src StatusSource) Option {
	return func(s *Server) {
		if src != nil {
			s.status = src
		}
	}
}

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewServer prepares a bridge server using the provided settings.
func NewServer(settings Settings, opts ...Option) *Server {
	s := &Server{
		settings: settings,
		logger:   nopLogger{},
		clock:    func() time.Time { return time.Now().UTC() },
		state:    StatusStarting,
		quit:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     sameHost,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("eventbridge: server is nil")
	}
	if !s.settings.Enabled {
		return errServerDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("eventbridge: server already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("eventbridge: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = s.clock()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/events/stream", s.handleStream)
	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.server = server
	s.state = StatusReady
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("eventbridge: serve error: %v", err)
		}
	}()
	s.logger.Printf("eventbridge: listening on %s", listener.Addr().String())
	return nil
}

// Shutdown stops accepting new connections, ends open streams and waits for
// in-flight requests to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	server := s.server
	if s.listener == nil || server == nil {
		s.mu.Unlock()
		return nil
	}
	s.state = StatusDraining
	s.mu.Unlock()

	deadline := ctx
	if deadline == nil {
		var cancel context.CancelFunc
		deadline, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	s.quitOnce.Do(func() { close(s.quit) })
	if err := server.Shutdown(deadline); err != nil {
		return err
	}
	s.streams.Wait()
	s.mu.Lock()
	s.listener = nil
	s.server = nil
	s.mu.Unlock()
	return nil
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the HTTP base URL (scheme + host:port) for the running server.
func (s *Server) BaseURL() string {
	addr := s.Addr()
	if addr == "" {
		return s.settings.URL()
	}
	return "http://" + addr
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Server) uptimeSeconds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return int64(s.clock().Sub(s.startTime).Seconds())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowRead(w, r) {
		return
	}
	resp := healthResponse{
		Status:        string(s.Status()),
		Version:       ProtocolVersion,
		UptimeSeconds: s.uptimeSeconds(),
	}
	if s.status != nil {
		if st, ok := s.status.Latest(); ok {
			resp.SessionID = st.Meta.SessionID
			resp.LastSeq = st.Meta.LastSeq
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowRead(w, r) {
		return
	}
	if s.status == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no session attached"})
		return
	}
	st, ok := s.status.Latest()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "status not yet available"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !allowRead(w, r) {
		return
	}
	if s.events == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no session attached"})
		return
	}
	from, err := parseFrom(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	resp := eventsResponse{From: from, Next: from, Events: []eventlog.Event{}}
	for evt := range s.events.ReadFrom(from) {
		if len(resp.Events) >= s.settings.PageLimit {
			break
		}
		resp.Events = append(resp.Events, evt)
		resp.Next = evt.Seq + 1
	}
	writeJSON(w, http.StatusOK, resp)
}

func allowRead(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", fmt.Sprintf("%s, %s", http.MethodGet, http.MethodHead))
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	return false
}

// parseFrom reads the first sequence number a client wants; absent means 1.
func parseFrom(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("from")
	if raw == "" {
		return 1, nil
	}
	from, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || from < 1 {
		return 0, fmt.Errorf("from must be a positive sequence number")
	}
	return from, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
