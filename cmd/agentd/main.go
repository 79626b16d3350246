package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"devagent/agent"
)

type RequestLog struct {
	Time       time.Time `json:"time"`
	ID         string    `json:"id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	DurationMs float64   `json:"duration_ms"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Streamed   bool      `json:"streamed,omitempty"`
}

type RouteMetrics struct {
	Count        uint64        `json:"count"`
	TotalLatency time.Duration `json:"total_latency_ns"`
}

type Metrics struct {
	mu            sync.Mutex
	TotalRequests uint64                   `json:"total_requests"`
	TotalErrors   uint64                   `json:"total_errors"`
	InFlight      uint64                   `json:"in_flight"`
	ByRoute       map[string]*RouteMetrics `json:"by_route"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		ByRoute: make(map[string]*RouteMetrics),
	}
}

func (m *Metrics) StartRequest(route string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InFlight++
	m.TotalRequests++
	if _, ok := m.ByRoute[route]; !ok {
		m.ByRoute[route] = &RouteMetrics{}
	}
}

func (m *Metrics) EndRequest(route string, latency time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.InFlight > 0 {
		m.InFlight--
	}
	if failed {
		m.TotalErrors++
	}

	rm := m.ByRoute[route]
	if rm == nil {
		rm = &RouteMetrics{}
		m.ByRoute[route] = rm
	}
	rm.Count++
	rm.TotalLatency += latency
}

func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Metrics{
		TotalRequests: m.TotalRequests,
		TotalErrors:   m.TotalErrors,
		InFlight:      m.InFlight,
		ByRoute:       make(map[string]*RouteMetrics, len(m.ByRoute)),
	}
	for route, rm := range m.ByRoute {
		rmCopy := *rm
		snap.ByRoute[route] = &rmCopy
	}
	return snap
}

func logRequestJSON(entry RequestLog) {
	b, err := json.Marshal(entry)
	if err != nil {
		log.Printf("error marshaling log entry: %v", err)
		return
	}
	log.Println(string(b))
}

type AgentClaims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// authenticate verifies the Authorization: Bearer <jwt> header using
// HS256 and the configured secret. Disabled when no secret is set.
func authenticate(r *http.Request, secret []byte) error {
	if len(secret) == 0 {
		return nil
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return errors.New("missing bearer token")
	}

	tokenStr := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	claims := &AgentClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return errors.New("invalid token")
	}
	return nil
}

// kindToStatus maps payload error kinds to HTTP status codes.
func kindToStatus(kind agent.ErrorKind) int {
	switch kind {
	case agent.ErrorNotFound:
		return http.StatusNotFound
	case agent.ErrorMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case agent.ErrorInvalidArgument:
		return http.StatusBadRequest
	case agent.ErrorUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case agent.ErrorTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ndjsonSink writes stream frames to the HTTP response as one JSON
// object per line, flushing after each frame so output reaches the
// client as it is produced.
type ndjsonSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *ndjsonSink) writeFrame(f agent.Frame) error {
	if !s.started {
		s.w.Header().Set("Content-Type", "application/x-ndjson")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(append(b, '\n')); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *ndjsonSink) WriteChunk(data []byte) error {
	return s.writeFrame(agent.Frame{Type: agent.FrameChunk, Data: string(data)})
}

func (s *ndjsonSink) Close(terminal agent.Frame) error {
	return s.writeFrame(terminal)
}

// buildRequest turns an incoming HTTP request into the router's view of
// it: generated request id plus the body. JSON bodies decode into
// arguments; anything else (a binary archive, raw script text) is kept
// as-is for the handler.
func buildRequest(r *http.Request) (*agent.Request, error) {
	reqID := uuid.New().String()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()

	req := agent.NewRequest(r.Context(), reqID, r.Method, r.URL.Path, nil)
	if len(body) == 0 {
		return req, nil
	}

	if ct := r.Header.Get("Content-Type"); ct == "" || strings.Contains(ct, "json") {
		var args map[string]any
		if err := json.Unmarshal(body, &args); err != nil {
			return nil, err
		}
		req.Args = args
	} else {
		req.Body = body
	}
	return req, nil
}

type agentServer struct {
	cfg     *AgentConfig
	router  *agent.Router
	store   *agent.DiskStore
	scripts *agent.ScriptStreamHandler
	feed    *agent.FeedHub
	metrics *Metrics
}

// handleCommand bridges one HTTP request into the dispatcher and writes
// the resulting envelope, or forwards the stream for streamed
// responses.
func (s *agentServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	if err := authenticate(r, []byte(s.cfg.JWTSecret)); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	req, err := buildRequest(r)
	if err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	routeKey := r.URL.Path
	start := time.Now()
	s.metrics.StartRequest(routeKey)

	resp := s.router.Dispatch(req)

	if resp.Stream != nil {
		flusher, ok := w.(http.Flusher)
		if !ok {
			resp.Stream.Cancel()
			s.metrics.EndRequest(routeKey, time.Since(start), true)
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("X-Execution-Id", resp.Stream.ID)
		err := s.router.ServeStream(r.Context(), resp.Stream, &ndjsonSink{w: w, flusher: flusher})

		elapsed := time.Since(start)
		s.metrics.EndRequest(routeKey, elapsed, err != nil)
		logRequestJSON(RequestLog{
			Time:       time.Now(),
			ID:         req.ID,
			Method:     req.Method,
			Path:       req.Path,
			Status:     http.StatusOK,
			DurationMs: float64(elapsed.Milliseconds()),
			RemoteAddr: r.RemoteAddr,
			Streamed:   true,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[req %s] %s %s -> stream error: %v", req.ID, req.Method, req.Path, err)
		}
		return
	}

	status := http.StatusOK
	kind := ""
	if resp.Err != nil {
		status = kindToStatus(resp.Err.Kind)
		kind = string(resp.Err.Kind)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[req %s] encode response: %v", req.ID, err)
	}

	elapsed := time.Since(start)
	s.metrics.EndRequest(routeKey, elapsed, resp.Err != nil)
	logRequestJSON(RequestLog{
		Time:       time.Now(),
		ID:         req.ID,
		Method:     req.Method,
		Path:       req.Path,
		Status:     status,
		DurationMs: float64(elapsed.Milliseconds()),
		RemoteAddr: r.RemoteAddr,
		ErrorKind:  kind,
	})
}

// handleFeed attaches a websocket observer to a live execution's
// output feed.
func (s *agentServer) handleFeed(upgrader *websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := authenticate(r, []byte(s.cfg.JWTSecret)); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		executionID := r.URL.Query().Get("execution")
		if executionID == "" {
			http.Error(w, "missing execution", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[ws] upgrade error: %v", err)
			return
		}
		defer conn.Close()

		client := s.feed.Subscribe(executionID)
		defer s.feed.Unsubscribe(executionID, client)

		done := make(chan struct{})

		// writer goroutine
		go func() {
			defer close(done)
			for ev := range client.Send {
				if err := conn.WriteJSON(ev); err != nil {
					log.Printf("[ws] write error (execution %s): %v", executionID, err)
					return
				}
				if ev.Frame.Type != agent.FrameChunk {
					return // terminal frame delivered
				}
			}
		}()

		// reader loop: observers send nothing meaningful, read to
		// detect disconnect.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsCloseError(err,
					websocket.CloseGoingAway,
					websocket.CloseNormalClosure,
					websocket.CloseAbnormalClosure,
				) {
					return
				}
				select {
				case <-done:
				default:
					log.Printf("[ws] read error (execution %s): %v", executionID, err)
				}
				return
			}
		}
	}
}

func (s *agentServer) mux() *http.ServeMux {
	mux := http.NewServeMux()

	upgrader := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	mux.HandleFunc("/__agent/feed", s.handleFeed(upgrader))

	mux.HandleFunc("/__agent/health", func(w http.ResponseWriter, r *http.Request) {
		summary := map[string]any{
			"media_queue":     s.store.Len(),
			"live_executions": s.scripts.Live(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(summary); err != nil {
			http.Error(w, "failed to encode health summary", http.StatusInternalServerError)
		}
	})

	mux.HandleFunc("/__agent/metrics", func(w http.ResponseWriter, r *http.Request) {
		snap := s.metrics.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			http.Error(w, "failed to encode metrics", http.StatusInternalServerError)
		}
	})

	// Everything else is a command dispatched through the route table.
	mux.HandleFunc("/", s.handleCommand)

	return mux
}

// newAgentServer wires the dispatch core from config: disk media store,
// shell script runner, feed hub and route table.
func newAgentServer(cfg *AgentConfig) (*agentServer, error) {
	store, err := agent.NewDiskStore(cfg.MediaDir, cfg.MediaTypes)
	if err != nil {
		return nil, err
	}

	if cfg.WatchMedia {
		if err := store.EnableEvictionWatch(); err != nil {
			log.Println("[media] eviction watch disabled:", err)
		}
	}

	runner := &agent.ShellRunner{
		Shell:       []string{cfg.ScriptShell, "-c"},
		GracePeriod: time.Duration(cfg.StreamGraceMs) * time.Millisecond,
	}

	router := agent.NewRouter()
	feed := agent.NewFeedHub()

	if err := agent.RegisterMediaRoutes(router, store); err != nil {
		return nil, err
	}
	scripts, err := agent.RegisterScriptRoutes(router, runner, feed,
		time.Duration(cfg.ScriptTimeoutMs)*time.Millisecond)
	if err != nil {
		return nil, err
	}

	return &agentServer{
		cfg:     cfg,
		router:  router,
		store:   store,
		scripts: scripts,
		feed:    feed,
		metrics: NewMetrics(),
	}, nil
}

func main() {
	wd, err := os.Getwd()
	if err != nil {
		log.Fatalf("resolve working directory: %v", err)
	}
	cfg := loadConfig(wd)

	srv, err := newAgentServer(cfg)
	if err != nil {
		log.Fatalf("failed to create agent server: %v", err)
	}

	httpSrv := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.mux(),
	}

	// Graceful shutdown on SIGINT/SIGTERM
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-shutdownCh
		log.Println("[shutdown] signal received, shutting down HTTP server...")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpSrv.Shutdown(ctx); err != nil {
			log.Printf("[shutdown] http server shutdown error: %v", err)
		} else {
			log.Println("[shutdown] http server shut down cleanly")
		}
	}()

	log.Println("=============================================")
	log.Printf(" devagent listening on %s", cfg.Addr)
	log.Println("=============================================")
	log.Printf(" Media dir: %s (watch=%v)", cfg.MediaDir, cfg.WatchMedia)
	log.Printf(" Script shell: %s", cfg.ScriptShell)
	log.Printf(" Script timeout: %dms", cfg.ScriptTimeoutMs)
	log.Println(" Routes:")
	for _, rt := range srv.router.Routes() {
		log.Printf("   %s %s", rt.Method, rt.Pattern)
	}
	log.Println("=============================================")

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[server] listen error: %v", err)
	}
}
