package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"k8s.io/utils/keymutex"

	"github.com/MaxtuneLee/webcodecs-container/internal/export"
	"github.com/MaxtuneLee/webcodecs-container/internal/mux"
)

// maxUploadSize bounds the in-memory size of both inputs of one export.
const maxUploadSize = 2 << 30

// ExportServer serves exports over HTTP and WebSocket
type ExportServer struct {
	addr       string
	httpServer *http.Server
	mux        *http.ServeMux
	options    export.Options
	upgrader   websocket.Upgrader
	logger     *slog.Logger

	mu         sync.RWMutex
	exports    map[string]*activeExport
	exportLock keymutex.KeyMutex
	startTime  time.Time
}

// activeExport is a running export. Its mutable fields are guarded by
// the export's key in exportLock, not by mu.
type activeExport struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Transport string    `json:"transport"`

	stop      context.CancelFunc
	session   *mux.Session
	cancelled bool
}

// exportInfo is the listed view of an activeExport
type exportInfo struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Transport string    `json:"transport"`
	Phase     string    `json:"phase"`
	BytesSent int64     `json:"bytes_sent"`
}

// NewExportServer creates a server running exports with opts
func NewExportServer(addr string, opts export.Options) *ExportServer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &ExportServer{
		addr:    addr,
		mux:     http.NewServeMux(),
		options: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:     logger.With("component", "server"),
		exports:    make(map[string]*activeExport),
		exportLock: keymutex.NewHashed(64),
		startTime:  time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *ExportServer) setupRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /v1/exports", s.handleListExports)
	s.mux.HandleFunc("POST /v1/exports", s.handleCreateExport)
	s.mux.HandleFunc("DELETE /v1/exports/{id}", s.handleCancelExport)
	s.mux.HandleFunc("GET /v1/exports/ws", s.handleExportWebSocket)
}

// Handler returns the HTTP handler with request logging
func (s *ExportServer) Handler() http.Handler {
	return loggingMiddleware(s.logger, s.mux)
}

// Start listens on the configured address until Stop is called
func (s *ExportServer) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
		// Exports stream for as long as the pipeline runs.
		ReadTimeout:  0,
		WriteTimeout: 0,
	}
	s.logger.Info("Export server listening", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "failed to listen on %s", s.addr)
	}
	return nil
}

// Stop cancels running exports and shuts the server down
func (s *ExportServer) Stop() error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.exports))
	for id := range s.exports {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	for _, id := range ids {
		s.cancel(id)
	}

	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP server shutdown error", "error", err)
		return s.httpServer.Close()
	}
	s.logger.Info("Export server stopped")
	return nil
}

// register tracks export id from the moment it is accepted. stop cancels
// the export's context, which covers the decode phase.
func (s *ExportServer) register(id, transport string, stop context.CancelFunc) {
	s.exportLock.LockKey(id)
	defer s.exportLock.UnlockKey(id)

	s.mu.Lock()
	s.exports[id] = &activeExport{ID: id, StartedAt: time.Now(), Transport: transport, stop: stop}
	s.mu.Unlock()
}

// attach records the mux session once the export starts streaming. A
// session attached to an export cancelled in the meantime is cancelled
// right away.
func (s *ExportServer) attach(id string, session *mux.Session) {
	s.exportLock.LockKey(id)
	defer s.exportLock.UnlockKey(id)

	e, ok := s.lookup(id)
	if !ok {
		return
	}
	if e.cancelled {
		session.Cancel()
		return
	}
	e.session = session
}

func (s *ExportServer) unregister(id string) {
	s.exportLock.LockKey(id)
	defer s.exportLock.UnlockKey(id)

	s.mu.Lock()
	delete(s.exports, id)
	s.mu.Unlock()
}

// cancel cancels export id in whatever phase it is, reporting whether it
// existed
func (s *ExportServer) cancel(id string) bool {
	s.exportLock.LockKey(id)
	defer s.exportLock.UnlockKey(id)

	e, ok := s.lookup(id)
	if !ok {
		return false
	}
	e.cancelled = true
	e.stop()
	if e.session != nil {
		e.session.Cancel()
	}
	return true
}

// info snapshots export id for listing
func (s *ExportServer) info(id string) (exportInfo, bool) {
	s.exportLock.LockKey(id)
	defer s.exportLock.UnlockKey(id)

	e, ok := s.lookup(id)
	if !ok {
		return exportInfo{}, false
	}
	info := exportInfo{ID: e.ID, StartedAt: e.StartedAt, Transport: e.Transport, Phase: "decoding"}
	switch {
	case e.cancelled:
		info.Phase = "cancelled"
	case e.session != nil:
		info.Phase = "streaming"
		info.BytesSent = e.session.BytesSent()
	}
	return info, true
}

func (s *ExportServer) lookup(id string) (*activeExport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.exports[id]
	return e, ok
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	length int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.status == 0 {
		lw.status = http.StatusOK
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.length += n
	return n, err
}

func (lw *loggingResponseWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("http.Hijacker interface is not supported")
	}
	return hj.Hijack()
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		logger.Info("Request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.status,
			"bytes", lw.length,
			"duration", time.Since(start),
			"remote", r.RemoteAddr)
	})
}
