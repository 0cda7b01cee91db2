// Package admin serves the operator HTTP surface of the page cache: health,
// metrics, pool stats, page inspection, flushes and heap snapshots.
package admin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-pagecache/core/storage_engine/snapshot"
	bufferpool "github.com/sushant-115/gojodb-pagecache/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojodb-pagecache/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb-pagecache/core/write_engine/page_manager"
)

const requestTimeout = 30 * time.Second

// Options configures a Server.
type Options struct {
	Addr string
	// HeapPath is the file snapshots copy from.
	HeapPath string
	// SnapshotDir is where snapshots are written.
	SnapshotDir string
	// SnapshotRate is the default copy rate in bytes per second.
	SnapshotRate int64
	// MetricsHandler is mounted at /metrics. Nil disables the route.
	MetricsHandler http.Handler
}

// Server is the admin HTTP server.
type Server struct {
	router *chi.Mux
	opts   Options
	bpm    *bufferpool.BufferPoolManager
	logger *zap.Logger
}

// PageResponse is the body of GET /pages/{id}.
type PageResponse struct {
	PageID uint64 `json:"page_id"`
	Dirty  bool   `json:"dirty"`
	Data   string `json:"data"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewServer(opts Options, bpm *bufferpool.BufferPoolManager, logger *zap.Logger) *Server {
	r := chi.NewRouter()
	s := &Server{router: r, opts: opts, bpm: bpm, logger: logger.Named("admin")}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealth)
	if s.opts.MetricsHandler != nil {
		s.router.Method(http.MethodGet, "/metrics", s.opts.MetricsHandler)
	}
	s.router.Get("/stats", s.handleStats)
	s.router.Get("/pages/{id}", s.handlePage)
	s.router.Post("/flush", s.handleFlush)
	s.router.Post("/snapshot", s.handleSnapshot)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: requestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("Admin server listening", zap.String("addr", s.opts.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errChan:
		return fmt.Errorf("admin server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin shutdown error: %w", err)
	}
	s.logger.Info("Admin server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bpm.Stats())
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("bad page id %q", raw)})
		return
	}

	lease, err := s.bpm.FetchPage(r.Context(), pagemanager.PageID(id))
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer lease.Release()

	resp := PageResponse{PageID: id}
	lease.Read(func(data []byte) {
		resp.Data = base64.StdEncoding.EncodeToString(data)
	})
	resp.Dirty = lease.IsDirty()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.bpm.FlushAllPages(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.bpm.Stats())
}

// handleSnapshot copies the heap file to SnapshotDir/dst under a pool
// checkpoint, so evictions cannot tear the copy. dst must be a plain file
// name and must not resolve to the heap itself.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	dst := r.URL.Query().Get("dst")
	if dst == "" || dst != filepath.Base(dst) || dst == "." || dst == ".." {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "dst must be a plain file name"})
		return
	}
	rate := s.opts.SnapshotRate
	if raw := r.URL.Query().Get("rate"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("bad rate %q", raw)})
			return
		}
		rate = parsed
	}

	dstPath := filepath.Join(s.opts.SnapshotDir, dst)
	same, err := snapshot.SameFile(s.opts.HeapPath, dstPath)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if same {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "dst is the heap file"})
		return
	}

	if err := os.MkdirAll(s.opts.SnapshotDir, 0o755); err != nil {
		s.writeError(w, err)
		return
	}
	var res snapshot.Result
	err = s.bpm.Checkpoint(r.Context(), func(ctx context.Context) error {
		var err error
		res, err = snapshot.Copy(ctx, s.opts.HeapPath, dstPath, rate, s.logger)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeError maps pool errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, flushmanager.ErrInvalidPageID), errors.Is(err, snapshot.ErrSameFile):
		code = http.StatusBadRequest
	case errors.Is(err, flushmanager.ErrNoFreeBuffer), errors.Is(err, flushmanager.ErrClosed):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("Admin request failed", zap.Error(err))
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Admin request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
