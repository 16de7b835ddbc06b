// Package server exposes the site's files and database over the sitepull
// HTTP protocol.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bamsammich/sitepull/internal/api"
	"github.com/bamsammich/sitepull/internal/dbexport"
	"github.com/bamsammich/sitepull/internal/jobstore"
	"github.com/bamsammich/sitepull/internal/manifest"
)

// Config wires the server to its collaborators.
type Config struct {
	Scanner     *manifest.Scanner
	Store       jobstore.Store
	Export      *dbexport.Manager // nil disables the database operations
	Key         string
	Version     string
	ManifestTTL time.Duration
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// Server is an http.Handler serving every api.Op under api.PathPrefix.
type Server struct {
	handlers map[api.Op]handlerFunc
	mux      *http.ServeMux
	cfg      Config
}

// httpError carries the status code an error should be reported with.
type httpError struct {
	err  error
	code int
}

func (e *httpError) Error() string { return e.err.Error() }
func (e *httpError) Unwrap() error { return e.err }

func badRequest(format string, args ...any) error {
	return &httpError{code: http.StatusBadRequest, err: fmt.Errorf(format, args...)}
}

var (
	errNoDatabase       = errors.New("database export not configured")
	errManifestNotFound = errors.New("manifest job not found")
)

// New builds a server. The access key must be non-empty.
func New(cfg Config) (*Server, error) {
	if cfg.Key == "" {
		return nil, errors.New("server access key is empty")
	}
	if cfg.Scanner == nil || cfg.Store == nil {
		return nil, errors.New("server needs a scanner and a job store")
	}
	if cfg.ManifestTTL <= 0 {
		cfg.ManifestTTL = 15 * time.Minute
	}

	s := &Server{cfg: cfg, mux: http.NewServeMux()}
	s.handlers = map[api.Op]handlerFunc{
		api.OpPing:           s.handlePing,
		api.OpManifestInit:   s.handleManifestInit,
		api.OpManifestSlice:  s.handleManifestSlice,
		api.OpManifestFinish: s.handleManifestFinish,
		api.OpDBMeta:         s.handleDBMeta,
		api.OpDBJobInit:      s.handleDBJobInit,
		api.OpDBJobProcess:   s.handleDBJobProcess,
		api.OpDBJobDownload:  s.handleDBJobDownload,
		api.OpDBJobFinish:    s.handleDBJobFinish,
		api.OpFile:           s.handleFile,
		api.OpBatchZip:       s.handleBatchZip,
	}
	s.mux.HandleFunc(api.PathPrefix+"{op}", s.dispatch)
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}

	// Authenticate before the op name is even looked at.
	if !s.authorized(r) {
		writeJSON(rec, http.StatusUnauthorized, api.ErrorResponse{Error: "invalid access key"})
		slog.Warn("rejected request", "path", r.URL.Path, "remote", r.RemoteAddr)
		return
	}

	op, err := api.ParseOp(r.PathValue("op"))
	if err != nil {
		writeJSON(rec, http.StatusNotFound, api.ErrorResponse{Error: err.Error()})
		return
	}

	if err := s.handlers[op](rec, r); err != nil {
		code := statusFor(err)
		if !rec.wroteHeader {
			writeJSON(rec, code, api.ErrorResponse{Error: err.Error()})
		}
		slog.Warn("request failed", "op", op, "status", code, "error", err)
	}
	slog.Debug("request", "op", op, "status", rec.status, "bytes", rec.bytes,
		"duration", time.Since(start).Round(time.Millisecond))
}

func (s *Server) authorized(r *http.Request) bool {
	key := r.Header.Get(api.KeyHeader)
	if key == "" {
		key = r.URL.Query().Get(api.KeyParam)
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.Key)) == 1
}

func statusFor(err error) int {
	var he *httpError
	switch {
	case errors.As(err, &he):
		return he.code
	case errors.Is(err, dbexport.ErrJobNotFound),
		errors.Is(err, errManifestNotFound),
		errors.Is(err, errNoDatabase):
		return http.StatusNotFound
	case errors.Is(err, dbexport.ErrNotCompleted),
		errors.Is(err, dbexport.ErrJobFailed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Sweep drops expired job records and releases their export files.
func (s *Server) Sweep(ctx context.Context) {
	entries, err := s.cfg.Store.Sweep(ctx)
	if err != nil {
		slog.Warn("job sweep failed", "error", err)
		return
	}
	for _, e := range entries {
		if s.cfg.Export != nil && strings.HasPrefix(e.Key, dbexport.KeyPrefix) {
			s.cfg.Export.Release(e.Value)
		}
	}
	if len(entries) > 0 {
		slog.Debug("swept expired jobs", "count", len(entries))
	}
}

// SweepLoop runs Sweep every interval until ctx is cancelled.
func (s *Server) SweepLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep(ctx)
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
