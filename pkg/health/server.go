// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/mbeema/loadguard/pkg/module"
	"go.uber.org/zap"
)

// Diagnostics is the read-only query surface of the interception engine.
type Diagnostics interface {
	GetLoadedModules() []module.Record
	IsModuleLoaded(name string) bool
	GetBlockedNames() []string
	CanBlock(name string) bool
	RedirectedHandles() map[string]module.Handle
	ReportMissedModules() ([]string, error)
}

// Server provides health, readiness, metrics and module diagnostics over HTTP.
type Server struct {
	logger  *zap.Logger
	stats   *Stats
	diag    Diagnostics
	version string
	addr    string
	ready   atomic.Bool
	server  *http.Server
}

// NewServer creates a health server. diag may be nil, in which case the
// module endpoints answer 503.
func NewServer(addr, version string, stats *Stats, diag Diagnostics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		addr:    addr,
		version: version,
		stats:   stats,
		diag:    diag,
		logger:  logger,
	}
}

// SetReady marks the engine as installed and seeded.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Handler returns the endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /modules", s.handleModules)
	mux.HandleFunc("GET /modules/{name}", s.handleModule)
	mux.HandleFunc("GET /blocked", s.handleBlocked)
	mux.HandleFunc("GET /missed", s.handleMissed)
	return mux
}

// Start begins serving health endpoints.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server error", zap.Error(err))
		}
	}()

	s.logger.Info("health server started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop gracefully shuts down the health server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ModuleView is the JSON form of a registry record.
type ModuleView struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Handle      string    `json:"handle"`
	Size        uint32    `json:"size,omitempty"`
	LoadedAt    time.Time `json:"loaded_at"`
	Source      string    `json:"source"`
	PreExisting bool      `json:"pre_existing"`
	Blockable   bool      `json:"blockable"`
	Redirected  bool      `json:"redirected"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "healthy",
		Version: s.version,
		Uptime:  s.stats.Uptime().Truncate(time.Second).String(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not_ready"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ready"}`))
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Write([]byte(s.stats.PrometheusMetrics()))
}

func (s *Server) handleModules(w http.ResponseWriter, _ *http.Request) {
	if !s.hasDiagnostics(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.views(""))
}

func (s *Server) handleModule(w http.ResponseWriter, r *http.Request) {
	if !s.hasDiagnostics(w) {
		return
	}
	name := r.PathValue("name")
	if !s.diag.IsModuleLoaded(name) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "module not loaded", "name": name})
		return
	}
	writeJSON(w, http.StatusOK, s.views(module.CanonicalName(name)))
}

func (s *Server) handleBlocked(w http.ResponseWriter, _ *http.Request) {
	if !s.hasDiagnostics(w) {
		return
	}
	names := s.diag.GetBlockedNames()
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"blocked": names})
}

func (s *Server) handleMissed(w http.ResponseWriter, _ *http.Request) {
	if !s.hasDiagnostics(w) {
		return
	}
	missed, err := s.diag.ReportMissedModules()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if missed == nil {
		missed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"missed": missed})
}

// views converts the registry snapshot, optionally filtered to one canonical
// name, sorted by load time.
func (s *Server) views(only string) []ModuleView {
	redirected := make(map[module.Handle]bool)
	for _, h := range s.diag.RedirectedHandles() {
		redirected[h] = true
	}

	out := []ModuleView{}
	for _, rec := range s.diag.GetLoadedModules() {
		if only != "" && rec.CanonicalName() != only {
			continue
		}
		out = append(out, ModuleView{
			Name:        rec.Name,
			Path:        rec.Path,
			Handle:      rec.Handle.String(),
			Size:        rec.Size,
			LoadedAt:    rec.LoadedAt,
			Source:      rec.Source,
			PreExisting: rec.PreExisting,
			Blockable:   !rec.PreExisting && s.diag.CanBlock(rec.Name),
			Redirected:  redirected[rec.Handle],
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LoadedAt.Before(out[j].LoadedAt) })
	return out
}

func (s *Server) hasDiagnostics(w http.ResponseWriter) bool {
	if s.diag == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "engine not running"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
