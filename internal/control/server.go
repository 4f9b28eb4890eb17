// Package control serves the runtime control API (status, toggle,
// reconfigure, reload, shutdown, metrics) over a local named pipe or
// Unix socket.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/netutil"

	"proc-throttle/internal/core"
	"proc-throttle/internal/engine"
)

// maxConns caps concurrent control connections.
const maxConns = 8

// Controller is the control surface the API drives.
type Controller interface {
	Status() engine.Status
	Toggle() bool
	SetEnabled(v bool) bool
	Apply(cfg core.ThrottleConfig) error
	Reload() error
	Shutdown()
}

// EnabledResponse is returned by the toggle endpoints.
type EnabledResponse struct {
	Enabled bool `json:"enabled"`
	Changed bool `json:"changed"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// Server is the HTTP control API.
type Server struct {
	router *chi.Mux
	ctl    Controller

	once   sync.Once
	server *http.Server
}

// NewServer creates a Server. metrics may be nil.
func NewServer(ctl Controller, metrics http.Handler) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	s := &Server{router: r, ctl: ctl}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
	})

	r.Get("/status", s.handleStatus)
	r.Post("/toggle", s.handleToggle)
	r.Post("/enable", s.handleSetEnabled(true))
	r.Post("/disable", s.handleSetEnabled(false))
	r.Post("/config", s.handleApply)
	r.Post("/reload", s.handleReload)
	r.Post("/shutdown", s.handleShutdown)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	err := s.httpServer().Serve(netutil.LimitListener(ln, maxConns))
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe opens address (see Listen) and serves on it in the
// background. The returned function stops the server.
func (s *Server) ListenAndServe(address string) (stop func(context.Context) error, err error) {
	ln, err := Listen(address)
	if err != nil {
		return nil, fmt.Errorf("control: listen %s: %w", address, err)
	}
	core.Log.Infof("Control", "Control API listening on %s", address)
	go func() {
		if err := s.Serve(ln); err != nil {
			core.Log.Errorf("Control", "Serve: %v", err)
		}
	}()
	return s.Shutdown, nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer().Shutdown(ctx)
}

func (s *Server) httpServer() *http.Server {
	s.once.Do(func() {
		s.server = &http.Server{
			Handler:           s.router,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
	})
	return s.server
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Status())
}

func (s *Server) handleToggle(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, EnabledResponse{Enabled: s.ctl.Toggle(), Changed: true})
}

func (s *Server) handleSetEnabled(v bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		changed := s.ctl.SetEnabled(v)
		writeJSON(w, http.StatusOK, EnabledResponse{Enabled: v, Changed: changed})
	}
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	cfg := s.ctl.Status().Config
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid body: " + err.Error()})
		return
	}
	if err := s.ctl.Apply(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctl.Reload(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctl.Status().Config)
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusAccepted, struct{}{})
	// Reply before the run loop unwinds.
	go s.ctl.Shutdown()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		core.Log.Debugf("Control", "Write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	resp := ErrorResponse{Error: err.Error()}
	var cerr *core.ConfigError
	if errors.As(err, &cerr) {
		resp.Field = cerr.Field
	}
	writeJSON(w, code, resp)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		core.Log.Debugf("Control", "%s %s -> %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}
