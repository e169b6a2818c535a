package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/netutil"

	"github.com/breeze-rmm/rdpwatch/internal/health"
	"github.com/breeze-rmm/rdpwatch/internal/logging"
	"github.com/breeze-rmm/rdpwatch/internal/monitor"
	"github.com/breeze-rmm/rdpwatch/internal/panel"
	"github.com/breeze-rmm/rdpwatch/internal/state"
	"github.com/breeze-rmm/rdpwatch/internal/websocket"
)

var log = logging.L("api")

// maxConns bounds concurrent connections, stream clients included.
const maxConns = 32

// Monitor is what the status API reads from and drives.
type Monitor interface {
	GetCurrentStates() []state.AccountState
	ForceReconcile(ctx context.Context) (panel.Payload, error)
	Health() *health.Monitor
	LastPayload() (panel.Payload, bool)
	Subscribe(fn func(panel.Payload)) func()
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Hostname    string               `json:"hostname"`
	Version     string               `json:"version"`
	GeneratedAt time.Time            `json:"generatedAt"`
	StartedAt   time.Time            `json:"startedAt"`
	Health      health.Status        `json:"health"`
	Accounts    []state.AccountState `json:"accounts"`
}

// HealthResponse is the body of GET /v1/health.
type HealthResponse struct {
	Status health.Status  `json:"status"`
	Checks []health.Check `json:"checks"`
}

// RefreshResponse is the body of a successful POST /v1/refresh.
type RefreshResponse struct {
	Status  string        `json:"status"`
	Payload panel.Payload `json:"payload"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server is the local status API.
type Server struct {
	mon       Monitor
	hub       *websocket.Hub
	hostname  string
	version   string
	startedAt time.Time
	srv       *http.Server
	unsub     func()
}

func NewServer(addr string, mon Monitor, hostname, version string) *Server {
	s := &Server{
		mon:       mon,
		hub:       websocket.NewHub(),
		hostname:  hostname,
		version:   version,
		startedAt: time.Now(),
	}
	s.hub.Greeting = func() (any, bool) { return mon.LastPayload() }
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("POST /v1/refresh", s.handleRefresh)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.Handle("GET /v1/stream", s.hub)
	return mux
}

// Start listens on the configured address and serves in the background.
// Published panels are pushed to stream clients from here on.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	ln = netutil.LimitListener(ln, maxConns)
	s.unsub = s.mon.Subscribe(func(p panel.Payload) { s.hub.Broadcast(p) })

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("status API stopped", "error", err)
		}
	}()
	log.Info("status API listening", "addr", ln.Addr().String())
	return nil
}

// Shutdown stops the server and disconnects stream clients.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.unsub != nil {
		s.unsub()
	}
	s.hub.Close()
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Hostname:    s.hostname,
		Version:     s.version,
		GeneratedAt: time.Now().UTC(),
		StartedAt:   s.startedAt.UTC(),
		Health:      s.mon.Health().Overall(),
		Accounts:    s.mon.GetCurrentStates(),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	payload, err := s.mon.ForceReconcile(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, RefreshResponse{Status: "published", Payload: payload})
	case errors.Is(err, monitor.ErrRefreshTimeout):
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var resp HealthResponse
	resp.Status, resp.Checks = s.mon.Health().Report()
	code := http.StatusOK
	if resp.Status == health.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("write response failed", "error", err)
	}
}
