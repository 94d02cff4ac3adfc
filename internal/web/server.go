package web

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/qcss/qcss3/internal/store"
)

// maxConns caps concurrent API connections.
const maxConns = 256

// Refresher triggers collector polls and vendor actions. The collector
// dispatcher implements it; tests substitute fakes.
type Refresher interface {
	Refresh(ctx context.Context, lb, vs, rs string) error
	ListActions(ctx context.Context, lb, vs, rs string) (map[string]string, error)
	ExecuteAction(ctx context.Context, lb, vs, rs, action string, args []string) (bool, error)
}

// Server wraps the HTTP server and mux for the inventory API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	store      *store.Store
	refresher  Refresher
}

// NewServer creates the API server wired with all routes. refresher may be
// nil when the collector service is disabled; refresh and action endpoints
// then answer 404.
func NewServer(listenAddress string, port int, st *store.Store, refresher Refresher) *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		store:     st,
		refresher: refresher,
	}

	s.mux.Handle("GET /healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// The same resources are served live and in a past context. The past
	// context is read-only: no refresh, no actions.
	s.registerReads("/api/1.0")
	s.registerReads("/api/1.0/past/{date}")

	s.mux.Handle("GET /api/1.0/loadbalancer/{lb}/refresh/{$}", http.HandlerFunc(s.handleRefresh))
	s.mux.Handle("GET /api/1.0/loadbalancer/{lb}/virtualserver/{vs}/refresh/{$}", http.HandlerFunc(s.handleRefresh))
	s.mux.Handle("GET /api/1.0/loadbalancer/{lb}/virtualserver/{vs}/realserver/{rs}/refresh/{$}", http.HandlerFunc(s.handleRefresh))

	s.mux.Handle("GET /api/1.0/loadbalancer/{lb}/action/{$}", http.HandlerFunc(s.handleActions))
	s.mux.Handle("GET /api/1.0/loadbalancer/{lb}/virtualserver/{vs}/action/{$}", http.HandlerFunc(s.handleActions))
	s.mux.Handle("GET /api/1.0/loadbalancer/{lb}/virtualserver/{vs}/realserver/{rs}/action/{$}", http.HandlerFunc(s.handleActions))

	s.mux.Handle("GET /api/1.0/loadbalancer/{lb}/action/{action}/{args...}", http.HandlerFunc(s.handleExecute))
	s.mux.Handle("GET /api/1.0/loadbalancer/{lb}/virtualserver/{vs}/action/{action}/{args...}", http.HandlerFunc(s.handleExecute))
	s.mux.Handle("GET /api/1.0/loadbalancer/{lb}/virtualserver/{vs}/realserver/{rs}/action/{action}/{args...}", http.HandlerFunc(s.handleExecute))

	s.httpServer = &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: AccessLogMiddleware(s.mux),
	}
	return s
}

func (s *Server) registerReads(prefix string) {
	s.mux.Handle("GET "+prefix+"/loadbalancer/{$}", http.HandlerFunc(s.handleLoadBalancers))
	s.mux.Handle("GET "+prefix+"/loadbalancer/{lb}/{$}", http.HandlerFunc(s.handleLoadBalancer))
	s.mux.Handle("GET "+prefix+"/loadbalancer/{lb}/virtualserver/{$}", http.HandlerFunc(s.handleVirtualServers))
	s.mux.Handle("GET "+prefix+"/loadbalancer/{lb}/virtualserver/{vs}/{$}", http.HandlerFunc(s.handleVirtualServer))
	s.mux.Handle("GET "+prefix+"/loadbalancer/{lb}/virtualserver/{vs}/realserver/{$}",
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { s.handleRealServers(w, r, false) }))
	s.mux.Handle("GET "+prefix+"/loadbalancer/{lb}/virtualserver/{vs}/realserver/{rs}/{$}",
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { s.handleRealServer(w, r, false) }))
	s.mux.Handle("GET "+prefix+"/loadbalancer/{lb}/virtualserver/{vs}/sorryserver/{$}",
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { s.handleRealServers(w, r, true) }))
	s.mux.Handle("GET "+prefix+"/loadbalancer/{lb}/virtualserver/{vs}/sorryserver/{rs}/{$}",
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { s.handleRealServer(w, r, true) }))
	s.mux.Handle("GET "+prefix+"/search/{term}/{$}", http.HandlerFunc(s.handleSearch))
}

// ListenAndServe starts the HTTP server with a bounded listener. It blocks
// until the server stops.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.httpServer.Serve(netutil.LimitListener(ln, maxConns))
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying handler for testing.
func (s *Server) Handler() http.Handler {
	return AccessLogMiddleware(s.mux)
}
