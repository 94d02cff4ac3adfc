package meta

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"

	"golang.org/x/net/netutil"

	"github.com/qcss/qcss3/internal/store"
	"github.com/qcss/qcss3/internal/web"
)

// maxConns caps concurrent federation connections.
const maxConns = 256

// Server is the federation endpoint. It serves the same API as the
// backends, answering device lists and searches from fleet-wide fan-outs
// and relaying device-scoped requests to a backend that knows the device.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	fleet      *Fleet
	stop       chan struct{}
}

// NewServer creates the federation server.
func NewServer(listenAddress string, port int, fleet *Fleet) *Server {
	s := &Server{
		mux:   http.NewServeMux(),
		fleet: fleet,
		stop:  make(chan struct{}),
	}

	s.mux.Handle("GET /healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		web.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))
	for _, prefix := range []string{"/api/1.0", "/api/1.0/past/{date}"} {
		s.mux.Handle("GET "+prefix+"/status/{$}", http.HandlerFunc(s.handleStatus))
		s.mux.Handle("GET "+prefix+"/loadbalancer/{$}", http.HandlerFunc(s.handleLoadBalancers))
		s.mux.Handle("GET "+prefix+"/search/{term}/{$}", http.HandlerFunc(s.handleSearch))
		s.mux.Handle("GET "+prefix+"/loadbalancer/{lb}/{rest...}", http.HandlerFunc(s.handleProxy))
	}

	s.httpServer = &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: web.AccessLogMiddleware(s.mux),
	}
	return s
}

// ListenAndServe starts the federation server and the fleet map garbage
// collection. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.fleet.Start(s.stop)
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.httpServer.Serve(netutil.LimitListener(ln, maxConns))
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stop)
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying handler for testing.
func (s *Server) Handler() http.Handler {
	return web.AccessLogMiddleware(s.mux)
}

// resolveDate validates the past date before it goes near a backend, so a
// malformed date answers 400 instead of a fleet-wide failure.
func resolveDate(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := r.PathValue("date")
	if raw == "" {
		return "", true
	}
	date, err := store.NormalizePastDate(raw)
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return "", false
	}
	return date, true
}

func writeMetaError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrAllBackendsFailed) {
		web.WriteError(w, http.StatusGatewayTimeout, "FEDERATION_FAILED", err.Error())
		return
	}
	web.WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
}

func (s *Server) handleLoadBalancers(w http.ResponseWriter, r *http.Request) {
	date, ok := resolveDate(w, r)
	if !ok {
		return
	}
	names, err := s.fleet.Names(r.Context(), date)
	if err != nil {
		writeMetaError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	web.WriteJSON(w, http.StatusOK, names)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	date, ok := resolveDate(w, r)
	if !ok {
		return
	}
	term := r.PathValue("term")
	paths, err := s.fleet.Collect(r.Context(), date, func(ctx context.Context, backend string) ([]string, error) {
		var items []string
		err := s.fleet.client.Get(ctx, backend+apiPath(date)+"/search/"+term+"/", &items)
		return items, err
	})
	if err != nil {
		writeMetaError(w, err)
		return
	}
	if paths == nil {
		paths = []string{}
	}
	web.WriteJSON(w, http.StatusOK, paths)
}

// handleProxy relays a device-scoped request to a backend knowing the
// device. Backends answering 5xx or unreachable are skipped; a clean 404
// moves on to the next backend in case another one carries the entity.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	date, ok := resolveDate(w, r)
	if !ok {
		return
	}
	lb := r.PathValue("lb")
	lbs, err := s.fleet.Map(r.Context(), date)
	if err != nil {
		writeMetaError(w, err)
		return
	}
	candidates := lbs[lb]
	if len(candidates) == 0 {
		web.WriteError(w, http.StatusNotFound, "NOT_FOUND", "unknown load balancer "+lb)
		return
	}

	sawNotFound := false
	for _, backend := range candidates {
		body, status, err := s.fleet.client.GetRaw(r.Context(), backend+r.URL.Path)
		countBackendRequest(err)
		if err != nil || status >= http.StatusInternalServerError {
			log.Printf("[meta] backend %s: status %d err %v", backend, status, err)
			continue
		}
		if status == http.StatusNotFound {
			sawNotFound = true
			continue
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("X-QCss-Server", backend)
		w.WriteHeader(status)
		w.Write(body)
		return
	}
	if sawNotFound {
		web.WriteError(w, http.StatusNotFound, "NOT_FOUND", "not found on any backend")
		return
	}
	web.WriteError(w, http.StatusGatewayTimeout, "FEDERATION_FAILED", ErrAllBackendsFailed.Error())
}

// handleStatus reports which backends serve each device in the requested
// temporal context.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	date, ok := resolveDate(w, r)
	if !ok {
		return
	}
	lbs, err := s.fleet.Map(r.Context(), date)
	if err != nil {
		writeMetaError(w, err)
		return
	}
	if lbs == nil {
		lbs = map[string][]string{}
	}
	web.WriteJSON(w, http.StatusOK, lbs)
}
