package web

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/qcss/qcss3/internal/store"
)

// Staleness thresholds for refresh-on-read. Real servers change fast and
// are re-polled aggressively; device and virtual server views tolerate a
// few minutes.
const (
	realServerMaxAge = 10 * time.Second
	defaultMaxAge    = 300 * time.Second
)

// resolveDate extracts and normalises the past date of the request. Live
// routes have no date segment and read the current tables.
func (s *Server) resolveDate(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := r.PathValue("date")
	if raw == "" {
		return "", true
	}
	date, err := store.NormalizePastDate(raw)
	if err != nil {
		writeStatusError(w, err)
		return "", false
	}
	return date, true
}

// maybeRefresh re-polls a scope whose stored view is stale. Past reads are
// never refreshed. A failing poll is logged and the stored view served.
func (s *Server) maybeRefresh(r *http.Request, date, lb, vs, rs string) {
	if date != "" || s.refresher == nil {
		return
	}
	maxAge := defaultMaxAge
	if rs != "" {
		maxAge = realServerMaxAge
	}
	updated, err := s.store.LastUpdated(r.Context(), lb, vs, rs)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("[web] staleness check %s/%s/%s: %v", lb, vs, rs, err)
		return
	}
	if err == nil && time.Since(updated) <= maxAge {
		return
	}
	if err := s.refresher.Refresh(r.Context(), lb, vs, rs); err != nil {
		log.Printf("[web] refresh %s/%s/%s: %v", lb, vs, rs, err)
	}
}

func (s *Server) handleLoadBalancers(w http.ResponseWriter, r *http.Request) {
	date, ok := s.resolveDate(w, r)
	if !ok {
		return
	}
	names, err := s.store.LoadBalancerNames(r.Context(), date)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	WriteJSON(w, http.StatusOK, names)
}

type loadBalancerResponse struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

func (s *Server) handleLoadBalancer(w http.ResponseWriter, r *http.Request) {
	date, ok := s.resolveDate(w, r)
	if !ok {
		return
	}
	lb := r.PathValue("lb")
	s.maybeRefresh(r, date, lb, "", "")
	info, err := s.store.GetLoadBalancer(r.Context(), date, lb)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, loadBalancerResponse{
		Name:        info.Name,
		Type:        info.Type,
		Description: info.Description,
	})
}

type virtualServerRowResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	VIP   string `json:"vip"`
	State string `json:"state"`
}

func (s *Server) handleVirtualServers(w http.ResponseWriter, r *http.Request) {
	date, ok := s.resolveDate(w, r)
	if !ok {
		return
	}
	lb := r.PathValue("lb")
	rows, err := s.store.VirtualServers(r.Context(), date, lb)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	out := make([]virtualServerRowResponse, 0, len(rows))
	for _, row := range rows {
		states, err := s.store.RealServerStates(r.Context(), date, lb, row.ID)
		if err != nil {
			writeStatusError(w, err)
			return
		}
		out = append(out, virtualServerRowResponse{
			ID:    row.ID,
			Name:  row.Name,
			VIP:   row.VIP,
			State: AggregateState(states),
		})
	}
	WriteJSON(w, http.StatusOK, out)
}

type virtualServerResponse struct {
	Name     string            `json:"name"`
	VIP      string            `json:"vip"`
	Protocol string            `json:"protocol"`
	Mode     string            `json:"mode"`
	State    string            `json:"state"`
	Extra    map[string]string `json:"extra"`
}

func (s *Server) handleVirtualServer(w http.ResponseWriter, r *http.Request) {
	date, ok := s.resolveDate(w, r)
	if !ok {
		return
	}
	lb, vs := r.PathValue("lb"), r.PathValue("vs")
	s.maybeRefresh(r, date, lb, vs, "")
	detail, err := s.store.GetVirtualServer(r.Context(), date, lb, vs)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	states, err := s.store.RealServerStates(r.Context(), date, lb, vs)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, virtualServerResponse{
		Name:     detail.Name,
		VIP:      detail.VIP,
		Protocol: detail.Protocol,
		Mode:     detail.Mode,
		State:    AggregateState(states),
		Extra:    detail.Extra,
	})
}

type realServerRowResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

func (s *Server) handleRealServers(w http.ResponseWriter, r *http.Request, sorry bool) {
	date, ok := s.resolveDate(w, r)
	if !ok {
		return
	}
	lb, vs := r.PathValue("lb"), r.PathValue("vs")
	rows, err := s.store.RealServers(r.Context(), date, lb, vs, sorry)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	out := make([]realServerRowResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, realServerRowResponse{ID: row.ID, Name: row.Name, State: row.State})
	}
	WriteJSON(w, http.StatusOK, out)
}

type realServerResponse struct {
	Name     string            `json:"name"`
	RIP      string            `json:"rip"`
	RPort    int               `json:"rport"`
	Protocol string            `json:"protocol"`
	Weight   int               `json:"weight"`
	State    string            `json:"state"`
	Sorry    bool              `json:"sorry"`
	Extra    map[string]string `json:"extra"`
}

func (s *Server) handleRealServer(w http.ResponseWriter, r *http.Request, sorry bool) {
	date, ok := s.resolveDate(w, r)
	if !ok {
		return
	}
	lb, vs, rs := r.PathValue("lb"), r.PathValue("vs"), r.PathValue("rs")
	s.maybeRefresh(r, date, lb, vs, rs)
	detail, err := s.store.GetRealServer(r.Context(), date, lb, vs, rs, sorry)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, realServerResponse{
		Name:     detail.Name,
		RIP:      detail.RIP,
		RPort:    detail.RPort,
		Protocol: detail.Protocol,
		Weight:   detail.Weight,
		State:    detail.State,
		Sorry:    detail.Sorry,
		Extra:    detail.Extra,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.refresher == nil {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "collector service disabled")
		return
	}
	lb, vs, rs := r.PathValue("lb"), r.PathValue("vs"), r.PathValue("rs")
	start := time.Now()
	if err := s.refresher.Refresh(r.Context(), lb, vs, rs); err != nil {
		writeStatusError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, fmt.Sprintf("Refreshed in %d second(s)", int(time.Since(start).Seconds())))
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if s.refresher == nil {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "collector service disabled")
		return
	}
	lb, vs, rs := r.PathValue("lb"), r.PathValue("vs"), r.PathValue("rs")
	actions, err := s.refresher.ListActions(r.Context(), lb, vs, rs)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	if actions == nil {
		actions = map[string]string{}
	}
	WriteJSON(w, http.StatusOK, actions)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if s.refresher == nil {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "collector service disabled")
		return
	}
	lb, vs, rs := r.PathValue("lb"), r.PathValue("vs"), r.PathValue("rs")
	action := r.PathValue("action")
	var args []string
	for _, a := range strings.Split(r.PathValue("args"), "/") {
		if a != "" {
			args = append(args, a)
		}
	}
	done, err := s.refresher.ExecuteAction(r.Context(), lb, vs, rs, action, args)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	if !done {
		WriteError(w, http.StatusNotFound, "ACTION_UNKNOWN", "unknown action "+action)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "executed"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	date, ok := s.resolveDate(w, r)
	if !ok {
		return
	}
	paths, err := s.store.Search(r.Context(), date, r.PathValue("term"))
	if err != nil {
		writeStatusError(w, err)
		return
	}
	if paths == nil {
		paths = []string{}
	}
	WriteJSON(w, http.StatusOK, paths)
}
