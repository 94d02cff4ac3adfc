package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"time"
)

// ErrNotFound reports a lookup for an entity with no row in the requested
// temporal context.
var ErrNotFound = errors.New("store: not found")

// LoadBalancerInfo is the detail view of a device.
type LoadBalancerInfo struct {
	Name        string
	Type        string
	Description string
}

// VirtualServerRow is one entry of a virtual server listing.
type VirtualServerRow struct {
	ID   string
	Name string
	VIP  string
}

// VirtualServerDetail is the detail view of a virtual server.
type VirtualServerDetail struct {
	Name     string
	VIP      string
	Protocol string
	Mode     string
	Extra    map[string]string
}

// RealServerRow is one entry of a real or sorry server listing.
type RealServerRow struct {
	ID    string
	Name  string
	State string
}

// RealServerDetail is the detail view of a real or sorry server.
type RealServerDetail struct {
	Name     string
	RIP      string
	RPort    int
	Protocol string
	Weight   int
	State    string
	Sorry    bool
	Extra    map[string]string
}

// temporal selects the table variant and row filter for a read. An empty
// date reads the live tables; otherwise the _full views are filtered to the
// rows whose validity interval contains the date.
func temporal(date string) (suffix, cond string, args []any) {
	if date == "" {
		return "", "deleted = '" + Infinity + "'", nil
	}
	return "_full", "created <= ? AND ? < deleted", []any{date, date}
}

// LoadBalancerNames lists the devices known in the given temporal context.
func (s *Store) LoadBalancerNames(ctx context.Context, date string) ([]string, error) {
	suffix, cond, args := temporal(date)
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		"SELECT name FROM loadbalancer"+suffix+" WHERE "+cond+" ORDER BY name"), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list load balancers: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// GetLoadBalancer returns the detail view of one device.
func (s *Store) GetLoadBalancer(ctx context.Context, date, name string) (*LoadBalancerInfo, error) {
	suffix, cond, targs := temporal(date)
	args := append([]any{name}, targs...)
	var info LoadBalancerInfo
	err := s.db.QueryRowContext(ctx, s.d.rebind(
		"SELECT name, type, description FROM loadbalancer"+suffix+" WHERE name = ? AND "+cond), args...).
		Scan(&info.Name, &info.Type, &info.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get load balancer: %w", err)
	}
	return &info, nil
}

// VirtualServers lists the virtual servers of a device.
func (s *Store) VirtualServers(ctx context.Context, date, lb string) ([]VirtualServerRow, error) {
	suffix, cond, targs := temporal(date)
	args := append([]any{lb}, targs...)
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		"SELECT vs, name, vip FROM virtualserver"+suffix+" WHERE lb = ? AND "+cond+" ORDER BY vs"), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list virtual servers: %w", err)
	}
	defer rows.Close()
	var out []VirtualServerRow
	for rows.Next() {
		var r VirtualServerRow
		if err := rows.Scan(&r.ID, &r.Name, &r.VIP); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RealServerStates returns the states of the primary servers of a virtual
// server, for state aggregation.
func (s *Store) RealServerStates(ctx context.Context, date, lb, vs string) ([]string, error) {
	suffix, cond, targs := temporal(date)
	args := append([]any{lb, vs}, targs...)
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		"SELECT rstate FROM realserver"+suffix+" WHERE lb = ? AND vs = ? AND sorry = 0 AND "+cond), args...)
	if err != nil {
		return nil, fmt.Errorf("store: real server states: %w", err)
	}
	defer rows.Close()
	var states []string
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// GetVirtualServer returns the detail view of a virtual server, extra
// attributes included.
func (s *Store) GetVirtualServer(ctx context.Context, date, lb, vs string) (*VirtualServerDetail, error) {
	suffix, cond, targs := temporal(date)
	args := append([]any{lb, vs}, targs...)
	var d VirtualServerDetail
	err := s.db.QueryRowContext(ctx, s.d.rebind(
		"SELECT name, vip, protocol, mode FROM virtualserver"+suffix+" WHERE lb = ? AND vs = ? AND "+cond), args...).
		Scan(&d.Name, &d.VIP, &d.Protocol, &d.Mode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get virtual server: %w", err)
	}
	d.Extra = map[string]string{}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		"SELECT key, value FROM virtualserver_extra"+suffix+" WHERE lb = ? AND vs = ? AND "+cond), args...)
	if err != nil {
		return nil, fmt.Errorf("store: virtual server extra: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		d.Extra[k] = v
	}
	return &d, rows.Err()
}

// RealServers lists the primary or sorry servers of a virtual server.
func (s *Store) RealServers(ctx context.Context, date, lb, vs string, sorry bool) ([]RealServerRow, error) {
	suffix, cond, targs := temporal(date)
	args := append([]any{lb, vs, boolInt(sorry)}, targs...)
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		"SELECT rs, name, rstate FROM realserver"+suffix+" WHERE lb = ? AND vs = ? AND sorry = ? AND "+cond+" ORDER BY rs"), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list real servers: %w", err)
	}
	defer rows.Close()
	var out []RealServerRow
	for rows.Next() {
		var r RealServerRow
		if err := rows.Scan(&r.ID, &r.Name, &r.State); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRealServer returns the detail view of one real or sorry server.
func (s *Store) GetRealServer(ctx context.Context, date, lb, vs, rs string, sorry bool) (*RealServerDetail, error) {
	suffix, cond, targs := temporal(date)
	args := append([]any{lb, vs, rs, boolInt(sorry)}, targs...)
	var d RealServerDetail
	var sorryInt int
	err := s.db.QueryRowContext(ctx, s.d.rebind(
		"SELECT name, rip, port, protocol, weight, rstate, sorry FROM realserver"+suffix+
			" WHERE lb = ? AND vs = ? AND rs = ? AND sorry = ? AND "+cond), args...).
		Scan(&d.Name, &d.RIP, &d.RPort, &d.Protocol, &d.Weight, &d.State, &sorryInt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get real server: %w", err)
	}
	d.Sorry = sorryInt != 0
	d.Extra = map[string]string{}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		"SELECT key, value FROM realserver_extra"+suffix+" WHERE lb = ? AND vs = ? AND rs = ? AND "+cond),
		append([]any{lb, vs, rs}, targs...)...)
	if err != nil {
		return nil, fmt.Errorf("store: real server extra: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		d.Extra[k] = v
	}
	return &d, rows.Err()
}

// Actions returns the stored actions of one scope. Actions reflect the live
// configuration only; they have no past.
func (s *Store) Actions(ctx context.Context, lb, vs, rs string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		"SELECT action, label FROM action WHERE lb = ? AND vs = ? AND rs = ?"), lb, vs, rs)
	if err != nil {
		return nil, fmt.Errorf("store: actions: %w", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var action, label string
		if err := rows.Scan(&action, &label); err != nil {
			return nil, err
		}
		out[action] = label
	}
	return out, rows.Err()
}

// LastUpdated returns the refresh time of the narrowest live entity named by
// the scope, for the refresh-on-read staleness check.
func (s *Store) LastUpdated(ctx context.Context, lb, vs, rs string) (time.Time, error) {
	var query string
	var args []any
	switch {
	case rs != "":
		query = "SELECT updated FROM realserver WHERE lb = ? AND vs = ? AND rs = ?"
		args = []any{lb, vs, rs}
	case vs != "":
		query = "SELECT updated FROM virtualserver WHERE lb = ? AND vs = ?"
		args = []any{lb, vs}
	default:
		query = "SELECT updated FROM loadbalancer WHERE name = ?"
		args = []any{lb}
	}
	var raw string
	err := s.db.QueryRowContext(ctx, s.d.rebind(query), args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("store: last updated: %w", err)
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: last updated: %w", err)
	}
	return t, nil
}

// searchFragment is one independent query of a search. Each fragment yields
// API paths; a failing fragment is logged and skipped so one bad query does
// not empty the whole result.
type searchFragment struct {
	query string
	path  func(cols []string) string
	ncols int
}

// Search runs the term through every search fragment and returns the merged
// API paths, order preserved, duplicates removed.
func (s *Store) Search(ctx context.Context, date, term string) ([]string, error) {
	suffix, cond, targs := temporal(date)
	ilike := s.d.ilike()
	pattern := "%" + term + "%"

	lbPath := func(cols []string) string {
		return "/loadbalancer/" + url.PathEscape(cols[0]) + "/"
	}
	vsPath := func(cols []string) string {
		return "/loadbalancer/" + url.PathEscape(cols[0]) + "/virtualserver/" + url.PathEscape(cols[1]) + "/"
	}
	rsPath := func(cols []string) string {
		return "/loadbalancer/" + url.PathEscape(cols[0]) + "/virtualserver/" + url.PathEscape(cols[1]) +
			"/realserver/" + url.PathEscape(cols[2]) + "/"
	}

	var fragments []struct {
		f    searchFragment
		args []any
	}
	add := func(query string, ncols int, path func([]string) string, args ...any) {
		fragments = append(fragments, struct {
			f    searchFragment
			args []any
		}{searchFragment{query: query, path: path, ncols: ncols}, append(args, targs...)})
	}

	add("SELECT name FROM loadbalancer"+suffix+
		" WHERE (name "+ilike+" ? OR description "+ilike+" ? OR type "+ilike+" ?) AND "+cond+" ORDER BY name",
		1, lbPath, pattern, pattern, pattern)

	if ip := net.ParseIP(term); ip != nil {
		add("SELECT lb, vs FROM virtualserver"+suffix+
			" WHERE (vip = ? OR vip LIKE ?) AND "+cond+" ORDER BY lb, vs",
			2, vsPath, term, term+":%")
		add("SELECT lb, vs, rs FROM realserver"+suffix+
			" WHERE rip = ? AND "+cond+" ORDER BY lb, vs, rs",
			3, rsPath, term)
	} else {
		add("SELECT lb, vs FROM virtualserver"+suffix+
			" WHERE (name "+ilike+" ? OR vip "+ilike+" ? OR mode "+ilike+" ?) AND "+cond+" ORDER BY lb, vs",
			2, vsPath, pattern, pattern, pattern)
		add("SELECT lb, vs, rs FROM realserver"+suffix+
			" WHERE (name "+ilike+" ? OR rip "+ilike+" ?) AND "+cond+" ORDER BY lb, vs, rs",
			3, rsPath, pattern, pattern)
	}

	add("SELECT lb, vs FROM virtualserver_extra"+suffix+
		" WHERE value "+ilike+" ? AND "+cond+" ORDER BY lb, vs",
		2, vsPath, pattern)
	add("SELECT lb, vs, rs FROM realserver_extra"+suffix+
		" WHERE value "+ilike+" ? AND "+cond+" ORDER BY lb, vs, rs",
		3, rsPath, pattern)

	var paths []string
	seen := map[string]bool{}
	for _, fr := range fragments {
		rows, err := s.db.QueryContext(ctx, s.d.rebind(fr.f.query), fr.args...)
		if err != nil {
			log.Printf("[store] search fragment failed: %v", err)
			continue
		}
		cols := make([]string, fr.f.ncols)
		ptrs := make([]any, fr.f.ncols)
		for i := range cols {
			ptrs[i] = &cols[i]
		}
		for rows.Next() {
			if err := rows.Scan(ptrs...); err != nil {
				rows.Close()
				return nil, err
			}
			p := fr.f.path(cols)
			if !seen[p] {
				seen[p] = true
				paths = append(paths, p)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return paths, nil
}
