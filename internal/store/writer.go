package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/qcss/qcss3/internal/metrics"
	"github.com/qcss/qcss3/internal/model"
)

// Column lists shared by the live and past variants of each table. deleted
// is always last so a close can reuse the list with a fresh closing date.
const (
	lbCols  = "name, type, description, created, updated, deleted"
	vsCols  = "lb, vs, name, vip, protocol, mode, created, updated, deleted"
	vseCols = "lb, vs, key, value, created, updated, deleted"
	rsCols  = "lb, vs, rs, name, rip, port, protocol, weight, rstate, sorry, created, updated, deleted"
	rseCols = "lb, vs, rs, key, value, created, updated, deleted"
)

func (s *Store) commit(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	metrics.StoreWrites.Inc()
	return nil
}

func (s *Store) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	if _, err := tx.ExecContext(ctx, s.d.rebind(query), args...); err != nil {
		return fmt.Errorf("store: %s: %w", strings.Fields(query)[0], err)
	}
	return nil
}

// close moves the live rows matching cond to the past table, stamped with
// the closing date. Live rows only ever hold the current generation, so a
// close is an insert-select plus a delete.
func (s *Store) close(ctx context.Context, tx *sql.Tx, table, cols, now, cond string, args ...any) error {
	sel := strings.TrimSuffix(cols, ", deleted")
	ins := "INSERT INTO " + table + "_past (" + cols + ") SELECT " + sel + ", ? FROM " + table + " WHERE " + cond
	insArgs := append([]any{now}, args...)
	if err := s.exec(ctx, tx, ins, insArgs...); err != nil {
		return err
	}
	return s.exec(ctx, tx, "DELETE FROM "+table+" WHERE "+cond, args...)
}

func sortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// WriteLoadBalancer supersedes the whole stored tree of a device with a
// fresh snapshot in one transaction: the previous generation moves to the
// past tables and the new rows are inserted with a single timestamp. A nil
// snapshot is a no-op.
func (s *Store) WriteLoadBalancer(ctx context.Context, lb *model.LoadBalancer) error {
	if lb == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()
	now := timestamp(time.Now())

	closes := []struct{ table, cols, cond string }{
		{"loadbalancer", lbCols, "name = ?"},
		{"virtualserver", vsCols, "lb = ?"},
		{"virtualserver_extra", vseCols, "lb = ?"},
		{"realserver", rsCols, "lb = ?"},
		{"realserver_extra", rseCols, "lb = ?"},
	}
	for _, c := range closes {
		if err := s.close(ctx, tx, c.table, c.cols, now, c.cond, lb.Name); err != nil {
			return err
		}
	}

	err = s.exec(ctx, tx, "INSERT INTO loadbalancer ("+lbCols+") VALUES (?, ?, ?, ?, ?, ?)",
		lb.Name, lb.Kind, lb.Description, now, now, Infinity)
	if err != nil {
		return err
	}
	for _, vsID := range sortedIDs(lb.VirtualServers) {
		if err := s.insertVirtualServer(ctx, tx, now, lb.Name, vsID, lb.VirtualServers[vsID]); err != nil {
			return err
		}
	}

	if err := s.exec(ctx, tx, "DELETE FROM action WHERE lb = ?", lb.Name); err != nil {
		return err
	}
	if err := s.insertActions(ctx, tx, lb.Name, "", "", lb.Actions); err != nil {
		return err
	}
	for _, vsID := range sortedIDs(lb.VirtualServers) {
		vs := lb.VirtualServers[vsID]
		if err := s.insertActions(ctx, tx, lb.Name, vsID, "", vs.Actions); err != nil {
			return err
		}
		for _, rsID := range sortedIDs(vs.RealServers) {
			if err := s.insertActions(ctx, tx, lb.Name, vsID, rsID, vs.RealServers[rsID].Actions); err != nil {
				return err
			}
		}
	}
	return s.commit(tx)
}

// WriteVirtualServer supersedes one virtual server subtree. A nil virtual
// server is a no-op.
func (s *Store) WriteVirtualServer(ctx context.Context, lbName, vsID string, vs *model.VirtualServer) error {
	if vs == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()
	now := timestamp(time.Now())

	closes := []struct{ table, cols string }{
		{"virtualserver", vsCols},
		{"virtualserver_extra", vseCols},
		{"realserver", rsCols},
		{"realserver_extra", rseCols},
	}
	for _, c := range closes {
		if err := s.close(ctx, tx, c.table, c.cols, now, "lb = ? AND vs = ?", lbName, vsID); err != nil {
			return err
		}
	}
	if err := s.insertVirtualServer(ctx, tx, now, lbName, vsID, vs); err != nil {
		return err
	}

	if err := s.exec(ctx, tx, "DELETE FROM action WHERE lb = ? AND vs = ?", lbName, vsID); err != nil {
		return err
	}
	if err := s.insertActions(ctx, tx, lbName, vsID, "", vs.Actions); err != nil {
		return err
	}
	for _, rsID := range sortedIDs(vs.RealServers) {
		if err := s.insertActions(ctx, tx, lbName, vsID, rsID, vs.RealServers[rsID].Actions); err != nil {
			return err
		}
	}
	return s.commit(tx)
}

// WriteRealServer supersedes one real server. A nil real server is a no-op.
func (s *Store) WriteRealServer(ctx context.Context, lbName, vsID, rsID string, rs *model.RealServer) error {
	if rs == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()
	now := timestamp(time.Now())

	cond := "lb = ? AND vs = ? AND rs = ?"
	if err := s.close(ctx, tx, "realserver", rsCols, now, cond, lbName, vsID, rsID); err != nil {
		return err
	}
	if err := s.close(ctx, tx, "realserver_extra", rseCols, now, cond, lbName, vsID, rsID); err != nil {
		return err
	}
	if err := s.insertRealServer(ctx, tx, now, lbName, vsID, rsID, rs); err != nil {
		return err
	}

	if err := s.exec(ctx, tx, "DELETE FROM action WHERE "+cond, lbName, vsID, rsID); err != nil {
		return err
	}
	if err := s.insertActions(ctx, tx, lbName, vsID, rsID, rs.Actions); err != nil {
		return err
	}
	return s.commit(tx)
}

// Expire closes every device whose last refresh is older than the given
// number of days. Stale children stay invisible behind the closed device row
// and are superseded on the next successful poll.
func (s *Store) Expire(ctx context.Context, days int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()
	now := time.Now()
	cutoff := timestamp(now.AddDate(0, 0, -days))
	if err := s.close(ctx, tx, "loadbalancer", lbCols, timestamp(now), "updated < ?", cutoff); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) insertVirtualServer(ctx context.Context, tx *sql.Tx, now, lbName, vsID string, vs *model.VirtualServer) error {
	err := s.exec(ctx, tx, "INSERT INTO virtualserver ("+vsCols+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		lbName, vsID, vs.Name, vs.VIP, vs.Protocol, vs.Mode, now, now, Infinity)
	if err != nil {
		return err
	}
	for _, key := range sortedIDs(vs.Extra) {
		err := s.exec(ctx, tx, "INSERT INTO virtualserver_extra ("+vseCols+") VALUES (?, ?, ?, ?, ?, ?, ?)",
			lbName, vsID, key, vs.Extra[key], now, now, Infinity)
		if err != nil {
			return err
		}
	}
	for _, rsID := range sortedIDs(vs.RealServers) {
		if err := s.insertRealServer(ctx, tx, now, lbName, vsID, rsID, vs.RealServers[rsID]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertRealServer(ctx context.Context, tx *sql.Tx, now, lbName, vsID, rsID string, rs *model.RealServer) error {
	err := s.exec(ctx, tx, "INSERT INTO realserver ("+rsCols+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		lbName, vsID, rsID, rs.Name, rs.RIP, rs.RPort, rs.Protocol, rs.Weight, string(rs.State), boolInt(rs.Sorry), now, now, Infinity)
	if err != nil {
		return err
	}
	for _, key := range sortedIDs(rs.Extra) {
		err := s.exec(ctx, tx, "INSERT INTO realserver_extra ("+rseCols+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			lbName, vsID, rsID, key, rs.Extra[key], now, now, Infinity)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertActions(ctx context.Context, tx *sql.Tx, lbName, vsID, rsID string, actions map[string]string) error {
	for _, action := range sortedIDs(actions) {
		err := s.exec(ctx, tx, "INSERT INTO action (lb, vs, rs, action, label) VALUES (?, ?, ?, ?, ?)",
			lbName, vsID, rsID, action, actions[action])
		if err != nil {
			return err
		}
	}
	return nil
}
