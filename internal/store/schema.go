package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
)

// upgrade is a schema evolution applied on top of the base schema. probe is
// a query that succeeds only when the upgrade is already in place, so reruns
// are no-ops.
type upgrade struct {
	name  string
	probe string
	ddl   []string
}

var upgrades = []upgrade{
	{
		name:  "01-action",
		probe: "SELECT 1 FROM action LIMIT 1",
		ddl: []string{
			`CREATE TABLE action (
    lb     TEXT NOT NULL,
    vs     TEXT NOT NULL DEFAULT '',
    rs     TEXT NOT NULL DEFAULT '',
    action TEXT NOT NULL,
    label  TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (lb, vs, rs, action)
)`,
			"CREATE INDEX action_scope ON action (lb, vs, rs)",
		},
	},
	{
		name:  "02-past",
		probe: "SELECT 1 FROM loadbalancer_past LIMIT 1",
		ddl: []string{
			`CREATE TABLE loadbalancer_past (
    name        TEXT NOT NULL,
    type        TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created     TEXT NOT NULL,
    updated     TEXT NOT NULL,
    deleted     TEXT NOT NULL,
    PRIMARY KEY (name, deleted)
)`,
			`CREATE TABLE virtualserver_past (
    lb       TEXT NOT NULL,
    vs       TEXT NOT NULL,
    name     TEXT NOT NULL DEFAULT '',
    vip      TEXT NOT NULL DEFAULT '',
    protocol TEXT NOT NULL DEFAULT '',
    mode     TEXT NOT NULL DEFAULT '',
    created  TEXT NOT NULL,
    updated  TEXT NOT NULL,
    deleted  TEXT NOT NULL,
    PRIMARY KEY (lb, vs, deleted)
)`,
			`CREATE TABLE virtualserver_extra_past (
    lb      TEXT NOT NULL,
    vs      TEXT NOT NULL,
    key     TEXT NOT NULL,
    value   TEXT NOT NULL DEFAULT '',
    created TEXT NOT NULL,
    updated TEXT NOT NULL,
    deleted TEXT NOT NULL,
    PRIMARY KEY (lb, vs, key, deleted)
)`,
			`CREATE TABLE realserver_past (
    lb       TEXT NOT NULL,
    vs       TEXT NOT NULL,
    rs       TEXT NOT NULL,
    name     TEXT NOT NULL DEFAULT '',
    rip      TEXT NOT NULL DEFAULT '',
    port     INTEGER NOT NULL DEFAULT 0,
    protocol TEXT NOT NULL DEFAULT '',
    weight   INTEGER NOT NULL DEFAULT 0,
    rstate   TEXT NOT NULL DEFAULT 'unknown',
    sorry    INTEGER NOT NULL DEFAULT 0,
    created  TEXT NOT NULL,
    updated  TEXT NOT NULL,
    deleted  TEXT NOT NULL,
    PRIMARY KEY (lb, vs, rs, deleted)
)`,
			`CREATE TABLE realserver_extra_past (
    lb      TEXT NOT NULL,
    vs      TEXT NOT NULL,
    rs      TEXT NOT NULL,
    key     TEXT NOT NULL,
    value   TEXT NOT NULL DEFAULT '',
    created TEXT NOT NULL,
    updated TEXT NOT NULL,
    deleted TEXT NOT NULL,
    PRIMARY KEY (lb, vs, rs, key, deleted)
)`,
			`CREATE VIEW loadbalancer_full AS
    SELECT name, type, description, created, updated, deleted FROM loadbalancer
    UNION ALL
    SELECT name, type, description, created, updated, deleted FROM loadbalancer_past`,
			`CREATE VIEW virtualserver_full AS
    SELECT lb, vs, name, vip, protocol, mode, created, updated, deleted FROM virtualserver
    UNION ALL
    SELECT lb, vs, name, vip, protocol, mode, created, updated, deleted FROM virtualserver_past`,
			`CREATE VIEW virtualserver_extra_full AS
    SELECT lb, vs, key, value, created, updated, deleted FROM virtualserver_extra
    UNION ALL
    SELECT lb, vs, key, value, created, updated, deleted FROM virtualserver_extra_past`,
			`CREATE VIEW realserver_full AS
    SELECT lb, vs, rs, name, rip, port, protocol, weight, rstate, sorry, created, updated, deleted FROM realserver
    UNION ALL
    SELECT lb, vs, rs, name, rip, port, protocol, weight, rstate, sorry, created, updated, deleted FROM realserver_past`,
			`CREATE VIEW realserver_extra_full AS
    SELECT lb, vs, rs, key, value, created, updated, deleted FROM realserver_extra
    UNION ALL
    SELECT lb, vs, rs, key, value, created, updated, deleted FROM realserver_extra_past`,
		},
	},
}

// Upgrade applies pending schema evolutions in name order. Each upgrade is
// probed first and skipped when already present, so Upgrade can run at every
// startup.
func (s *Store) Upgrade() error {
	sorted := make([]upgrade, len(upgrades))
	copy(sorted, upgrades)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].name < sorted[j].name })

	for _, up := range sorted {
		var one int
		if err := s.db.QueryRow(up.probe).Scan(&one); err == nil || errors.Is(err, sql.ErrNoRows) {
			continue
		}
		log.Printf("[store] applying schema upgrade %s", up.name)
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("store: upgrade %s: %w", up.name, err)
		}
		for _, stmt := range up.ddl {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("store: upgrade %s: %w", up.name, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: upgrade %s: %w", up.name, err)
		}
	}
	return nil
}
