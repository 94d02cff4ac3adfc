// Package snmptest provides a map-backed Transport for exercising collectors
// without a live agent.
package snmptest

import (
	"context"
	"sort"
	"sync"

	"github.com/qcss/qcss3/internal/snmp"
)

// SetCall records one write issued against the fake agent.
type SetCall struct {
	OID   string
	Value any
}

// Agent is an in-memory snmp.Transport. The MIB is a flat map from canonical
// dotted OIDs (leading dot) to values. Sets mutate the map and are recorded.
type Agent struct {
	mu   sync.Mutex
	mib  map[string]any
	oids []snmp.OID

	V2   bool
	Sets []SetCall

	// BulkSize bounds getbulk responses; zero means 20.
	BulkSize int
	// Err, when set, is returned from every request.
	Err error
}

// NewAgent builds a fake agent serving the given MIB.
func NewAgent(mib map[string]any) *Agent {
	a := &Agent{mib: map[string]any{}}
	for oid, value := range mib {
		a.mib[snmp.JoinOID(oid)] = value
	}
	a.reindex()
	return a
}

func (a *Agent) reindex() {
	a.oids = a.oids[:0]
	for key := range a.mib {
		a.oids = append(a.oids, snmp.MustParseOID(key))
	}
	sort.Slice(a.oids, func(i, j int) bool { return a.oids[i].Compare(a.oids[j]) < 0 })
}

func (a *Agent) Get(ctx context.Context, oids []string) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return nil, a.Err
	}
	results := make(map[string]any, len(oids))
	for _, oid := range oids {
		key := snmp.JoinOID(oid)
		if value, ok := a.mib[key]; ok {
			results[key] = value
		}
	}
	if len(results) == 0 && len(oids) > 0 {
		return nil, snmp.ErrNoSuchObject
	}
	return results, nil
}

func (a *Agent) GetNext(ctx context.Context, oid string) ([]snmp.VarBind, error) {
	return a.next(oid, 1)
}

func (a *Agent) GetBulk(ctx context.Context, oid string) ([]snmp.VarBind, error) {
	n := a.BulkSize
	if n == 0 {
		n = 20
	}
	return a.next(oid, n)
}

func (a *Agent) next(oid string, n int) ([]snmp.VarBind, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return nil, a.Err
	}
	start, err := snmp.ParseOID(oid)
	if err != nil {
		return nil, err
	}
	var vbs []snmp.VarBind
	for _, candidate := range a.oids {
		if candidate.Compare(start) <= 0 {
			continue
		}
		vbs = append(vbs, snmp.VarBind{OID: candidate, Value: a.mib[candidate.String()]})
		if len(vbs) == n {
			break
		}
	}
	if len(vbs) == 0 {
		return nil, snmp.ErrNoSuchObject
	}
	return vbs, nil
}

func (a *Agent) Set(ctx context.Context, oid string, value any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return a.Err
	}
	key := snmp.JoinOID(oid)
	a.Sets = append(a.Sets, SetCall{OID: key, Value: value})
	if _, ok := a.mib[key]; !ok {
		a.mib[key] = value
		a.reindex()
		return nil
	}
	a.mib[key] = value
	return nil
}

func (a *Agent) UseVersion2() { a.V2 = true }

func (a *Agent) Close() error { return nil }

// Put inserts or replaces one MIB entry, for scenarios where the device
// state changes between polls.
func (a *Agent) Put(oid string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mib[snmp.JoinOID(oid)] = value
	a.reindex()
}

// Delete removes one MIB entry.
func (a *Agent) Delete(oid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.mib, snmp.JoinOID(oid))
	a.reindex()
}
