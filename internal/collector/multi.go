package collector

import (
	"context"
	"log"
	"strings"

	"github.com/qcss/qcss3/internal/model"
	"github.com/qcss/qcss3/internal/snmp"
)

// multiCollector aggregates several co-resident collectors over one device,
// typically keepalived and haproxy on the same host. Mapping keys from each
// sub-collector are suffixed with @{kind} so they cannot collide; scoped
// operations are routed to the sub-collector whose kind matches the suffix.
type multiCollector struct {
	name        string
	description string
	collectors  []Collector
}

func newMulti(proxy *snmp.Proxy, name, description string, factories []Factory) *multiCollector {
	m := &multiCollector{name: name, description: description}
	for _, f := range factories {
		m.collectors = append(m.collectors, f.New(proxy, name, description))
	}
	return m
}

func (m *multiCollector) Kind() string {
	kinds := make([]string, len(m.collectors))
	for i, c := range m.collectors {
		kinds[i] = c.Kind()
	}
	return strings.Join(kinds, " + ")
}

// route finds the sub-collector owning a @{kind}-suffixed id and returns the
// id with the suffix stripped.
func (m *multiCollector) route(id string) (Collector, string, error) {
	at := strings.LastIndex(id, "@")
	if at < 0 {
		return nil, "", &ParseError{ID: id, Want: "{id}@{kind}"}
	}
	bare, kind := id[:at], id[at+1:]
	for _, c := range m.collectors {
		if c.Kind() == kind {
			return c, bare, nil
		}
	}
	return nil, "", nil
}

func (m *multiCollector) Collect(ctx context.Context, vs, rs string) (*Result, error) {
	if vs == "" {
		return m.collectAll(ctx)
	}
	sub, bare, err := m.route(vs)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return &Result{}, nil
	}
	return sub.Collect(ctx, bare, rs)
}

// collectAll runs every sub-collector over the shared proxy and merges the
// trees. They run one after the other: the proxy cache is single-writer. A
// failing sub-collector is logged and left out, mirroring the per-device
// tolerance of the global refresh.
func (m *multiCollector) collectAll(ctx context.Context) (*Result, error) {
	results := make([]*model.LoadBalancer, len(m.collectors))
	for i, c := range m.collectors {
		res, err := c.Collect(ctx, "", "")
		if err != nil {
			log.Printf("[collector] %s: sub-collector %s failed: %v", m.name, c.Kind(), err)
			continue
		}
		results[i] = res.LoadBalancer
	}

	var kinds []string
	merged := model.NewLoadBalancer(m.name, "", m.description)
	for _, sub := range results {
		if sub == nil {
			continue
		}
		kinds = append(kinds, sub.Kind)
		for k, v := range sub.Extra {
			merged.Extra[k+"@"+sub.Kind] = v
		}
		for k, v := range sub.Actions {
			merged.Actions[k+"@"+sub.Kind] = v
		}
		for k, v := range sub.VirtualServers {
			merged.VirtualServers[k+"@"+sub.Kind] = v
		}
	}
	merged.Kind = strings.Join(kinds, " + ")
	return &Result{LoadBalancer: merged}, nil
}

func (m *multiCollector) Actions(ctx context.Context, vs, rs string) (map[string]string, error) {
	if vs == "" {
		return map[string]string{}, nil
	}
	sub, bare, err := m.route(vs)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return map[string]string{}, nil
	}
	return sub.Actions(ctx, bare, rs)
}

func (m *multiCollector) Execute(ctx context.Context, action string, args []string, vs, rs string) (bool, error) {
	if vs == "" {
		// Device-wide actions carry the kind suffix themselves.
		sub, bare, err := m.route(action)
		if err != nil {
			return false, err
		}
		if sub == nil {
			return false, nil
		}
		return sub.Execute(ctx, bare, args, "", "")
	}
	sub, bare, err := m.route(vs)
	if err != nil {
		return false, err
	}
	if sub == nil {
		return false, nil
	}
	return sub.Execute(ctx, action, args, bare, rs)
}
