package collector

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/qcss/qcss3/internal/model"
	"github.com/qcss/qcss3/internal/snmp"
	"github.com/qcss/qcss3/internal/snmp/snmptest"
)

type fakeWriter struct {
	mu      sync.Mutex
	lbs     map[string]*model.LoadBalancer
	vss     int
	rss     int
	lastRS  string
	expired []int
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{lbs: map[string]*model.LoadBalancer{}}
}

func (w *fakeWriter) WriteLoadBalancer(ctx context.Context, lb *model.LoadBalancer) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lbs[lb.Name] = lb
	return nil
}

func (w *fakeWriter) WriteVirtualServer(ctx context.Context, lbName, vsID string, vs *model.VirtualServer) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.vss++
	return nil
}

func (w *fakeWriter) WriteRealServer(ctx context.Context, lbName, vsID, rsID string, rs *model.RealServer) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rss++
	w.lastRS = rsID
	return nil
}

func (w *fakeWriter) Expire(ctx context.Context, days int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expired = append(w.expired, days)
	return nil
}

// testDispatcher wires a dispatcher to fake transports. agents maps the
// community string to the agent served for it.
func testDispatcher(t *testing.T, cfg Config, agents map[string]snmp.Transport) (*Dispatcher, *fakeWriter) {
	t.Helper()
	writer := newFakeWriter()
	d, err := NewDispatcher(cfg, writer)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(d.Close)
	d.SetTransportFactory(func(host, community string) (snmp.Transport, error) {
		agent, ok := agents[community]
		if !ok {
			return nil, errors.New("no agent for community " + community)
		}
		return agent, nil
	})
	return d, writer
}

func TestDispatcherRefreshDevice(t *testing.T) {
	agent := snmptest.NewAgent(alteonMIB())
	cfg := Config{
		Devices: map[string]Community{"192.0.2.10": {RO: "public"}},
		Bulk:    true,
		Expire:  30,
	}
	d, writer := testDispatcher(t, cfg, map[string]snmp.Transport{"public": agent})

	if err := d.Refresh(context.Background(), "192.0.2.10", "", ""); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	lb := writer.lbs["192.0.2.10"]
	if lb == nil {
		t.Fatal("load balancer not persisted")
	}
	if lb.Kind != "AAS" {
		t.Errorf("Kind = %q", lb.Kind)
	}
	if _, ok := lb.VirtualServers["v1s1g3"]; !ok {
		t.Errorf("virtual servers = %v", lb.VirtualServers)
	}
	// The collector was selected on v1, then upgraded.
	if !agent.V2 {
		t.Error("transport not upgraded to v2c")
	}
	if len(d.inflight) != 0 {
		t.Errorf("inflight not drained: %v", d.inflight)
	}
}

func TestDispatcherGlobalRefresh(t *testing.T) {
	agent := snmptest.NewAgent(alteonMIB())
	cfg := Config{
		Devices: map[string]Community{"192.0.2.10": {RO: "public"}},
		Bulk:    true,
		Expire:  30,
	}
	d, writer := testDispatcher(t, cfg, map[string]snmp.Transport{"public": agent})

	if err := d.Refresh(context.Background(), "", "", ""); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if writer.lbs["192.0.2.10"] == nil {
		t.Error("device not refreshed")
	}
	if len(writer.expired) != 1 || writer.expired[0] != 30 {
		t.Errorf("expiry sweep = %v", writer.expired)
	}
}

func TestDispatcherUnknownDevice(t *testing.T) {
	d, _ := testDispatcher(t, Config{Devices: map[string]Community{}}, nil)
	err := d.Refresh(context.Background(), "192.0.2.99", "", "")
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Errorf("err = %v, want ConfigError", err)
	}
}

func TestDispatcherNoPlugin(t *testing.T) {
	agent := snmptest.NewAgent(map[string]any{
		".1.3.6.1.2.1.1.1.0": "some printer",
		".1.3.6.1.2.1.1.2.0": ".1.3.6.1.4.1.11.2.3",
	})
	cfg := Config{Devices: map[string]Community{"192.0.2.10": {RO: "public"}}}
	d, _ := testDispatcher(t, cfg, map[string]snmp.Transport{"public": agent})

	err := d.Refresh(context.Background(), "192.0.2.10", "", "")
	if !errors.Is(err, ErrNoPlugin) {
		t.Errorf("err = %v, want ErrNoPlugin", err)
	}
}

// Two subagents on one host are both claimed and stacked behind the multi
// collector.
func TestDispatcherCoResident(t *testing.T) {
	mib := keepalivedMIB()
	for oid, value := range haproxyMIB() {
		mib[oid] = value
	}
	agent := snmptest.NewAgent(mib)
	cfg := Config{Devices: map[string]Community{"192.0.2.10": {RO: "public"}}, Bulk: true}
	d, writer := testDispatcher(t, cfg, map[string]snmp.Transport{"public": agent})

	if err := d.Refresh(context.Background(), "192.0.2.10", "", ""); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	lb := writer.lbs["192.0.2.10"]
	if lb == nil {
		t.Fatal("load balancer not persisted")
	}
	if lb.Kind != "KeepAlived + HAProxy" {
		t.Errorf("Kind = %q", lb.Kind)
	}
	if _, ok := lb.VirtualServers["v2@KeepAlived"]; !ok {
		t.Errorf("virtual servers = %v", lb.VirtualServers)
	}
	if _, ok := lb.VirtualServers["p1,f1@HAProxy"]; !ok {
		t.Errorf("virtual servers = %v", lb.VirtualServers)
	}
}

// A scoped refresh joins an in-flight refresh covering a prefix of its scope
// instead of polling again.
func TestDispatcherRefreshCoalesced(t *testing.T) {
	cfg := Config{Devices: map[string]Community{"192.0.2.10": {RO: "public"}}}
	d, _ := testDispatcher(t, cfg, nil)
	polled := errors.New("polled anyway")
	d.SetTransportFactory(func(host, community string) (snmp.Transport, error) {
		return nil, polled
	})

	want := errors.New("device-wide refresh result")
	call := &refreshCall{done: make(chan struct{})}
	d.mu.Lock()
	d.inflight[inflightKey{"192.0.2.10", "", ""}] = call
	d.mu.Unlock()
	go func() {
		call.err = want
		close(call.done)
	}()

	err := d.Refresh(context.Background(), "192.0.2.10", "v1s1g3", "r7")
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want joined result", err)
	}
}

// A device-wide refresh is not subsumed by an in-flight narrower one.
func TestDispatcherRefreshNotSubsumed(t *testing.T) {
	agent := snmptest.NewAgent(alteonMIB())
	cfg := Config{Devices: map[string]Community{"192.0.2.10": {RO: "public"}}, Bulk: true}
	d, writer := testDispatcher(t, cfg, map[string]snmp.Transport{"public": agent})

	blocked := &refreshCall{done: make(chan struct{})}
	d.mu.Lock()
	d.inflight[inflightKey{"192.0.2.10", "v1s1g3", ""}] = blocked
	d.mu.Unlock()
	defer close(blocked.done)

	if err := d.Refresh(context.Background(), "192.0.2.10", "", ""); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if writer.lbs["192.0.2.10"] == nil {
		t.Error("device-wide refresh did not poll")
	}
}

func TestDispatcherActionsWithoutRW(t *testing.T) {
	agent := snmptest.NewAgent(alteonMIB())
	cfg := Config{Devices: map[string]Community{"192.0.2.10": {RO: "public"}}}
	d, _ := testDispatcher(t, cfg, map[string]snmp.Transport{"public": agent})
	ctx := context.Background()

	actions, err := d.ListActions(ctx, "192.0.2.10", "v1s1g3", "r7")
	if err != nil || len(actions) != 0 {
		t.Errorf("actions = %v, %v", actions, err)
	}
	done, err := d.ExecuteAction(ctx, "192.0.2.10", "v1s1g3", "r7", "enable", nil)
	if err != nil || done {
		t.Errorf("execute = %v, %v", done, err)
	}
}

func TestDispatcherExecuteAction(t *testing.T) {
	agent := snmptest.NewAgent(alteonMIB())
	write := snmptest.NewAgent(nil)
	cfg := Config{
		Devices: map[string]Community{"192.0.2.10": {RO: "public", RW: "private"}},
		Bulk:    true,
	}
	d, writer := testDispatcher(t, cfg, map[string]snmp.Transport{
		"public":  agent,
		"private": write,
	})
	ctx := context.Background()

	actions, err := d.ListActions(ctx, "192.0.2.10", "v1s1g3", "r7")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := actions["operenable"]; !ok {
		t.Fatalf("actions = %v", actions)
	}

	done, err := d.ExecuteAction(ctx, "192.0.2.10", "v1s1g3", "r7", "operenable", nil)
	if err != nil || !done {
		t.Fatalf("execute = %v, %v", done, err)
	}
	if len(write.Sets) != 1 || write.Sets[0].OID != alteonOIDs["slbOperGroupRealServerState"]+".3.7" {
		t.Errorf("sets = %v", write.Sets)
	}
	// The affected scope was re-polled and persisted.
	writer.mu.Lock()
	defer writer.mu.Unlock()
	if writer.rss != 1 || writer.lastRS != "r7" {
		t.Errorf("real server writes = %d (%q)", writer.rss, writer.lastRS)
	}

	done, err = d.ExecuteAction(ctx, "192.0.2.10", "v1s1g3", "r7", "selfdestruct", nil)
	if err != nil || done {
		t.Errorf("unknown action = %v, %v", done, err)
	}
}

func TestDispatcherDevices(t *testing.T) {
	cfg := Config{Devices: map[string]Community{
		"beta":  {RO: "public"},
		"alpha": {RO: "public"},
	}}
	d, _ := testDispatcher(t, cfg, nil)
	got := d.Devices()
	if len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Errorf("Devices = %v", got)
	}
}
