package collector

import (
	"context"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/qcss/qcss3/internal/metrics"
	"github.com/qcss/qcss3/internal/model"
	"github.com/qcss/qcss3/internal/snmp"
)

// Writer persists collected trees. Scoped writes restrict the supersede to
// the named subtree.
type Writer interface {
	WriteLoadBalancer(ctx context.Context, lb *model.LoadBalancer) error
	WriteVirtualServer(ctx context.Context, lbName, vsID string, vs *model.VirtualServer) error
	WriteRealServer(ctx context.Context, lbName, vsID, rsID string, rs *model.RealServer) error
	Expire(ctx context.Context, days int) error
}

// Community holds the SNMP credentials of one device. RW empty means the
// device is read-only and exposes no actions.
type Community struct {
	RO string
	RW string
}

// Config is the collector section the dispatcher works from.
type Config struct {
	// Devices maps load-balancer names to their communities.
	Devices map[string]Community
	// Bulk selects GETBULK over the emulated GETNEXT loop on v2c agents.
	Bulk bool
	// Expire is the age in days after which an unrefreshed device is
	// force-closed by the sweeper.
	Expire int
}

// collectorTTL bounds how long a cached device collector, with its SNMP
// cache, may be reused by scoped HTTP reads.
const collectorTTL = 10 * time.Second

type inflightKey struct {
	lb, vs, rs string
}

type refreshCall struct {
	done chan struct{}
	err  error
}

// device is one probed load balancer: resolved address, proxy and selected
// vendor collector.
type device struct {
	name        string
	description string
	collector   Collector
	proxy       *snmp.Proxy
}

func (d *device) close() {
	d.proxy.Close()
}

// Dispatcher owns device probing, refresh coalescing, the collector cache
// and the expiry sweep.
type Dispatcher struct {
	cfg    Config
	writer Writer

	// newTransport builds the wire transport; tests substitute a fake.
	newTransport func(host, community string) (snmp.Transport, error)

	mu       sync.Mutex
	inflight map[inflightKey]*refreshCall

	cached       otter.Cache[string, *device]
	fingerprints *xsync.Map[string, uint64]
}

// NewDispatcher builds a dispatcher over the given writer.
func NewDispatcher(cfg Config, writer Writer) (*Dispatcher, error) {
	cached, err := otter.MustBuilder[string, *device](64).
		WithTTL(collectorTTL).
		DeletionListener(func(_ string, dev *device, _ otter.DeletionCause) {
			dev.close()
		}).
		Build()
	if err != nil {
		return nil, fmt.Errorf("collector: build cache: %w", err)
	}
	return &Dispatcher{
		cfg:    cfg,
		writer: writer,
		newTransport: func(host, community string) (snmp.Transport, error) {
			return snmp.NewAgent(host, community)
		},
		inflight:     map[inflightKey]*refreshCall{},
		cached:       cached,
		fingerprints: xsync.NewMap[string, uint64](),
	}, nil
}

// SetTransportFactory replaces the wire transport constructor. Used by tests
// to drive collectors against fake agents.
func (d *Dispatcher) SetTransportFactory(f func(host, community string) (snmp.Transport, error)) {
	d.newTransport = f
}

// Close releases the collector cache and its proxies.
func (d *Dispatcher) Close() {
	d.cached.Close()
}

// Refresh polls one scope and persists the result. An empty lb refreshes
// every configured device serially, then runs the expiry sweep. An in-flight
// refresh covering the same scope or a prefix of it is joined instead of
// starting a second poll.
func (d *Dispatcher) Refresh(ctx context.Context, lb, vs, rs string) error {
	prefixes := []inflightKey{{lb, "", ""}}
	if vs != "" {
		prefixes = append(prefixes, inflightKey{lb, vs, ""})
	}
	if rs != "" {
		prefixes = append(prefixes, inflightKey{lb, vs, rs})
	}

	d.mu.Lock()
	for _, k := range prefixes {
		if call, ok := d.inflight[k]; ok {
			d.mu.Unlock()
			select {
			case <-call.done:
				return call.err
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	own := inflightKey{lb, vs, rs}
	d.inflight[own] = call
	d.mu.Unlock()

	call.err = d.refresh(ctx, lb, vs, rs)

	d.mu.Lock()
	delete(d.inflight, own)
	d.mu.Unlock()
	close(call.done)
	return call.err
}

func (d *Dispatcher) refresh(ctx context.Context, lb, vs, rs string) error {
	if lb != "" {
		if _, ok := d.cfg.Devices[lb]; !ok {
			return &ConfigError{Name: lb}
		}
		logRefresh(lb, vs, rs)
		return d.refreshOne(ctx, lb, vs, rs, false)
	}

	log.Printf("[collector] start global refresh")
	names := make([]string, 0, len(d.cfg.Devices))
	for name := range d.cfg.Devices {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := d.refreshOne(ctx, name, "", "", false); err != nil {
			log.Printf("[collector] error while exploring %s: %v", name, err)
		}
	}
	if err := d.writer.Expire(ctx, d.cfg.Expire); err != nil {
		log.Printf("[collector] expiry sweep: %v", err)
	}
	return nil
}

func logRefresh(lb, vs, rs string) {
	switch {
	case vs == "":
		log.Printf("[collector] start refresh of load balancer %q", lb)
	case rs == "":
		log.Printf("[collector] start refresh of virtual server %q for %q", vs, lb)
	default:
		log.Printf("[collector] start refresh of real server %q in %q for %q", rs, vs, lb)
	}
}

func (d *Dispatcher) refreshOne(ctx context.Context, name, vs, rs string, caching bool) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.Refreshes.WithLabelValues(result).Inc()
	}()

	dev, release, err := d.getDevice(ctx, name, caching)
	if err != nil {
		return err
	}
	defer release()

	res, err := dev.collector.Collect(ctx, vs, rs)
	if err != nil {
		return err
	}
	return d.persist(ctx, name, vs, rs, res)
}

func (d *Dispatcher) persist(ctx context.Context, name, vs, rs string, res *Result) error {
	if res.Empty() {
		return nil
	}
	switch {
	case res.LoadBalancer != nil:
		fp := res.LoadBalancer.Fingerprint()
		if prev, ok := d.fingerprints.Load(name); !ok || prev != fp {
			log.Printf("[collector] %s: topology changed (fingerprint %016x)", name, fp)
			d.fingerprints.Store(name, fp)
		}
		return d.writer.WriteLoadBalancer(ctx, res.LoadBalancer)
	case res.VirtualServer != nil:
		return d.writer.WriteVirtualServer(ctx, name, vs, res.VirtualServer)
	default:
		return d.writer.WriteRealServer(ctx, name, vs, rs, res.RealServer)
	}
}

// getDevice resolves, probes and selects a collector for one device. With
// caching, a recently built device (and its warm SNMP cache) is reused; the
// release func is a no-op then, since the cache owns the proxy.
func (d *Dispatcher) getDevice(ctx context.Context, name string, caching bool) (*device, func(), error) {
	if caching {
		if dev, ok := d.cached.Get(name); ok {
			return dev, func() {}, nil
		}
	}

	community, ok := d.cfg.Devices[name]
	if !ok {
		return nil, nil, &ConfigError{Name: name}
	}

	host := name
	if net.ParseIP(name) == nil {
		addrs, err := net.DefaultResolver.LookupHost(ctx, name)
		if err != nil {
			return nil, nil, fmt.Errorf("collector: resolve %s: %w", name, err)
		}
		host = addrs[0]
	}

	agent, err := d.newTransport(host, community.RO)
	if err != nil {
		return nil, nil, err
	}
	var newWrite func() (snmp.Transport, error)
	if community.RW != "" {
		newWrite = func() (snmp.Transport, error) {
			return d.newTransport(host, community.RW)
		}
	}
	proxy := snmp.NewProxy(agent, d.cfg.Bulk, newWrite)

	system, err := proxy.Get(ctx, sysDescrOID, sysObjectIDOID)
	if err != nil {
		proxy.Close()
		return nil, nil, fmt.Errorf("collector: probe %s: %w", name, err)
	}
	description, _ := system[sysDescrOID].(string)
	sysOID, _ := system[sysObjectIDOID].(string)

	collector, err := d.selectCollector(ctx, proxy, name, description, sysOID)
	if err != nil {
		proxy.Close()
		return nil, nil, err
	}
	proxy.UseVersion2()

	dev := &device{name: name, description: description, collector: collector, proxy: proxy}
	if caching {
		d.cached.Set(name, dev)
		return dev, func() {}, nil
	}
	return dev, dev.close, nil
}

const (
	sysDescrOID    = ".1.3.6.1.2.1.1.1.0"
	sysObjectIDOID = ".1.3.6.1.2.1.1.2.0"
)

// selectCollector probes every vendor factory. Exactly one must claim the
// device, except that several co-resident vendors on one host are stacked
// behind a multi collector.
func (d *Dispatcher) selectCollector(ctx context.Context, proxy *snmp.Proxy, name, description, sysOID string) (Collector, error) {
	var claimants []Factory
	for _, f := range factories {
		ok, err := f.CanCollect(ctx, proxy, description, sysOID)
		if err != nil {
			log.Printf("[collector] %s: probe %s: %v", name, f.Name(), err)
			continue
		}
		if ok {
			claimants = append(claimants, f)
		}
	}
	switch len(claimants) {
	case 0:
		return nil, fmt.Errorf("%w for %s", ErrNoPlugin, name)
	case 1:
		log.Printf("[collector] using %s to collect data from %s", claimants[0].Name(), name)
		return claimants[0].New(proxy, name, description), nil
	}
	for _, f := range claimants {
		if !f.CoResident() {
			return nil, fmt.Errorf("%w for %s: %s", ErrAmbiguousPlugin, name, factoryNames(claimants))
		}
	}
	log.Printf("[collector] using co-resident collectors %s for %s", factoryNames(claimants), name)
	return newMulti(proxy, name, description, claimants), nil
}

func factoryNames(fs []Factory) string {
	names := make([]string, len(fs))
	for i, f := range fs {
		names[i] = f.Name()
	}
	return fmt.Sprintf("%v", names)
}

// ListActions returns the action vocabulary for one scope, empty when the
// device has no write community.
func (d *Dispatcher) ListActions(ctx context.Context, lb, vs, rs string) (map[string]string, error) {
	community, ok := d.cfg.Devices[lb]
	if !ok {
		return nil, &ConfigError{Name: lb}
	}
	if community.RW == "" {
		return map[string]string{}, nil
	}
	dev, release, err := d.getDevice(ctx, lb, true)
	if err != nil {
		return nil, err
	}
	defer release()
	return dev.collector.Actions(ctx, vs, rs)
}

// ExecuteAction runs one action and, when it was defined and succeeded,
// re-polls the affected scope and persists it. The false return means the
// collector does not know the action; callers surface that as 404. Actions
// are refused outright without a write community.
func (d *Dispatcher) ExecuteAction(ctx context.Context, lb, vs, rs, action string, args []string) (bool, error) {
	community, ok := d.cfg.Devices[lb]
	if !ok {
		return false, &ConfigError{Name: lb}
	}
	if community.RW == "" {
		return false, nil
	}
	dev, release, err := d.getDevice(ctx, lb, true)
	if err != nil {
		return false, err
	}
	defer release()

	done, err := dev.collector.Execute(ctx, action, args, vs, rs)
	if err != nil || !done {
		return done, err
	}
	// Device-wide actions skip the re-poll.
	if vs == "" && rs == "" {
		return true, nil
	}
	res, err := dev.collector.Collect(ctx, vs, rs)
	if err != nil {
		log.Printf("[collector] %s: refresh after action %q: %v", lb, action, err)
		return true, nil
	}
	if err := d.persist(ctx, lb, vs, rs, res); err != nil {
		log.Printf("[collector] %s: persist after action %q: %v", lb, action, err)
	}
	return true, nil
}

// Devices returns the sorted configured device names.
func (d *Dispatcher) Devices() []string {
	names := make([]string, 0, len(d.cfg.Devices))
	for name := range d.cfg.Devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
