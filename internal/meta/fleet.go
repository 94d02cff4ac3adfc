// Package meta implements the federation layer: it aggregates several API
// servers behind one endpoint, tracking which backend knows which device and
// fanning requests out to a covering subset of backends.
package meta

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"

	"github.com/qcss/qcss3/internal/metrics"
	"github.com/qcss/qcss3/internal/netutil"
	"github.com/qcss/qcss3/internal/scanloop"
)

// ErrAllBackendsFailed reports a fan-out where no backend answered. The
// HTTP layer maps it to a 504.
var ErrAllBackendsFailed = errors.New("meta: all backends failed")

// Config tunes the federation.
type Config struct {
	// Proxies lists the backend API base URLs.
	Proxies []string
	// Timeout bounds each backend request.
	Timeout time.Duration
	// Parallel caps concurrent backend requests during a rebuild.
	Parallel int
	// Expire is the lifetime of a fleet map before it is rebuilt.
	Expire time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.Parallel <= 0 {
		c.Parallel = 10
	}
	if c.Expire <= 0 {
		c.Expire = 30 * time.Second
	}
	return c
}

// fleetMap records, for one temporal context, which backends know which
// devices. It is rebuilt as a whole; lbs is read-only once built.
type fleetMap struct {
	mu       sync.Mutex
	builtAt  time.Time
	lastUsed time.Time
	lbs      map[string][]string
	failed   int
	backends int
}

// Fleet maintains one fleet map per temporal context, keyed by the
// normalised past date with the empty string for live reads.
type Fleet struct {
	cfg    Config
	client *netutil.JSONClient
	maps   *xsync.Map[string, *fleetMap]
}

// NewFleet builds a fleet over the configured backends.
func NewFleet(cfg Config) *Fleet {
	cfg = cfg.withDefaults()
	return &Fleet{
		cfg:    cfg,
		client: netutil.NewJSONClient(cfg.Timeout),
		maps:   xsync.NewMap[string, *fleetMap](),
	}
}

// Start launches the garbage collection of stale fleet maps until stop is
// closed.
func (f *Fleet) Start(stop <-chan struct{}) {
	go scanloop.Run(stop, f.cfg.Expire, f.cfg.Expire/2, f.gc)
}

func (f *Fleet) gc() {
	cutoff := time.Now().Add(-4 * f.cfg.Expire)
	f.maps.Range(func(date string, fm *fleetMap) bool {
		fm.mu.Lock()
		stale := fm.lastUsed.Before(cutoff)
		fm.mu.Unlock()
		if stale {
			f.maps.Delete(date)
		}
		return true
	})
}

func countBackendRequest(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.FederationRequests.WithLabelValues(result).Inc()
}

func apiPath(date string) string {
	if date == "" {
		return "/api/1.0"
	}
	return "/api/1.0/past/" + date
}

// Map returns the device map for the given temporal context, rebuilding it
// when it is older than the expiry. Concurrent callers of the same context
// share one rebuild.
func (f *Fleet) Map(ctx context.Context, date string) (map[string][]string, error) {
	fm, _ := f.maps.LoadOrCompute(date, func() (*fleetMap, bool) {
		return &fleetMap{}, false
	})
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.lastUsed = time.Now()
	if fm.lbs != nil && time.Since(fm.builtAt) <= f.cfg.Expire {
		return fm.lbs, nil
	}

	lbs := map[string][]string{}
	var mu sync.Mutex
	failed := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Parallel)
	for _, backend := range f.cfg.Proxies {
		g.Go(func() error {
			var names []string
			err := f.client.Get(gctx, backend+apiPath(date)+"/loadbalancer/", &names)
			countBackendRequest(err)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("[meta] backend %s: %v", backend, err)
				failed++
				return nil
			}
			for _, name := range names {
				lbs[name] = append(lbs[name], backend)
			}
			return nil
		})
	}
	g.Wait()
	// Keep backend lists in configuration order so failover is stable.
	rank := map[string]int{}
	for i, b := range f.cfg.Proxies {
		rank[b] = i
	}
	for _, backends := range lbs {
		sort.Slice(backends, func(i, j int) bool { return rank[backends[i]] < rank[backends[j]] })
	}

	fm.lbs = lbs
	fm.builtAt = time.Now()
	fm.failed = failed
	fm.backends = len(f.cfg.Proxies)
	if failed == len(f.cfg.Proxies) && len(f.cfg.Proxies) > 0 {
		fm.lbs = nil
		return nil, ErrAllBackendsFailed
	}
	return fm.lbs, nil
}

// Names returns the union of device names known across the fleet.
func (f *Fleet) Names(ctx context.Context, date string) ([]string, error) {
	lbs, err := f.Map(ctx, date)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(lbs))
	for name := range lbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// covering greedily selects backends until every device is covered,
// preferring backends that cover more devices and breaking ties in
// configuration order.
func covering(lbs map[string][]string, order []string) []string {
	covers := map[string]map[string]bool{}
	for lb, backends := range lbs {
		for _, b := range backends {
			if covers[b] == nil {
				covers[b] = map[string]bool{}
			}
			covers[b][lb] = true
		}
	}
	uncovered := map[string]bool{}
	for lb := range lbs {
		uncovered[lb] = true
	}

	var chosen []string
	for len(uncovered) > 0 {
		best, bestGain := "", 0
		for _, b := range order {
			gain := 0
			for lb := range covers[b] {
				if uncovered[lb] {
					gain++
				}
			}
			if gain > bestGain {
				best, bestGain = b, gain
			}
		}
		if bestGain == 0 {
			break
		}
		chosen = append(chosen, best)
		for lb := range covers[best] {
			delete(uncovered, lb)
		}
	}
	return chosen
}

// Collect fans a query out to a covering subset of backends and merges the
// answers. When a chosen backend fails, the devices it was covering are
// re-covered with backends not queried yet; the query only errors when no
// backend answered at all.
func (f *Fleet) Collect(ctx context.Context, date string, query func(ctx context.Context, backend string) ([]string, error)) ([]string, error) {
	lbs, err := f.Map(ctx, date)
	if err != nil {
		return nil, err
	}
	if len(lbs) == 0 {
		return nil, nil
	}

	queried := map[string]bool{}
	results := map[string][]string{}
	var failedLBs map[string]bool

	run := func(backends []string) {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(f.cfg.Parallel)
		for _, backend := range backends {
			queried[backend] = true
			g.Go(func() error {
				items, err := query(gctx, backend)
				countBackendRequest(err)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					log.Printf("[meta] backend %s: %v", backend, err)
					if failedLBs == nil {
						failedLBs = map[string]bool{}
					}
					for lb, owners := range lbs {
						for _, b := range owners {
							if b == backend {
								failedLBs[lb] = true
							}
						}
					}
					return nil
				}
				results[backend] = items
				return nil
			})
		}
		g.Wait()
	}

	run(covering(lbs, f.cfg.Proxies))

	// Failover: re-cover the devices of failed backends with the rest.
	for round := 0; len(failedLBs) > 0 && round < len(f.cfg.Proxies); round++ {
		remaining := map[string][]string{}
		for lb := range failedLBs {
			for _, b := range lbs[lb] {
				if !queried[b] {
					remaining[lb] = append(remaining[lb], b)
				}
			}
		}
		failedLBs = nil
		extra := covering(remaining, f.cfg.Proxies)
		if len(extra) == 0 {
			break
		}
		run(extra)
	}

	if len(results) == 0 {
		return nil, ErrAllBackendsFailed
	}
	var merged []string
	seen := map[string]bool{}
	for _, backend := range f.cfg.Proxies {
		for _, item := range results[backend] {
			if !seen[item] {
				seen[item] = true
				merged = append(merged, item)
			}
		}
	}
	return merged, nil
}

// Backends returns the configured backend URLs.
func (f *Fleet) Backends() []string {
	return f.cfg.Proxies
}
