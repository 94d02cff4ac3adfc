package snmp

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotCached is returned by cache lookups when neither an exact match nor
// any prefix is present.
var ErrNotCached = errors.New("snmp: value not cached")

// ErrNotWritable is returned by Set when no write community was configured.
var ErrNotWritable = errors.New("snmp: no write community configured")

// Proxy is the per-device SNMP access point. GET and WALK results are kept
// in a cache so collectors can re-read values without extra requests. SETs
// go over a separate transport built lazily from the write community, so the
// read path never carries writable credentials.
type Proxy struct {
	agent    Transport
	write    Transport
	newWrite func() (Transport, error)

	bulkOK bool // v2 selected, GETBULK usable
	bulk   bool // GETBULK enabled by configuration

	cache map[string]any
}

// NewProxy wraps a read transport. newWrite builds the write transport on
// first Set; pass nil when no write community is configured.
func NewProxy(agent Transport, bulk bool, newWrite func() (Transport, error)) *Proxy {
	return &Proxy{
		agent:    agent,
		newWrite: newWrite,
		bulk:     bulk,
		cache:    map[string]any{},
	}
}

// Writable reports whether Set is available on this proxy.
func (p *Proxy) Writable() bool {
	return p.newWrite != nil || p.write != nil
}

// UseVersion2 upgrades the read transport to v2c, enabling GETBULK.
func (p *Proxy) UseVersion2() {
	p.agent.UseVersion2()
	p.bulkOK = true
}

// Close releases both transports.
func (p *Proxy) Close() {
	_ = p.agent.Close()
	if p.write != nil {
		_ = p.write.Close()
	}
}

// Get issues one batched GET and deposits the results in the cache.
func (p *Proxy) Get(ctx context.Context, oids ...string) (map[string]any, error) {
	normalized := make([]string, len(oids))
	for i, oid := range oids {
		normalized[i] = JoinOID(oid)
	}
	results, err := p.agent.Get(ctx, normalized)
	if err != nil {
		return nil, err
	}
	for oid, value := range results {
		p.cache[oid] = value
	}
	return results, nil
}

// GetNext returns the varbind following oid. Results are not cached: a
// getnext can land on rows the collectors never asked for.
func (p *Proxy) GetNext(ctx context.Context, oid string) ([]VarBind, error) {
	return p.agent.GetNext(ctx, JoinOID(oid))
}

// GetBulk returns a batch of varbinds following oid, emulated with GetNext
// until the transport has been upgraded to v2c (or when bulk is disabled).
func (p *Proxy) GetBulk(ctx context.Context, oid string) ([]VarBind, error) {
	if p.bulkOK && p.bulk {
		return p.agent.GetBulk(ctx, JoinOID(oid))
	}
	return p.agent.GetNext(ctx, JoinOID(oid))
}

// Walk drives GetBulk in a loop over the subtree rooted at base. It stops on
// a varbind already seen, one outside the subtree, or an end-of-MIB marker.
// All collected pairs are deposited in the cache.
func (p *Proxy) Walk(ctx context.Context, base string) (map[string]any, error) {
	baseOID, err := ParseOID(base)
	if err != nil {
		return nil, err
	}
	results := map[string]any{}
	last := baseOID
	for {
		vbs, err := p.GetBulk(ctx, last.String())
		if errors.Is(err, ErrNoSuchObject) {
			break
		}
		if err != nil {
			return nil, err
		}
		stop := len(vbs) == 0
		for _, vb := range vbs {
			key := vb.OID.String()
			if _, seen := results[key]; seen {
				stop = true
				continue
			}
			if !vb.OID.HasPrefix(baseOID) {
				stop = true
				continue
			}
			results[key] = vb.Value
			if last.Compare(vb.OID) < 0 {
				last = vb.OID
			}
		}
		if stop {
			break
		}
	}
	for oid, value := range results {
		p.cache[oid] = value
	}
	return results, nil
}

// Set writes one value over the write transport, building it on first use.
func (p *Proxy) Set(ctx context.Context, oid string, value any) error {
	if p.write == nil {
		if p.newWrite == nil {
			return ErrNotWritable
		}
		w, err := p.newWrite()
		if err != nil {
			return fmt.Errorf("snmp: build write transport: %w", err)
		}
		p.write = w
	}
	return p.write.Set(ctx, JoinOID(oid), value)
}

// CacheValue returns the exact cached scalar for oid, or ErrNotCached.
func (p *Proxy) CacheValue(oid string) (any, error) {
	key := JoinOID(oid)
	if v, ok := p.cache[key]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotCached, key)
}

// CacheSubtree returns the trimmed map of every cached entry below oid: keys
// are the dotted suffixes relative to oid, without a leading dot. When the
// exact oid is cached as a scalar but has no children, ErrNotCached is NOT
// returned for it; an empty subtree with no scalar is a miss.
func (p *Proxy) CacheSubtree(oid string) (map[string]any, error) {
	prefix := JoinOID(oid) + "."
	trimmed := map[string]any{}
	for key, value := range p.cache {
		if strings.HasPrefix(key, prefix) {
			trimmed[key[len(prefix):]] = value
		}
	}
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotCached, strings.TrimSuffix(prefix, "."))
	}
	return trimmed, nil
}

// CacheList looks every key up with CacheValue and returns a parallel list
// with nil for misses.
func (p *Proxy) CacheList(oids ...string) []any {
	values := make([]any, len(oids))
	for i, oid := range oids {
		if v, err := p.CacheValue(oid); err == nil {
			values[i] = v
		}
	}
	return values
}

// CacheOrGet returns synchronously when every key is cached; otherwise it
// issues one batched GET and retries the cache.
func (p *Proxy) CacheOrGet(ctx context.Context, oids ...string) ([]any, error) {
	missing := false
	for _, oid := range oids {
		if _, err := p.CacheValue(oid); err != nil {
			missing = true
			break
		}
	}
	if missing {
		if _, err := p.Get(ctx, oids...); err != nil {
			return nil, err
		}
	}
	values := make([]any, len(oids))
	for i, oid := range oids {
		v, err := p.CacheValue(oid)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}
