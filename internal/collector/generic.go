// Package collector turns SNMP data from heterogeneous load balancers into
// the normalised model tree. One sub-collector per vendor MIB, a multi
// collector for co-resident agents, and a dispatcher that probes devices,
// coalesces refreshes and hands snapshots to the persistence writer.
package collector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/qcss/qcss3/internal/snmp"
)

// oidString encodes a variable-length string into its OID form: the length
// followed by one arc per byte.
func oidString(s string) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(len(s)))
	for i := 0; i < len(s); i++ {
		b.WriteByte('.')
		b.WriteString(strconv.Itoa(int(s[i])))
	}
	return b.String()
}

// stringOID decodes length-prefixed strings packed in an OID suffix. Several
// strings may be packed back to back; they are returned in order.
func stringOID(arcs []int) ([]string, error) {
	if len(arcs) == 0 {
		return nil, fmt.Errorf("collector: cannot decode empty OID")
	}
	var results []string
	for len(arcs) > 0 {
		length := arcs[0]
		if len(arcs)-1 < length {
			return nil, fmt.Errorf("collector: cannot decode OID %v, bad length prefix", arcs)
		}
		var b strings.Builder
		for _, a := range arcs[1 : length+1] {
			b.WriteByte(byte(a))
		}
		results = append(results, b.String())
		arcs = arcs[length+1:]
	}
	return results, nil
}

// firstStringOID decodes the first packed string of an OID suffix.
func firstStringOID(suffix string) (string, error) {
	arcs, err := snmp.SplitIndex(suffix)
	if err != nil {
		return "", err
	}
	strs, err := stringOID(arcs)
	if err != nil {
		return "", err
	}
	return strs[0], nil
}

// bitmapBits returns the positions of set bits in a group-membership bitmap.
// For byte i (0-based) and bit r (0-based from LSB), the position is
// 8-r+i*8. This numbering is what the Alteon MIB uses as real-server index.
func bitmapBits(bitmap string) []int {
	var positions []int
	for i := 0; i < len(bitmap); i++ {
		if bitmap[i] == 0 {
			continue
		}
		for r := 0; r < 8; r++ {
			if bitmap[i]&(1<<r) == 0 {
				continue
			}
			positions = append(positions, 8-r+i*8)
		}
	}
	return positions
}

// ipString renders a raw SNMP address (4 or 16 bytes) textually. addrType 1
// is IPv4, 2 is IPv6.
func ipString(addrType int, raw string) (string, error) {
	want := 4
	if addrType != 1 {
		want = 16
	}
	if len(raw) != want {
		return "", fmt.Errorf("collector: address type %d with %d bytes", addrType, len(raw))
	}
	return net.IP([]byte(raw)).String(), nil
}

// bracketed wraps IPv6 addresses for use in ip:port notation.
func bracketed(ip string) string {
	if strings.Contains(ip, ":") {
		return "[" + ip + "]"
	}
	return ip
}

// oidKey names one symbolic OID plus optional index components.
type oidKey struct {
	name  string
	index []any
}

func key(name string, index ...any) oidKey {
	return oidKey{name: name, index: index}
}

// base carries the helpers shared by the vendor collectors: a symbolic OID
// table and cache-aware accessors over the device proxy.
type base struct {
	proxy *snmp.Proxy
	oids  map[string]string
}

func (b *base) oid(k oidKey) string {
	numeric, ok := b.oids[k.name]
	if !ok {
		panic(fmt.Sprintf("collector: unknown OID name %q", k.name))
	}
	return snmp.JoinOID(numeric, k.index...)
}

// walkAll walks every OID of the symbolic table into the proxy cache.
func (b *base) walkAll(ctx context.Context) error {
	for name := range b.oids {
		if _, err := b.proxy.Walk(ctx, b.oids[name]); err != nil {
			return err
		}
	}
	return nil
}

// walk walks one symbolic OID, optionally narrowed by index components.
func (b *base) walk(ctx context.Context, name string, index ...any) error {
	_, err := b.proxy.Walk(ctx, b.oid(key(name, index...)))
	return err
}

// cached reports whether every key resolves from the proxy cache.
func (b *base) cached(keys ...oidKey) bool {
	for _, k := range keys {
		if _, err := b.proxy.CacheValue(b.oid(k)); err != nil {
			return false
		}
	}
	return true
}

// fetch issues one batched GET for the keys not yet cached. Instances the
// agent does not implement are tolerated here; the accessors report them as
// cache misses, which the callers treat per column.
func (b *base) fetch(ctx context.Context, keys ...oidKey) error {
	var missing []string
	for _, k := range keys {
		oid := b.oid(k)
		if _, err := b.proxy.CacheValue(oid); err != nil {
			missing = append(missing, oid)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if _, err := b.proxy.Get(ctx, missing...); err != nil && !errors.Is(err, snmp.ErrNoSuchObject) {
		return err
	}
	return nil
}

// value returns one cached scalar.
func (b *base) value(name string, index ...any) (any, error) {
	return b.proxy.CacheValue(b.oid(key(name, index...)))
}

// intValue returns one cached scalar as an int.
func (b *base) intValue(name string, index ...any) (int, error) {
	v, err := b.value(name, index...)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int)
	if !ok {
		return 0, fmt.Errorf("collector: %s is %T, want int", name, v)
	}
	return n, nil
}

// stringValue returns one cached scalar as a string.
func (b *base) stringValue(name string, index ...any) (string, error) {
	v, err := b.value(name, index...)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("collector: %s is %T, want string", name, v)
	}
	return s, nil
}

// subtree returns the trimmed cache map under one symbolic OID.
func (b *base) subtree(name string, index ...any) (map[string]any, error) {
	return b.proxy.CacheSubtree(b.oid(key(name, index...)))
}

// extraString formats a cached value for the extra mapping; cache misses are
// skipped silently since many MIB columns are optional.
func extraString(v any, err error) (string, bool) {
	if err != nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case int:
		return strconv.Itoa(t), true
	default:
		return fmt.Sprintf("%v", t), true
	}
}

// setExtra stores a cached value into an extra mapping when present.
func setExtra(extra map[string]string, label string, v any, err error) {
	if s, ok := extraString(v, err); ok {
		extra[label] = s
	}
}
