package collector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/qcss/qcss3/internal/model"
	"github.com/qcss/qcss3/internal/snmp"
)

// F5 BigIP Local Traffic Manager, F5-BIGIP-LOCAL-MIB.
//
// A virtual server is an F5 object name (string-in-OID). When HTTP classes
// are attached, each class becomes its own virtual server {vs};{class} with
// the class pool; the plain vs is kept when a default pool exists. Pool
// members are real servers named {rip}:{port}. IPv6 virtual servers and
// members are skipped.

var f5OIDs = map[string]string{
	// Nodes
	"ltmNodeAddrScreenName": ".1.3.6.1.4.1.3375.2.2.4.1.2.1.12",
	// Pools
	"ltmPoolLbMode":                 ".1.3.6.1.4.1.3375.2.2.5.1.2.1.2",
	"ltmPoolStatusAvailState":       ".1.3.6.1.4.1.3375.2.2.5.5.2.1.2",
	"ltmPoolStatusEnabledState":     ".1.3.6.1.4.1.3375.2.2.5.5.2.1.3",
	"ltmPoolStatusDetailReason":     ".1.3.6.1.4.1.3375.2.2.5.5.2.1.5",
	"ltmPoolMemberMonitorRule":      ".1.3.6.1.4.1.3375.2.2.5.3.2.1.14",
	"ltmPoolMemberRatio":            ".1.3.6.1.4.1.3375.2.2.5.3.2.1.6",
	"ltmPoolMemberWeight":           ".1.3.6.1.4.1.3375.2.2.5.3.2.1.7",
	"ltmPoolMemberPriority":         ".1.3.6.1.4.1.3375.2.2.5.3.2.1.8",
	"ltmPoolMemberDynamicRatio":     ".1.3.6.1.4.1.3375.2.2.5.3.2.1.9",
	"ltmPoolMemberNewSessionEnable": ".1.3.6.1.4.1.3375.2.2.5.3.2.1.11",
	"ltmPoolMemberSessionStatus":    ".1.3.6.1.4.1.3375.2.2.5.3.2.1.13",
	"ltmPoolMbrStatusAvailState":    ".1.3.6.1.4.1.3375.2.2.5.6.2.1.5",
	"ltmPoolMbrStatusEnabledState":  ".1.3.6.1.4.1.3375.2.2.5.6.2.1.6",
	"ltmPoolMbrStatusDetailReason":  ".1.3.6.1.4.1.3375.2.2.5.6.2.1.8",
	// Virtual servers
	"ltmVirtualServAddrType":      ".1.3.6.1.4.1.3375.2.2.10.1.2.1.2",
	"ltmVirtualServAddr":          ".1.3.6.1.4.1.3375.2.2.10.1.2.1.3",
	"ltmVirtualServPort":          ".1.3.6.1.4.1.3375.2.2.10.1.2.1.6",
	"ltmVirtualServEnabled":       ".1.3.6.1.4.1.3375.2.2.10.1.2.1.9",
	"ltmVirtualServTranslateAddr": ".1.3.6.1.4.1.3375.2.2.10.1.2.1.13",
	"ltmVirtualServDefaultPool":   ".1.3.6.1.4.1.3375.2.2.10.1.2.1.19",
	"ltmVirtualServProfileType":   ".1.3.6.1.4.1.3375.2.2.10.5.2.1.3",
	"ltmVsHttpClassProfileName":   ".1.3.6.1.4.1.3375.2.2.10.12.2.1.2",
	"ltmVsStatusAvailState":       ".1.3.6.1.4.1.3375.2.2.10.13.2.1.2",
	"ltmVsStatusEnabledState":     ".1.3.6.1.4.1.3375.2.2.10.13.2.1.3",
	"ltmVsStatusDetailReason":     ".1.3.6.1.4.1.3375.2.2.10.13.2.1.5",
	// HTTP classes
	"ltmHttpClassPoolName": ".1.3.6.1.4.1.3375.2.2.47.2.1.6",
}

var f5Modes = map[int]string{
	0: "round robin", 1: "ratio member", 2: "least conn member",
	3: "observed member", 4: "predictive member", 5: "ratio node",
	6: "least conn node", 7: "fastest node", 8: "observed node",
	9: "predictive node", 10: "dynamic ratio", 11: "fastest response",
	12: "least sessions", 13: "dynamic ratio member", 14: "l3 address",
}

var f5AvailStates = map[int]model.ServerState{
	0: model.StateDown,
	1: model.StateUp,
	2: model.StateDown,
	3: model.StateDown,
	4: model.StateDown,
	5: model.StateDown,
}

var f5EnabledStates = map[int]string{
	0: "disabled",
	1: "enabled",
	2: "disabled",
	3: "disabled",
}

var f5RSRe = regexp.MustCompile(`^([\d.]+):(\d+)$`)

type f5Collector struct {
	base
	name        string
	description string
}

func newF5(proxy *snmp.Proxy, name, description string) *f5Collector {
	return &f5Collector{
		base:        base{proxy: proxy, oids: f5OIDs},
		name:        name,
		description: description,
	}
}

func (c *f5Collector) Kind() string { return "F5 LTM" }

// parse splits a {vs} or {vs};{class} id and an {rip}:{port} member id.
func (c *f5Collector) parse(vs, rs string) (v, class, rip string, port int, err error) {
	if vs == "" {
		return "", "", "", 0, nil
	}
	v, class, _ = strings.Cut(vs, ";")
	if v == "" {
		return "", "", "", 0, &ParseError{ID: vs, Want: "{vs} or {vs};{class}"}
	}
	if rs != "" {
		mo := f5RSRe.FindStringSubmatch(rs)
		if mo == nil {
			return "", "", "", 0, &ParseError{ID: rs, Want: "{rip}:{port}"}
		}
		rip = mo[1]
		if ip := net.ParseIP(rip); ip == nil || ip.To4() == nil {
			return "", "", "", 0, &ParseError{ID: rs, Want: "{rip}:{port}"}
		}
		port, _ = strconv.Atoi(mo[2])
	}
	return v, class, rip, port, nil
}

func (c *f5Collector) Collect(ctx context.Context, vs, rs string) (*Result, error) {
	v, class, rip, port, err := c.parse(vs, rs)
	if err != nil {
		return nil, err
	}
	if vs == "" {
		lb, err := c.processAll(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{LoadBalancer: lb}, nil
	}
	if rs != "" {
		pool, err := c.pool(ctx, v, class)
		if err != nil {
			return nil, err
		}
		rsrv, err := c.processRS(ctx, v, pool, rip, port)
		if err != nil {
			return nil, err
		}
		return &Result{RealServer: rsrv}, nil
	}
	vsrv, err := c.processVS(ctx, v, class)
	if err != nil {
		return nil, err
	}
	return &Result{VirtualServer: vsrv}, nil
}

func (c *f5Collector) processAll(ctx context.Context) (*model.LoadBalancer, error) {
	if err := c.walkAll(ctx); err != nil {
		return nil, err
	}
	lb := model.NewLoadBalancer(c.name, c.Kind(), c.description)

	vss, err := c.subtree("ltmVirtualServAddrType")
	if errors.Is(err, snmp.ErrNotCached) {
		return lb, nil
	}
	if err != nil {
		return nil, err
	}
	for suffix := range vss {
		v, err := firstStringOID(suffix)
		if err != nil {
			continue
		}
		// Plain virtual server, when a default pool exists.
		if pool, err := c.stringValue("ltmVirtualServDefaultPool", oidString(v)); err == nil && pool != "" {
			vsrv, err := c.processVS(ctx, v, "")
			if err != nil {
				return nil, err
			}
			if vsrv != nil {
				lb.VirtualServers[v] = vsrv
			}
		}
		// One extra virtual server per attached HTTP class.
		classes, err := c.subtree("ltmVsHttpClassProfileName", oidString(v))
		if err != nil {
			continue
		}
		for _, raw := range classes {
			class, ok := raw.(string)
			if !ok || class == "" {
				continue
			}
			vsrv, err := c.processVS(ctx, v, class)
			if err != nil {
				return nil, err
			}
			if vsrv != nil {
				lb.VirtualServers[v+";"+class] = vsrv
			}
		}
	}
	return lb, nil
}

// pool resolves the pool serving a virtual server: the HTTP class pool when
// a class is given, the default pool otherwise.
func (c *f5Collector) pool(ctx context.Context, v, class string) (string, error) {
	if class != "" {
		if err := c.fetch(ctx, key("ltmHttpClassPoolName", oidString(class))); err != nil {
			return "", err
		}
		return c.stringValue("ltmHttpClassPoolName", oidString(class))
	}
	if err := c.fetch(ctx, key("ltmVirtualServDefaultPool", oidString(v))); err != nil {
		return "", err
	}
	return c.stringValue("ltmVirtualServDefaultPool", oidString(v))
}

func (c *f5Collector) processVS(ctx context.Context, v, class string) (*model.VirtualServer, error) {
	ov := oidString(v)
	var keys []oidKey
	for symbol := range c.oids {
		if strings.HasPrefix(symbol, "ltmVirtualServ") || strings.HasPrefix(symbol, "ltmVs") {
			if !strings.HasPrefix(symbol, "ltmVirtualServProfile") &&
				!strings.HasPrefix(symbol, "ltmVsHttpClass") {
				keys = append(keys, key(symbol, ov))
			}
		}
	}
	if err := c.fetch(ctx, keys...); err != nil {
		return nil, err
	}

	if addrType, err := c.intValue("ltmVirtualServAddrType", ov); err != nil || addrType != 1 {
		log.Printf("[collector] %s: skipping IPv6 virtual server %q", c.name, v)
		return nil, nil
	}

	pool, err := c.pool(ctx, v, class)
	if err != nil {
		return nil, err
	}
	op := oidString(pool)
	var poolKeys []oidKey
	for symbol := range c.oids {
		if strings.HasPrefix(symbol, "ltmPool") && !strings.HasPrefix(symbol, "ltmPoolMbr") &&
			!strings.HasPrefix(symbol, "ltmPoolMember") {
			poolKeys = append(poolKeys, key(symbol, op))
		}
	}
	if err := c.fetch(ctx, poolKeys...); err != nil {
		return nil, err
	}

	rawAddr, err := c.stringValue("ltmVirtualServAddr", ov)
	if err != nil {
		return nil, err
	}
	addr, err := ipString(1, rawAddr)
	if err != nil {
		return nil, err
	}
	port, err := c.intValue("ltmVirtualServPort", ov)
	if err != nil {
		return nil, err
	}
	protocol, err := c.getProtocol(ctx, v)
	if err != nil {
		return nil, err
	}
	lbMode, err := c.intValue("ltmPoolLbMode", op)
	if err != nil {
		return nil, err
	}

	name := v
	if class != "" {
		name = v + ";" + class
	}
	vsrv := model.NewVirtualServer(name, fmt.Sprintf("%s:%d", addr, port), protocol, f5Modes[lbMode])
	if avail, err := c.intValue("ltmVsStatusAvailState", ov); err == nil {
		vsrv.Extra["vs availability state"] = string(f5AvailStates[avail])
	}
	if enabled, err := c.intValue("ltmVsStatusEnabledState", ov); err == nil {
		vsrv.Extra["vs enabled state"] = f5EnabledStates[enabled]
	}
	{
		v, err := c.value("ltmVsStatusDetailReason", ov)
		setExtra(vsrv.Extra, "virtual server detailed reason", v, err)
	}
	if translate, err := c.intValue("ltmVirtualServTranslateAddr", ov); err == nil {
		vsrv.Extra["address translation"] = boolLabel(translate == 1, "enabled", "disabled")
	}
	vsrv.Extra["pool name"] = pool
	if avail, err := c.intValue("ltmPoolStatusAvailState", op); err == nil {
		vsrv.Extra["pool availability state"] = string(f5AvailStates[avail])
	}
	if enabled, err := c.intValue("ltmPoolStatusEnabledState", op); err == nil {
		vsrv.Extra["pool enabled state"] = f5EnabledStates[enabled]
	}
	{
		v, err := c.value("ltmPoolStatusDetailReason", op)
		setExtra(vsrv.Extra, "pool detailed reason", v, err)
	}

	// Pool member tables cannot be walked per index on this platform; walk
	// them whole once.
	if _, err := c.subtree("ltmPoolMbrStatusAvailState", op); errors.Is(err, snmp.ErrNotCached) {
		for symbol := range c.oids {
			if strings.HasPrefix(symbol, "ltmPoolMbr") || strings.HasPrefix(symbol, "ltmPoolMember") {
				if err := c.walk(ctx, symbol); err != nil {
					return nil, err
				}
			}
		}
	}
	members, err := c.subtree("ltmPoolMbrStatusAvailState", op, 1, 4)
	if errors.Is(err, snmp.ErrNotCached) {
		log.Printf("[collector] %s: no IPv4 members for virtual server %q, skipping it", c.name, v)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for suffix := range members {
		arcs, err := snmp.SplitIndex(suffix)
		if err != nil || len(arcs) < 5 {
			continue
		}
		rip := fmt.Sprintf("%d.%d.%d.%d", arcs[0], arcs[1], arcs[2], arcs[3])
		port := arcs[len(arcs)-1]
		rsrv, err := c.processRS(ctx, v, pool, rip, port)
		if err != nil {
			return nil, err
		}
		if rsrv != nil {
			vsrv.RealServers[fmt.Sprintf("%s:%d", rip, port)] = rsrv
		}
	}
	return vsrv, nil
}

func (c *f5Collector) processRS(ctx context.Context, v, pool, rip string, port int) (*model.RealServer, error) {
	op := oidString(pool)
	orip := oidString(string(net.ParseIP(rip).To4()))
	var keys []oidKey
	for symbol := range c.oids {
		if strings.HasPrefix(symbol, "ltmPoolMbr") || strings.HasPrefix(symbol, "ltmPoolMember") {
			keys = append(keys, key(symbol, op, 1, orip, port))
		}
	}
	if err := c.fetch(ctx, keys...); err != nil {
		return nil, err
	}
	if err := c.fetch(ctx, key("ltmNodeAddrScreenName", 1, orip)); err != nil {
		return nil, err
	}

	name, err := c.stringValue("ltmNodeAddrScreenName", 1, orip)
	if err != nil {
		return nil, err
	}
	protocol, err := c.getProtocol(ctx, v)
	if err != nil {
		return nil, err
	}
	weight, err := c.intValue("ltmPoolMemberWeight", op, 1, orip, port)
	if err != nil {
		return nil, err
	}
	avail, err := c.intValue("ltmPoolMbrStatusAvailState", op, 1, orip, port)
	if err != nil {
		return nil, err
	}
	enabled, err := c.intValue("ltmPoolMbrStatusEnabledState", op, 1, orip, port)
	if err != nil {
		return nil, err
	}
	session, err := c.intValue("ltmPoolMemberSessionStatus", op, 1, orip, port)
	if err != nil {
		return nil, err
	}

	state := f5AvailStates[avail]
	if f5EnabledStates[enabled] != "enabled" || session != 1 {
		state = model.StateDisabled
	}
	rsrv := model.NewRealServer(name, rip, port, protocol, weight, state)
	{
		v, err := c.value("ltmPoolMbrStatusDetailReason", op, 1, orip, port)
		setExtra(rsrv.Extra, "detailed reason", v, err)
	}
	{
		v, err := c.value("ltmPoolMemberMonitorRule", op, 1, orip, port)
		setExtra(rsrv.Extra, "monitor rule", v, err)
	}
	if c.proxy.Writable() {
		rsrv.Actions["enable"] = "Enable (temporary)"
		rsrv.Actions["disable"] = "Disable (temporary)"
	}
	return rsrv, nil
}

// getProtocol returns the first profile type attached to a virtual server.
// The profile table cannot be walked per index; walk it whole once.
func (c *f5Collector) getProtocol(ctx context.Context, v string) (string, error) {
	ov := oidString(v)
	profiles, err := c.subtree("ltmVirtualServProfileType", ov)
	if errors.Is(err, snmp.ErrNotCached) {
		if err := c.walk(ctx, "ltmVirtualServProfileType"); err != nil {
			return "", err
		}
		profiles, err = c.subtree("ltmVirtualServProfileType", ov)
	}
	if err != nil {
		return "unknown", nil
	}
	suffixes := make([]string, 0, len(profiles))
	for suffix := range profiles {
		suffixes = append(suffixes, suffix)
	}
	sort.Strings(suffixes)
	for _, suffix := range suffixes {
		name, err := firstStringOID(suffix)
		if err != nil {
			continue
		}
		return name, nil
	}
	return "unknown", nil
}

// Actions lists nothing here: the enable/disable pair is advertised inside
// the collected tree on each pool member.
func (c *f5Collector) Actions(ctx context.Context, vs, rs string) (map[string]string, error) {
	return map[string]string{}, nil
}

// Execute toggles new sessions for one pool member: 2 enables, 1 disables.
func (c *f5Collector) Execute(ctx context.Context, action string, args []string, vs, rs string) (bool, error) {
	v, class, rip, port, err := c.parse(vs, rs)
	if err != nil {
		return false, err
	}
	if vs == "" || rs == "" {
		return false, nil
	}
	var value int
	switch action {
	case "enable":
		value = 2
	case "disable":
		value = 1
	default:
		return false, nil
	}
	pool, err := c.pool(ctx, v, class)
	if err != nil {
		return false, err
	}
	op := oidString(pool)
	orip := oidString(string(net.ParseIP(rip).To4()))
	target := c.oid(key("ltmPoolMemberNewSessionEnable", op, 1, orip, port))
	return true, c.proxy.Set(ctx, target, value)
}

type f5Factory struct{}

func (f5Factory) Name() string     { return "f5ltm" }
func (f5Factory) CoResident() bool { return false }

func (f5Factory) CanCollect(ctx context.Context, proxy *snmp.Proxy, description, sysOID string) (bool, error) {
	return strings.HasPrefix(sysOID, ".1.3.6.1.4.1.3375.2."), nil
}

func (f5Factory) New(proxy *snmp.Proxy, name, description string) Collector {
	return newF5(proxy, name, description)
}
