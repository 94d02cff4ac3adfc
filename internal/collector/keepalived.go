package collector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/qcss/qcss3/internal/model"
	"github.com/qcss/qcss3/internal/snmp"
)

// Keepalived with the SNMP subagent, KEEPALIVED-MIB.
//
// The virtual-server id is v{v}, the real-server id r{r}. A virtual server
// is addressed by firewall mark, by IP, or by a group whose members are
// joined into a composite VIP. Weight changes through SNMP are temporary:
// keepalived reverts them on reload.

var keepalivedOIDs = map[string]string{
	// Groups
	"virtualServerGroupName":           ".1.3.6.1.4.1.9586.100.5.3.1.1.2",
	"virtualServerGroupMemberType":     ".1.3.6.1.4.1.9586.100.5.3.2.1.2",
	"virtualServerGroupMemberFwMark":   ".1.3.6.1.4.1.9586.100.5.3.2.1.3",
	"virtualServerGroupMemberAddrType": ".1.3.6.1.4.1.9586.100.5.3.2.1.4",
	"virtualServerGroupMemberAddress":  ".1.3.6.1.4.1.9586.100.5.3.2.1.5",
	"virtualServerGroupMemberAddr1":    ".1.3.6.1.4.1.9586.100.5.3.2.1.6",
	"virtualServerGroupMemberAddr2":    ".1.3.6.1.4.1.9586.100.5.3.2.1.7",
	"virtualServerGroupMemberPort":     ".1.3.6.1.4.1.9586.100.5.3.2.1.8",
	// Virtual server
	"virtualServerType":               ".1.3.6.1.4.1.9586.100.5.3.3.1.2",
	"virtualServerNameOfGroup":        ".1.3.6.1.4.1.9586.100.5.3.3.1.3",
	"virtualServerFwMark":             ".1.3.6.1.4.1.9586.100.5.3.3.1.4",
	"virtualServerAddrType":           ".1.3.6.1.4.1.9586.100.5.3.3.1.5",
	"virtualServerAddress":            ".1.3.6.1.4.1.9586.100.5.3.3.1.6",
	"virtualServerPort":               ".1.3.6.1.4.1.9586.100.5.3.3.1.7",
	"virtualServerProtocol":           ".1.3.6.1.4.1.9586.100.5.3.3.1.8",
	"virtualServerLoadBalancingAlgo":  ".1.3.6.1.4.1.9586.100.5.3.3.1.9",
	"virtualServerLoadBalancingKind":  ".1.3.6.1.4.1.9586.100.5.3.3.1.10",
	"virtualServerStatus":             ".1.3.6.1.4.1.9586.100.5.3.3.1.11",
	"virtualServerVirtualHost":        ".1.3.6.1.4.1.9586.100.5.3.3.1.12",
	"virtualServerPersist":            ".1.3.6.1.4.1.9586.100.5.3.3.1.13",
	"virtualServerPersistTimeout":     ".1.3.6.1.4.1.9586.100.5.3.3.1.14",
	"virtualServerPersistGranularity": ".1.3.6.1.4.1.9586.100.5.3.3.1.15",
	"virtualServerDelayLoop":          ".1.3.6.1.4.1.9586.100.5.3.3.1.16",
	"virtualServerRealServersTotal":   ".1.3.6.1.4.1.9586.100.5.3.3.1.20",
	"virtualServerRealServersUp":      ".1.3.6.1.4.1.9586.100.5.3.3.1.21",
	"virtualServerQuorum":             ".1.3.6.1.4.1.9586.100.5.3.3.1.22",
	"virtualServerQuorumStatus":       ".1.3.6.1.4.1.9586.100.5.3.3.1.23",
	"virtualServerQuorumUp":           ".1.3.6.1.4.1.9586.100.5.3.3.1.24",
	"virtualServerQuorumDown":         ".1.3.6.1.4.1.9586.100.5.3.3.1.25",
	"virtualServerHysteresis":         ".1.3.6.1.4.1.9586.100.5.3.3.1.26",
	// Real server
	"realServerType":                 ".1.3.6.1.4.1.9586.100.5.3.4.1.2",
	"realServerAddrType":             ".1.3.6.1.4.1.9586.100.5.3.4.1.3",
	"realServerAddress":              ".1.3.6.1.4.1.9586.100.5.3.4.1.4",
	"realServerPort":                 ".1.3.6.1.4.1.9586.100.5.3.4.1.5",
	"realServerStatus":               ".1.3.6.1.4.1.9586.100.5.3.4.1.6",
	"realServerWeight":               ".1.3.6.1.4.1.9586.100.5.3.4.1.7",
	"realServerUpperConnectionLimit": ".1.3.6.1.4.1.9586.100.5.3.4.1.8",
	"realServerLowerConnectionLimit": ".1.3.6.1.4.1.9586.100.5.3.4.1.9",
	"realServerActionWhenDown":       ".1.3.6.1.4.1.9586.100.5.3.4.1.10",
	"realServerNotifyUp":             ".1.3.6.1.4.1.9586.100.5.3.4.1.11",
	"realServerNotifyDown":           ".1.3.6.1.4.1.9586.100.5.3.4.1.12",
	"realServerFailedChecks":         ".1.3.6.1.4.1.9586.100.5.3.4.1.13",
}

var keepalivedGroupTypes = map[int]string{
	1: "fwmark",
	2: "ip",
	3: "iprange",
}

var keepalivedVirtTypes = map[int]string{
	1: "fwmark",
	2: "ip",
	3: "group",
}

var keepalivedProtocols = map[int]string{
	1: "TCP",
	2: "UDP",
}

var keepalivedModes = map[int]string{
	1: "rr", 2: "wrr", 3: "lc", 4: "wlc", 5: "lblc", 6: "lblcr",
	7: "dh", 8: "sh", 9: "sed", 10: "nq", 99: "unknown",
}

var keepalivedMethods = map[int]string{
	1: "nat",
	2: "dr",
	3: "tun",
}

var (
	keepalivedVSRe = regexp.MustCompile(`^v(\d+)$`)
	keepalivedRSRe = regexp.MustCompile(`^r(\d+)$`)
)

type keepalivedCollector struct {
	base
	name        string
	description string
}

func newKeepalived(proxy *snmp.Proxy, name, description string) *keepalivedCollector {
	return &keepalivedCollector{
		base:        base{proxy: proxy, oids: keepalivedOIDs},
		name:        name,
		description: description,
	}
}

func (c *keepalivedCollector) Kind() string { return "KeepAlived" }

func (c *keepalivedCollector) parse(vs, rs string) (v, r int, err error) {
	v, r = -1, -1
	if vs == "" {
		return v, r, nil
	}
	mo := keepalivedVSRe.FindStringSubmatch(vs)
	if mo == nil {
		return 0, 0, &ParseError{ID: vs, Want: "v{v}"}
	}
	v, _ = strconv.Atoi(mo[1])
	if rs != "" {
		mo = keepalivedRSRe.FindStringSubmatch(rs)
		if mo == nil {
			return 0, 0, &ParseError{ID: rs, Want: "r{r}"}
		}
		r, _ = strconv.Atoi(mo[1])
	}
	return v, r, nil
}

func (c *keepalivedCollector) Collect(ctx context.Context, vs, rs string) (*Result, error) {
	v, r, err := c.parse(vs, rs)
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
		rsrv, err := c.processRS(ctx, v, r)
		if err != nil {
			return nil, err
		}
		return &Result{RealServer: rsrv}, nil
	}
	vsrv, err := c.processVS(ctx, v)
	if err != nil {
		return nil, err
	}
	return &Result{VirtualServer: vsrv}, nil
}

func (c *keepalivedCollector) processAll(ctx context.Context) (*model.LoadBalancer, error) {
	if err := c.walkAll(ctx); err != nil {
		return nil, err
	}
	lb := model.NewLoadBalancer(c.name, c.Kind(), c.description)

	vss, err := c.subtree("virtualServerType")
	if errors.Is(err, snmp.ErrNotCached) {
		return lb, nil
	}
	if err != nil {
		return nil, err
	}
	for suffix := range vss {
		v, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		vsrv, err := c.processVS(ctx, v)
		if err != nil {
			return nil, err
		}
		if vsrv != nil {
			lb.VirtualServers[fmt.Sprintf("v%d", v)] = vsrv
		}
	}
	return lb, nil
}

// ip renders one cached binary address, optionally bracketed for IPv6.
func (c *keepalivedCollector) ip(addrTypeName, addrName string, index ...any) (string, error) {
	addrType, err := c.intValue(addrTypeName, index...)
	if err != nil {
		return "", err
	}
	raw, err := c.stringValue(addrName, index...)
	if err != nil {
		return "", err
	}
	return ipString(addrType, raw)
}

func (c *keepalivedCollector) processVS(ctx context.Context, v int) (*model.VirtualServer, error) {
	var keys []oidKey
	for symbol := range c.oids {
		if strings.HasPrefix(symbol, "virtualServer") && !strings.HasPrefix(symbol, "virtualServerGroup") {
			keys = append(keys, key(symbol, v))
		}
	}
	if err := c.fetch(ctx, keys...); err != nil {
		return nil, err
	}

	virtType, err := c.intValue("virtualServerType", v)
	if err != nil {
		return nil, err
	}
	var name, vip string
	switch keepalivedVirtTypes[virtType] {
	case "fwmark":
		mark, err := c.intValue("virtualServerFwMark", v)
		if err != nil {
			return nil, err
		}
		name = fmt.Sprintf("fwmark %d", mark)
		vip = fmt.Sprintf("mark%d:0", mark)
	case "ip":
		ip, err := c.ip("virtualServerAddrType", "virtualServerAddress", v)
		if err != nil {
			return nil, err
		}
		name = "IP " + ip
		port, err := c.intValue("virtualServerPort", v)
		if err != nil {
			return nil, err
		}
		vip = fmt.Sprintf("%s:%d", bracketed(ip), port)
	case "group":
		name, err = c.stringValue("virtualServerNameOfGroup", v)
		if err != nil {
			return nil, err
		}
		vip, err = c.groupVIP(ctx, name)
		if err != nil {
			return nil, err
		}
		if vip == "" {
			log.Printf("[collector] %s: unable to build a VIP for virtual server group %q, skipping it", c.name, name)
			return nil, nil
		}
	default:
		log.Printf("[collector] %s: unknown type %d for virtual server %d, skipping it", c.name, virtType, v)
		return nil, nil
	}

	proto, err := c.intValue("virtualServerProtocol", v)
	if err != nil {
		return nil, err
	}
	algo, err := c.intValue("virtualServerLoadBalancingAlgo", v)
	if err != nil {
		return nil, err
	}
	vsrv := model.NewVirtualServer(name, vip, keepalivedProtocols[proto], keepalivedModes[algo])

	if kind, err := c.intValue("virtualServerLoadBalancingKind", v); err == nil {
		vsrv.Extra["packet-forwarding method"] = keepalivedMethods[kind]
	}
	if status, err := c.intValue("virtualServerStatus", v); err == nil {
		vsrv.Extra["virtual server status"] = boolLabel(status == 1, "up", "down")
	}
	{
		v, err := c.value("virtualServerVirtualHost", v)
		setExtra(vsrv.Extra, "virtual host", v, err)
	}
	{
		v, err := c.value("virtualServerPersistTimeout", v)
		setExtra(vsrv.Extra, "persist timeout", v, err)
	}
	{
		v, err := c.value("virtualServerPersistGranularity", v)
		setExtra(vsrv.Extra, "persist granularity", v, err)
	}
	{
		v, err := c.value("virtualServerDelayLoop", v)
		setExtra(vsrv.Extra, "check delay", v, err)
	}
	{
		v, err := c.value("virtualServerQuorum", v)
		setExtra(vsrv.Extra, "quorum", v, err)
	}
	{
		v, err := c.value("virtualServerQuorumUp", v)
		setExtra(vsrv.Extra, "quorum up command", v, err)
	}
	{
		v, err := c.value("virtualServerQuorumDown", v)
		setExtra(vsrv.Extra, "quorum down command", v, err)
	}
	{
		v, err := c.value("virtualServerHysteresis", v)
		setExtra(vsrv.Extra, "quorum hysterisis", v, err)
	}
	if persist, err := c.intValue("virtualServerPersist", v); err == nil {
		vsrv.Extra["persistence"] = boolLabel(persist == 1, "enabled", "disabled")
	}
	if quorum, err := c.intValue("virtualServerQuorumStatus", v); err == nil {
		vsrv.Extra["quorum status"] = boolLabel(quorum == 1, "met", "lost")
	}
	up, errUp := c.intValue("virtualServerRealServersUp", v)
	total, errTotal := c.intValue("virtualServerRealServersTotal", v)
	if errUp == nil && errTotal == nil {
		vsrv.Extra["real servers"] = fmt.Sprintf("%d up / %d total", up, total)
	}

	// Attach real servers.
	reals, err := c.subtree("realServerType", v)
	if errors.Is(err, snmp.ErrNotCached) {
		if err := c.walk(ctx, "realServerType", v); err != nil {
			return nil, err
		}
		reals, err = c.subtree("realServerType", v)
	}
	if err != nil && !errors.Is(err, snmp.ErrNotCached) {
		return nil, err
	}
	for suffix := range reals {
		r, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		rsrv, err := c.processRS(ctx, v, r)
		if err != nil {
			return nil, err
		}
		vsrv.RealServers[fmt.Sprintf("r%d", r)] = rsrv
	}
	return vsrv, nil
}

// groupVIP joins the members of a named virtual-server group into one
// composite VIP.
func (c *keepalivedCollector) groupVIP(ctx context.Context, name string) (string, error) {
	groups, err := c.subtree("virtualServerGroupName")
	if errors.Is(err, snmp.ErrNotCached) {
		if err := c.walk(ctx, "virtualServerGroupName"); err != nil {
			return "", err
		}
		groups, err = c.subtree("virtualServerGroupName")
	}
	if err != nil {
		return "", err
	}
	for suffix, value := range groups {
		if value != name {
			continue
		}
		g, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		members, err := c.subtree("virtualServerGroupMemberType", g)
		if errors.Is(err, snmp.ErrNotCached) {
			for symbol := range c.oids {
				if strings.HasPrefix(symbol, "virtualServerGroupMember") {
					if err := c.walk(ctx, symbol, g); err != nil {
						return "", err
					}
				}
			}
			members, err = c.subtree("virtualServerGroupMemberType", g)
		}
		if err != nil {
			return "", err
		}
		var names []string
		for msuffix := range members {
			m, err := strconv.Atoi(msuffix)
			if err != nil {
				continue
			}
			memberType, err := c.intValue("virtualServerGroupMemberType", g, m)
			if err != nil {
				continue
			}
			switch keepalivedGroupTypes[memberType] {
			case "ip":
				ip, err := c.ip("virtualServerGroupMemberAddrType", "virtualServerGroupMemberAddress", g, m)
				if err != nil {
					continue
				}
				port, err := c.intValue("virtualServerGroupMemberPort", g, m)
				if err != nil {
					continue
				}
				names = append(names, fmt.Sprintf("%s:%d", bracketed(ip), port))
			case "iprange":
				ip1, err1 := c.ip("virtualServerGroupMemberAddrType", "virtualServerGroupMemberAddr1", g, m)
				ip2, err2 := c.ip("virtualServerGroupMemberAddrType", "virtualServerGroupMemberAddr2", g, m)
				port, err3 := c.intValue("virtualServerGroupMemberPort", g, m)
				if err1 != nil || err2 != nil || err3 != nil {
					continue
				}
				if strings.Contains(ip1, ":") {
					names = append(names, fmt.Sprintf("[%s-%s]:%d", ip1, ip2, port))
				} else {
					names = append(names, fmt.Sprintf("%s-%s:%d", ip1, ip2, port))
				}
			case "fwmark":
				mark, err := c.intValue("virtualServerGroupMemberFwMark", g, m)
				if err != nil {
					continue
				}
				names = append(names, fmt.Sprintf("mark%d:0", mark))
			}
		}
		sort.Strings(names)
		return strings.Join(names, " + "), nil
	}
	return "", nil
}

func (c *keepalivedCollector) processRS(ctx context.Context, v, r int) (*model.RealServer, error) {
	var keys []oidKey
	for symbol := range c.oids {
		if strings.HasPrefix(symbol, "realServer") {
			keys = append(keys, key(symbol, v, r))
		}
	}
	if err := c.fetch(ctx, keys...); err != nil {
		return nil, err
	}

	rip, err := c.ip("realServerAddrType", "realServerAddress", v, r)
	if err != nil {
		return nil, err
	}
	rport, err := c.intValue("realServerPort", v, r)
	if err != nil {
		return nil, err
	}
	if err := c.fetch(ctx, key("virtualServerProtocol", v)); err != nil {
		return nil, err
	}
	proto, err := c.intValue("virtualServerProtocol", v)
	if err != nil {
		return nil, err
	}
	protocol := keepalivedProtocols[proto]

	rsType, err := c.intValue("realServerType", v, r)
	if err != nil {
		return nil, err
	}
	if rsType != 1 {
		return model.NewSorryServer(rip, rip, rport, protocol, model.StateUp), nil
	}

	weight, err := c.intValue("realServerWeight", v, r)
	if err != nil {
		return nil, err
	}
	// A zero weight means the server was taken out of rotation.
	state := model.StateDisabled
	if weight != 0 {
		status, err := c.intValue("realServerStatus", v, r)
		if err != nil {
			return nil, err
		}
		state = model.StateDown
		if status == 1 {
			state = model.StateUp
		}
	}
	rsrv := model.NewRealServer(rip, rip, rport, protocol, weight, state)
	{
		v, err := c.value("realServerUpperConnectionLimit", v, r)
		setExtra(rsrv.Extra, "upper connection limit", v, err)
	}
	{
		v, err := c.value("realServerLowerConnectionLimit", v, r)
		setExtra(rsrv.Extra, "lower connection limit", v, err)
	}
	{
		v, err := c.value("realServerNotifyUp", v, r)
		setExtra(rsrv.Extra, "notify up command", v, err)
	}
	{
		v, err := c.value("realServerNotifyDown", v, r)
		setExtra(rsrv.Extra, "notify down command", v, err)
	}
	{
		v, err := c.value("realServerFailedChecks", v, r)
		setExtra(rsrv.Extra, "failed checks", v, err)
	}
	if onFail, err := c.intValue("realServerActionWhenDown", v, r); err == nil {
		rsrv.Extra["on fail"] = boolLabel(onFail == 1, "remove", "inhibit")
	}

	if c.proxy.Writable() {
		rsrv.Actions["disableall"] = "Disable globally (temporary)"
		rsrv.Actions["enableall"] = "Enable globally (temporary)"
		for w := 0; w <= 5; w++ {
			if w == weight {
				continue
			}
			if w == 0 {
				rsrv.Actions["disable"] = "Disable (temporary)"
				continue
			}
			if weight == 0 {
				rsrv.Actions[fmt.Sprintf("enable/%d", w)] = fmt.Sprintf("Enable with weight %d (temporary)", w)
			} else {
				rsrv.Actions[fmt.Sprintf("enable/%d", w)] = fmt.Sprintf("Set weight to %d (temporary)", w)
			}
		}
	}
	return rsrv, nil
}

// Actions lists nothing here: the action vocabulary is advertised inside the
// collected tree on each real server.
func (c *keepalivedCollector) Actions(ctx context.Context, vs, rs string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (c *keepalivedCollector) Execute(ctx context.Context, action string, args []string, vs, rs string) (bool, error) {
	v, r, err := c.parse(vs, rs)
	if err != nil {
		return false, err
	}
	if r < 0 {
		return false, nil
	}
	// Action ids embed the weight as enable/{w}.
	if name, arg, found := strings.Cut(action, "/"); found {
		action = name
		args = append([]string{arg}, args...)
	}
	switch action {
	case "disable", "operdisable":
		return true, c.proxy.Set(ctx, c.oid(key("realServerWeight", v, r)), 0)
	case "enable", "operenable":
		weight := 1
		if len(args) > 0 {
			if w, err := strconv.Atoi(args[0]); err == nil {
				weight = w
			}
		}
		return true, c.proxy.Set(ctx, c.oid(key("realServerWeight", v, r)), weight)
	case "enableall", "disableall":
		weight := 0
		if action == "enableall" {
			weight = 1
		}
		return true, c.setAll(ctx, v, r, weight)
	}
	return false, nil
}

// setAll applies a weight to every real server sharing this one's address,
// across all virtual servers.
func (c *keepalivedCollector) setAll(ctx context.Context, v, r, weight int) error {
	if err := c.walk(ctx, "realServerAddress"); err != nil {
		return err
	}
	target, err := c.stringValue("realServerAddress", v, r)
	if err != nil {
		return err
	}
	all, err := c.subtree("realServerAddress")
	if err != nil {
		return err
	}
	suffixes := make([]string, 0, len(all))
	for suffix, value := range all {
		if value == target {
			suffixes = append(suffixes, suffix)
		}
	}
	sort.Strings(suffixes)
	for _, suffix := range suffixes {
		idx, err := snmp.SplitIndex(suffix)
		if err != nil || len(idx) != 2 {
			continue
		}
		if err := c.proxy.Set(ctx, c.oid(key("realServerWeight", idx[0], idx[1])), weight); err != nil {
			return err
		}
	}
	return nil
}

type keepalivedFactory struct{}

func (keepalivedFactory) Name() string     { return "keepalived" }
func (keepalivedFactory) CoResident() bool { return true }

// CanCollect probes the keepalived version object: the sysObjectID is of no
// use for a subagent.
func (keepalivedFactory) CanCollect(ctx context.Context, proxy *snmp.Proxy, description, sysOID string) (bool, error) {
	_, err := proxy.Get(ctx, ".1.3.6.1.4.1.9586.100.5.1.1.0")
	return err == nil, nil
}

func (keepalivedFactory) New(proxy *snmp.Proxy, name, description string) Collector {
	return newKeepalived(proxy, name, description)
}
