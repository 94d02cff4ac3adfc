package collector

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/qcss/qcss3/internal/model"
	"github.com/qcss/qcss3/internal/snmp"
)

// Alteon (Nortel/Radware) application switches, ALTEON-CHEETAH-LAYER4-MIB.
//
// A logical virtual server is the triple (virtual server v, virtual service
// s, group g); the id grammar is v{v}s{s}g{g}. Real servers are group
// members indexed by a bitmap; backup servers and backup groups are
// flattened into sorry servers under b{r}.

var alteonOIDs = map[string]string{
	// Virtual server
	"slbCurCfgVirtServerVname":     ".1.3.6.1.4.1.1872.2.5.4.1.1.4.2.1.10",
	"slbCurCfgVirtServerState":     ".1.3.6.1.4.1.1872.2.5.4.1.1.4.2.1.4",
	"slbCurCfgVirtServerIpAddress": ".1.3.6.1.4.1.1872.2.5.4.1.1.4.2.1.2",
	// Virtual service
	"slbCurCfgVirtServiceVirtPort":   ".1.3.6.1.4.1.1872.2.5.4.1.1.4.5.1.3",
	"slbCurCfgVirtServiceRealGroup":  ".1.3.6.1.4.1.1872.2.5.4.1.1.4.5.1.4",
	"slbCurCfgVirtServiceRealPort":   ".1.3.6.1.4.1.1872.2.5.4.1.1.4.5.1.5",
	"slbCurCfgVirtServiceHname":      ".1.3.6.1.4.1.1872.2.5.4.1.1.4.5.1.7",
	"slbCurCfgVirtServiceUDPBalance": ".1.3.6.1.4.1.1872.2.5.4.1.1.4.5.1.6",
	// Groups
	"slbCurCfgGroupMetric":           ".1.3.6.1.4.1.1872.2.5.4.1.1.3.3.1.3",
	"slbCurCfgGroupName":             ".1.3.6.1.4.1.1872.2.5.4.1.1.3.3.1.8",
	"slbCurCfgGroupHealthCheckLayer": ".1.3.6.1.4.1.1872.2.5.4.1.1.3.3.1.7",
	"slbCurCfgGroupRealServers":      ".1.3.6.1.4.1.1872.2.5.4.1.1.3.3.1.2",
	// Real server
	"slbCurCfgRealServerIpAddr":       ".1.3.6.1.4.1.1872.2.5.4.1.1.2.2.1.2",
	"slbCurCfgRealServerWeight":       ".1.3.6.1.4.1.1872.2.5.4.1.1.2.2.1.3",
	"slbCurCfgRealServerPingInterval": ".1.3.6.1.4.1.1872.2.5.4.1.1.2.2.1.7",
	"slbCurCfgRealServerFailRetry":    ".1.3.6.1.4.1.1872.2.5.4.1.1.2.2.1.8",
	"slbCurCfgRealServerSuccRetry":    ".1.3.6.1.4.1.1872.2.5.4.1.1.2.2.1.9",
	"slbCurCfgRealServerState":        ".1.3.6.1.4.1.1872.2.5.4.1.1.2.2.1.10",
	"slbCurCfgRealServerName":         ".1.3.6.1.4.1.1872.2.5.4.1.1.2.2.1.12",
	"slbCurCfgGroupRealServerState":   ".1.3.6.1.4.1.1872.2.5.4.1.1.3.5.1.3",
	"slbVirtServicesInfoState":        ".1.3.6.1.4.1.1872.2.5.4.3.4.1.6",
	"slbRealServerInfoState":          ".1.3.6.1.4.1.1872.2.5.4.3.1.1.7",
	// Sorry servers
	"slbCurCfgGroupBackupGroup":  ".1.3.6.1.4.1.1872.2.5.4.1.1.3.3.1.5",
	"slbCurCfgGroupBackupServer": ".1.3.6.1.4.1.1872.2.5.4.1.1.3.3.1.4",
	"slbCurCfgRealServerBackUp":  ".1.3.6.1.4.1.1872.2.5.4.1.1.2.2.1.6",
	// Actions
	"slbNewCfgGroupRealServerState": ".1.3.6.1.4.1.1872.2.5.4.1.1.3.6.1.3",
	"slbOperGroupRealServerState":   ".1.3.6.1.4.1.1872.2.5.4.4.3.1.3",
	"agApplyPending":                ".1.3.6.1.4.1.1872.2.5.1.1.7.1.0",
	"agApplyConfig":                 ".1.3.6.1.4.1.1872.2.5.1.1.7.2.0",
}

var alteonModes = map[int]string{
	1: "round robin",
	2: "least connections",
	3: "min misses",
	4: "hash",
	5: "response",
	6: "bandwidth",
	7: "phash",
}

var alteonStates = map[int]string{
	2: "enabled",
	3: "disabled",
}

var alteonStatus = map[int]model.ServerState{
	1: model.StateDisabled,
	2: model.StateUp,
	3: model.StateDown,
	4: model.StateDisabled,
}

var alteonHealthchecks = map[int]string{
	1: "icmp", 2: "tcp", 3: "http", 4: "dns", 5: "smtp", 6: "pop3",
	7: "nntp", 8: "ftp", 9: "imap", 10: "radius", 11: "sslh",
	28: "link", 29: "wsp", 30: "wtls", 31: "ldap", 32: "udpdns",
	33: "arp", 39: "radiusacs", 40: "tftp", 41: "wtp", 42: "rtsp",
	43: "sipping", 44: "httphead", 45: "sipoptions", 46: "wts",
	47: "dhcp", 48: "radiusaa",
}

func alteonHealthcheck(n int) string {
	if s, ok := alteonHealthchecks[n]; ok {
		return s
	}
	// Scripted health checks occupy two ranges of the enum.
	if n >= 12 && n <= 27 {
		return fmt.Sprintf("script%d", n-11)
	}
	if n >= 116 && n <= 163 {
		return fmt.Sprintf("script%d", n-99)
	}
	return "unknown"
}

var (
	alteonVSRe = regexp.MustCompile(`^v(\d+)s(\d+)g(\d+)$`)
	alteonRSRe = regexp.MustCompile(`^([rb])(\d+)$`)
)

type alteonCollector struct {
	base
	name        string
	description string
}

func newAlteon(proxy *snmp.Proxy, name, description string) *alteonCollector {
	return &alteonCollector{
		base:        base{proxy: proxy, oids: alteonOIDs},
		name:        name,
		description: description,
	}
}

func (c *alteonCollector) Kind() string { return "AAS" }

// parse splits v{v}s{s}g{g} and r{r}/b{r} identifiers. sorry reports a b
// prefix on the real server.
func (c *alteonCollector) parse(vs, rs string) (v, s, g, r int, sorry bool, err error) {
	if vs == "" {
		return 0, 0, 0, 0, false, nil
	}
	mo := alteonVSRe.FindStringSubmatch(vs)
	if mo == nil {
		return 0, 0, 0, 0, false, &ParseError{ID: vs, Want: "v{v}s{s}g{g}"}
	}
	v, _ = strconv.Atoi(mo[1])
	s, _ = strconv.Atoi(mo[2])
	g, _ = strconv.Atoi(mo[3])
	r = -1
	if rs != "" {
		mo = alteonRSRe.FindStringSubmatch(rs)
		if mo == nil {
			return 0, 0, 0, 0, false, &ParseError{ID: rs, Want: "r{r} or b{r}"}
		}
		r, _ = strconv.Atoi(mo[2])
		sorry = mo[1] == "b"
	}
	return v, s, g, r, sorry, nil
}

func (c *alteonCollector) Collect(ctx context.Context, vs, rs string) (*Result, error) {
	v, s, g, r, sorry, err := c.parse(vs, rs)
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
	if rs == "" {
		vsrv, err := c.processVS(ctx, v, s, g)
		if err != nil {
			return nil, err
		}
		return &Result{VirtualServer: vsrv}, nil
	}
	protocol, err := c.protocol(ctx, v, s)
	if err != nil {
		return nil, err
	}
	var rsrv *model.RealServer
	if sorry {
		rsrv, err = c.processSorry(ctx, v, s, r, protocol)
	} else {
		rsrv, err = c.processRS(ctx, v, s, r, protocol)
	}
	if err != nil {
		return nil, err
	}
	return &Result{RealServer: rsrv}, nil
}

func (c *alteonCollector) processAll(ctx context.Context) (*model.LoadBalancer, error) {
	if err := c.walkAll(ctx); err != nil {
		return nil, err
	}
	lb := model.NewLoadBalancer(c.name, c.Kind(), c.description)

	servers, err := c.subtree("slbCurCfgVirtServerIpAddress")
	if errors.Is(err, snmp.ErrNotCached) {
		return lb, nil
	}
	if err != nil {
		return nil, err
	}
	groups, err := c.subtree("slbCurCfgVirtServiceRealGroup")
	if errors.Is(err, snmp.ErrNotCached) {
		return lb, nil
	}
	if err != nil {
		return nil, err
	}
	for vsuffix := range servers {
		v, err := strconv.Atoi(vsuffix)
		if err != nil {
			continue
		}
		for ssuffix, gval := range groups {
			idx, err := snmp.SplitIndex(ssuffix)
			if err != nil || len(idx) != 2 || idx[0] != v {
				continue
			}
			s := idx[1]
			g, ok := gval.(int)
			if !ok {
				continue
			}
			vsrv, err := c.processVS(ctx, v, s, g)
			if err != nil {
				return nil, err
			}
			lb.VirtualServers[fmt.Sprintf("v%ds%dg%d", v, s, g)] = vsrv
		}
	}
	return lb, nil
}

func (c *alteonCollector) protocol(ctx context.Context, v, s int) (string, error) {
	if err := c.fetch(ctx, key("slbCurCfgVirtServiceUDPBalance", v, s)); err != nil {
		return "", err
	}
	balance, err := c.intValue("slbCurCfgVirtServiceUDPBalance", v, s)
	if err != nil {
		return "", err
	}
	if balance == 3 {
		return "TCP", nil
	}
	return "UDP", nil
}

func (c *alteonCollector) processVS(ctx context.Context, v, s, g int) (*model.VirtualServer, error) {
	if err := c.fetch(ctx,
		key("slbCurCfgVirtServerState", v),
		key("slbCurCfgVirtServerIpAddress", v),
		key("slbCurCfgVirtServiceVirtPort", v, s),
		key("slbCurCfgVirtServiceRealPort", v, s),
		key("slbCurCfgVirtServiceUDPBalance", v, s),
		key("slbCurCfgGroupMetric", g),
		key("slbCurCfgGroupHealthCheckLayer", g),
		key("slbCurCfgGroupRealServers", g),
		key("slbCurCfgGroupBackupServer", g),
		key("slbCurCfgGroupBackupGroup", g),
	); err != nil {
		return nil, err
	}

	index := fmt.Sprintf("v%ds%dg%d", v, s, g)
	var parts []string
	for _, k := range []oidKey{
		key("slbCurCfgVirtServerVname", v),
		key("slbCurCfgVirtServiceHname", v, s),
		key("slbCurCfgGroupName", g),
	} {
		if part, ok := extraString(c.proxy.CacheValue(c.oid(k))); ok && part != "" {
			parts = append(parts, part)
		}
	}
	name := strings.Join(parts, " ~ ")
	if name == "" {
		name = index
	}

	ip, err := c.stringValue("slbCurCfgVirtServerIpAddress", v)
	if err != nil {
		return nil, err
	}
	port, err := c.intValue("slbCurCfgVirtServiceVirtPort", v, s)
	if err != nil {
		return nil, err
	}
	protocol, err := c.protocol(ctx, v, s)
	if err != nil {
		return nil, err
	}
	metric, err := c.intValue("slbCurCfgGroupMetric", g)
	if err != nil {
		return nil, err
	}
	mode, ok := alteonModes[metric]
	if !ok {
		mode = "unknown"
	}

	vsrv := model.NewVirtualServer(name, fmt.Sprintf("%s:%d", ip, port), protocol, mode)
	if state, err := c.intValue("slbCurCfgVirtServerState", v); err == nil {
		vsrv.Extra["virtual server status"] = alteonStates[state]
	}
	if hc, err := c.intValue("slbCurCfgGroupHealthCheckLayer", g); err == nil {
		vsrv.Extra["healthcheck"] = alteonHealthcheck(hc)
	}

	// Primary members from the group bitmap, each possibly backed up by a
	// dedicated server.
	bitmap, err := c.stringValue("slbCurCfgGroupRealServers", g)
	if err != nil {
		return nil, err
	}
	for _, r := range bitmapBits(bitmap) {
		rsrv, err := c.processRS(ctx, v, s, r, protocol)
		if err != nil {
			return nil, err
		}
		vsrv.RealServers[fmt.Sprintf("r%d", r)] = rsrv
		if err := c.fetch(ctx, key("slbCurCfgRealServerBackUp", r)); err == nil {
			if backup, err := c.intValue("slbCurCfgRealServerBackUp", r); err == nil && backup > 0 {
				if err := c.addSorry(ctx, vsrv, v, s, backup, protocol); err != nil {
					return nil, err
				}
			}
		}
	}

	// Group-level backups: a single server or a whole backup group.
	if backup, err := c.intValue("slbCurCfgGroupBackupServer", g); err == nil && backup > 0 {
		if err := c.addSorry(ctx, vsrv, v, s, backup, protocol); err != nil {
			return nil, err
		}
	}
	if bg, err := c.intValue("slbCurCfgGroupBackupGroup", g); err == nil && bg > 0 {
		if err := c.fetch(ctx, key("slbCurCfgGroupRealServers", bg)); err != nil {
			return nil, err
		}
		bitmap, err := c.stringValue("slbCurCfgGroupRealServers", bg)
		if err != nil {
			return nil, err
		}
		for _, r := range bitmapBits(bitmap) {
			if err := c.addSorry(ctx, vsrv, v, s, r, protocol); err != nil {
				return nil, err
			}
		}
	}
	return vsrv, nil
}

func (c *alteonCollector) addSorry(ctx context.Context, vsrv *model.VirtualServer, v, s, r int, protocol string) error {
	rsrv, err := c.processSorry(ctx, v, s, r, protocol)
	if err != nil {
		return err
	}
	vsrv.RealServers[fmt.Sprintf("b%d", r)] = rsrv
	return nil
}

func (c *alteonCollector) processRS(ctx context.Context, v, s, r int, protocol string) (*model.RealServer, error) {
	if err := c.fetch(ctx,
		key("slbCurCfgRealServerIpAddr", r),
		key("slbCurCfgRealServerName", r),
		key("slbCurCfgRealServerWeight", r),
		key("slbCurCfgRealServerPingInterval", r),
		key("slbCurCfgRealServerFailRetry", r),
		key("slbCurCfgRealServerSuccRetry", r),
		key("slbCurCfgVirtServiceRealPort", v, s),
	); err != nil {
		return nil, err
	}
	rip, err := c.stringValue("slbCurCfgRealServerIpAddr", r)
	if err != nil {
		return nil, err
	}
	name, _ := c.stringValue("slbCurCfgRealServerName", r)
	if name == "" {
		name = rip
	}
	rport, err := c.intValue("slbCurCfgVirtServiceRealPort", v, s)
	if err != nil {
		return nil, err
	}
	weight, err := c.intValue("slbCurCfgRealServerWeight", r)
	if err != nil {
		return nil, err
	}

	// The per-service state row disappears when the server is out of
	// service; treat a miss as disabled.
	state := model.StateDisabled
	if !c.cached(key("slbVirtServicesInfoState", v, s, r)) {
		_ = c.fetch(ctx, key("slbVirtServicesInfoState", v, s, r))
	}
	if st, err := c.intValue("slbVirtServicesInfoState", v, s, r); err == nil {
		if mapped, ok := alteonStatus[st]; ok {
			state = mapped
		}
	}

	rsrv := model.NewRealServer(name, rip, rport, protocol, weight, state)
	{
		v, err := c.value("slbCurCfgRealServerPingInterval", r)
		setExtra(rsrv.Extra, "ping interval", v, err)
	}
	{
		v, err := c.value("slbCurCfgRealServerFailRetry", r)
		setExtra(rsrv.Extra, "fail retry", v, err)
	}
	{
		v, err := c.value("slbCurCfgRealServerSuccRetry", r)
		setExtra(rsrv.Extra, "success retry", v, err)
	}
	return rsrv, nil
}

func (c *alteonCollector) processSorry(ctx context.Context, v, s, r int, protocol string) (*model.RealServer, error) {
	if err := c.fetch(ctx,
		key("slbCurCfgRealServerIpAddr", r),
		key("slbCurCfgRealServerName", r),
		key("slbCurCfgVirtServiceRealPort", v, s),
	); err != nil {
		return nil, err
	}
	rip, err := c.stringValue("slbCurCfgRealServerIpAddr", r)
	if err != nil {
		return nil, err
	}
	name, _ := c.stringValue("slbCurCfgRealServerName", r)
	if name == "" {
		name = rip
	}
	rport, err := c.intValue("slbCurCfgVirtServiceRealPort", v, s)
	if err != nil {
		return nil, err
	}
	state := model.StateUnknown
	if !c.cached(key("slbRealServerInfoState", r)) {
		_ = c.fetch(ctx, key("slbRealServerInfoState", r))
	}
	if st, err := c.intValue("slbRealServerInfoState", r); err == nil {
		if mapped, ok := alteonStatus[st]; ok {
			state = mapped
		}
	}
	return model.NewSorryServer(name, rip, rport, protocol, state), nil
}

// Actions lists the per-real-server operations. Only primary members of a
// group can be toggled.
func (c *alteonCollector) Actions(ctx context.Context, vs, rs string) (map[string]string, error) {
	_, _, _, r, sorry, err := c.parse(vs, rs)
	if err != nil {
		return nil, err
	}
	if vs == "" || rs == "" || sorry || r < 0 {
		return map[string]string{}, nil
	}
	if !c.proxy.Writable() {
		return map[string]string{}, nil
	}
	return map[string]string{
		"enable":      "Enable (permanent)",
		"disable":     "Disable (permanent)",
		"operenable":  "Enable (operational)",
		"operdisable": "Disable (operational)",
	}, nil
}

func (c *alteonCollector) Execute(ctx context.Context, action string, args []string, vs, rs string) (bool, error) {
	_, _, g, r, sorry, err := c.parse(vs, rs)
	if err != nil {
		return false, err
	}
	if vs == "" || rs == "" || sorry {
		return false, nil
	}
	switch action {
	case "enable":
		return true, c.setAndApply(ctx, g, r, 1)
	case "disable":
		return true, c.setAndApply(ctx, g, r, 2)
	case "operenable":
		return true, c.proxy.Set(ctx, c.oid(key("slbOperGroupRealServerState", g, r)), 1)
	case "operdisable":
		return true, c.proxy.Set(ctx, c.oid(key("slbOperGroupRealServerState", g, r)), 2)
	}
	return false, nil
}

// setAndApply changes the new-configuration state of a group member, then
// runs the switch's two-step apply: when an apply is pending (2) and the
// previous apply is complete (4), the apply register is reset to idle (2)
// before being triggered (1).
func (c *alteonCollector) setAndApply(ctx context.Context, g, r, state int) error {
	if err := c.proxy.Set(ctx, c.oid(key("slbNewCfgGroupRealServerState", g, r)), state); err != nil {
		return err
	}
	regs, err := c.proxy.Get(ctx, c.oids["agApplyPending"], c.oids["agApplyConfig"])
	if err != nil {
		return err
	}
	pending, _ := regs[c.oids["agApplyPending"]].(int)
	config, _ := regs[c.oids["agApplyConfig"]].(int)
	if pending != 2 {
		return nil
	}
	if config == 4 {
		if err := c.proxy.Set(ctx, c.oids["agApplyConfig"], 2); err != nil {
			return err
		}
	}
	return c.proxy.Set(ctx, c.oids["agApplyConfig"], 1)
}

type alteonFactory struct{}

func (alteonFactory) Name() string     { return "alteon" }
func (alteonFactory) CoResident() bool { return false }

func (alteonFactory) CanCollect(ctx context.Context, proxy *snmp.Proxy, description, sysOID string) (bool, error) {
	return strings.HasPrefix(sysOID, ".1.3.6.1.4.1.1872.1.13."), nil
}

func (alteonFactory) New(proxy *snmp.Proxy, name, description string) Collector {
	return newAlteon(proxy, name, description)
}
