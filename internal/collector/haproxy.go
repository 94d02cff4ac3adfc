package collector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/qcss/qcss3/internal/model"
	"github.com/qcss/qcss3/internal/snmp"
)

// HAProxy through the EXCELIANCE-MIB subagent.
//
// The MIB does not link backends to frontends, so the association is by
// naming convention: backend B serves frontend F when B equals F, equals F
// stripped of its VIP prefix, or starts with either followed by a double
// dash. The VIP is the part of the frontend name before the first double
// dash, and a server's ip:port is the part of its name before the first
// double dash. The id grammar is p{pid},f{front} / b{back},s{serv}.

var haproxyOIDs = map[string]string{
	// Frontend
	"alFrontendName":   ".1.3.6.1.4.1.23263.4.2.1.3.2.1.3",
	"alFrontendStatus": ".1.3.6.1.4.1.23263.4.2.1.3.2.1.13",
	// Backend
	"alBackendName":     ".1.3.6.1.4.1.23263.4.2.1.3.3.1.3",
	"alBackendStatus":   ".1.3.6.1.4.1.23263.4.2.1.3.3.1.20",
	"alBackendDownTime": ".1.3.6.1.4.1.23263.4.2.1.3.3.1.23",
	// Servers
	"alServerName":     ".1.3.6.1.4.1.23263.4.2.1.3.4.1.4",
	"alServerStatus":   ".1.3.6.1.4.1.23263.4.2.1.3.4.1.19",
	"alServerWeight":   ".1.3.6.1.4.1.23263.4.2.1.3.4.1.21",
	"alServerActive":   ".1.3.6.1.4.1.23263.4.2.1.3.4.1.22",
	"alServerBackup":   ".1.3.6.1.4.1.23263.4.2.1.3.4.1.23",
	"alServerDownTime": ".1.3.6.1.4.1.23263.4.2.1.3.4.1.26",
}

var (
	haproxyVSRe = regexp.MustCompile(`^p(\d+),f(\d+)$`)
	haproxyRSRe = regexp.MustCompile(`^b(\d+),s(\d+)$`)
)

type haproxyCollector struct {
	base
	name        string
	description string
}

func newHAProxy(proxy *snmp.Proxy, name, description string) *haproxyCollector {
	return &haproxyCollector{
		base:        base{proxy: proxy, oids: haproxyOIDs},
		name:        name,
		description: description,
	}
}

func (c *haproxyCollector) Kind() string { return "HAProxy" }

func (c *haproxyCollector) parse(vs, rs string) (pid, front, back, serv int, err error) {
	pid, front, back, serv = -1, -1, -1, -1
	if vs == "" {
		return pid, front, back, serv, nil
	}
	mo := haproxyVSRe.FindStringSubmatch(vs)
	if mo == nil {
		return 0, 0, 0, 0, &ParseError{ID: vs, Want: "p{pid},f{front}"}
	}
	pid, _ = strconv.Atoi(mo[1])
	front, _ = strconv.Atoi(mo[2])
	if rs != "" {
		mo = haproxyRSRe.FindStringSubmatch(rs)
		if mo == nil {
			return 0, 0, 0, 0, &ParseError{ID: rs, Want: "b{back},s{serv}"}
		}
		back, _ = strconv.Atoi(mo[1])
		serv, _ = strconv.Atoi(mo[2])
	}
	return pid, front, back, serv, nil
}

func (c *haproxyCollector) Collect(ctx context.Context, vs, rs string) (*Result, error) {
	pid, front, back, serv, err := c.parse(vs, rs)
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
		rsrv, err := c.processRS(ctx, pid, back, serv)
		if err != nil {
			return nil, err
		}
		return &Result{RealServer: rsrv}, nil
	}
	vsrv, err := c.processVS(ctx, pid, front)
	if err != nil {
		return nil, err
	}
	return &Result{VirtualServer: vsrv}, nil
}

func (c *haproxyCollector) processAll(ctx context.Context) (*model.LoadBalancer, error) {
	if err := c.walkAll(ctx); err != nil {
		return nil, err
	}
	lb := model.NewLoadBalancer(c.name, c.Kind(), c.description)

	fronts, err := c.subtree("alFrontendName")
	if errors.Is(err, snmp.ErrNotCached) {
		return lb, nil
	}
	if err != nil {
		return nil, err
	}
	for suffix := range fronts {
		idx, err := snmp.SplitIndex(suffix)
		if err != nil || len(idx) != 2 {
			continue
		}
		pid, front := idx[0], idx[1]
		vsrv, err := c.processVS(ctx, pid, front)
		if err != nil {
			return nil, err
		}
		if vsrv != nil {
			lb.VirtualServers[fmt.Sprintf("p%d,f%d", pid, front)] = vsrv
		}
	}
	return lb, nil
}

func (c *haproxyCollector) processVS(ctx context.Context, pid, front int) (*model.VirtualServer, error) {
	if err := c.fetch(ctx,
		key("alFrontendName", pid, front),
		key("alFrontendStatus", pid, front),
	); err != nil {
		return nil, err
	}
	fname, err := c.stringValue("alFrontendName", pid, front)
	if err != nil {
		return nil, err
	}
	sfname := fname
	vip := "unknown"
	if before, after, found := strings.Cut(fname, "--"); found {
		vip, sfname = before, after
	}
	vsrv := model.NewVirtualServer(sfname, vip, "unknown", "unknown")
	{
		v, err := c.value("alFrontendStatus", pid, front)
		setExtra(vsrv.Extra, "status", v, err)
	}

	backends, err := c.subtree("alBackendName", pid)
	if errors.Is(err, snmp.ErrNotCached) {
		if err := c.walk(ctx, "alBackendName", pid); err != nil {
			return nil, err
		}
		backends, err = c.subtree("alBackendName", pid)
	}
	if err != nil && !errors.Is(err, snmp.ErrNotCached) {
		return nil, err
	}
	for bsuffix, bval := range backends {
		bid, err := strconv.Atoi(bsuffix)
		if err != nil {
			continue
		}
		bname, ok := bval.(string)
		if !ok {
			continue
		}
		if bname != fname && bname != sfname &&
			!strings.HasPrefix(bname, fname+"--") &&
			!strings.HasPrefix(bname, sfname+"--") {
			continue
		}
		servers, err := c.subtree("alServerName", pid, bid)
		if errors.Is(err, snmp.ErrNotCached) {
			if err := c.walk(ctx, "alServerName", pid, bid); err != nil {
				return nil, err
			}
			servers, err = c.subtree("alServerName", pid, bid)
		}
		if errors.Is(err, snmp.ErrNotCached) || len(servers) == 0 {
			log.Printf("[collector] %s: backend %q has no servers, skipping it", c.name, bname)
			continue
		}
		if err != nil {
			return nil, err
		}
		for ssuffix := range servers {
			rid, err := strconv.Atoi(ssuffix)
			if err != nil {
				continue
			}
			rsrv, err := c.processRS(ctx, pid, bid, rid)
			if err != nil {
				return nil, err
			}
			vsrv.RealServers[fmt.Sprintf("b%d,s%d", bid, rid)] = rsrv
		}
	}
	return vsrv, nil
}

func (c *haproxyCollector) processRS(ctx context.Context, pid, bid, rid int) (*model.RealServer, error) {
	var keys []oidKey
	for symbol := range c.oids {
		if strings.HasPrefix(symbol, "alBackend") {
			keys = append(keys, key(symbol, pid, bid))
		} else if strings.HasPrefix(symbol, "alServer") {
			keys = append(keys, key(symbol, pid, bid, rid))
		}
	}
	if err := c.fetch(ctx, keys...); err != nil {
		return nil, err
	}

	bname, err := c.stringValue("alBackendName", pid, bid)
	if err != nil {
		return nil, err
	}
	rname, err := c.stringValue("alServerName", pid, bid, rid)
	if err != nil {
		return nil, err
	}
	rip, rport := "0.0.0.0", 0
	if before, after, found := strings.Cut(rname, "--"); found {
		rip, rname = before, after
		if host, port, found := strings.Cut(rip, ":"); found {
			rip = host
			rport, _ = strconv.Atoi(port)
		}
	}

	weight, err := c.intValue("alServerWeight", pid, bid, rid)
	if err != nil {
		return nil, err
	}
	active, err := c.intValue("alServerActive", pid, bid, rid)
	if err != nil {
		return nil, err
	}
	state := model.StateDown
	if active != 0 {
		state = model.StateUp
	}
	backup, err := c.intValue("alServerBackup", pid, bid, rid)
	if err != nil {
		return nil, err
	}

	var rsrv *model.RealServer
	if backup == 0 {
		rsrv = model.NewRealServer(rname, rip, rport, "unknown", weight, state)
	} else {
		rsrv = model.NewSorryServer(rname, rip, rport, "unknown", state)
	}
	rsrv.Extra["backend"] = bname
	if down, err := c.intValue("alServerDownTime", pid, bid, rid); err == nil {
		rsrv.Extra["down time"] = formatDownTime(down)
	}
	if down, err := c.intValue("alBackendDownTime", pid, bid); err == nil {
		rsrv.Extra["backend down time"] = formatDownTime(down)
	}
	{
		v, err := c.value("alServerStatus", pid, bid, rid)
		setExtra(rsrv.Extra, "status", v, err)
	}
	{
		v, err := c.value("alBackendStatus", pid, bid)
		setExtra(rsrv.Extra, "backend status", v, err)
	}
	return rsrv, nil
}

// formatDownTime renders a downtime counter in hundredths of a second as
// hh:mm:ss.
func formatDownTime(hundredths int) string {
	seconds := hundredths / 100
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds/60)%60, seconds%60)
}

// Actions is empty: the MIB is read-only.
func (c *haproxyCollector) Actions(ctx context.Context, vs, rs string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (c *haproxyCollector) Execute(ctx context.Context, action string, args []string, vs, rs string) (bool, error) {
	return false, nil
}

type haproxyFactory struct{}

func (haproxyFactory) Name() string     { return "haproxy" }
func (haproxyFactory) CoResident() bool { return true }

// CanCollect probes the first row of the process table: the sysObjectID is
// of no use for a subagent.
func (haproxyFactory) CanCollect(ctx context.Context, proxy *snmp.Proxy, description, sysOID string) (bool, error) {
	_, err := proxy.Get(ctx, ".1.3.6.1.4.1.23263.4.2.1.3.1.1.1.1")
	return err == nil, nil
}

func (haproxyFactory) New(proxy *snmp.Proxy, name, description string) Collector {
	return newHAProxy(proxy, name, description)
}
