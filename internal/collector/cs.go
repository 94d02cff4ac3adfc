package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/qcss/qcss3/internal/model"
	"github.com/qcss/qcss3/internal/snmp"
)

// Cisco CS and Arrowpoint CSS content switches, APENT-MIB.
//
// Cisco moved the MIB from .1.3.6.1.4.1.2467 to .1.3.6.1.4.1.9.9.368; the
// same collector serves both, parameterised by the base OID. A virtual
// server is (owner, content), both variable-length strings encoded into the
// OID tail; a real server is a service name. The textual id is
// {owner}|{content}, split on the literal pipe.

var csTableOIDs = map[string]string{
	// Content
	"apCntIPAddress":          ".1.16.4.1.4",
	"apCntIPProtocol":         ".1.16.4.1.5",
	"apCntPort":               ".1.16.4.1.6",
	"apCntUrl":                ".1.16.4.1.7",
	"apCntSticky":             ".1.16.4.1.8",
	"apCntBalance":            ".1.16.4.1.9",
	"apCntEnable":             ".1.16.4.1.11",
	"apCntPersistence":        ".1.16.4.1.15",
	"apCntContentType":        ".1.16.4.1.43",
	"apCntPrimarySorryServer": ".1.16.4.1.58",
	"apCntSecondSorryServer":  ".1.16.4.1.59",
	// Content/service association
	"apCntsvcSvcName": ".1.18.2.1.3",
	// Services
	"apSvcIPAddress":      ".1.15.2.1.3",
	"apSvcIPProtocol":     ".1.15.2.1.4",
	"apSvcPort":           ".1.15.2.1.5",
	"apSvcKALType":        ".1.15.2.1.6",
	"apSvcKALFrequency":   ".1.15.2.1.7",
	"apSvcKALMaxFailure":  ".1.15.2.1.8",
	"apSvcKALRetryPeriod": ".1.15.2.1.9",
	"apSvcKALUri":         ".1.15.2.1.10",
	"apSvcEnable":         ".1.15.2.1.12",
	"apSvcWeight":         ".1.15.2.1.16",
	"apSvcState":          ".1.15.2.1.17",
	"apSvcKALPort":        ".1.15.2.1.31",
}

var csModes = map[int]string{
	1: "roundrobin", 2: "aca", 3: "destip", 4: "srcip", 5: "domain",
	6: "url", 7: "leastconn", 8: "weightedrr", 9: "domainhash", 10: "urlhash",
}

var csSticky = map[int]string{
	1: "none", 2: "ssl", 3: "cookieurl", 4: "url", 5: "cookies",
	6: "sticky-srcip-dstport", 7: "sticky-srcip", 8: "arrowpoint-cookie",
	9: "wap-msisdn",
}

var csProtocols = map[int]string{
	0: "any", 6: "TCP", 17: "UDP",
}

var csStates = map[int]model.ServerState{
	1: model.StateDisabled,
	2: model.StateDown,
	4: model.StateUp,
	5: model.StateDown,
}

var csContents = map[int]string{
	1: "http", 2: "ftp-control", 3: "realaudio-control", 4: "ssl", 5: "bypass",
}

var csKALs = map[int]string{
	0: "none", 1: "icmp", 2: "http", 3: "ftp", 4: "tcp", 5: "named", 6: "script",
}

type csCollector struct {
	base
	kind        string
	name        string
	description string
}

func newCS(baseOID, kind string, proxy *snmp.Proxy, name, description string) *csCollector {
	oids := make(map[string]string, len(csTableOIDs))
	for symbol, tail := range csTableOIDs {
		oids[symbol] = baseOID + tail
	}
	return &csCollector{
		base:        base{proxy: proxy, oids: oids},
		kind:        kind,
		name:        name,
		description: description,
	}
}

func (c *csCollector) Kind() string { return c.kind }

// parse splits the {owner}|{content} virtual-server id on the literal pipe.
func (c *csCollector) parse(vs string) (owner, content string, err error) {
	owner, content, found := strings.Cut(vs, "|")
	if !found {
		return "", "", &ParseError{ID: vs, Want: "{owner}|{content}"}
	}
	return owner, content, nil
}

func (c *csCollector) Collect(ctx context.Context, vs, rs string) (*Result, error) {
	if vs == "" {
		lb, err := c.processAll(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{LoadBalancer: lb}, nil
	}
	owner, content, err := c.parse(vs)
	if err != nil {
		return nil, err
	}
	if rs != "" {
		rsrv, err := c.processRS(ctx, rs, "")
		if err != nil {
			return nil, err
		}
		return &Result{RealServer: rsrv}, nil
	}
	vsrv, err := c.processVS(ctx, owner, content)
	if err != nil {
		return nil, err
	}
	return &Result{VirtualServer: vsrv}, nil
}

func (c *csCollector) processAll(ctx context.Context) (*model.LoadBalancer, error) {
	if err := c.walkAll(ctx); err != nil {
		return nil, err
	}
	lb := model.NewLoadBalancer(c.name, c.kind, c.description)

	contents, err := c.subtree("apCntIPAddress")
	if errors.Is(err, snmp.ErrNotCached) {
		return lb, nil
	}
	if err != nil {
		return nil, err
	}
	for suffix := range contents {
		arcs, err := snmp.SplitIndex(suffix)
		if err != nil {
			continue
		}
		strs, err := stringOID(arcs)
		if err != nil || len(strs) != 2 {
			continue
		}
		owner, content := strs[0], strs[1]
		vsrv, err := c.processVS(ctx, owner, content)
		if err != nil {
			return nil, err
		}
		lb.VirtualServers[owner+"|"+content] = vsrv
	}
	return lb, nil
}

func (c *csCollector) processVS(ctx context.Context, owner, content string) (*model.VirtualServer, error) {
	oo, oc := oidString(owner), oidString(content)
	var keys []oidKey
	for symbol := range c.oids {
		if strings.HasPrefix(symbol, "apCnt") && !strings.HasPrefix(symbol, "apCntsvc") {
			keys = append(keys, key(symbol, oo, oc))
		}
	}
	if err := c.fetch(ctx, keys...); err != nil {
		return nil, err
	}

	ip, err := c.stringValue("apCntIPAddress", oo, oc)
	if err != nil {
		return nil, err
	}
	port, err := c.intValue("apCntPort", oo, oc)
	if err != nil {
		return nil, err
	}
	proto, err := c.intValue("apCntIPProtocol", oo, oc)
	if err != nil {
		return nil, err
	}
	balance, err := c.intValue("apCntBalance", oo, oc)
	if err != nil {
		return nil, err
	}
	vsrv := model.NewVirtualServer(content, fmt.Sprintf("%s:%d", ip, port),
		csProtocols[proto], csModes[balance])

	{
		v, err := c.value("apCntUrl", oo, oc)
		setExtra(vsrv.Extra, "URL", v, err)
	}
	if sticky, err := c.intValue("apCntSticky", oo, oc); err == nil {
		vsrv.Extra["sticky"] = csSticky[sticky]
	}
	if enabled, err := c.intValue("apCntEnable", oo, oc); err == nil {
		vsrv.Extra["virtual server status"] = boolLabel(enabled == 1, "up", "down")
	}
	if persist, err := c.intValue("apCntPersistence", oo, oc); err == nil {
		vsrv.Extra["persistence"] = boolLabel(persist == 1, "enabled", "disabled")
	}
	if ct, err := c.intValue("apCntContentType", oo, oc); err == nil {
		vsrv.Extra["content type"] = csContents[ct]
	}

	// Attach the services bound to this content.
	services, err := c.subtree("apCntsvcSvcName", oo, oc)
	if errors.Is(err, snmp.ErrNotCached) {
		if err := c.walk(ctx, "apCntsvcSvcName", oo, oc); err != nil {
			return nil, err
		}
		services, err = c.subtree("apCntsvcSvcName", oo, oc)
	}
	if err != nil && !errors.Is(err, snmp.ErrNotCached) {
		return nil, err
	}
	for suffix := range services {
		arcs, err := snmp.SplitIndex(suffix)
		if err != nil {
			continue
		}
		strs, err := stringOID(arcs)
		if err != nil || len(strs) == 0 {
			continue
		}
		service := strs[0]
		rsrv, err := c.processRS(ctx, service, "")
		if err != nil {
			return nil, err
		}
		vsrv.RealServers[service] = rsrv
	}

	// Primary and secondary sorry servers.
	for _, backup := range []string{"primary", "second"} {
		symbol := "apCntPrimarySorryServer"
		if backup == "second" {
			symbol = "apCntSecondSorryServer"
		}
		service, err := c.stringValue(symbol, oo, oc)
		if err != nil || service == "" {
			continue
		}
		rsrv, err := c.processRS(ctx, service, backup)
		if err != nil {
			return nil, err
		}
		vsrv.RealServers[service] = rsrv
	}
	return vsrv, nil
}

func (c *csCollector) processRS(ctx context.Context, service, backup string) (*model.RealServer, error) {
	os := oidString(service)
	var keys []oidKey
	for symbol := range c.oids {
		if strings.HasPrefix(symbol, "apSvc") {
			keys = append(keys, key(symbol, os))
		}
	}
	if err := c.fetch(ctx, keys...); err != nil {
		return nil, err
	}

	rip, err := c.stringValue("apSvcIPAddress", os)
	if err != nil {
		return nil, err
	}
	rport, err := c.intValue("apSvcPort", os)
	if err != nil {
		return nil, err
	}
	proto, err := c.intValue("apSvcIPProtocol", os)
	if err != nil {
		return nil, err
	}
	stateVal, err := c.intValue("apSvcState", os)
	if err != nil {
		return nil, err
	}
	state, ok := csStates[stateVal]
	if !ok {
		state = model.StateUnknown
	}

	var rsrv *model.RealServer
	if backup == "" {
		weight, err := c.intValue("apSvcWeight", os)
		if err != nil {
			return nil, err
		}
		rsrv = model.NewRealServer(service, rip, rport, csProtocols[proto], weight, state)
	} else {
		rsrv = model.NewSorryServer(service, rip, rport, csProtocols[proto], state)
		rsrv.Extra["backup type"] = backup
	}

	if kal, err := c.intValue("apSvcKALType", os); err == nil {
		rsrv.Extra["KAL type"] = csKALs[kal]
	}
	{
		v, err := c.value("apSvcKALFrequency", os)
		setExtra(rsrv.Extra, "KAL frequency", v, err)
	}
	{
		v, err := c.value("apSvcKALMaxFailure", os)
		setExtra(rsrv.Extra, "KAL max failure", v, err)
	}
	{
		v, err := c.value("apSvcKALRetryPeriod", os)
		setExtra(rsrv.Extra, "KAL retry period", v, err)
	}
	{
		v, err := c.value("apSvcKALUri", os)
		setExtra(rsrv.Extra, "KAL URI", v, err)
	}
	{
		v, err := c.value("apSvcKALPort", os)
		setExtra(rsrv.Extra, "KAL port", v, err)
	}
	return rsrv, nil
}

// Actions is empty: these switches expose no control operations.
func (c *csCollector) Actions(ctx context.Context, vs, rs string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (c *csCollector) Execute(ctx context.Context, action string, args []string, vs, rs string) (bool, error) {
	return false, nil
}

func boolLabel(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}

type csFactory struct{}

func (csFactory) Name() string     { return "cs" }
func (csFactory) CoResident() bool { return false }

func (csFactory) CanCollect(ctx context.Context, proxy *snmp.Proxy, description, sysOID string) (bool, error) {
	return strings.HasPrefix(sysOID, ".1.3.6.1.4.1.9.9.368."), nil
}

func (csFactory) New(proxy *snmp.Proxy, name, description string) Collector {
	return newCS(".1.3.6.1.4.1.9.9.368", "Cisco CS", proxy, name, description)
}

type arrowFactory struct{}

func (arrowFactory) Name() string     { return "arrowpoint" }
func (arrowFactory) CoResident() bool { return false }

func (arrowFactory) CanCollect(ctx context.Context, proxy *snmp.Proxy, description, sysOID string) (bool, error) {
	return strings.HasPrefix(sysOID, ".1.3.6.1.4.1.2467."), nil
}

func (arrowFactory) New(proxy *snmp.Proxy, name, description string) Collector {
	return newCS(".1.3.6.1.4.1.2467", "ArrowPoint CSS", proxy, name, description)
}
