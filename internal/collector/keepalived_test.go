package collector

import (
	"context"
	"reflect"
	"testing"

	"github.com/qcss/qcss3/internal/model"
	"github.com/qcss/qcss3/internal/snmp/snmptest"
)

// keepalivedMIB describes one IP virtual server v2 with real server r3 taken
// out of rotation (weight 0), plus a second instance of the same backend
// address under v4 for the global enable/disable fan-out.
func keepalivedMIB() map[string]any {
	o := keepalivedOIDs
	return map[string]any{
		".1.3.6.1.2.1.1.1.0":                "Linux lb2",
		".1.3.6.1.2.1.1.2.0":                ".1.3.6.1.4.1.8072.3.2.10",
		".1.3.6.1.4.1.9586.100.5.1.1.0":     "1.2.2",

		o["virtualServerType"] + ".2":              2,
		o["virtualServerAddrType"] + ".2":          1,
		o["virtualServerAddress"] + ".2":           "\x0a\x00\x00\x02",
		o["virtualServerPort"] + ".2":              80,
		o["virtualServerProtocol"] + ".2":          1,
		o["virtualServerLoadBalancingAlgo"] + ".2": 4,
		o["virtualServerLoadBalancingKind"] + ".2": 1,
		o["virtualServerStatus"] + ".2":            1,
		o["virtualServerRealServersTotal"] + ".2":  1,
		o["virtualServerRealServersUp"] + ".2":     0,

		o["realServerType"] + ".2.3":           1,
		o["realServerAddrType"] + ".2.3":       1,
		o["realServerAddress"] + ".2.3":        "\x0a\x00\x00\x07",
		o["realServerPort"] + ".2.3":           8080,
		o["realServerStatus"] + ".2.3":         1,
		o["realServerWeight"] + ".2.3":         0,
		o["realServerActionWhenDown"] + ".2.3": 1,

		o["realServerAddress"] + ".4.1": "\x0a\x00\x00\x07",
		o["realServerWeight"] + ".4.1":  2,
	}
}

func TestKeepalivedCollectAll(t *testing.T) {
	agent := snmptest.NewAgent(keepalivedMIB())
	c := newKeepalived(testProxy(agent, nil), "lb2", "")

	res, err := c.Collect(context.Background(), "", "")
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	lb := res.LoadBalancer
	vs, ok := lb.VirtualServers["v2"]
	if !ok {
		t.Fatalf("virtual servers = %v", lb.VirtualServers)
	}
	if vs.Name != "IP 10.0.0.2" {
		t.Errorf("Name = %q", vs.Name)
	}
	if vs.VIP != "10.0.0.2:80" {
		t.Errorf("VIP = %q", vs.VIP)
	}
	if vs.Protocol != "TCP" || vs.Mode != "wlc" {
		t.Errorf("protocol/mode = %q/%q", vs.Protocol, vs.Mode)
	}
	if vs.Extra["real servers"] != "0 up / 1 total" {
		t.Errorf("real servers = %q", vs.Extra["real servers"])
	}
	if vs.Extra["packet-forwarding method"] != "nat" {
		t.Errorf("method = %q", vs.Extra["packet-forwarding method"])
	}

	// Weight zero wins over a healthy check status.
	rs := vs.RealServers["r3"]
	if rs == nil {
		t.Fatalf("real servers = %v", vs.RealServers)
	}
	if rs.State != model.StateDisabled {
		t.Errorf("State = %q, want disabled", rs.State)
	}
	if rs.Weight != 0 {
		t.Errorf("Weight = %d", rs.Weight)
	}
	if rs.RIP != "10.0.0.7" || rs.RPort != 8080 {
		t.Errorf("rs = %+v", rs)
	}
	if rs.Extra["on fail"] != "remove" {
		t.Errorf("on fail = %q", rs.Extra["on fail"])
	}
	// Read-only device: no embedded actions.
	if len(rs.Actions) != 0 {
		t.Errorf("actions on read-only device: %v", rs.Actions)
	}
}

func TestKeepalivedActionVocabulary(t *testing.T) {
	agent := snmptest.NewAgent(keepalivedMIB())
	write := snmptest.NewAgent(nil)
	c := newKeepalived(testProxy(agent, write), "lb2", "")

	res, err := c.Collect(context.Background(), "v2", "r3")
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	rs := res.RealServer
	if rs == nil {
		t.Fatal("no real server in result")
	}
	for _, want := range []string{"disableall", "enableall", "enable/1", "enable/5"} {
		if _, ok := rs.Actions[want]; !ok {
			t.Errorf("missing action %q in %v", want, rs.Actions)
		}
	}
	// Weight is already zero: no plain disable.
	if _, ok := rs.Actions["disable"]; ok {
		t.Errorf("disable offered at weight 0: %v", rs.Actions)
	}
	if got := rs.Actions["enable/3"]; got != "Enable with weight 3 (temporary)" {
		t.Errorf("enable/3 label = %q", got)
	}
}

func TestKeepalivedEnableWithWeight(t *testing.T) {
	agent := snmptest.NewAgent(keepalivedMIB())
	write := snmptest.NewAgent(nil)
	c := newKeepalived(testProxy(agent, write), "lb2", "")

	done, err := c.Execute(context.Background(), "enable/3", nil, "v2", "r3")
	if err != nil || !done {
		t.Fatalf("Execute = %v, %v", done, err)
	}
	want := []snmptest.SetCall{
		{OID: keepalivedOIDs["realServerWeight"] + ".2.3", Value: 3},
	}
	if !reflect.DeepEqual(write.Sets, want) {
		t.Errorf("sets = %v, want %v", write.Sets, want)
	}
}

// enableall touches every real server sharing the address, across virtual
// servers, in index order.
func TestKeepalivedEnableAll(t *testing.T) {
	agent := snmptest.NewAgent(keepalivedMIB())
	write := snmptest.NewAgent(nil)
	c := newKeepalived(testProxy(agent, write), "lb2", "")

	done, err := c.Execute(context.Background(), "enableall", nil, "v2", "r3")
	if err != nil || !done {
		t.Fatalf("Execute = %v, %v", done, err)
	}
	want := []snmptest.SetCall{
		{OID: keepalivedOIDs["realServerWeight"] + ".2.3", Value: 1},
		{OID: keepalivedOIDs["realServerWeight"] + ".4.1", Value: 1},
	}
	if !reflect.DeepEqual(write.Sets, want) {
		t.Errorf("sets = %v, want %v", write.Sets, want)
	}
}
