package collector

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/qcss/qcss3/internal/model"
	"github.com/qcss/qcss3/internal/snmp/snmptest"
)

// alteonMIB describes one virtual server v1/s1 over group 3. The group bitmap
// 0x03 selects real servers 7 and 8; server 8 carries server 11 as dedicated
// backup.
func alteonMIB() map[string]any {
	o := alteonOIDs
	return map[string]any{
		".1.3.6.1.2.1.1.1.0": "Alteon Application Switch",
		".1.3.6.1.2.1.1.2.0": ".1.3.6.1.4.1.1872.1.13.2.1",

		o["slbCurCfgVirtServerIpAddress"] + ".1":   "10.14.0.1",
		o["slbCurCfgVirtServerVname"] + ".1":       "web",
		o["slbCurCfgVirtServerState"] + ".1":       2,
		o["slbCurCfgVirtServiceVirtPort"] + ".1.1": 80,
		o["slbCurCfgVirtServiceRealPort"] + ".1.1": 8080,
		o["slbCurCfgVirtServiceRealGroup"] + ".1.1": 3,
		o["slbCurCfgVirtServiceHname"] + ".1.1":     "",
		o["slbCurCfgVirtServiceUDPBalance"] + ".1.1": 3,

		o["slbCurCfgGroupMetric"] + ".3":           1,
		o["slbCurCfgGroupName"] + ".3":             "g3",
		o["slbCurCfgGroupHealthCheckLayer"] + ".3": 3,
		o["slbCurCfgGroupRealServers"] + ".3":      "\x03",
		o["slbCurCfgGroupBackupServer"] + ".3":     0,
		o["slbCurCfgGroupBackupGroup"] + ".3":      0,

		o["slbCurCfgRealServerIpAddr"] + ".7":       "192.168.1.7",
		o["slbCurCfgRealServerName"] + ".7":         "srv7",
		o["slbCurCfgRealServerWeight"] + ".7":       10,
		o["slbCurCfgRealServerPingInterval"] + ".7": 2,
		o["slbCurCfgRealServerFailRetry"] + ".7":    4,
		o["slbCurCfgRealServerSuccRetry"] + ".7":    2,
		o["slbCurCfgRealServerBackUp"] + ".7":       0,

		o["slbCurCfgRealServerIpAddr"] + ".8": "192.168.1.8",
		o["slbCurCfgRealServerName"] + ".8":   "",
		o["slbCurCfgRealServerWeight"] + ".8": 5,
		o["slbCurCfgRealServerBackUp"] + ".8": 11,

		o["slbCurCfgRealServerIpAddr"] + ".11": "192.168.1.11",
		o["slbCurCfgRealServerName"] + ".11":   "backup11",

		// Server 8 has no per-service state row: it is out of service.
		o["slbVirtServicesInfoState"] + ".1.1.7": 2,
		o["slbRealServerInfoState"] + ".11":      2,

		o["agApplyPending"]: 2,
		o["agApplyConfig"]:  4,
	}
}

func TestAlteonCollectAll(t *testing.T) {
	agent := snmptest.NewAgent(alteonMIB())
	c := newAlteon(testProxy(agent, nil), "lb1", "test switch")

	res, err := c.Collect(context.Background(), "", "")
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	lb := res.LoadBalancer
	if lb == nil {
		t.Fatal("no load balancer in result")
	}
	if lb.Kind != "AAS" {
		t.Errorf("Kind = %q", lb.Kind)
	}
	vs, ok := lb.VirtualServers["v1s1g3"]
	if !ok {
		t.Fatalf("virtual servers = %v", lb.VirtualServers)
	}
	if vs.Name != "web ~ g3" {
		t.Errorf("Name = %q", vs.Name)
	}
	if vs.VIP != "10.14.0.1:80" {
		t.Errorf("VIP = %q", vs.VIP)
	}
	if vs.Protocol != "TCP" {
		t.Errorf("Protocol = %q", vs.Protocol)
	}
	if vs.Mode != "round robin" {
		t.Errorf("Mode = %q", vs.Mode)
	}
	if vs.Extra["healthcheck"] != "http" {
		t.Errorf("healthcheck = %q", vs.Extra["healthcheck"])
	}
	if vs.Extra["virtual server status"] != "enabled" {
		t.Errorf("status = %q", vs.Extra["virtual server status"])
	}

	if len(vs.RealServers) != 3 {
		t.Fatalf("real servers = %v", vs.RealServers)
	}
	r7 := vs.RealServers["r7"]
	if r7 == nil || r7.Name != "srv7" || r7.RIP != "192.168.1.7" || r7.RPort != 8080 {
		t.Fatalf("r7 = %+v", r7)
	}
	if r7.Weight != 10 || r7.State != model.StateUp || r7.Sorry {
		t.Errorf("r7 = %+v", r7)
	}
	if r7.Extra["ping interval"] != "2" {
		t.Errorf("r7 extras = %v", r7.Extra)
	}

	// No state row for server 8: disabled, and named by its address.
	r8 := vs.RealServers["r8"]
	if r8 == nil || r8.State != model.StateDisabled || r8.Name != "192.168.1.8" {
		t.Fatalf("r8 = %+v", r8)
	}

	// Server 8's dedicated backup is flattened into a sorry server.
	b11 := vs.RealServers["b11"]
	if b11 == nil || !b11.Sorry || b11.Name != "backup11" || b11.State != model.StateUp {
		t.Fatalf("b11 = %+v", b11)
	}
	if b11.Weight != 0 {
		t.Errorf("sorry server has weight %d", b11.Weight)
	}
}

func TestAlteonParse(t *testing.T) {
	c := newAlteon(testProxy(snmptest.NewAgent(nil), nil), "lb1", "")
	if _, err := c.Collect(context.Background(), "bogus", ""); err == nil {
		t.Error("bad virtual server id accepted")
	} else {
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Errorf("err = %v, want ParseError", err)
		}
	}
	if _, err := c.Collect(context.Background(), "v1s1g3", "x7"); err == nil {
		t.Error("bad real server id accepted")
	}
}

func TestAlteonActions(t *testing.T) {
	agent := snmptest.NewAgent(alteonMIB())
	ctx := context.Background()

	readonly := newAlteon(testProxy(agent, nil), "lb1", "")
	actions, err := readonly.Actions(ctx, "v1s1g3", "r7")
	if err != nil || len(actions) != 0 {
		t.Errorf("read-only actions = %v, %v", actions, err)
	}

	write := snmptest.NewAgent(nil)
	writable := newAlteon(testProxy(agent, write), "lb1", "")
	actions, err = writable.Actions(ctx, "v1s1g3", "r7")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"enable", "disable", "operenable", "operdisable"} {
		if _, ok := actions[want]; !ok {
			t.Errorf("missing action %q in %v", want, actions)
		}
	}

	// Sorry servers cannot be toggled.
	actions, err = writable.Actions(ctx, "v1s1g3", "b11")
	if err != nil || len(actions) != 0 {
		t.Errorf("sorry server actions = %v, %v", actions, err)
	}
}

// A permanent enable sets the new-configuration state, then resets the
// complete apply register before triggering a new apply.
func TestAlteonEnableAppliesConfig(t *testing.T) {
	agent := snmptest.NewAgent(alteonMIB())
	write := snmptest.NewAgent(nil)
	c := newAlteon(testProxy(agent, write), "lb1", "")

	done, err := c.Execute(context.Background(), "enable", nil, "v1s1g3", "r7")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !done {
		t.Fatal("enable not recognised")
	}

	want := []snmptest.SetCall{
		{OID: alteonOIDs["slbNewCfgGroupRealServerState"] + ".3.7", Value: 1},
		{OID: alteonOIDs["agApplyConfig"], Value: 2},
		{OID: alteonOIDs["agApplyConfig"], Value: 1},
	}
	if !reflect.DeepEqual(write.Sets, want) {
		t.Errorf("sets = %v, want %v", write.Sets, want)
	}
	if len(agent.Sets) != 0 {
		t.Errorf("writes went over the read community: %v", agent.Sets)
	}
}

func TestAlteonOperDisable(t *testing.T) {
	agent := snmptest.NewAgent(alteonMIB())
	write := snmptest.NewAgent(nil)
	c := newAlteon(testProxy(agent, write), "lb1", "")

	done, err := c.Execute(context.Background(), "operdisable", nil, "v1s1g3", "r7")
	if err != nil || !done {
		t.Fatalf("Execute = %v, %v", done, err)
	}
	want := []snmptest.SetCall{
		{OID: alteonOIDs["slbOperGroupRealServerState"] + ".3.7", Value: 2},
	}
	if !reflect.DeepEqual(write.Sets, want) {
		t.Errorf("sets = %v, want %v", write.Sets, want)
	}
}

func TestAlteonUnknownAction(t *testing.T) {
	agent := snmptest.NewAgent(alteonMIB())
	write := snmptest.NewAgent(nil)
	c := newAlteon(testProxy(agent, write), "lb1", "")

	done, err := c.Execute(context.Background(), "reboot", nil, "v1s1g3", "r7")
	if err != nil || done {
		t.Errorf("unknown action = %v, %v", done, err)
	}
}

func TestAlteonHealthcheckRanges(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{1, "icmp"},
		{3, "http"},
		{12, "script1"},
		{27, "script16"},
		{116, "script17"},
		{163, "script64"},
		{200, "unknown"},
	}
	for _, tt := range tests {
		if got := alteonHealthcheck(tt.n); got != tt.want {
			t.Errorf("alteonHealthcheck(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}
