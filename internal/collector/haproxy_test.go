package collector

import (
	"context"
	"testing"

	"github.com/qcss/qcss3/internal/model"
	"github.com/qcss/qcss3/internal/snmp/snmptest"
)

// haproxyMIB describes frontend web with one matching backend carrying a
// primary and a backup server, plus an unrelated backend.
func haproxyMIB() map[string]any {
	o := haproxyOIDs
	return map[string]any{
		".1.3.6.1.2.1.1.1.0":                      "Linux lb5",
		".1.3.6.1.2.1.1.2.0":                      ".1.3.6.1.4.1.8072.3.2.10",
		".1.3.6.1.4.1.23263.4.2.1.3.1.1.1.1":      1234,

		o["alFrontendName"] + ".1.1":   "10.0.0.5:80--web",
		o["alFrontendStatus"] + ".1.1": "OPEN",

		o["alBackendName"] + ".1.1":     "web--static",
		o["alBackendStatus"] + ".1.1":   "UP",
		o["alBackendDownTime"] + ".1.1": 0,
		o["alBackendName"] + ".1.2":     "other",
		o["alBackendStatus"] + ".1.2":   "UP",
		o["alBackendDownTime"] + ".1.2": 0,

		o["alServerName"] + ".1.1.1":     "10.0.0.7:80--srv1",
		o["alServerStatus"] + ".1.1.1":   "UP",
		o["alServerWeight"] + ".1.1.1":   1,
		o["alServerActive"] + ".1.1.1":   1,
		o["alServerBackup"] + ".1.1.1":   0,
		o["alServerDownTime"] + ".1.1.1": 366100,

		o["alServerName"] + ".1.1.2":     "10.0.0.8:80--srv2",
		o["alServerStatus"] + ".1.1.2":   "DOWN",
		o["alServerWeight"] + ".1.1.2":   1,
		o["alServerActive"] + ".1.1.2":   0,
		o["alServerBackup"] + ".1.1.2":   1,
		o["alServerDownTime"] + ".1.1.2": 0,
	}
}

func TestHAProxyCollectAll(t *testing.T) {
	agent := snmptest.NewAgent(haproxyMIB())
	c := newHAProxy(testProxy(agent, nil), "lb5", "")

	res, err := c.Collect(context.Background(), "", "")
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	lb := res.LoadBalancer
	vs, ok := lb.VirtualServers["p1,f1"]
	if !ok {
		t.Fatalf("virtual servers = %v", lb.VirtualServers)
	}
	// The VIP is the part of the frontend name before the double dash.
	if vs.Name != "web" || vs.VIP != "10.0.0.5:80" {
		t.Errorf("vs = %+v", vs)
	}
	if vs.Extra["status"] != "OPEN" {
		t.Errorf("status = %q", vs.Extra["status"])
	}

	// Only the backend matching the frontend name contributes servers.
	if len(vs.RealServers) != 2 {
		t.Fatalf("real servers = %v", vs.RealServers)
	}
	rs := vs.RealServers["b1,s1"]
	if rs == nil || rs.Sorry {
		t.Fatalf("b1,s1 = %+v", rs)
	}
	if rs.Name != "srv1" || rs.RIP != "10.0.0.7" || rs.RPort != 80 {
		t.Errorf("b1,s1 = %+v", rs)
	}
	if rs.State != model.StateUp || rs.Weight != 1 {
		t.Errorf("b1,s1 = %+v", rs)
	}
	if rs.Extra["down time"] != "01:01:01" {
		t.Errorf("down time = %q", rs.Extra["down time"])
	}
	if rs.Extra["backend"] != "web--static" {
		t.Errorf("backend = %q", rs.Extra["backend"])
	}

	backup := vs.RealServers["b1,s2"]
	if backup == nil || !backup.Sorry {
		t.Fatalf("b1,s2 = %+v", backup)
	}
	if backup.State != model.StateDown {
		t.Errorf("b1,s2 state = %q", backup.State)
	}
}

func TestHAProxyBackendMatching(t *testing.T) {
	mib := haproxyMIB()
	// A backend named exactly like the full frontend name matches too.
	mib[haproxyOIDs["alBackendName"]+".1.3"] = "10.0.0.5:80--web"
	mib[haproxyOIDs["alBackendStatus"]+".1.3"] = "UP"
	mib[haproxyOIDs["alBackendDownTime"]+".1.3"] = 0
	mib[haproxyOIDs["alServerName"]+".1.3.1"] = "10.0.0.9:80--srv3"
	mib[haproxyOIDs["alServerStatus"]+".1.3.1"] = "UP"
	mib[haproxyOIDs["alServerWeight"]+".1.3.1"] = 1
	mib[haproxyOIDs["alServerActive"]+".1.3.1"] = 1
	mib[haproxyOIDs["alServerBackup"]+".1.3.1"] = 0
	mib[haproxyOIDs["alServerDownTime"]+".1.3.1"] = 0

	agent := snmptest.NewAgent(mib)
	c := newHAProxy(testProxy(agent, nil), "lb5", "")
	res, err := c.Collect(context.Background(), "p1,f1", "")
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if _, ok := res.VirtualServer.RealServers["b3,s1"]; !ok {
		t.Errorf("real servers = %v", res.VirtualServer.RealServers)
	}
}

func TestFormatDownTime(t *testing.T) {
	tests := []struct {
		hundredths int
		want       string
	}{
		{0, "00:00:00"},
		{6100, "00:01:01"},
		{366100, "01:01:01"},
		{8640000, "24:00:00"},
	}
	for _, tt := range tests {
		if got := formatDownTime(tt.hundredths); got != tt.want {
			t.Errorf("formatDownTime(%d) = %q, want %q", tt.hundredths, got, tt.want)
		}
	}
}
