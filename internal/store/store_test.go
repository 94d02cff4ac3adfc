package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/qcss/qcss3/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "qcss3.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(); err != nil {
		t.Fatal(err)
	}
	if err := s.Upgrade(); err != nil {
		t.Fatal(err)
	}
	return s
}

// sampleTree builds a device with one virtual server, one primary, one sorry
// server and actions at every level.
func sampleTree() *model.LoadBalancer {
	lb := model.NewLoadBalancer("lb1", "AAS", "Alteon at rack 4")
	lb.Actions["apply"] = "Apply pending configuration"

	vs := model.NewVirtualServer("web", "10.0.0.1:80", "TCP", "round robin")
	vs.Extra["sticky"] = "none"
	vs.Actions["flush"] = "Flush sessions"

	rs := model.NewRealServer("srv1", "10.0.0.2", 8080, "TCP", 10, model.StateUp)
	rs.Extra["health"] = "http"
	rs.Actions["disable"] = "Disable"
	vs.RealServers["r1"] = rs

	sorry := model.NewSorryServer("backup", "10.0.0.9", 8080, "TCP", model.StateUp)
	vs.RealServers["b1"] = sorry

	lb.VirtualServers["v1"] = vs
	return lb
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if err := s.Upgrade(); err != nil {
		t.Fatalf("second Upgrade: %v", err)
	}
	if err := s.CheckConnectivity(); err != nil {
		t.Fatalf("CheckConnectivity: %v", err)
	}
}

func TestWriteAndRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.WriteLoadBalancer(ctx, sampleTree()); err != nil {
		t.Fatalf("WriteLoadBalancer: %v", err)
	}

	names, err := s.LoadBalancerNames(ctx, "")
	if err != nil || len(names) != 1 || names[0] != "lb1" {
		t.Fatalf("names = %v, %v", names, err)
	}
	info, err := s.GetLoadBalancer(ctx, "", "lb1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Type != "AAS" || info.Description != "Alteon at rack 4" {
		t.Errorf("info = %+v", info)
	}

	vss, err := s.VirtualServers(ctx, "", "lb1")
	if err != nil || len(vss) != 1 {
		t.Fatalf("virtual servers = %v, %v", vss, err)
	}
	if vss[0].ID != "v1" || vss[0].Name != "web" || vss[0].VIP != "10.0.0.1:80" {
		t.Errorf("vs row = %+v", vss[0])
	}

	vs, err := s.GetVirtualServer(ctx, "", "lb1", "v1")
	if err != nil {
		t.Fatal(err)
	}
	if vs.Protocol != "TCP" || vs.Mode != "round robin" || vs.Extra["sticky"] != "none" {
		t.Errorf("vs = %+v", vs)
	}

	primaries, err := s.RealServers(ctx, "", "lb1", "v1", false)
	if err != nil || len(primaries) != 1 || primaries[0].ID != "r1" {
		t.Fatalf("primaries = %v, %v", primaries, err)
	}
	sorries, err := s.RealServers(ctx, "", "lb1", "v1", true)
	if err != nil || len(sorries) != 1 || sorries[0].ID != "b1" {
		t.Fatalf("sorry servers = %v, %v", sorries, err)
	}

	rs, err := s.GetRealServer(ctx, "", "lb1", "v1", "r1", false)
	if err != nil {
		t.Fatal(err)
	}
	if rs.RIP != "10.0.0.2" || rs.RPort != 8080 || rs.Weight != 10 || rs.State != "up" {
		t.Errorf("rs = %+v", rs)
	}
	if rs.Extra["health"] != "http" {
		t.Errorf("extras = %v", rs.Extra)
	}

	// The sorry flag partitions the namespace.
	if _, err := s.GetRealServer(ctx, "", "lb1", "v1", "r1", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("sorry lookup of primary = %v", err)
	}
}

func TestActionsScopes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.WriteLoadBalancer(ctx, sampleTree()); err != nil {
		t.Fatal(err)
	}

	lbActs, err := s.Actions(ctx, "lb1", "", "")
	if err != nil || lbActs["apply"] != "Apply pending configuration" {
		t.Errorf("lb actions = %v, %v", lbActs, err)
	}
	vsActs, err := s.Actions(ctx, "lb1", "v1", "")
	if err != nil || vsActs["flush"] != "Flush sessions" {
		t.Errorf("vs actions = %v, %v", vsActs, err)
	}
	rsActs, err := s.Actions(ctx, "lb1", "v1", "r1")
	if err != nil || rsActs["disable"] != "Disable" {
		t.Errorf("rs actions = %v, %v", rsActs, err)
	}
	empty, err := s.Actions(ctx, "lb1", "v1", "b1")
	if err != nil || len(empty) != 0 {
		t.Errorf("sorry actions = %v, %v", empty, err)
	}
}

// A refresh closes the previous generation into the past tables; a
// point-in-time read between two refreshes sees the older tree.
func TestBitemporalClose(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := sampleTree()
	if err := s.WriteLoadBalancer(ctx, first); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	mid := timestamp(time.Now())
	time.Sleep(5 * time.Millisecond)

	second := sampleTree()
	second.VirtualServers["v1"].RealServers["r1"].State = model.StateDown
	if err := s.WriteLoadBalancer(ctx, second); err != nil {
		t.Fatal(err)
	}

	live, err := s.GetRealServer(ctx, "", "lb1", "v1", "r1", false)
	if err != nil {
		t.Fatal(err)
	}
	if live.State != "down" {
		t.Errorf("live state = %q", live.State)
	}

	past, err := s.GetRealServer(ctx, mid, "lb1", "v1", "r1", false)
	if err != nil {
		t.Fatal(err)
	}
	if past.State != "up" {
		t.Errorf("past state = %q", past.State)
	}

	// Every generation is preserved, identical content included.
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM loadbalancer_past").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("past generations = %d", count)
	}
	if err := s.WriteLoadBalancer(ctx, sampleTree()); err != nil {
		t.Fatal(err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM loadbalancer_past").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("past generations = %d", count)
	}
}

func TestWriteVirtualServerScoped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tree := sampleTree()
	vs2 := model.NewVirtualServer("mail", "10.0.0.3:25", "TCP", "round robin")
	tree.VirtualServers["v2"] = vs2
	if err := s.WriteLoadBalancer(ctx, tree); err != nil {
		t.Fatal(err)
	}

	updated := sampleTree().VirtualServers["v1"]
	updated.RealServers["r1"].State = model.StateDisabled
	if err := s.WriteVirtualServer(ctx, "lb1", "v1", updated); err != nil {
		t.Fatal(err)
	}

	rs, err := s.GetRealServer(ctx, "", "lb1", "v1", "r1", false)
	if err != nil {
		t.Fatal(err)
	}
	if rs.State != "disabled" {
		t.Errorf("state = %q", rs.State)
	}
	// The sibling virtual server is untouched.
	if _, err := s.GetVirtualServer(ctx, "", "lb1", "v2"); err != nil {
		t.Errorf("sibling vs: %v", err)
	}
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM virtualserver_past WHERE vs = 'v2'").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("sibling generations closed: %d", count)
	}
}

func TestWriteRealServerScoped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.WriteLoadBalancer(ctx, sampleTree()); err != nil {
		t.Fatal(err)
	}

	updated := sampleTree().VirtualServers["v1"].RealServers["r1"]
	updated.Weight = 3
	if err := s.WriteRealServer(ctx, "lb1", "v1", "r1", updated); err != nil {
		t.Fatal(err)
	}
	rs, err := s.GetRealServer(ctx, "", "lb1", "v1", "r1", false)
	if err != nil {
		t.Fatal(err)
	}
	if rs.Weight != 3 {
		t.Errorf("weight = %d", rs.Weight)
	}
	// The sorry sibling is untouched.
	if _, err := s.GetRealServer(ctx, "", "lb1", "v1", "b1", true); err != nil {
		t.Errorf("sibling rs: %v", err)
	}
}

func TestWriteNilNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.WriteLoadBalancer(ctx, nil); err != nil {
		t.Errorf("nil lb: %v", err)
	}
	if err := s.WriteVirtualServer(ctx, "lb1", "v1", nil); err != nil {
		t.Errorf("nil vs: %v", err)
	}
	if err := s.WriteRealServer(ctx, "lb1", "v1", "r1", nil); err != nil {
		t.Errorf("nil rs: %v", err)
	}
	names, err := s.LoadBalancerNames(ctx, "")
	if err != nil || len(names) != 0 {
		t.Errorf("names = %v, %v", names, err)
	}
}

func TestExpire(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.WriteLoadBalancer(ctx, sampleTree()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	if err := s.Expire(ctx, 0); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	names, err := s.LoadBalancerNames(ctx, "")
	if err != nil || len(names) != 0 {
		t.Errorf("live names after expiry = %v, %v", names, err)
	}
	// The closed generation remains readable in the past.
	past, err := s.LoadBalancerNames(ctx, timestamp(time.Now().Add(-2*time.Millisecond)))
	if err != nil || len(past) != 1 {
		t.Errorf("past names = %v, %v", past, err)
	}

	// A returning device starts a fresh generation.
	if err := s.WriteLoadBalancer(ctx, sampleTree()); err != nil {
		t.Fatalf("rewrite after expiry: %v", err)
	}
	names, err = s.LoadBalancerNames(ctx, "")
	if err != nil || len(names) != 1 {
		t.Errorf("names after rewrite = %v, %v", names, err)
	}
}

func TestLastUpdated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	before := time.Now().Add(-time.Second)
	if err := s.WriteLoadBalancer(ctx, sampleTree()); err != nil {
		t.Fatal(err)
	}

	for _, scope := range [][3]string{
		{"lb1", "", ""},
		{"lb1", "v1", ""},
		{"lb1", "v1", "r1"},
	} {
		ts, err := s.LastUpdated(ctx, scope[0], scope[1], scope[2])
		if err != nil {
			t.Fatalf("LastUpdated(%v): %v", scope, err)
		}
		if ts.Before(before) || ts.After(time.Now()) {
			t.Errorf("LastUpdated(%v) = %v", scope, ts)
		}
	}
	if _, err := s.LastUpdated(ctx, "lb1", "v1", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing scope = %v", err)
	}
}

func TestSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.WriteLoadBalancer(ctx, sampleTree()); err != nil {
		t.Fatal(err)
	}

	paths, err := s.Search(ctx, "", "web")
	if err != nil {
		t.Fatal(err)
	}
	want := "/loadbalancer/lb1/virtualserver/v1/"
	if len(paths) != 1 || paths[0] != want {
		t.Errorf("paths = %v", paths)
	}

	// An IP term matches on address equality.
	paths, err = s.Search(ctx, "", "10.0.0.2")
	if err != nil {
		t.Fatal(err)
	}
	want = "/loadbalancer/lb1/virtualserver/v1/realserver/r1/"
	if len(paths) != 1 || paths[0] != want {
		t.Errorf("paths = %v", paths)
	}

	// A VIP matches without its port.
	paths, err = s.Search(ctx, "", "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	want = "/loadbalancer/lb1/virtualserver/v1/"
	if len(paths) != 1 || paths[0] != want {
		t.Errorf("paths = %v", paths)
	}

	// Matches across fragments merge without duplicates.
	paths, err = s.Search(ctx, "", "http")
	if err != nil {
		t.Fatal(err)
	}
	want = "/loadbalancer/lb1/virtualserver/v1/realserver/r1/"
	if len(paths) != 1 || paths[0] != want {
		t.Errorf("paths = %v", paths)
	}
}

func TestNormalizePastDate(t *testing.T) {
	if _, err := NormalizePastDate("2024-05-01"); err != nil {
		t.Errorf("date only: %v", err)
	}
	if _, err := NormalizePastDate("2024-05-01T10:20:30Z"); err != nil {
		t.Errorf("rfc3339: %v", err)
	}
	_, err := NormalizePastDate("yesterday-ish")
	var de *DateError
	if !errors.As(err, &de) {
		t.Errorf("err = %v, want DateError", err)
	}
}
