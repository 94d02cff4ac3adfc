// Package model defines the normalised load-balancer tree produced by the
// vendor collectors and consumed by the persistence layer.
package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/xxh3"
)

// ServerState is the normalised state of a real or sorry server.
type ServerState string

const (
	StateUp       ServerState = "up"
	StateDown     ServerState = "down"
	StateDisabled ServerState = "disabled"
	StateUnknown  ServerState = "unknown"
)

// LoadBalancer is the root of one collected snapshot.
type LoadBalancer struct {
	Name        string
	Kind        string
	Description string

	Extra          map[string]string
	Actions        map[string]string
	VirtualServers map[string]*VirtualServer
}

// NewLoadBalancer creates an empty load balancer snapshot.
func NewLoadBalancer(name, kind, description string) *LoadBalancer {
	return &LoadBalancer{
		Name:           name,
		Kind:           kind,
		Description:    description,
		Extra:          map[string]string{},
		Actions:        map[string]string{},
		VirtualServers: map[string]*VirtualServer{},
	}
}

// VirtualServer is one front-end configuration on a load balancer.
type VirtualServer struct {
	Name     string
	VIP      string
	Protocol string
	Mode     string

	Extra       map[string]string
	Actions     map[string]string
	RealServers map[string]*RealServer
}

// NewVirtualServer creates an empty virtual server.
func NewVirtualServer(name, vip, protocol, mode string) *VirtualServer {
	return &VirtualServer{
		Name:        name,
		VIP:         vip,
		Protocol:    protocol,
		Mode:        mode,
		Extra:       map[string]string{},
		Actions:     map[string]string{},
		RealServers: map[string]*RealServer{},
	}
}

// RealServer is one backend attached to a virtual server. Sorry servers
// (backups served when every primary is down) use the same shape with
// Sorry set; they carry no weight.
type RealServer struct {
	Name     string
	RIP      string
	RPort    int
	Protocol string
	Weight   int
	State    ServerState
	Sorry    bool

	Extra   map[string]string
	Actions map[string]string
}

// NewRealServer creates a primary real server.
func NewRealServer(name, rip string, rport int, protocol string, weight int, state ServerState) *RealServer {
	return &RealServer{
		Name:     name,
		RIP:      rip,
		RPort:    rport,
		Protocol: protocol,
		Weight:   weight,
		State:    state,
		Extra:    map[string]string{},
		Actions:  map[string]string{},
	}
}

// NewSorryServer creates a backup server. It has no weight.
func NewSorryServer(name, rip string, rport int, protocol string, state ServerState) *RealServer {
	return &RealServer{
		Name:     name,
		RIP:      rip,
		RPort:    rport,
		Protocol: protocol,
		State:    state,
		Sorry:    true,
		Extra:    map[string]string{},
		Actions:  map[string]string{},
	}
}

// Fingerprint returns a stable xxh3 hash of the whole tree. Two snapshots
// with identical content hash to the same value regardless of map order.
func (lb *LoadBalancer) Fingerprint() uint64 {
	var b strings.Builder
	fmt.Fprintf(&b, "lb\x00%s\x00%s\x00%s\n", lb.Name, lb.Kind, lb.Description)
	writeMap(&b, "extra", lb.Extra)
	writeMap(&b, "action", lb.Actions)
	for _, id := range sortedKeys(lb.VirtualServers) {
		vs := lb.VirtualServers[id]
		fmt.Fprintf(&b, "vs\x00%s\x00%s\x00%s\x00%s\x00%s\n", id, vs.Name, vs.VIP, vs.Protocol, vs.Mode)
		writeMap(&b, "extra", vs.Extra)
		writeMap(&b, "action", vs.Actions)
		for _, rid := range sortedKeys(vs.RealServers) {
			rs := vs.RealServers[rid]
			fmt.Fprintf(&b, "rs\x00%s\x00%s\x00%s\x00%d\x00%s\x00%d\x00%s\x00%t\n",
				rid, rs.Name, rs.RIP, rs.RPort, rs.Protocol, rs.Weight, rs.State, rs.Sorry)
			writeMap(&b, "extra", rs.Extra)
			writeMap(&b, "action", rs.Actions)
		}
	}
	return xxh3.HashString(b.String())
}

func writeMap(b *strings.Builder, tag string, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s\x00%s\x00%s\n", tag, k, m[k])
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
