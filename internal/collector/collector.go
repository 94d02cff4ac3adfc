package collector

import (
	"context"
	"errors"
	"fmt"

	"github.com/qcss/qcss3/internal/model"
	"github.com/qcss/qcss3/internal/snmp"
)

var (
	// ErrNoPlugin is returned when no vendor factory claims a device.
	ErrNoPlugin = errors.New("collector: no plugin available")
	// ErrAmbiguousPlugin is returned when several non-stackable vendor
	// factories claim the same device.
	ErrAmbiguousPlugin = errors.New("collector: too many plugins available")
)

// ParseError reports a malformed virtual-server or real-server identifier.
// The HTTP layer maps it to a 400.
type ParseError struct {
	ID   string
	Want string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("collector: %q is not a valid identifier, want %s", e.ID, e.Want)
}

// ConfigError reports a device name absent from the configuration.
type ConfigError struct {
	Name string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("collector: %s is not a known load balancer", e.Name)
}

// Result is the outcome of one collect call. Exactly one field is set,
// matching the scope that was requested; a scoped collect that found nothing
// leaves all fields nil.
type Result struct {
	LoadBalancer  *model.LoadBalancer
	VirtualServer *model.VirtualServer
	RealServer    *model.RealServer
}

// Empty reports whether the collect produced nothing to persist.
func (r *Result) Empty() bool {
	return r == nil || (r.LoadBalancer == nil && r.VirtualServer == nil && r.RealServer == nil)
}

// Collector is one vendor state machine over a device proxy.
//
// Collect has three modes: vs and rs both empty walks the whole device and
// returns a LoadBalancer; vs alone refreshes one virtual server; vs and rs
// refresh one real server. Execute returns (false, nil) when the action is
// not defined for this collector, which callers surface as 404.
type Collector interface {
	Kind() string
	Collect(ctx context.Context, vs, rs string) (*Result, error)
	Actions(ctx context.Context, vs, rs string) (map[string]string, error)
	Execute(ctx context.Context, action string, args []string, vs, rs string) (bool, error)
}

// Factory probes devices and builds collectors for one vendor.
type Factory interface {
	Name() string
	// CanCollect decides from sysDescr and sysObjectID, possibly issuing
	// probe GETs through the proxy, whether this vendor owns the device.
	CanCollect(ctx context.Context, proxy *snmp.Proxy, description, sysOID string) (bool, error)
	// CoResident reports whether this vendor can share a host with other
	// co-resident vendors (software balancers reached over one agent).
	CoResident() bool
	New(proxy *snmp.Proxy, name, description string) Collector
}

// factories lists every registered vendor, probed in order.
var factories = []Factory{
	alteonFactory{},
	csFactory{},
	arrowFactory{},
	f5Factory{},
	keepalivedFactory{},
	haproxyFactory{},
}
