package snmp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/qcss/qcss3/internal/metrics"
)

// ErrNoSuchObject covers the transport-level "nothing there" family: a point
// GET of a missing instance, a v1 noSuchName, or an end-of-MIB marker. Walks
// treat it as silent termination; point GETs propagate it.
var ErrNoSuchObject = errors.New("snmp: no such object")

// VarBind is one OID/value pair returned by the transport.
type VarBind struct {
	OID   OID
	Value any
}

// Transport is the minimal wire-level SNMP client the proxy drives. Devices
// are probed with v1; UseVersion2 upgrades to v2c once a collector has been
// selected so GETBULK becomes available.
type Transport interface {
	Get(ctx context.Context, oids []string) (map[string]any, error)
	GetNext(ctx context.Context, oid string) ([]VarBind, error)
	GetBulk(ctx context.Context, oid string) ([]VarBind, error)
	Set(ctx context.Context, oid string, value any) error
	UseVersion2()
	Close() error
}

const (
	defaultTimeout = 2 * time.Second
	defaultRetries = 2
	maxRepetitions = 20
)

var wireLogging bool

// EnableWireLogging turns on gosnmp packet logging for agents created after
// the call. Meant to be set once at startup.
func EnableWireLogging() {
	wireLogging = true
}

// Agent is the gosnmp-backed Transport for one device and one community.
type Agent struct {
	client *gosnmp.GoSNMP
}

// NewAgent connects a UDP/161 SNMP client to host with the given community,
// starting at protocol version 1.
func NewAgent(host, community string) (*Agent, error) {
	client := &gosnmp.GoSNMP{
		Target:         host,
		Port:           161,
		Community:      community,
		Version:        gosnmp.Version1,
		Timeout:        defaultTimeout,
		Retries:        defaultRetries,
		MaxRepetitions: maxRepetitions,
	}
	if wireLogging {
		client.Logger = gosnmp.NewLogger(log.New(os.Stderr, "[snmp] ", log.LstdFlags))
	}
	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("snmp: connect %s: %w", host, err)
	}
	return &Agent{client: client}, nil
}

// UseVersion2 switches subsequent requests to SNMPv2c.
func (a *Agent) UseVersion2() {
	a.client.Version = gosnmp.Version2c
}

// Close releases the underlying UDP socket.
func (a *Agent) Close() error {
	if a.client.Conn != nil {
		return a.client.Conn.Close()
	}
	return nil
}

// Get issues one GET for all oids and returns the values keyed by canonical
// dotted OID.
func (a *Agent) Get(ctx context.Context, oids []string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metrics.SNMPRequests.WithLabelValues("get").Inc()
	packet, err := a.client.Get(oids)
	if err != nil {
		return nil, fmt.Errorf("snmp: get %s: %w", a.client.Target, err)
	}
	if packet.Error == gosnmp.NoSuchName {
		return nil, ErrNoSuchObject
	}
	if packet.Error != gosnmp.NoError {
		return nil, fmt.Errorf("snmp: get %s: %s", a.client.Target, packet.Error)
	}
	results := make(map[string]any, len(packet.Variables))
	for _, pdu := range packet.Variables {
		// Missing instances are skipped: collectors probe optional MIB
		// columns and read back what exists.
		if isMissing(pdu.Type) {
			continue
		}
		oid, err := ParseOID(pdu.Name)
		if err != nil {
			return nil, err
		}
		results[oid.String()] = convertValue(pdu)
	}
	if len(results) == 0 && len(oids) > 0 {
		return nil, ErrNoSuchObject
	}
	return results, nil
}

// GetNext returns the varbind following oid.
func (a *Agent) GetNext(ctx context.Context, oid string) ([]VarBind, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metrics.SNMPRequests.WithLabelValues("getnext").Inc()
	packet, err := a.client.GetNext([]string{oid})
	if err != nil {
		return nil, fmt.Errorf("snmp: getnext %s: %w", a.client.Target, err)
	}
	return packetVarBinds(packet, a.client.Target, "getnext")
}

// GetBulk returns up to maxRepetitions varbinds following oid. The caller is
// responsible for falling back to GetNext on v1 agents.
func (a *Agent) GetBulk(ctx context.Context, oid string) ([]VarBind, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metrics.SNMPRequests.WithLabelValues("getbulk").Inc()
	packet, err := a.client.GetBulk([]string{oid}, 0, maxRepetitions)
	if err != nil {
		return nil, fmt.Errorf("snmp: getbulk %s: %w", a.client.Target, err)
	}
	return packetVarBinds(packet, a.client.Target, "getbulk")
}

// Set writes one integer or string value.
func (a *Agent) Set(ctx context.Context, oid string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pdu := gosnmp.SnmpPDU{Name: oid}
	switch v := value.(type) {
	case int:
		pdu.Type = gosnmp.Integer
		pdu.Value = v
	case string:
		pdu.Type = gosnmp.OctetString
		pdu.Value = v
	default:
		return fmt.Errorf("snmp: set %s: unsupported value type %T", oid, value)
	}
	metrics.SNMPRequests.WithLabelValues("set").Inc()
	packet, err := a.client.Set([]gosnmp.SnmpPDU{pdu})
	if err != nil {
		return fmt.Errorf("snmp: set %s on %s: %w", oid, a.client.Target, err)
	}
	if packet.Error != gosnmp.NoError {
		return fmt.Errorf("snmp: set %s on %s: %s", oid, a.client.Target, packet.Error)
	}
	return nil
}

func packetVarBinds(packet *gosnmp.SnmpPacket, target, op string) ([]VarBind, error) {
	if packet.Error == gosnmp.NoSuchName {
		return nil, ErrNoSuchObject
	}
	if packet.Error != gosnmp.NoError {
		return nil, fmt.Errorf("snmp: %s %s: %s", op, target, packet.Error)
	}
	var vbs []VarBind
	for _, pdu := range packet.Variables {
		if isMissing(pdu.Type) {
			continue
		}
		oid, err := ParseOID(pdu.Name)
		if err != nil {
			return nil, err
		}
		vbs = append(vbs, VarBind{OID: oid, Value: convertValue(pdu)})
	}
	if len(vbs) == 0 {
		return nil, ErrNoSuchObject
	}
	return vbs, nil
}

func isMissing(t gosnmp.Asn1BER) bool {
	return t == gosnmp.NoSuchObject || t == gosnmp.NoSuchInstance || t == gosnmp.EndOfMibView
}

// convertValue maps wire types onto the two shapes the collectors consume:
// int for every numeric type, string for octet strings (possibly binary),
// IP addresses and object identifiers.
func convertValue(pdu gosnmp.SnmpPDU) any {
	switch pdu.Type {
	case gosnmp.OctetString:
		if b, ok := pdu.Value.([]byte); ok {
			return string(b)
		}
		return fmt.Sprintf("%v", pdu.Value)
	case gosnmp.IPAddress, gosnmp.ObjectIdentifier:
		if s, ok := pdu.Value.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", pdu.Value)
	default:
		return int(gosnmp.ToBigInt(pdu.Value).Int64())
	}
}
