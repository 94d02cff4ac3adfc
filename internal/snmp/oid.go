// Package snmp wraps the SNMP transport with OID normalisation, a per-device
// result cache, walking, and a separate lazily-built write channel.
package snmp

import (
	"fmt"
	"strconv"
	"strings"
)

// OID is a dotted object identifier as a sequence of integer arcs.
type OID []int

// ParseOID converts a dotted string (with or without a leading dot) into an OID.
func ParseOID(s string) (OID, error) {
	parts := strings.Split(strings.TrimPrefix(s, "."), ".")
	oid := make(OID, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("snmp: invalid OID %q: %w", s, err)
		}
		oid = append(oid, n)
	}
	if len(oid) == 0 {
		return nil, fmt.Errorf("snmp: empty OID %q", s)
	}
	return oid, nil
}

// MustParseOID is ParseOID for compile-time constants.
func MustParseOID(s string) OID {
	oid, err := ParseOID(s)
	if err != nil {
		panic(err)
	}
	return oid
}

// String renders the OID in canonical leading-dot form.
func (o OID) String() string {
	var b strings.Builder
	for _, n := range o {
		b.WriteByte('.')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

// HasPrefix reports whether o lives inside the subtree rooted at prefix.
func (o OID) HasPrefix(prefix OID) bool {
	if len(o) < len(prefix) {
		return false
	}
	for i, n := range prefix {
		if o[i] != n {
			return false
		}
	}
	return true
}

// Compare orders two OIDs lexicographically arc by arc.
func (o OID) Compare(other OID) int {
	for i := 0; i < len(o) && i < len(other); i++ {
		switch {
		case o[i] < other[i]:
			return -1
		case o[i] > other[i]:
			return 1
		}
	}
	switch {
	case len(o) < len(other):
		return -1
	case len(o) > len(other):
		return 1
	}
	return 0
}

// JoinOID builds a canonical dotted OID from a base and trailing components.
// Components may be ints, strings ("4.5" or "4"), or OIDs; they are joined
// with dots. This is the structured-input normalisation used throughout the
// collectors.
func JoinOID(base string, components ...any) string {
	var b strings.Builder
	b.WriteString(canonical(base))
	for _, c := range components {
		switch v := c.(type) {
		case int:
			b.WriteByte('.')
			b.WriteString(strconv.Itoa(v))
		case string:
			b.WriteString(canonical(v))
		case OID:
			b.WriteString(v.String())
		default:
			b.WriteByte('.')
			fmt.Fprintf(&b, "%v", v)
		}
	}
	return b.String()
}

func canonical(s string) string {
	s = strings.Trim(s, ".")
	if s == "" {
		return ""
	}
	return "." + s
}

// SplitIndex parses a cache suffix like "4.5" into its integer components.
func SplitIndex(suffix string) ([]int, error) {
	oid, err := ParseOID(suffix)
	if err != nil {
		return nil, err
	}
	return oid, nil
}
