package fw

import "fmt"

// Family identifies the IP address family a forwarding rule applies to.
type Family int

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

func (f Family) String() string {
	if f == FamilyIPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// ParseFamily converts a textual family name ("ipv4"/"ipv6", "4"/"6")
// into a Family.
func ParseFamily(s string) (Family, error) {
	switch s {
	case "ipv4", "ip4", "4":
		return FamilyIPv4, nil
	case "ipv6", "ip6", "6":
		return FamilyIPv6, nil
	}
	return 0, fmt.Errorf("unknown address family %q (expected ipv4 or ipv6)", s)
}

// Protocol is a transport protocol matched by a NAT rule.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// protocols is the fixed set every forwarding intent expands over.
var protocols = []Protocol{ProtocolTCP, ProtocolUDP}

// ForwardingRule is one operator intent: traffic arriving on LocalPort is
// redirected to RemoteAddr:RemotePort for both TCP and UDP. A single
// intent always expands to four kernel rules (DNAT and masquerade, per
// protocol) for its address family.
type ForwardingRule struct {
	Family     Family
	LocalPort  uint16
	RemoteAddr string
	RemotePort uint16
}

// Target renders the DNAT destination. IPv6 addresses are bracketed so
// the port separator is unambiguous, e.g. "[2001:db8::1]:8443".
func (r ForwardingRule) Target() string {
	if r.Family == FamilyIPv6 {
		return fmt.Sprintf("[%s]:%d", r.RemoteAddr, r.RemotePort)
	}
	return fmt.Sprintf("%s:%d", r.RemoteAddr, r.RemotePort)
}

// Key returns a unique string identifier for this intent.
func (r ForwardingRule) Key() string {
	return fmt.Sprintf("%s/%d->%s", r.Family, r.LocalPort, r.Target())
}

// RuleKind distinguishes the two halves of a forwarding intent.
type RuleKind string

const (
	KindDNAT       RuleKind = "dnat"
	KindMasquerade RuleKind = "masquerade"
)

// RuleSpec is one concrete kernel rule derived from an intent.
type RuleSpec struct {
	Kind     RuleKind
	Protocol Protocol
	Rule     ForwardingRule
}

// Expand returns the four rule specs an intent installs, DNAT first so a
// best-effort engine never masquerades traffic it cannot redirect.
func (r ForwardingRule) Expand() []RuleSpec {
	specs := make([]RuleSpec, 0, 4)
	for _, kind := range []RuleKind{KindDNAT, KindMasquerade} {
		for _, proto := range protocols {
			specs = append(specs, RuleSpec{Kind: kind, Protocol: proto, Rule: r})
		}
	}
	return specs
}
