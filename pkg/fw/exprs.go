package fw

import (
	"fmt"
	"net"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"
)

func nftFamily(f Family) nftables.TableFamily {
	if f == FamilyIPv6 {
		return nftables.TableFamilyIPv6
	}
	return nftables.TableFamilyIPv4
}

func nfproto(f Family) uint32 {
	if f == FamilyIPv6 {
		return unix.NFPROTO_IPV6
	}
	return unix.NFPROTO_IPV4
}

// daddrOffsets returns the destination address offset and length within
// the network header for the family.
func daddrOffsets(f Family) (offset, length uint32) {
	if f == FamilyIPv6 {
		return 24, 16
	}
	return 16, 4
}

func protoNum(p Protocol) (byte, error) {
	switch p {
	case ProtocolTCP:
		return unix.IPPROTO_TCP, nil
	case ProtocolUDP:
		return unix.IPPROTO_UDP, nil
	}
	return 0, fmt.Errorf("unsupported protocol %q", p)
}

// remoteIPBytes parses the rule's remote address into the wire form of
// its family.
func remoteIPBytes(r ForwardingRule) ([]byte, error) {
	ip := net.ParseIP(r.RemoteAddr)
	if ip == nil {
		return nil, fmt.Errorf("invalid remote address %q", r.RemoteAddr)
	}
	if r.Family == FamilyIPv4 {
		ip4 := ip.To4()
		if ip4 == nil {
			return nil, fmt.Errorf("remote address %q is not IPv4", r.RemoteAddr)
		}
		return ip4, nil
	}
	if ip.To4() != nil {
		return nil, fmt.Errorf("remote address %q is not IPv6", r.RemoteAddr)
	}
	return ip.To16(), nil
}

// specExprs translates one rule spec into its nftables expressions.
func specExprs(spec RuleSpec) ([]expr.Any, error) {
	switch spec.Kind {
	case KindDNAT:
		return dnatExprs(spec.Rule, spec.Protocol)
	case KindMasquerade:
		return masqExprs(spec.Rule, spec.Protocol)
	}
	return nil, fmt.Errorf("unknown rule kind %q", spec.Kind)
}

// dnatExprs builds: <proto> dport <localPort> dnat to <remote>:<rport>.
func dnatExprs(r ForwardingRule, proto Protocol) ([]expr.Any, error) {
	pnum, err := protoNum(proto)
	if err != nil {
		return nil, err
	}
	ip, err := remoteIPBytes(r)
	if err != nil {
		return nil, err
	}

	return []expr.Any{
		// meta l4proto <proto>
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{
			Op:       expr.CmpOpEq,
			Register: 1,
			Data:     []byte{pnum},
		},
		// <proto> dport <localPort>
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseTransportHeader,
			Offset:       2,
			Len:          2,
		},
		&expr.Cmp{
			Op:       expr.CmpOpEq,
			Register: 1,
			Data:     binaryutil.BigEndian.PutUint16(r.LocalPort),
		},
		// dnat to <remote>:<rport>
		&expr.Immediate{Register: 1, Data: ip},
		&expr.Immediate{Register: 2, Data: binaryutil.BigEndian.PutUint16(r.RemotePort)},
		&expr.NAT{
			Type:        expr.NATTypeDestNAT,
			Family:      nfproto(r.Family),
			RegAddrMin:  1,
			RegAddrMax:  1,
			RegProtoMin: 2,
			RegProtoMax: 2,
		},
	}, nil
}

// masqExprs builds: daddr <remote> <proto> dport <rport> masquerade, the
// return-path rule matching traffic the DNAT rule redirected.
func masqExprs(r ForwardingRule, proto Protocol) ([]expr.Any, error) {
	pnum, err := protoNum(proto)
	if err != nil {
		return nil, err
	}
	ip, err := remoteIPBytes(r)
	if err != nil {
		return nil, err
	}
	offset, length := daddrOffsets(r.Family)

	return []expr.Any{
		// ip daddr <remote>
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       offset,
			Len:          length,
		},
		&expr.Cmp{
			Op:       expr.CmpOpEq,
			Register: 1,
			Data:     ip,
		},
		// meta l4proto <proto>
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{
			Op:       expr.CmpOpEq,
			Register: 1,
			Data:     []byte{pnum},
		},
		// <proto> dport <rport>
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseTransportHeader,
			Offset:       2,
			Len:          2,
		},
		&expr.Cmp{
			Op:       expr.CmpOpEq,
			Register: 1,
			Data:     binaryutil.BigEndian.PutUint16(r.RemotePort),
		},
		// masquerade
		&expr.Masq{},
	}, nil
}
