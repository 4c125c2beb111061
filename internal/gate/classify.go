package gate

import (
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/lobbyguard/lobbyguard/internal/netutil"
)

// parsed is everything the decision procedure needs out of one packet.
type parsed struct {
	srcAddr, dstAddr netip.Addr
	isUDP            bool
	isTCP            bool
	srcPort, dstPort uint16
	payloadLen       int // UDP payload length only; unused for TCP
}

// skipReason signals a pass-through decision that isn't a classifier
// failure, just "nothing to classify".
type skipReason uint8

const (
	skipNone skipReason = iota
	skipNotIP
	skipNotTransport
)

// parsePacket decodes data as IPv4 or IPv6, then UDP or TCP, using lazy
// no-copy gopacket decoding to keep hot-path allocations minimal.
// skipReason != skipNone with err == nil means "pass-through, nothing
// to classify"; a non-nil err means the packet matched the kernel
// filter but failed to parse, which the caller must treat as a
// parse-error pass-through.
func parsePacket(data []byte) (p parsed, reason skipReason, err error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})

	var srcIP, dstIP []byte
	haveIP := false

	if ip4 := pkt.Layer(layers.LayerTypeIPv4); ip4 != nil {
		v4, _ := ip4.(*layers.IPv4)
		srcIP, dstIP = v4.SrcIP, v4.DstIP
		haveIP = true
	} else {
		// retry as IPv6: gopacket.NewPacket needs the right first-layer
		// hint to decode correctly.
		pkt = gopacket.NewPacket(data, layers.LayerTypeIPv6, gopacket.DecodeOptions{
			Lazy:   true,
			NoCopy: true,
		})
		if ip6 := pkt.Layer(layers.LayerTypeIPv6); ip6 != nil {
			v6, _ := ip6.(*layers.IPv6)
			srcIP, dstIP = v6.SrcIP, v6.DstIP
			haveIP = true
		}
	}

	if !haveIP {
		return parsed{}, skipNotIP, nil
	}

	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		return parsed{}, skipNone, errLayer.Error()
	}

	src, srcOk := netip.AddrFromSlice(srcIP)
	dst, dstOk := netip.AddrFromSlice(dstIP)
	if !srcOk || !dstOk {
		return parsed{}, skipNone, errBadAddr
	}

	p.srcAddr = netutil.Normalise(src)
	p.dstAddr = netutil.Normalise(dst)

	if udpLayer := pkt.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp, _ := udpLayer.(*layers.UDP)
		p.isUDP = true
		p.srcPort = uint16(udp.SrcPort)
		p.dstPort = uint16(udp.DstPort)
		p.payloadLen = len(udp.Payload)
		return p, skipNone, nil
	}

	if tcpLayer := pkt.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp, _ := tcpLayer.(*layers.TCP)
		p.isTCP = true
		p.srcPort = uint16(tcp.SrcPort)
		p.dstPort = uint16(tcp.DstPort)
		return p, skipNone, nil
	}

	return parsed{}, skipNotTransport, nil
}

var errBadAddr = &parseError{"could not decode IP address from packet"}

type parseError struct{ msg string }

func (e *parseError) Error() string { return e.msg }

// isGlobal reports whether a is globally routable: a global unicast
// address outside the private ranges (netip counts those as global
// unicast).
func isGlobal(a netip.Addr) bool {
	return a.IsGlobalUnicast() && !a.IsPrivate()
}

// localPort picks the local side as whichever address is not globally
// routable. If both or neither address is global, local port is 0 and
// the packet is classified untracked -- a known limitation of this
// global-address heuristic when both endpoints are on the same LAN.
func localPort(p parsed) uint16 {
	srcGlobal := isGlobal(p.srcAddr)
	dstGlobal := isGlobal(p.dstAddr)
	switch {
	case !srcGlobal && dstGlobal:
		return p.srcPort
	case srcGlobal && !dstGlobal:
		return p.dstPort
	default:
		return 0
	}
}

// remoteAddr picks the remote side by the same global-address
// heuristic localPort uses, returning the zero netip.Addr when both or
// neither side is global.
func remoteAddr(p parsed) netip.Addr {
	srcGlobal := isGlobal(p.srcAddr)
	dstGlobal := isGlobal(p.dstAddr)
	switch {
	case !srcGlobal && dstGlobal:
		return p.dstAddr
	case srcGlobal && !dstGlobal:
		return p.srcAddr
	default:
		return netip.Addr{}
	}
}
