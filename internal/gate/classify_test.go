package gate

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func buildUDPv4(t *testing.T, src, dst string, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()

	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %v", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return buf.Bytes()
}

func buildTCPv4(t *testing.T, src, dst string, srcPort, dstPort uint16) []byte {
	t.Helper()

	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		SYN:     true,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %v", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return buf.Bytes()
}

func TestParsePacketUDP(t *testing.T) {
	data := buildUDPv4(t, "192.168.1.10", "203.0.113.9", 50000, 6672, make([]byte, 18))

	p, reason, err := parsePacket(data)
	if err != nil {
		t.Fatalf("parsePacket error: %v", err)
	}
	if reason != skipNone {
		t.Fatalf("expected skipNone, got %v", reason)
	}
	if !p.isUDP {
		t.Fatal("expected isUDP")
	}
	if p.srcPort != 50000 || p.dstPort != 6672 {
		t.Fatalf("unexpected ports: %d/%d", p.srcPort, p.dstPort)
	}
	if p.payloadLen != 18 {
		t.Fatalf("expected payload length 18, got %d", p.payloadLen)
	}
}

func TestParsePacketTCP(t *testing.T) {
	data := buildTCPv4(t, "192.168.1.10", "203.0.113.9", 50000, 443)

	p, reason, err := parsePacket(data)
	if err != nil {
		t.Fatalf("parsePacket error: %v", err)
	}
	if reason != skipNone {
		t.Fatalf("expected skipNone, got %v", reason)
	}
	if !p.isTCP {
		t.Fatal("expected isTCP")
	}
}

func TestParsePacketNotIP(t *testing.T) {
	_, reason, err := parsePacket([]byte{0xFF, 0xFF, 0xFF})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != skipNotIP {
		t.Fatalf("expected skipNotIP, got %v", reason)
	}
}

func TestLocalPortGlobalAddressHeuristic(t *testing.T) {
	data := buildUDPv4(t, "192.168.1.10", "203.0.113.9", 50000, 6672, nil)
	p, _, err := parsePacket(data)
	if err != nil {
		t.Fatalf("parsePacket error: %v", err)
	}
	if got := localPort(p); got != 50000 {
		t.Fatalf("expected local port 50000 (private source side), got %d", got)
	}
}

func TestLocalPortAmbiguousReturnsZero(t *testing.T) {
	data := buildUDPv4(t, "192.168.1.10", "192.168.1.20", 111, 222, nil)
	p, _, err := parsePacket(data)
	if err != nil {
		t.Fatalf("parsePacket error: %v", err)
	}
	if got := localPort(p); got != 0 {
		t.Fatalf("expected 0 for two non-global addresses, got %d", got)
	}
}
