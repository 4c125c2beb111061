// Package divert pins the external kernel divert-handle contract.
// This system consumes a host-level packet-diversion facility; its
// internals (WinDivert or equivalent) are an external collaborator out
// of scope for this repo, same as the kernel-mode driver itself -- we
// specify only the interface we consume.
package divert

import (
	"errors"
	"time"

	"github.com/lobbyguard/lobbyguard/internal/policy"
)

// ErrNoData is the shutdown sentinel returned by Recv once the
// shutdown handle has been invoked.
var ErrNoData = errors.New("divert: shutdown sentinel (no data)")

// Metadata carries the out-of-band fields the kernel hands back
// alongside a diverted packet's bytes (direction, interface index,
// etc). Only the fields this system inspects are modelled.
type Metadata struct {
	Outbound bool
}

// Handle is the network-layer divert handle: open with a filter
// expression and a priority; recv diverted packets; send to
// re-inject.
type Handle interface {
	// Recv blocks until a packet is available, the handle is shut
	// down (returns ErrNoData), or an unrecoverable error occurs.
	Recv(buf []byte) (n int, meta Metadata, err error)
	// Send re-injects a packet previously obtained from Recv.
	Send(packet []byte, meta Metadata) error
	// Shutdown unblocks any pending Recv with ErrNoData.
	Shutdown() error
	// Close releases the handle's kernel resources.
	Close() error
}

// FlowEvent enumerates the two flow-layer notifications.
type FlowEvent uint8

const (
	FlowEstablished FlowEvent = iota
	FlowDeleted
)

// FlowNotification is one flow-layer event: the tuple, the owning pid,
// and which lifecycle transition occurred.
type FlowNotification struct {
	LocalAddr, RemoteAddr [16]byte // raw address bytes, v4 or v4-mapped v6
	IsIPv6                bool
	LocalPort, RemotePort uint16
	Pid                   uint32
	Event                 FlowEvent
}

// FlowHandle is the optional flow-layer divert handle.
type FlowHandle interface {
	Recv() (FlowNotification, error)
	Shutdown() error
	Close() error
}

// Opener constructs divert handles for a given filter expression and
// priority. A real binding (WinDivert or equivalent) implements this
// from outside the module; internal/divert/simulated provides an
// in-memory fake used by the gate and supervisor tests.
type Opener interface {
	OpenNetwork(filter string, priority int16) (Handle, error)
	OpenFlow(filter string, priority int16) (FlowHandle, error)
}

// Timeout bounds how long Recv may block in implementations that poll
// rather than block natively; purely a defensive upper bound, not part
// of the external contract.
const Timeout = 2 * time.Second

// FilterFor returns the kernel filter expression for p, given whether
// capture-tcp is requested. Solo and Locked share the UDP-only filter;
// Disconnect uses "ip"; capture-tcp only matters for Solo/Locked,
// broadening to the composite UDP+TCP filter.
func FilterFor(p policy.Policy, captureTCP bool) string {
	switch p {
	case policy.Disconnect:
		return "ip"
	default:
		if captureTCP {
			return CompositeFilter
		}
		return UDPOnlyFilter
	}
}

// FlowFilter is the filter expression used by the flow-layer handle.
const FlowFilter = "ip"

// UDPOnlyFilter is the Solo/Locked filter when capture-tcp is not
// requested.
const UDPOnlyFilter = "udp.DstPort == 6672 and udp.PayloadLength > 0 and ip"

// CompositeFilter is the Solo/Locked filter when capture-tcp is
// requested: UDP port 6672 traffic, the matchmaking-handoff ephemeral
// UDP range 61455-61458, and TCP 80/443, preserved bit-for-bit.
// "(ip or ipv6)" is taken to apply across the whole expression.
const CompositeFilter = "(udp ? ((udp.SrcPort == 6672 or udp.DstPort == 6672 or " +
	"(udp.SrcPort >= 61455 and udp.SrcPort <= 61458) or " +
	"(udp.DstPort >= 61455 and udp.DstPort <= 61458)) and udp.PayloadLength > 0) : false) " +
	"or (tcp ? ((tcp.DstPort == 80 or tcp.DstPort == 443 or tcp.SrcPort == 80 or tcp.SrcPort == 443) " +
	"and tcp.PayloadLength > 0) : false) and (ip or ipv6)"
