// Package netutil holds the address/tuple primitives shared by the
// endpoint index, the flow set, and the packet gate.
package netutil

import "net/netip"

// FlowTuple is the 4-tuple identifying a transport-layer flow.
// Addresses are always stored normalised (see Normalise).
type FlowTuple struct {
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
}

// Normalise folds an IPv4-mapped IPv6 address down to its IPv4 form,
// leaving every other address untouched. Normalising an already-
// normalised address is a no-op: Unmap is idempotent on addresses that
// aren't 4-in-6 mapped.
func Normalise(addr netip.Addr) netip.Addr {
	return addr.Unmap()
}

// NewFlowTuple builds a normalised FlowTuple from raw packet fields.
func NewFlowTuple(localAddr netip.Addr, localPort uint16, remoteAddr netip.Addr, remotePort uint16) FlowTuple {
	return FlowTuple{
		LocalAddr:  Normalise(localAddr),
		LocalPort:  localPort,
		RemoteAddr: Normalise(remoteAddr),
		RemotePort: remotePort,
	}
}

// Reversed swaps local/remote, used to probe a tracked-flow set in
// both directions.
func (t FlowTuple) Reversed() FlowTuple {
	return FlowTuple{
		LocalAddr:  t.RemoteAddr,
		LocalPort:  t.RemotePort,
		RemoteAddr: t.LocalAddr,
		RemotePort: t.LocalPort,
	}
}
