// Package endpoint implements Component A, the Endpoint Index: an
// in-memory, concurrency-safe map from tracked process ids to their TCP
// connection tuples and UDP bound ports.
package endpoint

import (
	"github.com/alphadose/haxmap"
)

// portPair packs (localPort, remotePort) into a single comparable key so
// a single haxmap can hold the direction-specific entries, while
// IsTrackedTCP still checks both directions explicitly.
type portPair uint32

func packPair(local, remote uint16) portPair {
	return portPair(uint32(local)<<16 | uint32(remote))
}

// Index is the Endpoint Index. All methods are safe for concurrent use
// by one writer (the Observer) and one reader (the Gate) — or many of
// either; haxmap stripes its internal locking per bucket.
type Index struct {
	pids *haxmap.Map[uint32, struct{}]
	udp  *haxmap.Map[uint32, *haxmap.Map[uint16, struct{}]]
	tcp  *haxmap.Map[uint32, *haxmap.Map[portPair, struct{}]]
}

// New returns an empty Endpoint Index.
func New() *Index {
	return &Index{
		pids: haxmap.New[uint32, struct{}](),
		udp:  haxmap.New[uint32, *haxmap.Map[uint16, struct{}]](),
		tcp:  haxmap.New[uint32, *haxmap.Map[portPair, struct{}]](),
	}
}

// AddProcess tracks pid. Idempotent.
func (idx *Index) AddProcess(pid uint32) {
	if pid == 0 {
		return
	}
	idx.pids.Set(pid, struct{}{})
}

// RemoveProcess untracks pid and evicts every endpoint it owns.
// Endpoints are evicted before the pid entry itself so that a
// concurrent Gate decision never observes a tracked pid with no
// endpoints as distinct from an untracked pid.
func (idx *Index) RemoveProcess(pid uint32) {
	if pid == 0 {
		return
	}
	idx.udp.Del(pid)
	idx.tcp.Del(pid)
	idx.pids.Del(pid)
}

// HasProcess reports whether pid is currently tracked.
func (idx *Index) HasProcess(pid uint32) bool {
	_, ok := idx.pids.Get(pid)
	return ok
}

// AddUDP registers a UDP local port for pid. Rejected silently if pid or
// localPort is zero -- the platform reports zeros for closed sockets.
func (idx *Index) AddUDP(pid uint32, localPort uint16) {
	if pid == 0 || localPort == 0 {
		return
	}
	ports, _ := idx.udp.GetOrCompute(pid, func() *haxmap.Map[uint16, struct{}] {
		return haxmap.New[uint16, struct{}]()
	})
	ports.Set(localPort, struct{}{})
}

// RemoveUDP unregisters a UDP local port for pid. No-op if absent.
func (idx *Index) RemoveUDP(pid uint32, localPort uint16) {
	if pid == 0 || localPort == 0 {
		return
	}
	if ports, ok := idx.udp.Get(pid); ok {
		ports.Del(localPort)
	}
}

// AddTCP registers a TCP (localPort, remotePort) pair for pid. Rejected
// silently if pid, localPort or remotePort is zero.
func (idx *Index) AddTCP(pid uint32, localPort, remotePort uint16) {
	if pid == 0 || localPort == 0 || remotePort == 0 {
		return
	}
	pairs, _ := idx.tcp.GetOrCompute(pid, func() *haxmap.Map[portPair, struct{}] {
		return haxmap.New[portPair, struct{}]()
	})
	pairs.Set(packPair(localPort, remotePort), struct{}{})
}

// RemoveTCP unregisters a TCP (localPort, remotePort) pair for pid.
func (idx *Index) RemoveTCP(pid uint32, localPort, remotePort uint16) {
	if pid == 0 || localPort == 0 || remotePort == 0 {
		return
	}
	if pairs, ok := idx.tcp.Get(pid); ok {
		pairs.Del(packPair(localPort, remotePort))
	}
}

// IsTrackedUDP reports whether some tracked pid has localPort registered.
// The tracked-pid set is expected to stay small (typically a handful of
// processes), so a linear scan over it is acceptable and keeps
// membership tests from requiring a secondary port->pid index.
func (idx *Index) IsTrackedUDP(localPort uint16) bool {
	if localPort == 0 {
		return false
	}
	found := false
	idx.pids.ForEach(func(pid uint32, _ struct{}) bool {
		ports, ok := idx.udp.Get(pid)
		if ok {
			if _, hit := ports.Get(localPort); hit {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// IsTrackedTCP reports whether some tracked pid has the port pair
// registered in either direction (direction-agnostic on the port pair).
func (idx *Index) IsTrackedTCP(portA, portB uint16) bool {
	if portA == 0 || portB == 0 {
		return false
	}
	forward := packPair(portA, portB)
	reverse := packPair(portB, portA)
	found := false
	idx.pids.ForEach(func(pid uint32, _ struct{}) bool {
		pairs, ok := idx.tcp.Get(pid)
		if !ok {
			return true
		}
		if _, hit := pairs.Get(forward); hit {
			found = true
			return false
		}
		if _, hit := pairs.Get(reverse); hit {
			found = true
			return false
		}
		return true
	})
	return found
}
