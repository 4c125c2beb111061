// Package policy holds the Policy enum (Solo/Locked/Disconnect), the
// process-wide atomic cell that carries it, the matchmaking-port and
// payload-size constants, and the rule for which mode changes need a
// divert-handle swap. The filter strings themselves live in
// internal/divert.
package policy

import (
	"fmt"
	"sync/atomic"
)

// Policy is one of the three session-shape modes.
type Policy uint8

const (
	Solo Policy = iota
	Locked
	Disconnect
)

func (p Policy) String() string {
	switch p {
	case Solo:
		return "solo"
	case Locked:
		return "locked"
	case Disconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Parse maps a CLI --filter-mode value to a Policy.
func Parse(s string) (Policy, error) {
	switch s {
	case "solo":
		return Solo, nil
	case "locked":
		return Locked, nil
	case "disconnect":
		return Disconnect, nil
	default:
		return 0, fmt.Errorf("unknown filter mode %q", s)
	}
}

// Matchmaking port and the literal payload-size fingerprints. These
// must match bit-for-bit.
const MatchmakingPort uint16 = 6672

var HeartbeatSizes = [3]int{12, 18, 63}
var JoinSizes = [4]int{191, 207, 223, 239}

func isIn3(n int, set [3]int) bool {
	return n == set[0] || n == set[1] || n == set[2]
}

func isIn4(n int, set [4]int) bool {
	return n == set[0] || n == set[1] || n == set[2] || n == set[3]
}

// IsHeartbeatSize reports whether n is a heartbeat payload size.
func IsHeartbeatSize(n int) bool { return isIn3(n, HeartbeatSizes) }

// IsJoinSize reports whether n is a join-request payload size.
func IsJoinSize(n int) bool { return isIn4(n, JoinSizes) }

// Cell is the single process-wide Policy variable: a single-word
// atomic read on the Gate's hot path, writable by the Supervisor.
type Cell struct {
	v atomic.Uint32
}

// NewCell returns a Cell initialised to p.
func NewCell(p Policy) *Cell {
	c := &Cell{}
	c.v.Store(uint32(p))
	return c
}

// Load returns the current Policy.
func (c *Cell) Load() Policy { return Policy(c.v.Load()) }

// Store sets the current Policy. Takes effect no later than the next
// packet decision.
func (c *Cell) Store(p Policy) { c.v.Store(uint32(p)) }

// NeedsHandleSwap reports whether switching from 'from' to 'to'
// requires tearing down and recreating the divert handle: any
// transition to/from Disconnect changes the kernel filter from
// "UDP port 6672" to "all IP" (or back), while Solo<->Locked share a
// filter and are a pure policy-cell write.
func NeedsHandleSwap(from, to Policy) bool {
	if from == to {
		return false
	}
	return from == Disconnect || to == Disconnect
}
