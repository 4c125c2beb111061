// Package gate implements Component D, the Packet Gate: the dedicated
// receive loop that classifies and filters diverted packets under the
// active Policy.
package gate

import (
	"context"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/lobbyguard/lobbyguard/internal/divert"
	"github.com/lobbyguard/lobbyguard/internal/endpoint"
	"github.com/lobbyguard/lobbyguard/internal/flowset"
	"github.com/lobbyguard/lobbyguard/internal/netutil"
	"github.com/lobbyguard/lobbyguard/internal/policy"
)

// State is the Gate's lifecycle state machine.
type State uint8

const (
	Idle State = iota
	Armed
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Decision is the pass/drop verdict plus whether the packet was
// classified as belonging to a tracked process, used to gate the
// optional archive tap: only tracked packets are archived.
type Decision struct {
	Pass    bool
	Tracked bool
}

// ArchiveWriter is the narrow interface the Gate needs from
// internal/archive, kept here so gate doesn't import archive directly
// and the two packages can be tested independently.
type ArchiveWriter interface {
	WritePacket(data []byte) error
}

// DecisionSink receives a non-blocking notification every time the
// Gate reaches a pass/drop verdict for a tracked packet (pass==true for
// an allowed packet, false for a dropped one). Implementations must not
// block; a full sink drops the event, never back-pressuring the hot
// path.
type DecisionSink func(pass bool)

// Tracer receives one call per packet decision when installed via
// SetTrace. The signature only carries exported scalars (never the
// unexported parsed type) so internal/pkttrace.Tracer satisfies this
// interface without either package importing the other's internals.
type Tracer interface {
	Trace(localPort, remotePort uint16, isUDP bool, payloadLen int, pass, tracked bool, policyName string)
}

// Gate is Component D.
type Gate struct {
	log     *zap.Logger
	idx     *endpoint.Index
	flows   *flowset.Set
	cell    *policy.Cell
	archive   ArchiveWriter
	decision  DecisionSink
	trace     Tracer
	whitelist mapset.Set[string]

	state atomic.Uint32
}

// New constructs a Gate. archive and decision may be nil.
func New(log *zap.Logger, idx *endpoint.Index, flows *flowset.Set, cell *policy.Cell, archive ArchiveWriter, decision DecisionSink) *Gate {
	g := &Gate{
		log:      log,
		idx:      idx,
		flows:    flows,
		cell:     cell,
		archive:  archive,
		decision: decision,
	}
	g.state.Store(uint32(Idle))
	return g
}

// SetWhitelist installs the set of remote IP addresses exempt from
// gating regardless of tracked status. whitelist may be nil.
func (g *Gate) SetWhitelist(whitelist mapset.Set[string]) {
	g.whitelist = whitelist
}

// SetTrace installs an optional per-packet debug trace sink (see
// internal/pkttrace.Tracer), called synchronously on the hot path, so
// it must be cheap or nil in production.
func (g *Gate) SetTrace(t Tracer) {
	g.trace = t
}

// State returns the current lifecycle state.
func (g *Gate) State() State { return State(g.state.Load()) }

func (g *Gate) setState(s State) { g.state.Store(uint32(s)) }

// classifyTracked prefers the flow-set path when populated (a single
// hash probe), otherwise falls back to the endpoint-index path (derive
// local port via the global-address heuristic, then consult the
// index).
func (g *Gate) classifyTracked(p parsed) bool {
	if g.flows != nil && g.flows.Len() > 0 {
		tuple := netutil.NewFlowTuple(p.srcAddr, p.srcPort, p.dstAddr, p.dstPort)
		return g.flows.Tracked(tuple)
	}

	lp := localPort(p)
	if p.isUDP {
		return g.idx.IsTrackedUDP(lp)
	}
	return g.idx.IsTrackedTCP(p.srcPort, p.dstPort)
}

// decide applies the active Policy to an already-classified packet.
func decide(pol policy.Policy, tracked bool, p parsed) Decision {
	if !tracked {
		return Decision{Pass: true, Tracked: false}
	}

	switch pol {
	case policy.Disconnect:
		return Decision{Pass: false, Tracked: true}

	case policy.Solo:
		if p.isUDP && localPort(p) == policy.MatchmakingPort && policy.IsHeartbeatSize(p.payloadLen) {
			return Decision{Pass: true, Tracked: true}
		}
		return Decision{Pass: false, Tracked: true}

	case policy.Locked:
		if p.isUDP && localPort(p) == policy.MatchmakingPort && policy.IsJoinSize(p.payloadLen) {
			return Decision{Pass: false, Tracked: true}
		}
		return Decision{Pass: true, Tracked: true}

	default:
		return Decision{Pass: true, Tracked: tracked}
	}
}

// HandlePacket runs the full per-packet decision procedure against
// data and reports the verdict. It never blocks.
func (g *Gate) HandlePacket(data []byte) (Decision, error) {
	p, reason, err := parsePacket(data)
	if reason != skipNone {
		// not IP, or not UDP/TCP: always pass through.
		return Decision{Pass: true}, nil
	}
	if err != nil {
		// parse error on a packet the kernel filter claimed matched:
		// log and pass through -- the only place this diverges from
		// drop-by-default.
		if g.log != nil {
			g.log.Error("packet parse error despite filter match", zap.Error(err))
		}
		return Decision{Pass: true}, nil
	}

	if g.whitelist != nil && g.whitelist.Cardinality() > 0 {
		if addr := remoteAddr(p); addr.IsValid() && g.whitelist.Contains(addr.String()) {
			return Decision{Pass: true}, nil
		}
	}

	tracked := g.classifyTracked(p)
	dec := decide(g.cell.Load(), tracked, p)

	if tracked && g.archive != nil {
		if werr := g.archive.WritePacket(data); werr != nil && g.log != nil {
			g.log.Error("archive write failed", zap.Error(werr))
		}
	}

	if tracked && g.decision != nil {
		g.decision(dec.Pass)
	}

	if g.trace != nil {
		lp, rp := p.srcPort, p.dstPort
		if remote := remoteAddr(p); remote.IsValid() && remote == p.srcAddr {
			lp, rp = p.dstPort, p.srcPort
		}
		g.trace.Trace(lp, rp, p.isUDP, p.payloadLen, dec.Pass, tracked, g.cell.Load().String())
	}

	return dec, nil
}

// Run drives the blocking receive loop against h until shutdown is
// observed or ctx is cancelled. It transitions Idle->Armed on entry and
// Armed->Running on the first successful Recv, then Running->Stopping
// when told to stop, finishing in Stopped once the sentinel error is
// observed.
func (g *Gate) Run(ctx context.Context, h divert.Handle) error {
	g.setState(Armed)
	buf := make([]byte, 65536)

	// h.Recv blocks natively; ctx cancellation can only unblock it by
	// calling Shutdown, so watch for it concurrently instead of
	// checking at the top of the loop (Recv may already be parked).
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			g.setState(Stopping)
			_ = h.Shutdown()
		case <-stopWatch:
		}
	}()

	first := true
	for {
		n, _, err := h.Recv(buf)
		if err != nil {
			if err == divert.ErrNoData {
				g.setState(Stopped)
				return nil
			}
			if g.log != nil {
				g.log.Error("divert recv error", zap.Error(err))
			}
			g.setState(Stopped)
			return err
		}

		if first {
			g.setState(Running)
			first = false
		}

		dec, _ := g.HandlePacket(buf[:n])
		if dec.Pass {
			if serr := h.Send(buf[:n], divert.Metadata{}); serr != nil && g.log != nil {
				// send failure on re-injection: log, do not retry --
				// retrying risks duplicate packets.
				g.log.Error("divert send error", zap.Error(serr))
			}
		}
	}
}

// Stop transitions the Gate toward Stopping by shutting down h; Run's
// own loop observes the sentinel and finishes the Stopping->Stopped
// transition.
func (g *Gate) Stop(h divert.Handle) error {
	g.setState(Stopping)
	return h.Shutdown()
}
