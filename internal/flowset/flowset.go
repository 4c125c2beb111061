// Package flowset implements Component C, the Flow Observer's tracked
// FlowTuple set: an alternative, faster-path classification source used
// when the platform exposes per-flow process attribution.
package flowset

import (
	"context"
	"hash/fnv"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/zap"

	"github.com/lobbyguard/lobbyguard/internal/netutil"
)

// reapAfter bounds how long a tracked flow may sit without its
// FlowDeleted event before the reaper evicts it. Flow-deletion events
// can be dropped by the upstream notification stream, so an orphaned
// entry must not live forever.
const reapAfter = 10 * time.Minute

type entry struct {
	tuple    netutil.FlowTuple
	seq      uint64
	lastSeen atomic.Int64 // unix nanos, refreshed on every hit
}

// Set is the concurrent FlowTuple set. Lookups compare the stored tuple
// after the uint64 hash probe, so a hash collision never reports an
// untracked tuple as tracked. Each hash holds a single entry: inserting
// a second tuple with the same hash replaces the first.
type Set struct {
	log     *zap.Logger
	byHash  *haxmap.Map[uint64, *entry]
	reapIdx *skipmap.Uint64Map[*entry] // insertion-ordered, for the reaper
	seq     atomic.Uint64
}

// New returns an empty flow set and starts its background reaper. The
// reaper exits when ctx is cancelled.
func New(ctx context.Context, log *zap.Logger) *Set {
	s := &Set{
		log:     log,
		byHash:  haxmap.New[uint64, *entry](),
		reapIdx: skipmap.NewUint64[*entry](),
	}
	go s.reap(ctx)
	return s
}

func hashTuple(t netutil.FlowTuple) uint64 {
	h := fnv.New64a()
	b := t.LocalAddr.AsSlice()
	h.Write(b)
	h.Write([]byte{byte(t.LocalPort), byte(t.LocalPort >> 8)})
	b = t.RemoteAddr.AsSlice()
	h.Write(b)
	h.Write([]byte{byte(t.RemotePort), byte(t.RemotePort >> 8)})
	return h.Sum64()
}

// Established inserts tuple into the set. The caller is responsible for
// checking that the owning pid is tracked; the set itself holds no pid
// information, only tuples.
func (s *Set) Established(tuple netutil.FlowTuple) {
	tuple = netutil.FlowTuple{
		LocalAddr:  netutil.Normalise(tuple.LocalAddr),
		LocalPort:  tuple.LocalPort,
		RemoteAddr: netutil.Normalise(tuple.RemoteAddr),
		RemotePort: tuple.RemotePort,
	}
	key := hashTuple(tuple)
	e := &entry{tuple: tuple, seq: s.seq.Add(1)}
	e.lastSeen.Store(time.Now().UnixNano())
	s.byHash.Set(key, e)
	s.reapIdx.Store(e.seq, e)
}

// Deleted removes tuple unconditionally, regardless of process
// tracking status.
func (s *Set) Deleted(tuple netutil.FlowTuple) {
	tuple = netutil.FlowTuple{
		LocalAddr:  netutil.Normalise(tuple.LocalAddr),
		LocalPort:  tuple.LocalPort,
		RemoteAddr: netutil.Normalise(tuple.RemoteAddr),
		RemotePort: tuple.RemotePort,
	}
	key := hashTuple(tuple)
	if e, ok := s.byHash.Get(key); ok && e.tuple == tuple {
		s.byHash.Del(key)
		s.reapIdx.Delete(e.seq)
	}
}

// Len reports how many flows are currently tracked; zero means the
// flow-set path is unpopulated and the caller should fall back to
// another classification source.
func (s *Set) Len() int {
	return s.byHash.Len()
}

// Tracked reports whether tuple (or its reverse) is a tracked flow.
// Both directions are probed since a packet observed on the wire can
// carry either endpoint as source.
func (s *Set) Tracked(tuple netutil.FlowTuple) bool {
	t := netutil.FlowTuple{
		LocalAddr:  netutil.Normalise(tuple.LocalAddr),
		LocalPort:  tuple.LocalPort,
		RemoteAddr: netutil.Normalise(tuple.RemoteAddr),
		RemotePort: tuple.RemotePort,
	}
	if e, ok := s.byHash.Get(hashTuple(t)); ok && e.tuple == t {
		e.lastSeen.Store(time.Now().UnixNano())
		return true
	}
	rev := t.Reversed()
	if e, ok := s.byHash.Get(hashTuple(rev)); ok && e.tuple == rev {
		e.lastSeen.Store(time.Now().UnixNano())
		return true
	}
	return false
}

// reap periodically sweeps the insertion-ordered index for entries that
// have not been refreshed within reapAfter, removing orphans left
// behind when a FlowDeleted notification never arrived.
func (s *Set) reap(ctx context.Context) {
	ticker := time.NewTicker(reapAfter)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var stale []*entry
			now := time.Now()
			s.reapIdx.Range(func(_ uint64, e *entry) bool {
				last := time.Unix(0, e.lastSeen.Load())
				if now.Sub(last) >= reapAfter {
					stale = append(stale, e)
				}
				return true
			})
			for _, e := range stale {
				s.byHash.Del(hashTuple(e.tuple))
				s.reapIdx.Delete(e.seq)
				if s.log != nil {
					s.log.Debug("reaped orphaned flow",
						zap.Uint16("local_port", e.tuple.LocalPort),
						zap.Uint16("remote_port", e.tuple.RemotePort))
				}
			}
		}
	}
}
