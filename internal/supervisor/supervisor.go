// Package supervisor implements Component E: it owns the lifecycle of
// every other component, the active Policy, the mode-switch protocol,
// and the single-instance guard.
package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/lobbyguard/lobbyguard/internal/archive"
	"github.com/lobbyguard/lobbyguard/internal/config"
	"github.com/lobbyguard/lobbyguard/internal/divert"
	"github.com/lobbyguard/lobbyguard/internal/endpoint"
	"github.com/lobbyguard/lobbyguard/internal/flowset"
	"github.com/lobbyguard/lobbyguard/internal/gate"
	"github.com/lobbyguard/lobbyguard/internal/netutil"
	"github.com/lobbyguard/lobbyguard/internal/pkttrace"
	"github.com/lobbyguard/lobbyguard/internal/policy"
	"github.com/lobbyguard/lobbyguard/internal/procsock"
)

// Divert priorities: the network handle must see packets before the
// flow handle, since flow establishment notifications and the packets
// that trigger them can race.
const (
	networkPriority int16 = 0
	flowPriority    int16 = 1
)

// lockFile is the advisory single-instance run lock.
const lockFile = "lobbyguard.lock"

// Supervisor owns the lifecycle of components A-D plus the Policy
// cell, and exposes the observability Event channel.
type Supervisor struct {
	log    *zap.Logger
	cfg    *config.Configuration
	opener divert.Opener

	idx   *endpoint.Index
	flows *flowset.Set
	cell  *policy.Cell
	gate  *gate.Gate
	arc   *archive.Writer

	flock *flock.Flock
	events chan Event

	mu         sync.Mutex
	netHandle  divert.Handle
	flowHandle divert.FlowHandle
}

// New builds a Supervisor. opener is the real or simulated divert
// handle factory.
func New(log *zap.Logger, cfg *config.Configuration, opener divert.Opener) *Supervisor {
	idx := endpoint.New()
	cell := policy.NewCell(cfg.InitialPolicy)

	return &Supervisor{
		log:    log,
		cfg:    cfg,
		opener: opener,
		idx:    idx,
		cell:   cell,
		events: make(chan Event, eventBacklog),
	}
}

// Run acquires the single-instance lock, opens the initial divert
// handles for the configured policy, starts the Observer, flow
// consumer, control-file watcher, and the Gate's receive loop, and
// blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	lockPath := lockFile
	s.flock = flock.New(lockPath)
	locked, err := s.flock.TryLock()
	if err != nil {
		return fmt.Errorf("supervisor: acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("supervisor: another instance holds %s", lockPath)
	}
	defer s.flock.Unlock()

	if s.cfg.ArchivePath != "" {
		w, err := archive.New(s.log, s.cfg.ArchivePath)
		if err != nil {
			return fmt.Errorf("supervisor: open archive: %w", err)
		}
		s.arc = w
		defer w.Close()
	}

	s.flows = flowset.New(ctx, s.log)

	s.mu.Lock()
	netHandle, err := s.opener.OpenNetwork(divert.FilterFor(s.cfg.InitialPolicy, s.cfg.CaptureTCP), networkPriority)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: open network handle: %w", err)
	}
	flowHandle, err := s.opener.OpenFlow(divert.FlowFilter, flowPriority)
	if err != nil {
		s.mu.Unlock()
		netHandle.Close()
		return fmt.Errorf("supervisor: open flow handle: %w", err)
	}
	s.netHandle = netHandle
	s.flowHandle = flowHandle
	s.mu.Unlock()

	var arcWriter gate.ArchiveWriter
	if s.arc != nil {
		arcWriter = s.arc
	}
	g := gate.New(s.log, s.idx, s.flows, s.cell, arcWriter, func(pass bool) {
		if pass {
			s.emit(Event{Kind: PacketAllowed})
		} else {
			s.emit(Event{Kind: PacketBlocked})
		}
	})
	g.SetWhitelist(s.cfg.Whitelist)
	if s.cfg.Debug {
		g.SetTrace(pkttrace.New(true))
	}
	s.gate = g

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.consumeFlowEvents(ctx, flowHandle)
	}()

	procs, socks, err := s.buildSources()
	if err != nil {
		return fmt.Errorf("supervisor: build observer sources: %w", err)
	}
	obs := procsock.New(s.log, s.idx, procs, socks, s.cfg.Executables.ToSlice())
	obs.SetProcessSink(func(pid uint32, found bool) {
		if found {
			s.emit(Event{Kind: ProcessFound, Pid: pid})
		} else {
			s.emit(Event{Kind: ProcessLost, Pid: pid})
		}
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := obs.Start(ctx); err != nil && s.log != nil {
			s.log.Error("observer stopped", zap.Error(err))
			s.emit(Event{Kind: Error, Err: err})
		}
	}()

	if s.cfg.ControlFile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.watchControlFile(ctx)
		}()
	}

	// SetPolicy's handle swap shuts the old handle down, which ends
	// g.Run; resume on the replacement until ctx is cancelled or the
	// handle was shut down without being replaced.
	h := netHandle
	var gateErr error
	for {
		gateErr = g.Run(ctx, h)
		if gateErr != nil || ctx.Err() != nil {
			break
		}
		s.mu.Lock()
		next := s.netHandle
		s.mu.Unlock()
		if next == h {
			break
		}
		h = next
	}

	s.mu.Lock()
	flowHandle.Shutdown()
	s.mu.Unlock()

	wg.Wait()
	close(s.events)

	return gateErr
}

// SetPolicy applies a mode switch: Solo<->Locked is a bare atomic
// write; any transition to or from Disconnect requires closing
// and reopening the network handle under the new filter, since the
// kernel only re-evaluates the filter at open time.
func (s *Supervisor) SetPolicy(next policy.Policy) error {
	current := s.cell.Load()

	if !policy.NeedsHandleSwap(current, next) {
		s.cell.Store(next)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	newHandle, err := s.opener.OpenNetwork(divert.FilterFor(next, s.cfg.CaptureTCP), networkPriority)
	if err != nil {
		return fmt.Errorf("supervisor: reopen network handle for %s: %w", next, err)
	}

	old := s.netHandle
	s.netHandle = newHandle
	s.cell.Store(next)

	if old != nil {
		_ = old.Shutdown()
		_ = old.Close()
	}

	return nil
}

// consumeFlowEvents applies flow-layer notifications to the flow set
// until the handle is shut down or ctx is cancelled.
func (s *Supervisor) consumeFlowEvents(ctx context.Context, fh divert.FlowHandle) {
	for {
		if ctx.Err() != nil {
			return
		}

		notif, err := fh.Recv()
		if err != nil {
			return
		}

		tuple := flowTupleFromNotification(notif)
		tracked := s.idx.HasProcess(notif.Pid)

		switch notif.Event {
		case divert.FlowEstablished:
			if !tracked {
				continue
			}
			s.flows.Established(tuple)
			s.emit(Event{Kind: FlowEstablished, Pid: notif.Pid})
		case divert.FlowDeleted:
			// removed whether or not the owning pid is still tracked: the
			// process may already have exited.
			s.flows.Deleted(tuple)
			if tracked {
				s.emit(Event{Kind: FlowDeleted, Pid: notif.Pid})
			}
		}
	}
}

func flowTupleFromNotification(n divert.FlowNotification) netutil.FlowTuple {
	local, _ := addrFromNotification(n.LocalAddr, n.IsIPv6)
	remote, _ := addrFromNotification(n.RemoteAddr, n.IsIPv6)
	return netutil.NewFlowTuple(local, n.LocalPort, remote, n.RemotePort)
}

// watchControlFile implements the optional external mode-switch
// channel: a touch/write to the configured file triggers a re-read of
// its contents as a policy name.
func (s *Supervisor) watchControlFile(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		if s.log != nil {
			s.log.Warn("control file watch disabled", zap.Error(err))
		}
		return
	}
	defer watcher.Close()

	if err := watcher.Add(s.cfg.ControlFile); err != nil {
		if s.log != nil {
			s.log.Warn("control file watch disabled", zap.Error(err))
		}
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.applyControlFile()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if s.log != nil {
				s.log.Warn("control file watch error", zap.Error(err))
			}
		}
	}
}
