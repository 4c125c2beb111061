// Package procsock implements Component B, the Process/Socket Observer:
// it subscribes to platform notifications for process and socket
// lifecycle and applies deltas to the Endpoint Index.
package procsock

import (
	"context"
	"fmt"
	"strings"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/lobbyguard/lobbyguard/internal/endpoint"
)

// ProcessEventKind enumerates the process-lifecycle notifications
// consumed from the platform.
type ProcessEventKind uint8

const (
	ProcessCreated ProcessEventKind = iota
	ProcessDeleted
)

// ProcessEvent is one platform process-lifecycle notification.
type ProcessEvent struct {
	Kind ProcessEventKind
	Pid  uint32
	Name string // base executable filename
}

// SocketKind distinguishes TCP connections from UDP endpoints.
type SocketKind uint8

const (
	SocketTCP SocketKind = iota
	SocketUDP
)

// SocketEventKind enumerates the socket-lifecycle notifications,
// including the platform's "modify" quirk: closure is reported as an
// instance-modification to zeroed fields rather than a deletion.
type SocketEventKind uint8

const (
	SocketCreated SocketEventKind = iota
	SocketDeleted
	SocketModified
)

// SocketInstance is one TCP/UDP endpoint snapshot as reported by the
// platform.
type SocketInstance struct {
	Pid        uint32
	LocalPort  uint16
	RemotePort uint16 // zero for UDP
}

// SocketEvent is one platform socket-lifecycle notification. For
// SocketModified, both Previous and Target must be examined: the
// Observer treats this as delete(Previous) followed by conditional
// add(Target).
type SocketEvent struct {
	Kind     SocketEventKind
	SockKind SocketKind
	Previous SocketInstance
	Target   SocketInstance
}

// ProcessSource is the pinned external contract for process-lifecycle
// notifications and an initial-scan query. A real implementation wraps
// the host's process enumeration/notification API; procsock/procnetlink
// provides one concrete Linux implementation.
type ProcessSource interface {
	// ListProcesses returns all currently-running processes whose base
	// executable name is in names (case-insensitive); used for the
	// initial cold scan on startup.
	ListProcesses(ctx context.Context, names []string) ([]ProcessEvent, error)
	// Watch streams live process-lifecycle notifications until ctx is
	// cancelled or a terminal error occurs.
	Watch(ctx context.Context) (<-chan ProcessEvent, <-chan error)
}

// SocketSource is the pinned external contract for TCP/UDP
// socket-lifecycle notifications and initial-scan queries.
type SocketSource interface {
	ListTCP(ctx context.Context) ([]SocketInstance, error)
	ListUDP(ctx context.Context) ([]SocketInstance, error)
	Watch(ctx context.Context) (<-chan SocketEvent, <-chan error)
}

// ProcessSink receives a notification whenever a tracked process
// transitions into or out of tracking. found is true on ProcessFound,
// false on ProcessLost.
type ProcessSink func(pid uint32, found bool)

// Observer is Component B.
type Observer struct {
	log   *zap.Logger
	idx   *endpoint.Index
	procs ProcessSource
	socks SocketSource
	names []string // configured executable names, lowercase
	sink  ProcessSink
}

// New builds an Observer. names is the configured executable-name list
// (case-insensitive match on base filename).
func New(log *zap.Logger, idx *endpoint.Index, procs ProcessSource, socks SocketSource, names []string) *Observer {
	lower := make([]string, len(names))
	for i, n := range names {
		lower[i] = strings.ToLower(n)
	}
	return &Observer{log: log, idx: idx, procs: procs, socks: socks, names: lower}
}

// SetProcessSink installs an optional callback notified on every
// process found/lost transition. sink may be nil.
func (o *Observer) SetProcessSink(sink ProcessSink) {
	o.sink = sink
}

func (o *Observer) notify(pid uint32, found bool) {
	if o.sink != nil {
		o.sink(pid, found)
	}
}

func (o *Observer) matches(name string) bool {
	lower := strings.ToLower(name)
	for _, n := range o.names {
		if n == lower {
			return true
		}
	}
	return false
}

// Start runs the startup protocol (cold-scan processes, then TCP, then
// UDP, then switch to live notification streams) and blocks until ctx
// is cancelled or a terminal stream error occurs. If the initial
// process scan fails, startup fails (returned error); a failed TCP/UDP
// cold-scan is logged and startup proceeds, since live events will
// converge.
func (o *Observer) Start(ctx context.Context) error {
	var procEvents []ProcessEvent
	err := retry.Do(
		func() error {
			var e error
			procEvents, e = o.procs.ListProcesses(ctx, o.names)
			return e
		},
		retry.Attempts(3),
		retry.Context(ctx),
	)
	if err != nil {
		return fmt.Errorf("procsock: initial process scan failed: %w", err)
	}
	for _, ev := range procEvents {
		if o.matches(ev.Name) {
			o.idx.AddProcess(ev.Pid)
			o.notify(ev.Pid, true)
		}
	}

	if tcp, err := o.socks.ListTCP(ctx); err != nil {
		o.warn("initial TCP scan failed, proceeding with partial state", err)
	} else {
		for _, inst := range tcp {
			if o.idx.HasProcess(inst.Pid) {
				o.idx.AddTCP(inst.Pid, inst.LocalPort, inst.RemotePort)
			}
		}
	}

	if udp, err := o.socks.ListUDP(ctx); err != nil {
		o.warn("initial UDP scan failed, proceeding with partial state", err)
	} else {
		for _, inst := range udp {
			if o.idx.HasProcess(inst.Pid) {
				o.idx.AddUDP(inst.Pid, inst.LocalPort)
			}
		}
	}

	procCh, procErrCh := o.procs.Watch(ctx)
	sockCh, sockErrCh := o.socks.Watch(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-procCh:
			if !ok {
				procCh = nil
				continue
			}
			o.applyProcess(ev)

		case err, ok := <-procErrCh:
			if !ok {
				procErrCh = nil
				continue
			}
			o.warn("process notification stream terminated", err)
			procCh = nil

		case ev, ok := <-sockCh:
			if !ok {
				sockCh = nil
				continue
			}
			o.applySocket(ev)

		case err, ok := <-sockErrCh:
			if !ok {
				sockErrCh = nil
				continue
			}
			o.warn("socket notification stream terminated", err)
			sockCh = nil
		}

		if procCh == nil && procErrCh == nil && sockCh == nil && sockErrCh == nil {
			// both streams are gone: the Observer stops, the Gate
			// continues on whatever state was last converged.
			return nil
		}
	}
}

func (o *Observer) applyProcess(ev ProcessEvent) {
	switch ev.Kind {
	case ProcessCreated:
		if o.matches(ev.Name) {
			o.idx.AddProcess(ev.Pid)
			o.notify(ev.Pid, true)
		}
	case ProcessDeleted:
		if o.idx.HasProcess(ev.Pid) {
			o.idx.RemoveProcess(ev.Pid)
			o.notify(ev.Pid, false)
		}
	}
}

// applySocket implements the modify-as-close contract: a
// SocketModified event is delete(Previous) followed by conditional
// add(Target) -- and since Target's fields are zeroed for a true
// closure, Index's zero-guard makes that conditional add a no-op
// automatically.
func (o *Observer) applySocket(ev SocketEvent) {
	switch ev.Kind {
	case SocketCreated:
		o.addSocket(ev.SockKind, ev.Target)
	case SocketDeleted:
		o.removeSocket(ev.SockKind, ev.Previous)
	case SocketModified:
		o.removeSocket(ev.SockKind, ev.Previous)
		o.addSocket(ev.SockKind, ev.Target)
	}
}

func (o *Observer) addSocket(kind SocketKind, inst SocketInstance) {
	if !o.idx.HasProcess(inst.Pid) {
		return
	}
	if kind == SocketTCP {
		o.idx.AddTCP(inst.Pid, inst.LocalPort, inst.RemotePort)
	} else {
		o.idx.AddUDP(inst.Pid, inst.LocalPort)
	}
}

func (o *Observer) removeSocket(kind SocketKind, inst SocketInstance) {
	if kind == SocketTCP {
		o.idx.RemoveTCP(inst.Pid, inst.LocalPort, inst.RemotePort)
	} else {
		o.idx.RemoveUDP(inst.Pid, inst.LocalPort)
	}
}

func (o *Observer) warn(msg string, err error) {
	if o.log != nil {
		o.log.Warn(msg, zap.Error(err))
	}
}
