// Package simulated provides an in-memory fake of the external divert
// contract (internal/divert), used by internal/gate's tests and by any
// caller that wants to drive the Gate without a real kernel binding.
package simulated

import (
	"sync"

	"github.com/lobbyguard/lobbyguard/internal/divert"
)

type packet struct {
	data []byte
	meta divert.Metadata
}

// NetworkHandle is a fake divert.Handle backed by channels: Inject
// feeds packets as if diverted by the kernel, Sent collects whatever
// the system under test re-injects via Send.
type NetworkHandle struct {
	Filter string

	mu       sync.Mutex
	inbox    chan packet
	sent     chan packet
	shutdown chan struct{}
	once     sync.Once
}

// NewNetworkHandle returns a ready-to-use fake network handle.
func NewNetworkHandle(filter string) *NetworkHandle {
	return &NetworkHandle{
		Filter:   filter,
		inbox:    make(chan packet, 64),
		sent:     make(chan packet, 64),
		shutdown: make(chan struct{}),
	}
}

// Inject enqueues a packet as if it had just been diverted by the
// kernel.
func (h *NetworkHandle) Inject(data []byte, meta divert.Metadata) {
	cp := make([]byte, len(data))
	copy(cp, data)
	h.inbox <- packet{data: cp, meta: meta}
}

// Recv implements divert.Handle.
func (h *NetworkHandle) Recv(buf []byte) (int, divert.Metadata, error) {
	select {
	case p := <-h.inbox:
		n := copy(buf, p.data)
		return n, p.meta, nil
	case <-h.shutdown:
		return 0, divert.Metadata{}, divert.ErrNoData
	}
}

// Send implements divert.Handle: records the re-injected packet for
// test inspection.
func (h *NetworkHandle) Send(data []byte, meta divert.Metadata) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case h.sent <- packet{data: cp, meta: meta}:
	default:
	}
	return nil
}

// Sent drains and returns everything re-injected so far.
func (h *NetworkHandle) Sent() [][]byte {
	var out [][]byte
	for {
		select {
		case p := <-h.sent:
			out = append(out, p.data)
		default:
			return out
		}
	}
}

// Shutdown implements divert.Handle.
func (h *NetworkHandle) Shutdown() error {
	h.once.Do(func() { close(h.shutdown) })
	return nil
}

// Close implements divert.Handle.
func (h *NetworkHandle) Close() error { return nil }

// FlowHandle is a fake divert.FlowHandle.
type FlowHandle struct {
	inbox    chan divert.FlowNotification
	shutdown chan struct{}
	once     sync.Once
}

// NewFlowHandle returns a ready-to-use fake flow handle.
func NewFlowHandle() *FlowHandle {
	return &FlowHandle{
		inbox:    make(chan divert.FlowNotification, 64),
		shutdown: make(chan struct{}),
	}
}

// Inject enqueues a flow notification as if emitted by the kernel.
func (h *FlowHandle) Inject(n divert.FlowNotification) {
	h.inbox <- n
}

// Recv implements divert.FlowHandle.
func (h *FlowHandle) Recv() (divert.FlowNotification, error) {
	select {
	case n := <-h.inbox:
		return n, nil
	case <-h.shutdown:
		return divert.FlowNotification{}, divert.ErrNoData
	}
}

// Shutdown implements divert.FlowHandle.
func (h *FlowHandle) Shutdown() error {
	h.once.Do(func() { close(h.shutdown) })
	return nil
}

// Close implements divert.FlowHandle.
func (h *FlowHandle) Close() error { return nil }

// Opener is a fake divert.Opener returning NetworkHandle/FlowHandle
// instances and recording the filters/priorities it was asked to open.
type Opener struct {
	mu       sync.Mutex
	Networks []*NetworkHandle
	Flows    []*FlowHandle
}

// NewOpener returns an empty fake Opener.
func NewOpener() *Opener { return &Opener{} }

// OpenNetwork implements divert.Opener.
func (o *Opener) OpenNetwork(filter string, _ int16) (divert.Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := NewNetworkHandle(filter)
	o.Networks = append(o.Networks, h)
	return h, nil
}

// OpenFlow implements divert.Opener.
func (o *Opener) OpenFlow(_ string, _ int16) (divert.FlowHandle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := NewFlowHandle()
	o.Flows = append(o.Flows, h)
	return h, nil
}

// LastNetwork returns the most recently opened network handle, or nil.
func (o *Opener) LastNetwork() *NetworkHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.Networks) == 0 {
		return nil
	}
	return o.Networks[len(o.Networks)-1]
}
