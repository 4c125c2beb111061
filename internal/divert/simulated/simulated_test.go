package simulated

import (
	"testing"

	"github.com/lobbyguard/lobbyguard/internal/divert"
)

func TestNetworkHandleInjectRecvSend(t *testing.T) {
	h := NewNetworkHandle("ip")

	h.Inject([]byte{1, 2, 3}, divert.Metadata{Outbound: true})

	buf := make([]byte, 16)
	n, meta, err := h.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if n != 3 || buf[0] != 1 || buf[1] != 2 || buf[2] != 3 {
		t.Fatalf("unexpected recv data: %v", buf[:n])
	}
	if !meta.Outbound {
		t.Fatal("expected Outbound metadata to round-trip")
	}

	if err := h.Send([]byte{9, 9}, divert.Metadata{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent := h.Sent()
	if len(sent) != 1 || sent[0][0] != 9 {
		t.Fatalf("unexpected sent data: %v", sent)
	}
}

func TestNetworkHandleShutdownUnblocksRecv(t *testing.T) {
	h := NewNetworkHandle("ip")

	if err := h.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// idempotent: a second Shutdown must not panic.
	if err := h.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}

	buf := make([]byte, 16)
	_, _, err := h.Recv(buf)
	if err != divert.ErrNoData {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}

func TestFlowHandleInjectRecv(t *testing.T) {
	h := NewFlowHandle()
	n := divert.FlowNotification{Pid: 42, Event: divert.FlowEstablished}
	h.Inject(n)

	got, err := h.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got.Pid != 42 || got.Event != divert.FlowEstablished {
		t.Fatalf("unexpected notification: %+v", got)
	}
}

func TestOpenerRecordsHandles(t *testing.T) {
	o := NewOpener()

	netHandle, err := o.OpenNetwork("udp", 0)
	if err != nil {
		t.Fatalf("OpenNetwork: %v", err)
	}
	if netHandle == nil {
		t.Fatal("expected a non-nil network handle")
	}
	if o.LastNetwork() == nil {
		t.Fatal("expected LastNetwork to return the opened handle")
	}

	if _, err := o.OpenFlow("ip", 1); err != nil {
		t.Fatalf("OpenFlow: %v", err)
	}
	if len(o.Flows) != 1 {
		t.Fatalf("expected 1 flow handle, got %d", len(o.Flows))
	}
}
