package endpoint

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddProcessThenEndpointsAreTracked(t *testing.T) {
	idx := New()
	idx.AddProcess(100)

	if !idx.HasProcess(100) {
		t.Fatal("expected pid 100 to be tracked")
	}

	idx.AddUDP(100, 6672)
	if !idx.IsTrackedUDP(6672) {
		t.Fatal("expected UDP port 6672 to be tracked")
	}

	idx.AddTCP(100, 50000, 443)
	if !idx.IsTrackedTCP(50000, 443) {
		t.Fatal("expected forward TCP pair to be tracked")
	}
	if !idx.IsTrackedTCP(443, 50000) {
		t.Fatal("expected reverse TCP pair to be tracked (direction-agnostic)")
	}
}

func TestRemoveProcessEvictsEndpoints(t *testing.T) {
	idx := New()
	idx.AddProcess(7)
	idx.AddUDP(7, 6672)
	idx.AddTCP(7, 1111, 443)

	idx.RemoveProcess(7)

	if idx.HasProcess(7) {
		t.Fatal("pid should no longer be tracked")
	}
	if idx.IsTrackedUDP(6672) {
		t.Fatal("UDP endpoint should have been evicted with the process")
	}
	if idx.IsTrackedTCP(1111, 443) {
		t.Fatal("TCP endpoint should have been evicted with the process")
	}
}

func TestZeroValuesAreNoOps(t *testing.T) {
	idx := New()

	idx.AddProcess(0)
	if idx.HasProcess(0) {
		t.Fatal("pid 0 must never be tracked")
	}

	idx.AddProcess(1)
	idx.AddUDP(1, 0)
	if idx.IsTrackedUDP(0) {
		t.Fatal("port 0 must never be tracked")
	}

	idx.AddTCP(1, 0, 443)
	idx.AddTCP(1, 80, 0)
	if idx.IsTrackedTCP(0, 443) || idx.IsTrackedTCP(80, 0) {
		t.Fatal("a pair with a zero port must never be tracked")
	}
}

func TestRemoveUDPAndTCPAreNoOpWhenAbsent(t *testing.T) {
	idx := New()
	idx.AddProcess(2)

	// removing endpoints that were never added must not panic or alter
	// tracking state.
	idx.RemoveUDP(2, 6672)
	idx.RemoveTCP(2, 1, 2)

	if idx.IsTrackedUDP(6672) || idx.IsTrackedTCP(1, 2) {
		t.Fatal("no endpoint should be tracked")
	}
}

func TestConcurrentAddAndLookupIsRaceFree(t *testing.T) {
	idx := New()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		pid := uint32(i + 1)
		wg.Add(2)
		go func() {
			defer wg.Done()
			idx.AddProcess(pid)
			idx.AddUDP(pid, 6672)
			idx.AddTCP(pid, pid, 443)
		}()
		go func() {
			defer wg.Done()
			idx.IsTrackedUDP(6672)
			idx.IsTrackedTCP(pid, 443)
		}()
	}
	wg.Wait()

	require.True(t, idx.IsTrackedUDP(6672), "at least one UDP endpoint should remain tracked")
}
