package supervisor

import (
	"testing"

	"github.com/lobbyguard/lobbyguard/internal/config"
	"github.com/lobbyguard/lobbyguard/internal/divert/simulated"
	"github.com/lobbyguard/lobbyguard/internal/policy"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *simulated.Opener) {
	t.Helper()
	cfg, err := config.New(nil, nil, "solo", false, "", "", false)
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}
	opener := simulated.NewOpener()
	s := New(nil, cfg, opener)
	// Run() normally opens the initial handle; tests that only exercise
	// SetPolicy seed it directly instead of driving the full lifecycle.
	h, err := opener.OpenNetwork("ip", networkPriority)
	if err != nil {
		t.Fatalf("OpenNetwork: %v", err)
	}
	s.netHandle = h
	return s, opener
}

func TestSetPolicySoloToLockedIsCheapWrite(t *testing.T) {
	s, opener := newTestSupervisor(t)

	if err := s.SetPolicy(policy.Locked); err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}
	if s.cell.Load() != policy.Locked {
		t.Fatalf("expected Locked, got %v", s.cell.Load())
	}
	if len(opener.Networks) != 1 {
		t.Fatalf("Solo<->Locked must not open a new handle, got %d opens", len(opener.Networks))
	}
}

func TestSetPolicyToDisconnectSwapsHandle(t *testing.T) {
	s, opener := newTestSupervisor(t)
	oldHandle := s.netHandle

	if err := s.SetPolicy(policy.Disconnect); err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}
	if s.cell.Load() != policy.Disconnect {
		t.Fatalf("expected Disconnect, got %v", s.cell.Load())
	}
	if len(opener.Networks) != 2 {
		t.Fatalf("expected a new handle to be opened, got %d opens", len(opener.Networks))
	}
	if s.netHandle == oldHandle {
		t.Fatal("expected the network handle to be replaced")
	}
}

func TestSetPolicyFromDisconnectSwapsBack(t *testing.T) {
	s, _ := newTestSupervisor(t)
	if err := s.SetPolicy(policy.Disconnect); err != nil {
		t.Fatalf("SetPolicy(Disconnect): %v", err)
	}
	handleAfterDisconnect := s.netHandle

	if err := s.SetPolicy(policy.Solo); err != nil {
		t.Fatalf("SetPolicy(Solo): %v", err)
	}
	if s.netHandle == handleAfterDisconnect {
		t.Fatal("expected the network handle to be replaced again on the way back from Disconnect")
	}
	if s.cell.Load() != policy.Solo {
		t.Fatalf("expected Solo, got %v", s.cell.Load())
	}
}
