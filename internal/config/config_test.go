package config

import (
	"testing"

	"github.com/lobbyguard/lobbyguard/internal/policy"
)

func TestNewDefaultsExecutables(t *testing.T) {
	cfg, err := New(nil, nil, "solo", false, "", "", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, name := range DefaultExecutables {
		if !cfg.Executables.Contains(name) {
			t.Fatalf("expected default executable set to contain %q", name)
		}
	}
}

func TestNewRejectsUnknownFilterMode(t *testing.T) {
	if _, err := New(nil, nil, "bogus", false, "", "", false); err == nil {
		t.Fatal("expected an error for an unknown filter mode")
	}
}

func TestNewHonoursExplicitExecutables(t *testing.T) {
	cfg, err := New([]string{"custom.exe"}, nil, "locked", true, "", "", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Executables.Contains("GTA5.exe") {
		t.Fatal("explicit executable list should not fall back to defaults")
	}
	if !cfg.Executables.Contains("custom.exe") {
		t.Fatal("expected custom.exe to be tracked")
	}
	if cfg.InitialPolicy != policy.Locked {
		t.Fatalf("expected Locked, got %v", cfg.InitialPolicy)
	}
	if !cfg.CaptureTCP {
		t.Fatal("expected CaptureTCP to be true")
	}
}

func TestIsWhitelisted(t *testing.T) {
	cfg, err := New(nil, []string{"203.0.113.5"}, "solo", false, "", "", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.IsWhitelisted("203.0.113.5") {
		t.Fatal("expected 203.0.113.5 to be whitelisted")
	}
	if cfg.IsWhitelisted("203.0.113.6") {
		t.Fatal("expected 203.0.113.6 to not be whitelisted")
	}
}

func TestIsWhitelistedEmptyWhitelistRejectsEverything(t *testing.T) {
	cfg, err := New(nil, nil, "solo", false, "", "", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.IsWhitelisted("203.0.113.5") {
		t.Fatal("an empty whitelist must not match anything")
	}
}
