// Package config defines the runtime Configuration built once from CLI
// flags and held immutable for the lifetime of the process.
package config

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/lobbyguard/lobbyguard/internal/policy"
)

// DefaultExecutables is the out-of-the-box executable-name set.
var DefaultExecutables = []string{"GTA5.exe", "GTA5_Enhanced.exe"}

// Configuration is the immutable, validated runtime configuration.
type Configuration struct {
	// Executables is the set of base executable filenames whose
	// processes the Observer tracks. Names are stored as given; the
	// Observer folds case when matching.
	Executables mapset.Set[string]

	// Whitelist is an optional set of remote IP addresses that are
	// never subject to gating, regardless of tracked status.
	Whitelist mapset.Set[string]

	// InitialPolicy is the Policy the gate starts in.
	InitialPolicy policy.Policy

	// CaptureTCP selects the composite UDP+TCP divert filter instead
	// of the UDP-only filter.
	CaptureTCP bool

	// ArchivePath is the optional pcap archive output path; empty
	// disables archiving.
	ArchivePath string

	// ControlFile is an optional path watched for external mode-switch
	// triggers, watched with fsnotify.
	ControlFile string

	// Debug enables console-format, debug-level logging and the
	// per-packet trace tap.
	Debug bool
}

// New validates and returns a Configuration, defaulting Executables to
// DefaultExecutables when executables is empty.
func New(executables, whitelist []string, filterMode string, captureTCP bool, archivePath, controlFile string, debug bool) (*Configuration, error) {
	if len(executables) == 0 {
		executables = DefaultExecutables
	}

	pol, err := policy.Parse(filterMode)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &Configuration{
		Executables:   mapset.NewSet(executables...),
		Whitelist:     mapset.NewSet(whitelist...),
		InitialPolicy: pol,
		CaptureTCP:    captureTCP,
		ArchivePath:   archivePath,
		ControlFile:   controlFile,
		Debug:         debug,
	}, nil
}

// IsWhitelisted reports whether addr is in the configured whitelist.
func (c *Configuration) IsWhitelisted(addr string) bool {
	return c.Whitelist.Cardinality() > 0 && c.Whitelist.Contains(addr)
}
