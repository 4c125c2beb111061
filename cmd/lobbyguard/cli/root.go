// Package cli implements the lobbyguard command-line surface.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lobbyguard/lobbyguard/internal/config"
	"github.com/lobbyguard/lobbyguard/internal/divert/simulated"
	"github.com/lobbyguard/lobbyguard/internal/obslog"
	"github.com/lobbyguard/lobbyguard/internal/supervisor"
)

var (
	filterMode  string
	executables []string
	whitelist   []string
	captureTCP  bool
	archiveFile string
	controlFile string
	debug       bool
)

var rootCmd = &cobra.Command{
	Use:   "lobbyguard",
	Short: "Session-shape packet gate for GTA Online's P2P session traffic",
	Long: `lobbyguard intercepts a tracked game process's matchmaking traffic
at the host's packet-diversion layer and enforces one of three session
shapes: solo (heartbeat-only), locked (no new joiners), or disconnect
(drop everything).`,
	RunE: runGate,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().StringVar(&filterMode, "filter-mode", "solo", "initial session policy: solo|locked|disconnect")
	rootCmd.Flags().StringArrayVar(&executables, "executable", nil, "tracked executable base name (repeatable, default GTA5.exe/GTA5_Enhanced.exe)")
	rootCmd.Flags().StringArrayVar(&whitelist, "whitelist-ip", nil, "remote IP address exempt from gating (repeatable)")
	rootCmd.Flags().BoolVar(&captureTCP, "capture-tcp", false, "use the composite UDP+TCP divert filter instead of UDP-only")
	rootCmd.Flags().StringVar(&archiveFile, "file", "", "write a pcap archive of tracked packets to this path")
	rootCmd.Flags().StringVar(&controlFile, "control-file", "", "watch this file for external mode-switch requests")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging and per-packet tracing")
}

func runGate(cmd *cobra.Command, args []string) error {
	cfg, err := config.New(executables, whitelist, filterMode, captureTCP, archiveFile, controlFile, debug)
	if err != nil {
		return err
	}

	log, err := obslog.New(cfg.Debug)
	if err != nil {
		return err
	}
	defer log.Sync()

	// A real divert binding (WinDivert or equivalent) satisfies
	// divert.Opener from outside this module; the in-memory simulated
	// implementation here is a placeholder wiring point, not a
	// production backend.
	opener := simulated.NewOpener()

	sup := supervisor.New(log, cfg, opener)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		for ev := range sup.Events() {
			log.Info("event", eventFields(ev)...)
		}
	}()

	return sup.Run(ctx)
}
