package supervisor

import (
	"net/netip"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/lobbyguard/lobbyguard/internal/policy"
	"github.com/lobbyguard/lobbyguard/internal/procsock"
	"github.com/lobbyguard/lobbyguard/internal/procsock/procfs"
	"github.com/lobbyguard/lobbyguard/internal/procsock/procnetlink"
)

// buildSources constructs the concrete ProcessSource/SocketSource pair:
// netlink CN_PROC for process lifecycle, procfs diffing for socket
// lifecycle.
func (s *Supervisor) buildSources() (procsock.ProcessSource, procsock.SocketSource, error) {
	procs, err := procnetlink.New()
	if err != nil {
		return nil, nil, err
	}
	socks := procfs.New()
	return procs, socks, nil
}

// applyControlFile re-reads the control file's contents as a policy
// name and applies the mode switch.
func (s *Supervisor) applyControlFile() {
	data, err := os.ReadFile(s.cfg.ControlFile)
	if err != nil {
		if s.log != nil {
			s.log.Warn("control file read failed", zap.Error(err))
		}
		return
	}

	name := strings.TrimSpace(string(data))
	pol, err := policy.Parse(name)
	if err != nil {
		if s.log != nil {
			s.log.Warn("control file contents not a valid policy", zap.String("contents", name))
		}
		return
	}

	if err := s.SetPolicy(pol); err != nil && s.log != nil {
		s.log.Error("mode switch failed", zap.Error(err))
		s.emit(Event{Kind: Error, Err: err})
	}
}

// addrFromNotification converts a divert flow notification's raw
// address bytes into a netip.Addr.
func addrFromNotification(raw [16]byte, isIPv6 bool) (netip.Addr, bool) {
	if isIPv6 {
		return netip.AddrFrom16(raw).Unmap(), true
	}
	var v4 [4]byte
	copy(v4[:], raw[:4])
	return netip.AddrFrom4(v4), true
}
