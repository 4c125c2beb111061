// Package procfs implements procsock.SocketSource by polling
// /proc/net/{tcp,tcp6,udp,udp6} and diffing successive snapshots,
// since those files carry no native change-notification mechanism.
package procfs

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lobbyguard/lobbyguard/internal/procsock"
)

// pollInterval trades notification latency for syscall cost; socket
// state converges within one interval even on a miss.
const pollInterval = 500 * time.Millisecond

const (
	tcpEstablished = "01"
	tcpListen      = "0A"
)

// Source polls the procfs socket tables.
type Source struct {
	// inodeToPid returns a map from a socket's inode number (reported
	// by /proc/net, matched against /proc/<pid>/fd symlinks) to the
	// owning pid.
	inodeToPid func() map[uint64]uint32
}

// New returns a Source. inodeToPid resolves socket inodes to owning
// pids by walking /proc/<pid>/fd; it is overridable in tests.
func New() *Source {
	return &Source{inodeToPid: scanInodeOwners}
}

// ListTCP performs a cold scan of the TCP socket tables.
func (s *Source) ListTCP(ctx context.Context) ([]procsock.SocketInstance, error) {
	return s.snapshotTCP()
}

// ListUDP performs a cold scan of the UDP socket tables.
func (s *Source) ListUDP(ctx context.Context) ([]procsock.SocketInstance, error) {
	return s.snapshotUDP()
}

func (s *Source) snapshotTCP() ([]procsock.SocketInstance, error) {
	var out []procsock.SocketInstance
	for _, path := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		rows, err := parseNetFile(path)
		if err != nil {
			continue
		}
		owners := s.inodeToPid()
		for _, r := range rows {
			if r.state != tcpEstablished && r.state != tcpListen {
				continue
			}
			pid, ok := owners[r.inode]
			if !ok {
				continue
			}
			out = append(out, procsock.SocketInstance{Pid: pid, LocalPort: r.localPort, RemotePort: r.remotePort})
		}
	}
	return out, nil
}

func (s *Source) snapshotUDP() ([]procsock.SocketInstance, error) {
	var out []procsock.SocketInstance
	for _, path := range []string{"/proc/net/udp", "/proc/net/udp6"} {
		rows, err := parseNetFile(path)
		if err != nil {
			continue
		}
		owners := s.inodeToPid()
		for _, r := range rows {
			pid, ok := owners[r.inode]
			if !ok {
				continue
			}
			out = append(out, procsock.SocketInstance{Pid: pid, LocalPort: r.localPort})
		}
	}
	return out, nil
}

// Watch polls the snapshot on pollInterval and emits the delta against
// the previous snapshot as Created/Deleted events. A true closure shows
// up as a Deleted event here: procfs has no distinct "modify to zero"
// notification the way a native socket-lifecycle API does, so the
// modify-as-close quirk handled by procsock.Observer does not apply to
// this source.
func (s *Source) Watch(ctx context.Context) (<-chan procsock.SocketEvent, <-chan error) {
	events := make(chan procsock.SocketEvent, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		prevTCP := map[string]procsock.SocketInstance{}
		prevUDP := map[string]procsock.SocketInstance{}

		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			tcp, err := s.snapshotTCP()
			if err != nil {
				select {
				case errs <- err:
				default:
				}
				continue
			}
			udp, err := s.snapshotUDP()
			if err != nil {
				select {
				case errs <- err:
				default:
				}
				continue
			}

			curTCP := keyedTCP(tcp)
			diff(prevTCP, curTCP, procsock.SocketTCP, events, ctx)
			prevTCP = curTCP

			curUDP := keyedUDP(udp)
			diff(prevUDP, curUDP, procsock.SocketUDP, events, ctx)
			prevUDP = curUDP
		}
	}()

	return events, errs
}

func keyedTCP(insts []procsock.SocketInstance) map[string]procsock.SocketInstance {
	m := make(map[string]procsock.SocketInstance, len(insts))
	for _, i := range insts {
		m[fmt.Sprintf("%d:%d:%d", i.Pid, i.LocalPort, i.RemotePort)] = i
	}
	return m
}

func keyedUDP(insts []procsock.SocketInstance) map[string]procsock.SocketInstance {
	m := make(map[string]procsock.SocketInstance, len(insts))
	for _, i := range insts {
		m[fmt.Sprintf("%d:%d", i.Pid, i.LocalPort)] = i
	}
	return m
}

func diff(prev, cur map[string]procsock.SocketInstance, kind procsock.SocketKind, out chan<- procsock.SocketEvent, ctx context.Context) {
	for k, inst := range cur {
		if _, ok := prev[k]; !ok {
			send(out, ctx, procsock.SocketEvent{Kind: procsock.SocketCreated, SockKind: kind, Target: inst})
		}
	}
	for k, inst := range prev {
		if _, ok := cur[k]; !ok {
			send(out, ctx, procsock.SocketEvent{Kind: procsock.SocketDeleted, SockKind: kind, Previous: inst})
		}
	}
}

func send(out chan<- procsock.SocketEvent, ctx context.Context, ev procsock.SocketEvent) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

type netRow struct {
	localPort, remotePort uint16
	state                 string
	inode                 uint64
}

// parseNetFile parses one /proc/net/{tcp,tcp6,udp,udp6} table. Columns
// are whitespace-separated; field layout is fixed by the kernel:
// sl local_address rem_address st ... inode.
func parseNetFile(path string) ([]netRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []netRow
	sc := bufio.NewScanner(f)
	sc.Scan() // header line
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 10 {
			continue
		}
		lp, err := hexPort(fields[1])
		if err != nil {
			continue
		}
		rp, err := hexPort(fields[2])
		if err != nil {
			continue
		}
		inode, err := strconv.ParseUint(fields[9], 10, 64)
		if err != nil {
			continue
		}
		rows = append(rows, netRow{localPort: lp, remotePort: rp, state: strings.ToUpper(fields[3]), inode: inode})
	}
	return rows, sc.Err()
}

// hexPort extracts the port half of a "ADDR:PORT" hex-encoded column.
func hexPort(field string) (uint16, error) {
	i := strings.LastIndexByte(field, ':')
	if i < 0 {
		return 0, fmt.Errorf("procfs: malformed address field %q", field)
	}
	b, err := hex.DecodeString(field[i+1:])
	if err != nil || len(b) != 2 {
		return 0, fmt.Errorf("procfs: malformed port field %q", field)
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

// scanInodeOwners walks /proc/<pid>/fd to build an inode->pid map for
// socket file descriptors (symlinks named "socket:[<inode>]").
func scanInodeOwners() map[uint64]uint32 {
	owners := make(map[uint64]uint32)

	entries, err := os.ReadDir("/proc")
	if err != nil {
		return owners
	}

	for _, e := range entries {
		pid, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		fds, err := os.ReadDir(fmt.Sprintf("/proc/%d/fd", pid))
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(fmt.Sprintf("/proc/%d/fd/%s", pid, fd.Name()))
			if err != nil {
				continue
			}
			if !strings.HasPrefix(link, "socket:[") {
				continue
			}
			inodeStr := strings.TrimSuffix(strings.TrimPrefix(link, "socket:["), "]")
			inode, err := strconv.ParseUint(inodeStr, 10, 64)
			if err != nil {
				continue
			}
			owners[inode] = uint32(pid)
		}
	}

	return owners
}
