// Package procnetlink implements procsock.ProcessSource on Linux via the
// kernel's process connector (CN_PROC): a multicast netlink group that
// reports fork/exec/exit for every process on the host. Built over
// golang.org/x/sys/unix (netlink bind/send/receive over AF_NETLINK +
// NETLINK_CONNECTOR) and narrowed to the exec/exit events the Observer
// needs: fork/uid/gid/sid are ignored.
package procnetlink

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/lobbyguard/lobbyguard/internal/procsock"
)

const (
	cnIdxProc = 0x1
	cnValProc = 0x1

	procCnMcastListen = 1
	procCnMcastIgnore = 2

	procEventExec = 0x00000002
	procEventExit = 0x80000000
)

var byteOrder = binary.LittleEndian

// cbID is linux/connector.h's struct cb_id.
type cbID struct {
	Idx uint32
	Val uint32
}

// cnMsg is linux/connector.h's struct cn_msg.
type cnMsg struct {
	ID    cbID
	Seq   uint32
	Ack   uint32
	Len   uint16
	Flags uint16
}

type netlinkProcMessage struct {
	Header unix.NlMsghdr
	Data   cnMsg
}

// procEventHeader is linux/cn_proc.h's struct proc_event.{what,cpu,timestamp_ns}.
type procEventHeader struct {
	What      uint32
	CPU       uint32
	Timestamp uint64
}

type execProcEvent struct {
	ProcessPid  uint32
	ProcessTgid uint32
}

type exitProcEvent struct {
	ProcessPid  uint32
	ProcessTgid uint32
	ExitCode    uint32
	ExitSignal  uint32
}

// Source is a procsock.ProcessSource backed by the netlink process
// connector.
type Source struct {
	sock int
	addr *unix.SockaddrNetlink
	seq  uint32
}

// New opens and binds the netlink connector socket.
func New() (*Source, error) {
	sock, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM, unix.NETLINK_CONNECTOR)
	if err != nil {
		return nil, fmt.Errorf("procnetlink: socket: %w", err)
	}

	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: cnIdxProc}
	if err := unix.Bind(sock, addr); err != nil {
		unix.Close(sock)
		return nil, fmt.Errorf("procnetlink: bind: %w", err)
	}

	s := &Source{sock: sock, addr: addr}
	if err := s.send(procCnMcastListen); err != nil {
		unix.Close(sock)
		return nil, fmt.Errorf("procnetlink: listen: %w", err)
	}
	return s, nil
}

func (s *Source) send(op uint32) error {
	s.seq++

	msg := cnMsg{
		ID:  cbID{Idx: cnIdxProc, Val: cnValProc},
		Seq: s.seq,
		Len: uint16(binary.Size(op)),
	}

	plen := binary.Size(msg) + binary.Size(op)
	hdr := unix.NlMsghdr{
		Len:   unix.NLMSG_HDRLEN + uint32(plen),
		Type:  unix.NLMSG_DONE,
		Flags: 0,
		Seq:   s.seq,
		Pid:   uint32(os.Getpid()),
	}

	buf := new(bytes.Buffer)
	binary.Write(buf, byteOrder, hdr)
	binary.Write(buf, byteOrder, msg)
	binary.Write(buf, byteOrder, op)

	return unix.Sendto(s.sock, buf.Bytes(), 0, s.addr)
}

// Close sends the ignore control message and releases the socket.
func (s *Source) Close() error {
	_ = s.send(procCnMcastIgnore)
	return unix.Close(s.sock)
}

// ListProcesses performs a cold scan by walking /proc, since the
// netlink connector only reports future transitions, never current
// state.
func (s *Source) ListProcesses(ctx context.Context, names []string) ([]procsock.ProcessEvent, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("procnetlink: readdir /proc: %w", err)
	}

	var out []procsock.ProcessEvent
	for _, e := range entries {
		pid, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		name, err := execName(uint32(pid))
		if err != nil {
			continue
		}
		matched := false
		for _, n := range names {
			if strings.EqualFold(n, name) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		out = append(out, procsock.ProcessEvent{Kind: procsock.ProcessCreated, Pid: uint32(pid), Name: name})
	}
	return out, nil
}

func execName(pid uint32) (string, error) {
	target, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return "", err
	}
	if i := strings.LastIndexByte(target, '/'); i >= 0 {
		target = target[i+1:]
	}
	return target, nil
}

// Watch streams live exec/exit notifications from the process
// connector until ctx is cancelled.
func (s *Source) Watch(ctx context.Context) (<-chan procsock.ProcessEvent, <-chan error) {
	events := make(chan procsock.ProcessEvent, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		buf := make([]byte, os.Getpagesize())
		for {
			if ctx.Err() != nil {
				return
			}

			n, _, err := unix.Recvfrom(s.sock, buf, 0)
			if err != nil {
				select {
				case errs <- fmt.Errorf("procnetlink: recvfrom: %w", err):
				default:
				}
				return
			}
			if n < unix.NLMSG_HDRLEN {
				continue
			}

			msgs, err := unix.ParseNetlinkMessage(buf[:n])
			if err != nil {
				continue
			}
			for _, m := range msgs {
				if m.Header.Type != unix.NLMSG_DONE {
					continue
				}
				if ev, ok := decodeEvent(m.Data); ok {
					select {
					case events <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return events, errs
}

func decodeEvent(data []byte) (procsock.ProcessEvent, bool) {
	r := bytes.NewReader(data)
	var msg cnMsg
	var hdr procEventHeader
	if err := binary.Read(r, byteOrder, &msg); err != nil {
		return procsock.ProcessEvent{}, false
	}
	if err := binary.Read(r, byteOrder, &hdr); err != nil {
		return procsock.ProcessEvent{}, false
	}

	switch hdr.What {
	case procEventExec:
		var ev execProcEvent
		if binary.Read(r, byteOrder, &ev) != nil {
			return procsock.ProcessEvent{}, false
		}
		name, err := execName(ev.ProcessTgid)
		if err != nil {
			return procsock.ProcessEvent{}, false
		}
		return procsock.ProcessEvent{Kind: procsock.ProcessCreated, Pid: ev.ProcessTgid, Name: name}, true

	case procEventExit:
		var ev exitProcEvent
		if binary.Read(r, byteOrder, &ev) != nil {
			return procsock.ProcessEvent{}, false
		}
		return procsock.ProcessEvent{Kind: procsock.ProcessDeleted, Pid: ev.ProcessTgid}, true

	default:
		return procsock.ProcessEvent{}, false
	}
}
