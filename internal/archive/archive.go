// Package archive implements the optional packet-archive writer: an
// observer tap that records raw diverted frames in standard pcap
// framing, never a gating mechanism.
package archive

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"
)

// Writer appends raw frames to a pcap-framed file. It is owned
// exclusively by the Gate's goroutine -- no locking is needed on that
// path, but Writer itself still serialises access so the (non-hot) CLI
// or tests can drive it safely.
type Writer struct {
	log *zap.Logger

	mu       sync.Mutex
	file     *os.File
	pcap     *pcapgo.Writer
	disabled bool
}

// New opens path and writes the standard 24-byte pcap global header:
// version 2.4, RAW datalink, microsecond timestamp resolution, snaplen
// 65535, native endianness.
func New(log *zap.Logger, path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("archive: create %s: %w", path, err)
	}

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeRaw); err != nil {
		f.Close()
		return nil, fmt.Errorf("archive: write header: %w", err)
	}

	return &Writer{log: log, file: f, pcap: w}, nil
}

// WritePacket appends data with a monotonic timestamp. A write failure
// logs at error and disables the archive for the remainder of the
// session -- it is never re-opened.
func (w *Writer) WritePacket(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.disabled {
		return nil
	}

	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(data),
		Length:        len(data),
	}

	if err := w.pcap.WritePacket(ci, data); err != nil {
		w.disabled = true
		if w.log != nil {
			w.log.Error("archive write failed, disabling archive for remainder of session", zap.Error(err))
		}
		return err
	}
	return nil
}

// Close flushes and releases the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
