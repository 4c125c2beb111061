package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/gopacket/pcapgo"
)

func TestWritePacketRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.pcap")

	w, err := New(nil, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	payload := []byte{1, 2, 3, 4}
	if err := w.WritePacket(payload); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		t.Fatalf("pcapgo.NewReader: %v", err)
	}

	data, _, err := r.ReadPacketData()
	if err != nil {
		t.Fatalf("ReadPacketData: %v", err)
	}
	if string(data) != string(payload) {
		t.Fatalf("round-tripped payload = %v, want %v", data, payload)
	}
}

func TestWritePacketDisablesArchiveOnWriteFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.pcap")
	w, err := New(nil, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Close the underlying file out from under the writer to force the
	// next WritePacket call to fail.
	w.file.Close()

	if err := w.WritePacket([]byte{1}); err == nil {
		t.Fatal("expected a write error once the file is closed")
	}
	if !w.disabled {
		t.Fatal("expected the archive to be disabled after a write failure")
	}

	// Once disabled, further writes are silently skipped (never
	// re-opened).
	if err := w.WritePacket([]byte{2}); err != nil {
		t.Fatalf("expected no error once disabled, got %v", err)
	}
}
