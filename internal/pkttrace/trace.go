// Package pkttrace emits a structured, per-packet debug trace line
// straight to stderr, bypassing the structured logger so the hot path
// doesn't pay zap's field-allocation cost when tracing is disabled.
// Builds a gabs.Container, formats with stringFormatter, and writes
// directly with io.WriteString.
package pkttrace

import (
	"io"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Jeffail/gabs/v2"
	sf "github.com/wissance/stringFormatter"
)

// Tracer emits one JSON line per call when enabled.
type Tracer struct {
	enabled bool
	serial  atomic.Uint64
	out     io.Writer
}

// New returns a Tracer. When enabled is false, Trace is a no-op.
func New(enabled bool) *Tracer {
	return &Tracer{enabled: enabled, out: os.Stderr}
}

// Trace writes one structured debug line describing a single packet
// decision.
func (t *Tracer) Trace(localPort, remotePort uint16, isUDP bool, payloadLen int, pass, tracked bool, policyName string) {
	if !t.enabled {
		return
	}

	serial := t.serial.Add(1)
	now := time.Now()

	doc := gabs.New()
	pkt, _ := doc.Object("packet")
	pkt.Set(strconv.FormatUint(serial, 10), "num")
	pkt.Set(localPort, "local_port")
	pkt.Set(remotePort, "remote_port")
	if isUDP {
		pkt.Set("udp", "proto")
		pkt.Set(payloadLen, "payload_len")
	} else {
		pkt.Set("tcp", "proto")
	}

	doc.Set(tracked, "tracked")
	doc.Set(pass, "pass")
	doc.Set(policyName, "policy")

	ts, _ := doc.Object("timestamp")
	ts.Set(now.Unix(), "seconds")
	ts.Set(now.Nanosecond(), "nanos")

	verdict := "pass"
	if !pass {
		verdict = "drop"
	}
	doc.Set(sf.Format("#{0} | policy:{1} | {2}", serial, policyName, verdict), "message")

	io.WriteString(t.out, doc.String()+"\n")
}
