package pkttrace

import (
	"bytes"
	"strings"
	"testing"
)

func TestTraceWritesOneJSONLinePerCall(t *testing.T) {
	var buf bytes.Buffer
	tr := New(true)
	tr.out = &buf

	tr.Trace(50000, 6672, true, 18, true, true, "solo")
	tr.Trace(50000, 6672, true, 999, false, true, "solo")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 trace lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], `"pass":true`) {
		t.Fatalf("expected pass:true in first line: %s", lines[0])
	}
	if !strings.Contains(lines[1], `"pass":false`) {
		t.Fatalf("expected pass:false in second line: %s", lines[1])
	}
}

func TestTraceIsNoOpWhenDisabled(t *testing.T) {
	var buf bytes.Buffer
	tr := New(false)
	tr.out = &buf

	tr.Trace(1, 2, true, 3, true, true, "solo")

	if buf.Len() != 0 {
		t.Fatalf("expected no output when disabled, got %q", buf.String())
	}
}
