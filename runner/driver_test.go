package runner

import (
	"encoding/binary"
	"testing"

	"sandboxrunner/kernel"
	"sandboxrunner/policy"
)

func TestEncodeBreakawayTable(t *testing.T) {
	entries := []policy.BreakawayEntry{
		{ExecutableName: "/bin/tool-x", ArgumentSubstr: "--flag", CaseInsensitive: true},
		{ExecutableName: "/bin/tool-y"},
	}

	wire := encodeBreakawayTable(entries)
	if len(wire) != 2 {
		t.Fatalf("expected 2 wire entries, got %d", len(wire))
	}
	if string(wire[0].Tool[:wire[0].ToolLen]) != "/bin/tool-x" {
		t.Errorf("Tool = %q, want /bin/tool-x", wire[0].Tool[:wire[0].ToolLen])
	}
	if string(wire[0].Arguments[:wire[0].ArgumentsLen]) != "--flag" {
		t.Errorf("Arguments = %q, want --flag", wire[0].Arguments[:wire[0].ArgumentsLen])
	}
	if !wire[0].IgnoreCase {
		t.Error("expected IgnoreCase=true for tool-x")
	}
	if wire[1].ArgumentsLen != 0 {
		t.Errorf("expected empty argument substring for tool-y, got len %d", wire[1].ArgumentsLen)
	}
}

func TestLeUint32(t *testing.T) {
	b := []byte{0x01, 0x00, 0x00, 0x00}
	if got := leUint32(b); got != 1 {
		t.Errorf("leUint32 = %d, want 1", got)
	}
	b = []byte{0xff, 0xff, 0xff, 0xff}
	if got := leUint32(b); got != 0xffffffff {
		t.Errorf("leUint32 = %d, want 0xffffffff", got)
	}
}

func TestDecodeFileAccessRecord_UnknownType(t *testing.T) {
	d := &Driver{pathMirror: kernel.NewPathMirror()}
	raw := make([]byte, 40)
	raw[0] = 0xff // not a valid EventType
	if _, err := d.decodeFileAccessRecord(raw); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestDecodeFileAccessRecord_TooShort(t *testing.T) {
	d := &Driver{pathMirror: kernel.NewPathMirror()}
	if _, err := d.decodeFileAccessRecord([]byte{0x01}); err == nil {
		t.Fatal("expected error for short record")
	}
}

func TestDecodeFileAccessRecord_SinglePath(t *testing.T) {
	d := &Driver{pathMirror: kernel.NewPathMirror()}
	raw := make([]byte, 40)
	raw[0] = byte(kernel.EventSinglePath)
	raw = append(raw, []byte("/tmp/x\x00")...)
	ev, err := d.decodeFileAccessRecord(raw)
	if err != nil {
		t.Fatalf("decodeFileAccessRecord failed: %v", err)
	}
	if ev.SourcePath != "/tmp/x" {
		t.Errorf("SourcePath = %q, want /tmp/x", ev.SourcePath)
	}
}

func TestDecodeFileAccessRecord_IncrementalPrefix(t *testing.T) {
	d := &Driver{pathMirror: kernel.NewPathMirror()}

	first := make([]byte, 40)
	first[0] = byte(kernel.EventSinglePath)
	binary.LittleEndian.PutUint32(first[28:32], 5) // processor id
	first = append(first, []byte("/usr/lib/foo.so")...)
	ev1, err := d.decodeFileAccessRecord(first)
	if err != nil {
		t.Fatalf("first decode failed: %v", err)
	}
	if ev1.SourcePath != "/usr/lib/foo.so" {
		t.Fatalf("SourcePath = %q, want /usr/lib/foo.so", ev1.SourcePath)
	}

	second := make([]byte, 40)
	second[0] = byte(kernel.EventSinglePath)
	binary.LittleEndian.PutUint32(second[28:32], 5)             // same processor id
	binary.LittleEndian.PutUint16(second[32:34], uint16(len("/usr/lib/"))) // shared prefix
	second = append(second, []byte("bar.so")...)
	ev2, err := d.decodeFileAccessRecord(second)
	if err != nil {
		t.Fatalf("second decode failed: %v", err)
	}
	if ev2.SourcePath != "/usr/lib/bar.so" {
		t.Errorf("SourcePath = %q, want /usr/lib/bar.so", ev2.SourcePath)
	}
}
