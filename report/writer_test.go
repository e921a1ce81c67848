package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sandboxrunner/access"
	"sandboxrunner/sandboxevent"
)

func TestFormat_Basic(t *testing.T) {
	line := Format(Line{
		Pid:             1234,
		Ppid:            1,
		Operation:       5,
		EventType:       sandboxevent.KindOpen,
		RequestedAccess: access.CheckRead,
		Status:          access.ActionAllow,
		Explicit:        true,
		Errno:           0,
		ExePath:         "/usr/bin/gcc",
		SrcPath:         "/src/main.c",
	})

	if !strings.HasSuffix(line, "\n") {
		t.Error("expected newline-terminated line")
	}
	fields := strings.Split(strings.TrimSuffix(line, "\n"), "|")
	if len(fields) != 10 {
		t.Fatalf("expected 10 fields without dst/cmdline, got %d: %v", len(fields), fields)
	}
	if fields[0] != "1234" {
		t.Errorf("pid field = %q, want 1234", fields[0])
	}
	if fields[5] != "allow" {
		t.Errorf("status field = %q, want allow", fields[5])
	}
	if fields[6] != "1" {
		t.Errorf("explicit field = %q, want 1", fields[6])
	}
}

func TestFormat_WithDestAndCmdline(t *testing.T) {
	line := Format(Line{
		Pid:         1, Ppid: 0,
		EventType:   sandboxevent.KindRename,
		Status:      access.ActionDeny,
		ExePath:     "/bin/mv",
		SrcPath:     "/a",
		DstPath:     "/b",
		HasDst:      true,
		CommandLine: "mv a b",
		HasCmdLine:  true,
	})
	fields := strings.Split(strings.TrimSuffix(line, "\n"), "|")
	if len(fields) != 12 {
		t.Fatalf("expected 12 fields with dst+cmdline, got %d: %v", len(fields), fields)
	}
	if fields[10] != "/b" {
		t.Errorf("dst field = %q, want /b", fields[10])
	}
	if fields[11] != "mv a b" {
		t.Errorf("cmdline field = %q, want 'mv a b'", fields[11])
	}
}

func TestWriter_WriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reports")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatal(err)
	}
	w := &Writer{fifo: f, counter: NoopCounter{}}

	err = w.Write(Line{Pid: 7, ExePath: "/bin/true", SrcPath: "/tmp/x"})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	w.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "/tmp/x") {
		t.Errorf("expected report content in file, got: %s", data)
	}
}

func TestWriter_LineTooLong(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reports")
	os.WriteFile(path, nil, 0o644)
	f, _ := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	w := &Writer{fifo: f, counter: NoopCounter{}}
	defer w.Close()

	huge := strings.Repeat("a", pipeBuf)
	err := w.Write(Line{Pid: 1, ExePath: huge, SrcPath: "/x"})
	if err == nil {
		t.Fatal("expected error for oversized line")
	}
}

func TestFlockCounter_PostIncrements(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "counter")

	c, err := NewFlockCounter(path)
	if err != nil {
		t.Fatalf("NewFlockCounter failed: %v", err)
	}
	if err := c.Post(); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if err := c.Post(); err != nil {
		t.Fatalf("second Post failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != "2" {
		t.Errorf("counter file = %q, want 2", string(data))
	}
}
