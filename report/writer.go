// Package report formats and writes access reports to the orchestrator
// FIFO, per spec.md §4.9 and the line format in §6.
package report

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"sandboxrunner/access"
	"sandboxrunner/logging"
	"sandboxrunner/sandboxevent"
	"sandboxrunner/sberrors"
)

// pipeBuf is PIPE_BUF on Linux: the largest atomic write guarantee for a
// pipe, per spec.md §6.
const pipeBuf = 4096

// Counter increments a count the orchestrator uses to know how many
// reports have been written, posted before the corresponding write so
// the orchestrator never observes a report it hasn't counted
// (spec.md §4.9).
type Counter interface {
	Post() error
}

// NoopCounter is used when the FAM does not request report counting.
type NoopCounter struct{}

func (NoopCounter) Post() error { return nil }

// FlockCounter implements Counter by incrementing a count stored in a
// file guarded by an exclusive flock, standing in for a POSIX named
// semaphore without cgo.
type FlockCounter struct {
	path string
	mu   sync.Mutex
}

// NewFlockCounter opens (creating if needed) the counter file at path.
func NewFlockCounter(path string) (*FlockCounter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrSemaphorePost, "open counter file")
	}
	f.Close()
	return &FlockCounter{path: path}, nil
}

// Post acquires the flock, reads, increments, and rewrites the counter.
// Failures here log and continue per spec.md §4.9 ("semaphore-post
// failures log and continue"); callers decide whether to log the
// returned error.
func (c *FlockCounter) Post() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fl := flock.New(c.path)
	locked, err := fl.TryLock()
	if err != nil {
		return sberrors.Wrap(err, sberrors.ErrSemaphorePost, "flock counter file")
	}
	if !locked {
		return sberrors.New(sberrors.ErrSemaphorePost, "Post", "counter file locked by another process")
	}
	defer fl.Unlock()

	f, err := os.OpenFile(c.path, os.O_RDWR, 0o644)
	if err != nil {
		return sberrors.Wrap(err, sberrors.ErrSemaphorePost, "reopen counter file")
	}
	defer f.Close()

	var n int64
	fmt.Fscanf(f, "%d", &n)
	n++
	f.Truncate(0)
	f.Seek(0, 0)
	_, err = fmt.Fprintf(f, "%d", n)
	return err
}

// Writer formats AccessReports as pipe-delimited lines and writes them
// atomically to the report FIFO.
type Writer struct {
	fifo    *os.File
	counter Counter
	mu      sync.Mutex
}

// NewWriter opens (or reuses) fifoPath for append and pairs it with the
// given report counter (NoopCounter if the FAM does not request
// counting).
func NewWriter(fifoPath string, counter Counter) (*Writer, error) {
	f, err := os.OpenFile(fifoPath, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrFIFOWritePartial, "open report FIFO")
	}
	return &Writer{fifo: f, counter: counter}, nil
}

// Line is the set of fields spec.md §6 requires per report.
type Line struct {
	Pid            int
	Ppid           int
	Operation      int
	EventType      sandboxevent.Kind
	RequestedAccess access.CheckerType
	Status         access.Action
	Explicit       bool
	Errno          int
	ExePath        string
	SrcPath        string
	DstPath        string
	HasDst         bool
	CommandLine    string
	HasCmdLine     bool
}

// Format renders a Line as the pipe-delimited, newline-terminated
// string described in spec.md §6.
func Format(l Line) string {
	status := "deny"
	if l.Status == access.ActionAllow {
		status = "allow"
	}
	explicit := "0"
	if l.Explicit {
		explicit = "1"
	}

	fields := []string{
		fmt.Sprintf("%d", l.Pid),
		fmt.Sprintf("%d", l.Ppid),
		fmt.Sprintf("%d", l.Operation),
		l.EventType.String(),
		fmt.Sprintf("%d", l.RequestedAccess),
		status,
		explicit,
		fmt.Sprintf("%d", l.Errno),
		l.ExePath,
		l.SrcPath,
	}
	if l.HasDst {
		fields = append(fields, l.DstPath)
	}
	if l.HasCmdLine {
		if !l.HasDst {
			fields = append(fields, "")
		}
		fields = append(fields, l.CommandLine)
	}
	return strings.Join(fields, "|") + "\n"
}

// Write posts the counter (if configured) and then atomically writes
// the formatted line. A line exceeding PIPE_BUF is fatal per spec.md §6;
// a write failure after a partial write is also fatal (spec.md §4.9)
// because the pip's reported state can no longer be guaranteed
// consistent.
func (w *Writer) Write(l Line) error {
	line := Format(l)
	if len(line) > pipeBuf {
		return sberrors.WrapWithDetail(sberrors.ErrLineTooLong, sberrors.ErrFIFOWritePartial, "Write",
			fmt.Sprintf("line length %d exceeds PIPE_BUF (%d)", len(line), pipeBuf))
	}

	if err := w.counter.Post(); err != nil {
		logging.Default().Warn("report counter post failed", "error", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.fifo.WriteString(line)
	if err != nil {
		return sberrors.Wrap(err, sberrors.ErrFIFOWritePartial, "write report line")
	}
	if n != len(line) {
		return sberrors.New(sberrors.ErrFIFOWritePartial, "Write", "partial write to report FIFO")
	}
	return nil
}

// Close closes the underlying FIFO.
func (w *Writer) Close() error {
	return w.fifo.Close()
}
