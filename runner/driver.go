// Package runner wires together kernel-program loading, per-pip map
// creation, the root process fork/exec, and the event pipeline into a
// single driver that owns one pip's entire lifecycle, per spec.md §4.8.
package runner

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"sandboxrunner/dispatch"
	"sandboxrunner/handler"
	"sandboxrunner/kernel"
	"sandboxrunner/logging"
	"sandboxrunner/policy"
	"sandboxrunner/report"
	"sandboxrunner/ringbuf"
	"sandboxrunner/runnerconfig"
	"sandboxrunner/sandboxevent"
	"sandboxrunner/sberrors"
)

// pidRegisteredTimeout bounds how long the driver polls for the root
// process's pid to appear in the handler's active-pid set before giving
// up and letting it run unmonitored rather than hanging, per spec.md
// §4.8 step 5's pid-registration handshake.
const pidRegisteredTimeout = 2 * time.Second

// pidRegisteredPollInterval is how often the poll in waitForPidRegistered
// rechecks the active-pid set.
const pidRegisteredPollInterval = 2 * time.Millisecond

// Driver owns the lifecycle of a single pip: kernel program load, per-pip
// map creation, the root process, and the event pipeline from ring
// buffers through the handler to the report writer.
type Driver struct {
	cfg *runnerconfig.Config
	log *slog.Logger

	loader  *kernel.Loader
	pipMaps *kernel.PipMaps
	tree    *policy.Tree
	writer  *report.Writer

	fileAccessMgr *ringbuf.Manager
	debugMgr      *ringbuf.Manager
	queue         *dispatch.Queue
	h             *handler.Handler
	pathMirror    *kernel.PathMirror

	mu      sync.Mutex
	started bool
	cmd     *exec.Cmd
}

// New builds a driver from cfg but performs no side effects yet; call
// Run to execute the full startup/teardown sequence.
func New(cfg *runnerconfig.Config) *Driver {
	return &Driver{
		cfg: cfg,
		log: logging.WithPip(logging.Default(), os.Getpid()),
	}
}

// Run executes the full startup sequence (spec.md §4.8 steps 1-6), runs
// program/args as the root process, waits for it to exit, tears down,
// and returns the exit code the runner process itself should use (the
// root process's exit status, its terminating signal number if it was
// killed by a signal, or a negative value on initialization failure per spec.md
// §4's "Exit codes" note).
func (d *Driver) Run(program string, args []string) (int, error) {
	if err := d.startup(); err != nil {
		d.log.Error("startup failed", "error", err)
		return -1, err
	}
	defer d.teardown()

	code, err := d.runRootProcess(program, args)
	if err != nil {
		d.log.Error("root process failed", "error", err)
		return -1, err
	}
	return code, nil
}

func (d *Driver) startup() error {
	if err := CheckCapabilities(); err != nil {
		return err
	}

	loader, err := kernel.Load(d.cfg.EBPFObjectPath, d.cfg.PinDir, d.cfg.UnconditionallyLoadEBPF)
	if err != nil {
		return err
	}
	d.loader = loader

	famFile, err := os.Open(d.cfg.FAMPath)
	if err != nil {
		return sberrors.WrapWithDetail(sberrors.ErrFAMNotFound, sberrors.ErrManifestPayload, "startup", err.Error())
	}
	defer famFile.Close()

	tree, err := policy.Parse(famFile)
	if err != nil {
		return err
	}
	d.tree = tree

	pipMaps, err := kernel.CreatePipMaps(loader, int32(os.Getpid()), d.cfg.MaxConcurrency)
	if err != nil {
		return err
	}
	d.pipMaps = pipMaps

	if err := pipMaps.PopulateBreakaway(encodeBreakawayTable(tree.Breakaway)); err != nil {
		return err
	}

	counter, err := d.reportCounter(tree)
	if err != nil {
		return err
	}
	writer, err := report.NewWriter(d.cfg.FAMPath+".reports", counter)
	if err != nil {
		return err
	}
	d.writer = writer

	d.queue = dispatch.NewQueue(4096)
	d.h = handler.New(tree, d.queue, writer, d.log)

	d.emitInitFork()

	ctx := context.Background()
	d.pathMirror = kernel.NewPathMirror()

	d.fileAccessMgr = ringbuf.NewManager(ctx, d.queue, logging.WithOperation(d.log, "file-access"))
	d.fileAccessMgr.Install(ringbuf.NewBuffer(pipMaps.FileAccessRingbuf, 0, kernel.FileAccessRingbufSize(d.cfg.MaxConcurrency), d.queue, d.decodeFileAccessRecord))

	d.debugMgr = ringbuf.NewManager(ctx, d.queue, logging.WithOperation(d.log, "debug"))
	d.debugMgr.Install(ringbuf.NewBuffer(pipMaps.DebugRingbuf, 1, kernel.DebugRingbufSize(), d.queue, kernel.DecodeDebug))

	go d.h.Run()

	return nil
}

// reportCounter picks the report counter per spec.md §4.9 ("a POSIX
// semaphore, opened by name during init when the FAM requests report
// counting"): tree.ReportCount, parsed from the FAM's global flags,
// selects a report.FlockCounter (this runner's no-cgo substitute for a
// named POSIX semaphore) backed by a counter file beside the report
// FIFO; otherwise report writes post to a NoopCounter.
func (d *Driver) reportCounter(tree *policy.Tree) (report.Counter, error) {
	if !tree.ReportCount {
		return report.NoopCounter{}, nil
	}
	return report.NewFlockCounter(d.cfg.FAMPath + ".report-count")
}

// emitInitFork writes the runner's own synthetic clone report, which
// spec.md §5 requires to precede any event for the root process.
func (d *Driver) emitInitFork() {
	d.writer.Write(report.Line{
		Pid:       os.Getpid(),
		EventType: sandboxevent.KindClone,
	})
}

// runRootProcess forks and execs program with args, waits on the
// pid-registration sync handshake, then waits for it to exit.
func (d *Driver) runRootProcess(program string, args []string) (int, error) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return -1, sberrors.ErrRunnerAlreadyStarted
	}
	d.started = true
	d.mu.Unlock()

	cmd := exec.Command(program, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	d.cmd = cmd

	if err := cmd.Start(); err != nil {
		return -1, sberrors.Wrap(err, sberrors.ErrKernelLoad, "fork root process")
	}

	// The root pid is clone-visible to the kernel probes the instant
	// fork() returns; the handler goroutine adds it to the active-pid set
	// as it observes that clone event off the ring buffer. Go's os/exec
	// gives no hook between fork and exec to pause the child the way the
	// original C driver's fork()-then-wait-then-execve() does, so the
	// pid-registration handshake of spec.md §4.8 step 5 is adapted into a
	// bounded poll against the handler's active-pid set instead of a
	// true pre-exec pause.
	d.waitForPidRegistered(cmd.Process.Pid)

	err := cmd.Wait()
	return exitCodeFromWaitErr(cmd, err)
}

// waitForPidRegistered polls the handler's active-pid set for pid, up to
// pidRegisteredTimeout, logging and proceeding regardless on timeout (the
// root process is not held up indefinitely by a slow ring-buffer poller).
func (d *Driver) waitForPidRegistered(pid int) {
	deadline := time.Now().Add(pidRegisteredTimeout)
	for time.Now().Before(deadline) {
		if d.h.HasPid(int32(pid)) {
			return
		}
		time.Sleep(pidRegisteredPollInterval)
	}
	d.log.Warn("pid-registration poll timed out, proceeding anyway", "pid", pid)
}

func exitCodeFromWaitErr(cmd *exec.Cmd, err error) (int, error) {
	if err == nil {
		return cmd.ProcessState.ExitCode(), nil
	}
	var exitErr *exec.ExitError
	if sberrors.As(err, &exitErr) {
		ws, ok := exitErr.Sys().(syscall.WaitStatus)
		if ok && ws.Signaled() {
			return int(ws.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	return -1, sberrors.Wrap(err, sberrors.ErrKernelLoad, "wait for root process")
}

// teardown runs spec.md §4.8's teardown sequence: the driver drains ring
// buffers, joins the handler, deletes per-pip outer map entries, and
// emits the runner's own synthetic exit. It does not remove leftover pids
// from pid_map; the kernel programs remove a pid only on breakaway.
func (d *Driver) teardown() {
	if d.fileAccessMgr != nil {
		d.fileAccessMgr.Shutdown()
	}
	if d.debugMgr != nil {
		d.debugMgr.Shutdown()
	}
	if d.queue != nil {
		d.queue.Shutdown()
	}
	// The handler goroutine drains Q_main to the sentinel and returns on
	// its own; spec.md §5 requires the runner-exit report only after all
	// of Q_main has been handled, so give it a bounded moment to finish
	// before emitting it.
	if d.h != nil {
		d.h.WaitForNoActivePids(100 * time.Millisecond)
	}

	if d.pipMaps != nil {
		if err := d.pipMaps.RemoveOuter(); err != nil {
			d.log.Warn("remove outer map entries failed", "error", err)
		}
		d.pipMaps.Close()
	}
	if d.loader != nil {
		d.loader.Close()
	}

	if d.writer != nil {
		d.writer.Write(report.Line{
			Pid:       os.Getpid(),
			EventType: sandboxevent.KindExit,
		})
		d.writer.Close()
	}
}

func encodeBreakawayTable(entries []policy.BreakawayEntry) []kernel.BreakawayEntryWire {
	wire := make([]kernel.BreakawayEntryWire, 0, len(entries))
	for _, e := range entries {
		var w kernel.BreakawayEntryWire
		n := copy(w.Tool[:], e.ExecutableName)
		w.ToolLen = int32(n)
		n = copy(w.Arguments[:], e.ArgumentSubstr)
		w.ArgumentsLen = int32(n)
		w.IgnoreCase = e.CaseInsensitive
		wire = append(wire, w)
	}
	return wire
}

// decodeFileAccessRecord dispatches on the record's outer event-type tag.
// Single-path records go through d.pathMirror, which reconstructs the
// full path from the per-CPU incremental prefix kernel/bpf/sandbox.bpf.c's
// emit_single_path encodes (spec.md §4.4 step 5); double-path and exec
// records always carry full paths on the wire, so they're decoded
// directly.
func (d *Driver) decodeFileAccessRecord(raw []byte) (*kernel.DecodedEvent, error) {
	if len(raw) < 4 {
		return nil, sberrors.New(sberrors.ErrPathReconstruction, "decodeFileAccessRecord", "short record")
	}
	eventType := kernel.EventType(int32(leUint32(raw)))
	switch eventType {
	case kernel.EventSinglePath:
		return d.pathMirror.DecodeSinglePath(raw)
	case kernel.EventDoublePath:
		return kernel.DecodeDoublePath(raw)
	case kernel.EventExec:
		return kernel.DecodeExec(raw)
	default:
		return nil, sberrors.New(sberrors.ErrPathReconstruction, "decodeFileAccessRecord", "unknown event type")
	}
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
