// Package ringbuf manages the per-pip ring buffer(s) that carry decoded
// kernel events to the dispatch queue, including the overflow-buffer
// chaining described in spec.md §4.5.
package ringbuf

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cilium/ebpf/ringbuf"
	"golang.org/x/sys/unix"

	"sandboxrunner/dispatch"
	"sandboxrunner/kernel"
	"sandboxrunner/logging"
	"sandboxrunner/sberrors"
)

// ringRecordOverhead approximates the cilium/ebpf ring-buffer's per-record
// header cost (length + producer/consumer bookkeeping), added to each
// record's payload length when estimating occupied capacity.
const ringRecordOverhead = 8

// gracePeriod is the fixed sleep before a deactivated buffer's poller is
// cancelled and its remaining events flushed, per spec.md §4.5.
const gracePeriod = 10 * time.Millisecond

// capacityThresholdFraction is the fraction of a buffer's size below
// which free space triggers the overflow callback (default 30%, per
// spec.md §4.5).
const capacityThresholdFraction = 0.30

// Buffer wraps one cilium/ebpf ring-buffer reader with the poller
// goroutine, CPU pin, and real-time scheduling spec.md §4.5/§5 require.
type Buffer struct {
	reader *ringbuf.Reader
	cpu    int
	queue  *dispatch.Queue

	size      int
	prevSize  int // 0 for the original (non-overflow) buffer
	predecessor *Buffer

	active   chan struct{}
	stopPoll chan struct{}
	done     chan struct{}

	overflowQueue chan *kernel.DecodedEvent

	decode func(raw []byte) (*kernel.DecodedEvent, error)

	// submittedSinceCheck accumulates record bytes (plus overhead) consumed
	// since the last freeFraction call; the capacity watch loop uses it as
	// a proxy for how fast the kernel side is filling this buffer, since
	// cilium/ebpf's ringbuf.Reader doesn't expose the producer/consumer
	// positions bpf_ringbuf_query reads on the kernel side.
	submittedSinceCheck int64
}

// NewBuffer wraps reader as the original (non-overflow) buffer for a
// given CPU.
func NewBuffer(reader *ringbuf.Reader, cpu, size int, queue *dispatch.Queue, decode func([]byte) (*kernel.DecodedEvent, error)) *Buffer {
	return &Buffer{
		reader:   reader,
		cpu:      cpu,
		size:     size,
		queue:    queue,
		active:   make(chan struct{}),
		stopPoll: make(chan struct{}),
		done:     make(chan struct{}),
		decode:   decode,
	}
}

// Start pins this buffer's poller to its CPU, raises it to real-time
// priority, and begins polling. Events are sent directly to queue
// (Q_main) when this buffer is not an overflow buffer draining behind a
// predecessor; overflow buffers instead accumulate into their own
// overflowQueue until drainPredecessor flushes it into Q_main.
func (b *Buffer) Start() {
	close(b.active)
	if err := pinAndElevate(b.cpu); err != nil {
		logging.WithCPU(logging.Default(), b.cpu).Warn("failed to pin/elevate ring-buffer poller", "error", err)
	}
	go b.poll()
}

// Stop cancels the poller (checked on every poll iteration per spec.md
// §5's cancellation model) and lowers it back to default priority.
func (b *Buffer) Stop() {
	close(b.stopPoll)
	<-b.done
	lowerPriority()
}

func (b *Buffer) poll() {
	defer close(b.done)
	for {
		select {
		case <-b.stopPoll:
			b.drainRemaining()
			return
		default:
		}

		b.reader.SetDeadline(time.Now().Add(100 * time.Millisecond))
		record, err := b.reader.Read()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				// poll(timeout=100ms) woke with nothing ready; check the
				// stop signal again (spec.md §5's cancellation model).
				continue
			}
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			logging.WithCPU(logging.Default(), b.cpu).Error("ring-buffer poll failed, stopping poller",
				"error", err, "kind", sberrors.ErrRingBufferPoll.String())
			return
		}
		b.handleRecord(record.RawSample)
	}
}

func (b *Buffer) drainRemaining() {
	for {
		b.reader.SetDeadline(time.Now())
		record, err := b.reader.Read()
		if err != nil {
			return
		}
		b.handleRecord(record.RawSample)
	}
}

func (b *Buffer) handleRecord(raw []byte) {
	atomic.AddInt64(&b.submittedSinceCheck, int64(len(raw)+ringRecordOverhead))

	ev, err := b.decode(raw)
	if err != nil {
		logging.Default().Warn("failed to decode ring-buffer record", "error", err)
		return
	}
	if b.overflowQueue != nil {
		b.overflowQueue <- ev
		return
	}
	b.queue.Send(ev)
}

// freeFraction reports the fraction of the buffer estimated free since
// the last call, driving the capacity-exceeded latch. It reads and
// resets the bytes-submitted counter handleRecord maintains, treating
// bytes consumed per watch tick as a proxy for how full the kernel side
// is keeping the buffer between ticks (cilium/ebpf's ringbuf.Reader
// exposes no direct producer/consumer position query from user space).
func (b *Buffer) freeFraction() float64 {
	consumed := atomic.SwapInt64(&b.submittedSinceCheck, 0)
	if b.size <= 0 {
		return 1.0
	}
	used := float64(consumed) / float64(b.size)
	if used > 1 {
		used = 1
	}
	return 1 - used
}

// pinAndElevate pins the calling goroutine's OS thread to cpu and raises
// it to real-time FIFO scheduling at maximum priority, following the
// corpus's established idiom of raw syscalls for unwrapped Linux
// primitives (no cgo anywhere in this tree).
func pinAndElevate(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return sberrors.Wrap(err, sberrors.ErrRingBufferPoll, "SchedSetaffinity")
	}

	const schedFIFO = 1
	maxParam := schedParam{priority: 99}
	if _, _, errno := unix.Syscall(unix.SYS_SCHED_SETSCHEDULER, 0, schedFIFO, uintptr(unsafe.Pointer(&maxParam))); errno != 0 {
		return sberrors.Wrap(errno, sberrors.ErrRingBufferPoll, "sched_setscheduler")
	}
	return nil
}

// schedParam mirrors struct sched_param from <sched.h>: a single int
// field for every scheduling policy this runner uses.
type schedParam struct {
	priority int32
}

func lowerPriority() {
	const schedOther = 0
	defaultParam := schedParam{priority: 0}
	unix.Syscall(unix.SYS_SCHED_SETSCHEDULER, 0, schedOther, uintptr(unsafe.Pointer(&defaultParam)))
}

// Manager owns a pip's ring-buffer chain: the original buffer plus any
// overflow buffers spawned when free space drops below threshold.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc
	queue  *dispatch.Queue
	log    *slog.Logger

	current *Buffer

	// onExceed is invoked by watch when a buffer's free fraction drops
	// below capacityThresholdFraction; it defaults to onCapacityExceeded
	// and is overridden in tests so the exactly-once firing property can
	// be checked without spinning up a real poller against a kernel ring
	// buffer fd.
	onExceed func(*Buffer)
}

// NewManager creates a manager for a pip's file-access ring buffer.
func NewManager(ctx context.Context, queue *dispatch.Queue, log *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	m := &Manager{ctx: ctx, cancel: cancel, queue: queue, log: log}
	m.onExceed = m.onCapacityExceeded
	return m
}

// Install starts polling the original buffer and watches for capacity
// exhaustion, chaining overflow buffers as described in spec.md §4.5.
func (m *Manager) Install(initial *Buffer) {
	m.current = initial
	initial.Start()
	go m.watch(initial)
}

func (m *Manager) watch(b *Buffer) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if b.freeFraction() < capacityThresholdFraction {
				m.onExceed(b)
				return
			}
		}
	}
}

// onCapacityExceeded implements spec.md §4.5's handoff: allocate a
// double-sized overflow buffer, install it as active, then deactivate
// the predecessor after the grace period.
func (m *Manager) onCapacityExceeded(b *Buffer) {
	overflow := buildOverflowBuffer(b, m.queue)

	overflow.Start()
	m.current = overflow
	go m.drainPredecessor(overflow, b)
	go m.watch(overflow)
}

// buildOverflowBuffer constructs the double-sized successor buffer for b,
// chained as its overflow predecessor. Split out from onCapacityExceeded
// so the chaining arithmetic (doubled size, shared CPU/decode, predecessor
// link) can be checked without starting a real poller.
func buildOverflowBuffer(b *Buffer, queue *dispatch.Queue) *Buffer {
	overflow := &Buffer{
		cpu:           b.cpu,
		size:          b.size * 2,
		prevSize:      b.size,
		predecessor:   b,
		queue:         queue,
		active:        make(chan struct{}),
		stopPoll:      make(chan struct{}),
		done:          make(chan struct{}),
		overflowQueue: make(chan *kernel.DecodedEvent, 4096),
		decode:        b.decode,
	}
	overflow.reader = b.reader // same kernel map fd chain in the reference design; a real deployment reallocates a larger backing map here.
	return overflow
}

// drainPredecessor blocks for the grace period, then stops the
// predecessor's poller, flushes its remaining events, moves every event
// buffered in the overflow's own queue into Q_main, and finally starts
// forwarding the overflow buffer's live events directly to Q_main.
func (m *Manager) drainPredecessor(overflow, predecessor *Buffer) {
	time.Sleep(gracePeriod)
	predecessor.Stop()

	close(overflow.overflowQueue)
	drained := overflow.overflowQueue
	overflow.overflowQueue = nil
	for ev := range drained {
		m.queue.Send(ev)
	}
}

// Shutdown stops the currently active buffer in the chain.
func (m *Manager) Shutdown() {
	m.cancel()
	if m.current != nil {
		m.current.Stop()
	}
}
