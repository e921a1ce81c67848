package ringbuf

import (
	"context"
	"errors"
	"testing"
	"time"

	"sandboxrunner/dispatch"
	"sandboxrunner/kernel"
)

var errDecode = errors.New("decode failed")

// failingDecode stands in for the decode callback NewBuffer always sets;
// the freeFraction tests only need the byte accounting handleRecord does
// before it decodes.
func failingDecode([]byte) (*kernel.DecodedEvent, error) { return nil, errDecode }

func TestBuffer_HandleRecord_SendsToQueue(t *testing.T) {
	q := dispatch.NewQueue(4)
	b := &Buffer{
		queue: q,
		decode: func(raw []byte) (*kernel.DecodedEvent, error) {
			return &kernel.DecodedEvent{SourcePath: string(raw)}, nil
		},
	}

	b.handleRecord([]byte("/a/b"))

	ev, ok := q.Recv()
	if !ok {
		t.Fatal("expected an event, got shutdown")
	}
	if ev.SourcePath != "/a/b" {
		t.Errorf("SourcePath = %q, want /a/b", ev.SourcePath)
	}
}

func TestBuffer_HandleRecord_OverflowQueue(t *testing.T) {
	overflowQ := make(chan *kernel.DecodedEvent, 4)
	b := &Buffer{
		overflowQueue: overflowQ,
		decode: func(raw []byte) (*kernel.DecodedEvent, error) {
			return &kernel.DecodedEvent{SourcePath: string(raw)}, nil
		},
	}

	b.handleRecord([]byte("/x/y"))

	select {
	case ev := <-overflowQ:
		if ev.SourcePath != "/x/y" {
			t.Errorf("SourcePath = %q, want /x/y", ev.SourcePath)
		}
	default:
		t.Fatal("expected event in overflow queue")
	}
}

func TestBuffer_HandleRecord_DecodeError(t *testing.T) {
	q := dispatch.NewQueue(1)
	b := &Buffer{
		queue: q,
		decode: func(raw []byte) (*kernel.DecodedEvent, error) {
			return nil, errDecode
		},
	}

	b.handleRecord([]byte("bad"))

	if _, _, have := q.TryRecv(); have {
		t.Fatal("expected no event sent on decode error")
	}
}

func TestBuffer_FreeFraction(t *testing.T) {
	b := &Buffer{size: 100, decode: failingDecode}

	b.handleRecord(make([]byte, 42)) // 42 + ringRecordOverhead(8) = 50 consumed
	if got := b.freeFraction(); got != 0.5 {
		t.Errorf("freeFraction = %v, want 0.5", got)
	}

	// freeFraction resets the counter, so an immediate second call sees a
	// full buffer again rather than double-counting the same bytes.
	if got := b.freeFraction(); got != 1.0 {
		t.Errorf("freeFraction after reset = %v, want 1.0", got)
	}
}

func TestBuffer_FreeFraction_ClampsAtZero(t *testing.T) {
	b := &Buffer{size: 10, decode: failingDecode}

	b.handleRecord(make([]byte, 100))
	if got := b.freeFraction(); got != 0 {
		t.Errorf("freeFraction = %v, want 0 (clamped)", got)
	}
}

func TestManager_Watch_FiresOverflowExactlyOnce(t *testing.T) {
	q := dispatch.NewQueue(4)
	m := NewManager(context.Background(), q, nil)

	calls := make(chan *Buffer, 4)
	m.onExceed = func(b *Buffer) { calls <- b }

	b := &Buffer{size: 10, decode: failingDecode}
	b.handleRecord(make([]byte, 9)) // 9 + ringRecordOverhead(8) = 17 > 10, so freeFraction clamps to 0, below threshold

	go m.watch(b)

	select {
	case got := <-calls:
		if got != b {
			t.Errorf("onExceed called with %v, want %v", got, b)
		}
	case <-time.After(time.Second):
		t.Fatal("onExceed was never called")
	}

	m.cancel()

	select {
	case <-calls:
		t.Fatal("onExceed fired a second time after the watch loop returned")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBuildOverflowBuffer_DoublesSizeAndChains(t *testing.T) {
	q := dispatch.NewQueue(4)
	predecessor := &Buffer{
		cpu:  3,
		size: 64,
		decode: func(raw []byte) (*kernel.DecodedEvent, error) {
			return nil, nil
		},
	}

	overflow := buildOverflowBuffer(predecessor, q)

	if overflow.size != 128 {
		t.Errorf("size = %d, want 128", overflow.size)
	}
	if overflow.prevSize != 64 {
		t.Errorf("prevSize = %d, want 64", overflow.prevSize)
	}
	if overflow.predecessor != predecessor {
		t.Error("expected predecessor to be linked to the original buffer")
	}
	if overflow.cpu != predecessor.cpu {
		t.Errorf("cpu = %d, want %d", overflow.cpu, predecessor.cpu)
	}
	if overflow.overflowQueue == nil {
		t.Error("expected overflow buffer to have its own staging queue")
	}
}

func TestManager_DrainPredecessor_FlushesOverflowQueueToMain(t *testing.T) {
	q := dispatch.NewQueue(8)
	m := NewManager(context.Background(), q, nil)
	defer m.cancel()

	stoppedDone := make(chan struct{})
	close(stoppedDone) // simulates a predecessor whose poller already exited
	predecessor := &Buffer{stopPoll: make(chan struct{}), done: stoppedDone}

	overflow := &Buffer{overflowQueue: make(chan *kernel.DecodedEvent, 4)}
	overflow.overflowQueue <- &kernel.DecodedEvent{SourcePath: "/a"}
	overflow.overflowQueue <- &kernel.DecodedEvent{SourcePath: "/b"}

	m.drainPredecessor(overflow, predecessor)

	if overflow.overflowQueue != nil {
		t.Error("expected overflowQueue to be cleared after draining")
	}

	var got []string
	for i := 0; i < 2; i++ {
		ev, ok := q.Recv()
		if !ok {
			t.Fatal("expected a drained event, got shutdown")
		}
		got = append(got, ev.SourcePath)
	}
	if got[0] != "/a" || got[1] != "/b" {
		t.Errorf("got %v, want [/a /b] in order", got)
	}
}
