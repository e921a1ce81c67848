package dispatch

import (
	"testing"

	"sandboxrunner/kernel"
)

func TestQueue_SendRecv(t *testing.T) {
	q := NewQueue(4)
	ev := &kernel.DecodedEvent{Metadata: kernel.Metadata{Pid: 42}}
	q.Send(ev)

	got, ok := q.Recv()
	if !ok {
		t.Fatal("Recv returned ok=false for a real event")
	}
	if got.Metadata.Pid != 42 {
		t.Errorf("Pid = %d, want 42", got.Metadata.Pid)
	}
}

func TestQueue_Shutdown(t *testing.T) {
	q := NewQueue(1)
	q.Shutdown()

	_, ok := q.Recv()
	if ok {
		t.Fatal("Recv returned ok=true for the shutdown sentinel")
	}
}

func TestQueue_TryRecv_Empty(t *testing.T) {
	q := NewQueue(1)
	ev, ok, have := q.TryRecv()
	if have {
		t.Fatalf("TryRecv reported have=true on an empty queue (ev=%v, ok=%v)", ev, ok)
	}
}

func TestQueue_TryRecv_Event(t *testing.T) {
	q := NewQueue(1)
	q.Send(&kernel.DecodedEvent{Metadata: kernel.Metadata{Pid: 7}})

	ev, ok, have := q.TryRecv()
	if !have || !ok {
		t.Fatalf("TryRecv(have=%v, ok=%v), want true, true", have, ok)
	}
	if ev.Metadata.Pid != 7 {
		t.Errorf("Pid = %d, want 7", ev.Metadata.Pid)
	}
}

func TestQueue_TryRecv_Shutdown(t *testing.T) {
	q := NewQueue(1)
	q.Shutdown()

	ev, ok, have := q.TryRecv()
	if !have || ok || ev != nil {
		t.Fatalf("TryRecv(ev=%v, ok=%v, have=%v), want nil, false, true", ev, ok, have)
	}
}
