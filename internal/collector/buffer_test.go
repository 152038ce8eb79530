package collector_test

import (
	"fmt"
	"testing"

	"centinela/internal/collector"
)

func TestBufferFIFO(t *testing.T) {
	b := collector.NewBuffer(10)
	for i := range 5 {
		if !b.Push(collector.Event{RawMessage: fmt.Sprintf("msg-%d", i)}) {
			t.Fatalf("push %d failed unexpectedly", i)
		}
	}

	batch := b.PopBatch(3)
	if len(batch) != 3 {
		t.Fatalf("PopBatch(3) returned %d events", len(batch))
	}
	for i, ev := range batch {
		want := fmt.Sprintf("msg-%d", i)
		if ev.RawMessage != want {
			t.Errorf("batch[%d] = %q, want %q (FIFO order)", i, ev.RawMessage, want)
		}
	}
	if b.Len() != 2 {
		t.Errorf("Len() = %d after popping 3 of 5, want 2", b.Len())
	}
}

func TestBufferTailDrop(t *testing.T) {
	b := collector.NewBuffer(2)
	if !b.Push(collector.Event{RawMessage: "a"}) || !b.Push(collector.Event{RawMessage: "b"}) {
		t.Fatal("pushes within capacity should succeed")
	}
	if b.Push(collector.Event{RawMessage: "c"}) {
		t.Fatal("push into a full buffer should return false")
	}
	// The oldest events survive; the new one was dropped.
	batch := b.PopBatch(10)
	if len(batch) != 2 || batch[0].RawMessage != "a" || batch[1].RawMessage != "b" {
		t.Errorf("buffer contents after tail-drop: %+v", batch)
	}
}

func TestBufferPopMoreThanAvailable(t *testing.T) {
	b := collector.NewBuffer(5)
	b.Push(collector.Event{RawMessage: "only"})
	batch := b.PopBatch(100)
	if len(batch) != 1 {
		t.Fatalf("PopBatch(100) returned %d events, want 1", len(batch))
	}
	if got := b.PopBatch(1); got != nil {
		t.Errorf("PopBatch on empty buffer = %v, want nil", got)
	}
}
