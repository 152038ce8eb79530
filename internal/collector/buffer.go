package collector

import "sync"

// Buffer is a bounded FIFO of received events. When full, Push tail-drops:
// the new event is rejected and the caller increments the dropped counter.
// All methods are safe for concurrent use.
type Buffer struct {
	mu     sync.Mutex
	events []Event
	max    int
}

// NewBuffer creates a buffer holding at most max events.
func NewBuffer(max int) *Buffer {
	return &Buffer{max: max}
}

// Push appends an event. Returns false when the buffer is full.
func (b *Buffer) Push(ev Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) >= b.max {
		return false
	}
	b.events = append(b.events, ev)
	return true
}

// PopBatch removes and returns up to n oldest events.
func (b *Buffer) PopBatch(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 || n <= 0 {
		return nil
	}
	if n > len(b.events) {
		n = len(b.events)
	}
	batch := make([]Event, n)
	copy(batch, b.events[:n])
	remaining := len(b.events) - n
	copy(b.events, b.events[n:])
	b.events = b.events[:remaining]
	return batch
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Max returns the buffer capacity.
func (b *Buffer) Max() int { return b.max }
