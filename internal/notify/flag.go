// Package notify provides the shutdown latch shared by the collector's
// loops.
package notify

import (
	"sync"
	"sync/atomic"
)

// Flag is a one-way latch combining a boolean with waiter wakeup. The
// collector sets it on SIGINT/SIGTERM: loops poll Set(), blocked loops wake
// on C(). Once raised it stays raised.
type Flag struct {
	raised atomic.Bool
	once   sync.Once
	ch     chan struct{}
}

// NewFlag creates an unraised Flag.
func NewFlag() *Flag { return &Flag{ch: make(chan struct{})} }

// Raise sets the flag and wakes all waiters. Safe to call more than once.
func (f *Flag) Raise() {
	f.raised.Store(true)
	f.once.Do(func() { close(f.ch) })
}

// Set reports whether the flag has been raised.
func (f *Flag) Set() bool { return f.raised.Load() }

// C returns a channel closed when the flag is raised.
func (f *Flag) C() <-chan struct{} { return f.ch }
