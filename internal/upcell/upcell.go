// Package upcell provides an exclusive-access cell for process-wide kernel
// state. The kernel is uniprocessor and non-preemptive in kernel mode, so the
// cell is a safety net rather than a concurrency primitive: a second borrow
// while one is outstanding is a programming error and panics immediately
// instead of deadlocking.
package upcell

import "sync"

// Cell wraps a value that must only ever have one borrower at a time.
type Cell[T any] struct {
	mu sync.Mutex
	v  T
}

func New[T any](v T) *Cell[T] {
	return &Cell[T]{v: v}
}

// Borrow takes exclusive access to the value. The returned release func must
// be called when done. Panics if the cell is already borrowed.
func (c *Cell[T]) Borrow() (*T, func()) {
	if !c.mu.TryLock() {
		panic("upcell: reentrant borrow")
	}
	return &c.v, c.mu.Unlock
}

// With runs f with exclusive access to the value.
func (c *Cell[T]) With(f func(*T)) {
	v, release := c.Borrow()
	defer release()
	f(v)
}
