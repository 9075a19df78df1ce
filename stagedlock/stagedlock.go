// Package stagedlock provides a three-stage lock with the stages:
//
//  1. Read – can be held by many callers at the same time.
//  2. Progress – can be held by a single caller, does not exclude reads.
//  3. Write – can be held by a single caller that already holds the
//     progress stage, excludes all reads.
//
// The progress stage marks a critical modification section: the holder is
// the only one preparing a mutation, but the protected value can still be
// read (possibly getting stale results) right up to the moment the holder
// upgrades to write. This narrows the read-excluding section to the actual
// mutation.
//
// Every acquisition is bounded by a single timeout fixed at construction,
// so no caller ever waits forever.
package stagedlock

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// Operation names the lock stage an acquisition was after.
type Operation int

const (
	OpRead Operation = iota
	OpProgress
	OpWrite
)

func (o Operation) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpProgress:
		return "progress"
	case OpWrite:
		return "write"
	}
	return fmt.Sprintf("operation(%d)", int(o))
}

// Error reports an acquisition that did not complete within the
// configured duration.
type Error struct {
	Op       Operation
	Duration time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("timeout while waiting for lock, duration: %s, operation: %s", e.Duration, e.Op)
}

// Readers hold one unit of the semaphore, a writer holds all of them.
const maxReaders = 1 << 30

// Lock is the staged lock around a single value of type T.
// The zero value is not usable, construct with New.
type Lock[T any] struct {
	duration time.Duration
	sem      *semaphore.Weighted
	progress chan struct{}
	value    T
}

// New creates a staged lock protecting value, with every acquisition
// bounded by duration.
func New[T any](duration time.Duration, value T) *Lock[T] {
	return &Lock[T]{
		duration: duration,
		sem:      semaphore.NewWeighted(maxReaders),
		progress: make(chan struct{}, 1),
		value:    value,
	}
}

// Read acquires a shared read view of the value. It succeeds concurrently
// with other readers and with a held progress stage.
func (l *Lock[T]) Read() (*ReadGuard[T], error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.duration)
	defer cancel()
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, &Error{Op: OpRead, Duration: l.duration}
	}
	return &ReadGuard[T]{lock: l}, nil
}

// Progress acquires the exclusive progress token plus a read view of the
// value as of acquisition. Other Progress and Write calls block until the
// guard is released; Read calls do not.
func (l *Lock[T]) Progress() (*ProgressGuard[T], error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.duration)
	defer cancel()
	select {
	case l.progress <- struct{}{}:
	case <-ctx.Done():
		return nil, &Error{Op: OpProgress, Duration: l.duration}
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		<-l.progress
		return nil, &Error{Op: OpProgress, Duration: l.duration}
	}
	return &ProgressGuard[T]{lock: l}, nil
}

// Write acquires the progress token and then the exclusive write view in
// one go.
func (l *Lock[T]) Write() (*WriteGuard[T], error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.duration)
	defer cancel()
	select {
	case l.progress <- struct{}{}:
	case <-ctx.Done():
		return nil, &Error{Op: OpWrite, Duration: l.duration}
	}
	if err := l.sem.Acquire(ctx, maxReaders); err != nil {
		<-l.progress
		return nil, &Error{Op: OpWrite, Duration: l.duration}
	}
	return &WriteGuard[T]{lock: l}, nil
}

// ReadGuard is a shared read view. Guards are not safe for concurrent use
// by multiple goroutines.
type ReadGuard[T any] struct {
	lock     *Lock[T]
	released bool
}

// Value returns the protected value. The caller must not mutate it.
func (g *ReadGuard[T]) Value() T {
	return g.lock.value
}

func (g *ReadGuard[T]) Release() {
	if g.released {
		return
	}
	g.released = true
	g.lock.sem.Release(1)
}

// ProgressGuard holds the exclusive progress token and a read view of the
// value. It is consumed by UpgradeToWrite.
type ProgressGuard[T any] struct {
	lock     *Lock[T]
	released bool
}

// Value returns the protected value as of acquisition. The caller must
// not mutate it before upgrading.
func (g *ProgressGuard[T]) Value() T {
	return g.lock.value
}

// UpgradeToWrite trades the read view for the exclusive write view while
// keeping the progress token held throughout, so no other caller can
// slip in a progress or write acquisition in between. The read view is
// dropped first to avoid self-deadlock against the write acquisition.
// On timeout the guard is consumed and the progress token released.
func (g *ProgressGuard[T]) UpgradeToWrite() (*WriteGuard[T], error) {
	if g.released {
		panic("stagedlock: upgrade of a released progress guard")
	}
	g.released = true
	l := g.lock
	l.sem.Release(1)
	ctx, cancel := context.WithTimeout(context.Background(), l.duration)
	defer cancel()
	if err := l.sem.Acquire(ctx, maxReaders); err != nil {
		<-l.progress
		return nil, &Error{Op: OpWrite, Duration: l.duration}
	}
	return &WriteGuard[T]{lock: l}, nil
}

func (g *ProgressGuard[T]) Release() {
	if g.released {
		return
	}
	g.released = true
	g.lock.sem.Release(1)
	<-g.lock.progress
}

// WriteGuard holds the progress token and the exclusive write view.
type WriteGuard[T any] struct {
	lock     *Lock[T]
	released bool
}

// Value returns a pointer to the protected value for mutation.
func (g *WriteGuard[T]) Value() *T {
	return &g.lock.value
}

// DowngradeToProgress trades the exclusive write view back for a shared
// read view while keeping the progress token. The caller already holds
// everything needed, so this cannot fail or wait.
func (g *WriteGuard[T]) DowngradeToProgress() *ProgressGuard[T] {
	if g.released {
		panic("stagedlock: downgrade of a released write guard")
	}
	g.released = true
	g.lock.sem.Release(maxReaders - 1)
	return &ProgressGuard[T]{lock: g.lock}
}

func (g *WriteGuard[T]) Release() {
	if g.released {
		return
	}
	g.released = true
	g.lock.sem.Release(maxReaders)
	<-g.lock.progress
}
