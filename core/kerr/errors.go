// Package kerr holds the error values shared by the kernel core and the
// helper used to halt on unrecoverable invariant violations.
package kerr

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// --- Error Definitions ---

var (
	// ErrOutOfMemory is returned by the page allocator when every per-CPU pool is empty.
	ErrOutOfMemory = errors.New("no free physical pages")
	// ErrBadAddress means a freed address is misaligned or outside the managed range.
	ErrBadAddress = errors.New("physical address is misaligned or out of range")
	// ErrBadCPU means a cpu id outside [0, NCPU) was passed to a per-CPU structure.
	ErrBadCPU = errors.New("cpu id out of range")
	// ErrDoubleFree means a page was freed while already sitting in a free pool.
	ErrDoubleFree = errors.New("physical page freed twice")
	// ErrNoBuffers means no shard holds a buffer with a zero reference count.
	ErrNoBuffers = errors.New("buffer cache exhausted: no evictable buffers")
	// ErrNotHolder means a buffer was written or released without holding its block lock.
	ErrNotHolder = errors.New("caller does not hold the buffer's block lock")
	// ErrRefcountUnderflow means a buffer was unpinned or released past zero.
	ErrRefcountUnderflow = errors.New("buffer reference count underflow")
	// ErrDeviceIO wraps a failure reported by the block device.
	ErrDeviceIO = errors.New("block device i/o failed")
	// ErrNotHeld means a lock was released by a goroutine that does not hold it.
	ErrNotHeld = errors.New("lock released by non-holder")
	// ErrRecursiveAcquire means a goroutine tried to take a lock it already holds.
	ErrRecursiveAcquire = errors.New("lock re-acquired by its holder")
)

// Error is the value a fatal halt panics with. It records which subsystem
// halted and wraps the sentinel that caused it.
type Error struct {
	Module string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] unrecoverable error: %v", e.Module, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal logs err at error level and halts. It never returns.
func Fatal(logger *zap.Logger, module string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Error{Module: module, Err: err}
	logger.Error("kernel panic: system halted",
		append(fields, zap.String("module", module), zap.Error(err))...)
	panic(e)
}

// Recover converts a halt raised inside fn into a returned error. Any other
// panic is re-raised. It exists for tests and for tools that want to report
// a halt instead of crashing.
func Recover(fn func()) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if e, ok := r.(*Error); ok {
			err = e
			return
		}
		panic(r)
	}()
	fn()
	return nil
}
