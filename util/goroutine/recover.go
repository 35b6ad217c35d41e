// Package goroutine holds panic recovery and leak checking for the background
// workers (hub subscribers, job workers, feed syncs, sweeps).
package goroutine

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// StackTraceBufferSize bounds the stack captured for a recovered panic.
const StackTraceBufferSize = 4096

// Recover recovers a panic in the calling goroutine and logs it with a stack.
// It must be deferred directly. With a nil logger the panic goes to stderr.
func Recover(name string, logger *zap.SugaredLogger) {
	if r := recover(); r != nil {
		report(name, r, logger)
	}
}

// Go runs fn in a new goroutine that recovers and logs panics. When wg is not
// nil it is incremented before the goroutine starts and released when fn returns.
func Go(name string, logger *zap.SugaredLogger, wg *sync.WaitGroup, fn func()) {
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		defer Recover(name, logger)
		fn()
	}()
}

// Safe calls fn and turns a panic into an error.
func Safe(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	return fn()
}

func report(name string, r any, logger *zap.SugaredLogger) {
	buf := make([]byte, StackTraceBufferSize)
	n := runtime.Stack(buf, false)

	if logger != nil {
		logger.Errorw("Goroutine panic recovered",
			"goroutine", name,
			"panic", r,
			"stack", string(buf[:n]))
		return
	}
	fmt.Fprintf(os.Stderr, "PANIC in goroutine %s (no logger): %v\n%s\n", name, r, string(buf[:n]))
}
