package goroutine

import (
	"runtime"
	"testing"
	"time"
)

// AssertNoLeaks records the goroutine count and, when the test finishes, fails
// it if the count has not come back down within five seconds. Call it first
// in tests that start hubs, queues or schedulers.
func AssertNoLeaks(t testing.TB) {
	t.Helper()
	AssertNoLeaksWithTimeout(t, 5*time.Second, 50*time.Millisecond)
}

// AssertNoLeaksWithTimeout is AssertNoLeaks with an explicit timeout and poll interval.
func AssertNoLeaksWithTimeout(t testing.TB, timeout, pollInterval time.Duration) {
	t.Helper()
	before := runtime.NumGoroutine()

	t.Cleanup(func() {
		if WaitForGoroutineCount(before, timeout, pollInterval) {
			return
		}
		current := runtime.NumGoroutine()
		t.Errorf("goroutine leak detected: started with %d goroutines, ended with %d (leaked %d)",
			before, current, current-before)

		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		t.Logf("Active goroutines:\n%s", string(buf[:n]))
	})
}

// WaitForGoroutineCount waits until at most target goroutines are running.
// It returns false if the timeout expires first.
func WaitForGoroutineCount(target int, timeout, pollInterval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if runtime.NumGoroutine() <= target {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}
