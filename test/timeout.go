package test

import (
	"os"
	"runtime/pprof"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
)

// guardTimeout bounds how long a guarded test may run.
const guardTimeout = 5 * time.Second

// Guard fails a test that runs too long and checks for leaked goroutines
// when it finishes. The returned function must be deferred.
func Guard(t *testing.T) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-time.After(guardTimeout):
			// Dump all goroutines before dying, the stuck one is
			// in there.
			err := pprof.Lookup("goroutine").WriteTo(os.Stdout, 1)
			if err != nil {
				panic(err)
			}

			panic("test timeout")
		case <-done:
		}
	}()

	checkLeaks := leaktest.Check(t)

	return func() {
		close(done)
		checkLeaks()
	}
}
