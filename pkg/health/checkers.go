package health

import (
	"context"
	"runtime"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck fails when more than threshold goroutines are alive.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}

// RunningCheck fails while running reports false. It suits background
// loops such as message consumers.
func RunningCheck(what string, running func() bool) CheckFunc {
	return func(_ context.Context) error {
		if !running() {
			return errors.Errorf("%s is not running", what)
		}
		return nil
	}
}
