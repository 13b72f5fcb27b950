package lightning

import (
	"context"
	"time"
)

// RaceCall runs the call against a deadline. When the deadline elapses first,
// the context handed to the call is canceled and the timeout error is
// returned. The helper exists because some node RPCs block indefinitely when
// the node is wedged and swap event handlers must never stall.
func RaceCall[T any](ctx context.Context, timeout time.Duration,
	call func(context.Context) (T, error)) (T, error) {

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}

	resultChan := make(chan result, 1)
	go func() {
		value, err := call(callCtx)
		resultChan <- result{value: value, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.value, res.err

	case <-callCtx.Done():
		var zero T
		return zero, callCtx.Err()
	}
}
