package lightning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestRaceCall tests that slow calls are abandoned at the deadline while
// fast calls pass their result through.
func TestRaceCall(t *testing.T) {
	ctx := context.Background()

	result, err := RaceCall(
		ctx, time.Second, func(_ context.Context) (int, error) {
			return 21, nil
		},
	)
	require.NoError(t, err)
	require.Equal(t, 21, result)

	expectedErr := errors.New("node unreachable")
	_, err = RaceCall(
		ctx, time.Second, func(_ context.Context) (int, error) {
			return 0, expectedErr
		},
	)
	require.ErrorIs(t, err, expectedErr)

	_, err = RaceCall(
		ctx, 10*time.Millisecond,
		func(callCtx context.Context) (int, error) {
			<-callCtx.Done()
			return 0, callCtx.Err()
		},
	)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
