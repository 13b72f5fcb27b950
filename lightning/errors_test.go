package lightning

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TestNormalizeError tests the mapping of raw node errors onto the package
// taxonomy.
func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{
			name:     "nil",
			err:      nil,
			expected: nil,
		},
		{
			name:     "already paid",
			err:      errors.New("invoice is already paid"),
			expected: ErrInvoiceAlreadyPaid,
		},
		{
			name: "already paid grpc",
			err: status.Error(
				codes.AlreadyExists,
				"invoice is already paid",
			),
			expected: ErrInvoiceAlreadyPaid,
		},
		{
			name:     "in transition",
			err:      errors.New("payment is in transition"),
			expected: ErrPaymentInTransition,
		},
		{
			name:     "expired",
			err:      errors.New("invoice expired"),
			expected: ErrInvoiceExpired,
		},
		{
			name: "not found code",
			err: status.Error(
				codes.NotFound, "unable to locate invoice",
			),
			expected: ErrInvoiceNotFound,
		},
		{
			name:     "payment not initiated",
			err:      errors.New("payment isn't initiated"),
			expected: ErrPaymentNotFound,
		},
		{
			name:     "passthrough",
			err:      errors.New("some other error"),
			expected: errors.New("some other error"),
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			normalized := normalizeError(tc.err)
			if tc.expected == nil {
				require.NoError(t, normalized)
				return
			}

			require.EqualError(
				t, normalized, tc.expected.Error(),
			)
		})
	}
}

// TestParseCltvLimitExceeded tests extraction of the typed cltv limit error.
func TestParseCltvLimitExceeded(t *testing.T) {
	parsed, ok := ParseCltvLimitExceeded(
		errors.New("cltv limit 100 should be greater than 144"),
	)
	require.True(t, ok)
	require.Equal(t, int32(100), parsed.Limit)
	require.Equal(t, int32(144), parsed.Required)

	// The typed error round trips through normalization.
	normalized := normalizeError(parsed)
	reparsed, ok := ParseCltvLimitExceeded(normalized)
	require.True(t, ok)
	require.Equal(t, parsed, reparsed)

	// Unrelated errors do not parse.
	_, ok = ParseCltvLimitExceeded(errors.New("no route found"))
	require.False(t, ok)
}

// TestFailureReasonRecoverable tests which payment failures a new channel
// can recover.
func TestFailureReasonRecoverable(t *testing.T) {
	require.True(t, FailureReasonTimeout.IsRecoverableWithChannel())
	require.True(t, FailureReasonNoRoute.IsRecoverableWithChannel())
	require.True(
		t,
		FailureReasonInsufficientBalance.IsRecoverableWithChannel(),
	)

	require.False(
		t, FailureReasonIncorrectDetails.IsRecoverableWithChannel(),
	)
	require.False(t, FailureReasonError.IsRecoverableWithChannel())
}
