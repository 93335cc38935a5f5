package adserr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodes(t *testing.T) {
	require.Equal(t, CodeValidation, CodeOf(Validationf("bad size")))
	require.Equal(t, CodeInvariant, CodeOf(Invariantf("chain broken")))
	require.Equal(t, CodeCapacity, CodeOf(Capacityf("full")))
	require.Equal(t, Code(""), CodeOf(errors.New("untyped")))
}

func TestRetryable(t *testing.T) {
	require.True(t, IsRetryable(Conflictf("busy")))
	require.True(t, IsRetryable(Persistence(errors.New("io"), "write failed")))
	require.False(t, IsRetryable(Invariantf("corrupt")))
	require.False(t, IsRetryable(Validationf("bad input")))
	require.False(t, IsRetryable(errors.New("untyped")))
}

func TestWrapping(t *testing.T) {
	cause := errors.New("disk gone")
	err := Persistence(cause, "write leaf %d", 7)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "write leaf 7")
	require.Contains(t, err.Error(), "disk gone")

	wrapped := fmt.Errorf("outer: %w", err)
	require.Equal(t, CodePersistence, CodeOf(wrapped))
	require.True(t, IsRetryable(wrapped))
}
