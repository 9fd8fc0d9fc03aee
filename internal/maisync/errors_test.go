package maisync

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorCodesRoundTrip(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("claim job-1: %w", ErrClaimConflict)
	require.Equal(t, "claim_conflict", ErrorCode(wrapped))
	require.ErrorIs(t, ErrorFromCode(ErrorCode(wrapped)), ErrClaimConflict)

	require.Empty(t, ErrorCode(errors.New("plain")))
	require.NoError(t, ErrorFromCode("unknown"))
	for _, c := range errorCodes {
		require.Equal(t, c.code, ErrorCode(c.err))
	}
}
