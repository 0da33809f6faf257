package gwerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	cause := errors.New("connection reset")
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"not found", NotFound("no entry %q", "fs_read"), KindNotFound},
		{"timeout", Timeout("fs", "call exceeded %s", "30s"), KindTimeout},
		{"circuit open", CircuitOpen("fs"), KindCircuitOpen},
		{"backend", Backend("fs", cause), KindBackend},
		{"sync failed", SyncFailed("fs", cause), KindSyncFailed},
		{"limit exceeded", LimitExceeded("client-1", 64), KindLimitExceeded},
		{"plain error", cause, KindUnknown},
		{"nil", nil, KindUnknown},
		{"wrapped", fmt.Errorf("routing: %w", CircuitOpen("fs")), KindCircuitOpen},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestBackendErrorPreservesCause(t *testing.T) {
	cause := errors.New("disk on fire")
	err := Backend("fs", cause)

	assert.ErrorIs(t, err, cause)

	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, "fs", gerr.Backend)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestIs(t *testing.T) {
	assert.True(t, Is(CircuitOpen("fs"), KindCircuitOpen))
	assert.False(t, Is(CircuitOpen("fs"), KindTimeout))
	assert.False(t, Is(errors.New("plain"), KindCircuitOpen))
}
