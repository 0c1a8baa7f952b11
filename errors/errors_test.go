package errors

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodesAreUnique(t *testing.T) {
	codes := []string{
		ErrDiscovery,
		ErrNetwork,
		ErrProtocol,
		ErrHandshake,
		ErrSync,
		ErrSyncRejected,
		ErrSyncWithSelf,
		ErrTimeout,
		ErrKeyGeneration,
		ErrKeyParsing,
		ErrAuthorizedKeys,
		ErrDeviceNotFound,
		ErrIO,
		ErrSerialization,
		ErrConfig,
	}

	seen := make(map[string]bool)
	for _, code := range codes {
		assert.NotEmpty(t, code)
		assert.False(t, seen[code], "error code %q should be unique", code)
		seen[code] = true
	}
}

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
		missing  []string
	}{
		{
			name:     "message only",
			err:      New(ErrHandshake, "Pairing failed", ""),
			contains: []string{"✗ Pairing failed"},
		},
		{
			name:     "with cause and suggestion",
			err:      WrapWithCode(io.EOF, ErrNetwork, "Connection dropped", "Check that the listener is still running"),
			contains: []string{"✗ Connection dropped", "  EOF", "  Check that the listener is still running"},
		},
		{
			name:     "formatted",
			err:      Newf(ErrDeviceNotFound, "Invalid device number %d", 7),
			contains: []string{"Invalid device number 7"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := tt.err.Error()
			for _, want := range tt.contains {
				assert.Contains(t, out, want)
			}
			assert.True(t, strings.HasSuffix(out, "\n"))
		})
	}
}

func TestIsCodeFollowsWrapChain(t *testing.T) {
	inner := New(ErrSyncWithSelf, "Connected to ourselves", "")
	wrapped := fmt.Errorf("responder: %w", inner)

	assert.True(t, IsCode(wrapped, ErrSyncWithSelf))
	assert.False(t, IsCode(wrapped, ErrSync))
	assert.False(t, IsCode(nil, ErrSync))
	assert.False(t, IsCode(io.EOF, ErrSync))
	assert.Equal(t, ErrSyncWithSelf, CodeOf(wrapped))
	assert.Equal(t, "", CodeOf(io.EOF))
}

func TestUnwrapExposesCause(t *testing.T) {
	err := Wrap(io.ErrUnexpectedEOF, ErrProtocol, "Peer closed mid-message")
	require.NotNil(t, err.Unwrap())
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}
