package logger

import (
	"bytes"
	"log"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	flags := log.Flags()
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(os.Stderr)
		log.SetFlags(flags)
	})
	return &buf
}

func TestEnvLoggerDebugGate(t *testing.T) {
	tests := []struct {
		name      string
		envValue  string
		expectLog bool
	}{
		{name: "silent without CONNECTO_DEBUG", envValue: "", expectLog: false},
		{name: "logs with CONNECTO_DEBUG", envValue: "1", expectLog: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(DebugEnv, tt.envValue)
			buf := captureLog(t)

			l := NewEnvLogger("[test]")
			l.Debug("scan %d", 42)

			if tt.expectLog {
				assert.Contains(t, buf.String(), "[test] DEBUG: scan 42")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestEnvLoggerWarnAlwaysPrints(t *testing.T) {
	t.Setenv(DebugEnv, "")
	buf := captureLog(t)

	NewEnvLogger("[listen]").Warn("client %s dropped", "10.0.0.2")

	assert.True(t, strings.HasPrefix(buf.String(), "[listen] WARN: client 10.0.0.2 dropped"))
}

func TestBufferLoggerCapturesLevels(t *testing.T) {
	l := NewBufferLogger()
	l.Info("a")
	l.Error("b %s", "c")

	msgs := l.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "info", msgs[0].Level)
	assert.Equal(t, "b c", msgs[1].Message)
	assert.True(t, l.HasLevel("error"))
	assert.False(t, l.HasLevel("warn"))
}

func TestSetDefault(t *testing.T) {
	prev := Default()
	t.Cleanup(func() { SetDefault(prev) })

	buf := NewBufferLogger()
	SetDefault(buf)
	Default().Warn("x")

	assert.True(t, buf.HasLevel("warn"))
}
