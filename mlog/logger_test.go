package mlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	_, err := NewLogger(&LogConfig{Level: "loud"})
	assert.Error(t, err)

	lg, err := NewLogger(&LogConfig{})
	require.NoError(t, err)
	assert.True(t, lg.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, lg.Core().Enabled(zapcore.DebugLevel))

	f := filepath.Join(t.TempDir(), "anscache.log")
	lg, err = NewLogger(&LogConfig{Level: "debug", File: f, Production: true})
	require.NoError(t, err)
	lg.Debug("table loaded", zap.Int("entries", 3))
	require.NoError(t, lg.Sync())
	b, err := os.ReadFile(f)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"table loaded"`)
	assert.Contains(t, string(b), `"entries":3`)
}

func TestGlobal(t *testing.T) {
	assert.NotNil(t, L())
	assert.NotNil(t, S())
	assert.False(t, Nop().Core().Enabled(zapcore.ErrorLevel))
	SetLevel(zapcore.WarnLevel)
	defer SetLevel(zapcore.InfoLevel)
	assert.False(t, L().Core().Enabled(zapcore.InfoLevel))
}

func TestSetDefault(t *testing.T) {
	old := L()
	defer SetDefault(old)

	core, logs := observer.New(zapcore.DebugLevel)
	SetDefault(zap.New(core))
	L().Debug("from L")
	S().Infow("from S", "entries", 2)

	SetDefault(nil)
	L().Info("nil is ignored")

	require.Equal(t, 3, logs.Len())
	assert.Equal(t, "from S", logs.All()[1].Message)
	assert.Equal(t, int64(2), logs.All()[1].ContextMap()["entries"])
}
