package logging

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

func TestNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.log")

	logger, err := New(Config{
		Level:       "debug",
		Encoding:    "json",
		OutputPaths: []string{path},
	})
	require.NoError(t, err)

	logger.Debug("unit online", zap.Int("unit_id", 3))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"unit online"`)
	assert.Contains(t, string(data), `"unit_id":3`)
	assert.Contains(t, string(data), `"level":"debug"`)
}

func TestNew_Defaults(t *testing.T) {
	logger, err := New(DefaultConfig())
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))

	_, err = New(Config{})
	assert.NoError(t, err)
}

func TestNew_Invalid(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Config{Encoding: "xml"})
	assert.Error(t, err)
}

func TestUnit(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	Unit(zap.New(core), 5).Info("replaced")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, int64(5), logs.All()[0].ContextMap()["unit_id"])
	assert.NotNil(t, Nop())
}
