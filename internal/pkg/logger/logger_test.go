package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Levels(t *testing.T) {
	log, err := New(Config{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zap.DebugLevel))

	log, err = New(Config{})
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zap.DebugLevel))
	assert.True(t, log.Core().Enabled(zap.InfoLevel))

	_, err = New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNew_WritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sahyog.log")
	log, err := New(Config{File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	log.Info("event appended", zap.Uint64("sequence", 7))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"event appended"`)
	assert.Contains(t, string(data), `"sequence":7`)
}

func TestRequestLog_LevelByStatus(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := zap.New(core)

	RequestLog(log, "r1", "GET", "/api/v1/incidents", 200, time.Millisecond, "")
	RequestLog(log, "r2", "POST", "/api/v1/events", 400, time.Millisecond, "Bad Request")
	RequestLog(log, "r3", "POST", "/api/v1/events", 503, time.Millisecond, "Service Unavailable")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, zap.ErrorLevel, entries[2].Level)
	assert.Equal(t, "Service Unavailable", entries[2].ContextMap()["error"])
}

func TestFromContext(t *testing.T) {
	assert.Empty(t, FromContext(context.Background()))
	ctx := context.WithValue(context.Background(), RequestIDKey, "req-9")
	assert.Equal(t, "req-9", FromContext(ctx))
}
