package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRateLimited_SuppressesWithinInterval(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	rl := NewRateLimited(zap.New(core), time.Hour)

	rl.Warn("overflow")
	rl.Warn("overflow")
	rl.Warn("overflow")

	assert.Equal(t, 1, logs.Len())
}

func TestRateLimited_ReportsSuppressedCount(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	rl := NewRateLimited(zap.New(core), 10*time.Millisecond)

	rl.Info("probe failed")
	rl.Info("probe failed")
	time.Sleep(20 * time.Millisecond)
	rl.Info("probe failed")

	require.Equal(t, 2, logs.Len())
	last := logs.All()[1]
	assert.Equal(t, int64(1), last.ContextMap()["suppressed"])
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, err := New("loud", false)
	assert.Error(t, err)

	l, err := New("debug", true)
	require.NoError(t, err)
	assert.NotNil(t, l)
}
