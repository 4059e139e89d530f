package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResponseStats(t *testing.T) {
	s := NewResponseStats()
	assert.Equal(t, StatsSnapshot{}, s.Snapshot())

	s.Observe(100, true)
	s.Observe(300, false)
	s.Observe(-5, true)

	snap := s.Snapshot()
	assert.Equal(t, uint64(3), snap.Served)
	assert.Equal(t, uint64(2), snap.FromCache)
	assert.Equal(t, uint64(0), snap.Min)
	assert.Equal(t, uint64(300), snap.Max)
	assert.Equal(t, uint64(133), snap.Avg)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512b", FormatBytes(512))
	assert.Equal(t, "1kb", FormatBytes(1024))
	assert.Equal(t, "1.5kb", FormatBytes(1536))
	assert.Equal(t, "20mb", FormatBytes(20*1024*1024))
	assert.Equal(t, "2gb", FormatBytes(2*1024*1024*1024))
}
