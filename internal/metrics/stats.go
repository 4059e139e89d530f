package metrics

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// ResponseStats tracks min/avg/max size of responses served to the UI. It
// feeds the periodic stats log line, not Prometheus.
type ResponseStats struct {
	served     atomic.Uint64
	fromCache  atomic.Uint64
	totalBytes atomic.Uint64
	minBytes   atomic.Uint64
	maxBytes   atomic.Uint64
}

func NewResponseStats() *ResponseStats {
	s := &ResponseStats{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *ResponseStats) Observe(respBytes int, fromCache bool) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.served.Add(1)
	if fromCache {
		s.fromCache.Add(1)
	}
	s.totalBytes.Add(n)

	for {
		cur := s.minBytes.Load()
		if n >= cur {
			break
		}
		if s.minBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if n <= cur {
			break
		}
		if s.maxBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type StatsSnapshot struct {
	Served    uint64
	FromCache uint64
	Total     uint64
	Min       uint64
	Max       uint64
	Avg       uint64
}

func (s *ResponseStats) Snapshot() StatsSnapshot {
	count := s.served.Load()
	if count == 0 {
		return StatsSnapshot{}
	}
	total := s.totalBytes.Load()
	minv := s.minBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return StatsSnapshot{
		Served:    count,
		FromCache: s.fromCache.Load(),
		Total:     total,
		Min:       minv,
		Max:       s.maxBytes.Load(),
		Avg:       total / count,
	}
}

// FormatBytes renders b as 512b, 1.5kb, 20mb or 2gb.
func FormatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	if b < kb {
		return fmt.Sprintf("%db", b)
	}
	if b < mb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	}
	if b < gb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
