package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// RateLimited drops messages logged less than interval after the previous
// one. It is meant for conditions that repeat on every request.
type RateLimited struct {
	logger *zap.Logger

	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int
}

func NewRateLimited(logger *zap.Logger, interval time.Duration) *RateLimited {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimited{logger: logger, interval: interval}
}

func (l *RateLimited) Warn(msg string, fields ...zap.Field) {
	if n, ok := l.allow(); ok {
		if n > 0 {
			fields = append(fields, zap.Int("suppressed", n))
		}
		l.logger.Warn(msg, fields...)
	}
}

func (l *RateLimited) Info(msg string, fields ...zap.Field) {
	if n, ok := l.allow(); ok {
		if n > 0 {
			fields = append(fields, zap.Int("suppressed", n))
		}
		l.logger.Info(msg, fields...)
	}
}

func (l *RateLimited) allow() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		return 0, false
	}
	l.lastAt = now
	n := l.dropped
	l.dropped = 0
	return n, true
}
