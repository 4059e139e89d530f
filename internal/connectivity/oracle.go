// Package connectivity decides whether the server is actually reachable. The
// platform flag only says a link exists; reachability needs a probe.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"shiftsync/internal/logging"
	"shiftsync/internal/metrics"
	"shiftsync/internal/notify"
	"shiftsync/internal/transport"
)

const (
	DefaultProbePath    = "/health"
	DefaultProbeTimeout = 3 * time.Second
	DefaultProbeEvery   = 30 * time.Second
)

type Oracle struct {
	transport    transport.Transport
	probePath    string
	probeTimeout time.Duration
	probeEvery   time.Duration

	logger  *zap.Logger
	failLog *logging.RateLimited
	metrics *metrics.Collector
	hub     *notify.Hub

	mu        sync.Mutex
	platform  bool
	online    bool
	nextID    int
	listeners map[int]func(bool)

	probeMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type Option func(*Oracle)

func WithProbePath(p string) Option {
	return func(o *Oracle) {
		if p != "" {
			o.probePath = p
		}
	}
}

func WithProbeTimeout(d time.Duration) Option {
	return func(o *Oracle) {
		if d > 0 {
			o.probeTimeout = d
		}
	}
}

func WithProbeEvery(d time.Duration) Option {
	return func(o *Oracle) {
		if d > 0 {
			o.probeEvery = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Oracle) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(o *Oracle) { o.metrics = m }
}

func WithNotifier(h *notify.Hub) Option {
	return func(o *Oracle) { o.hub = h }
}

// New returns an oracle that starts out offline with the platform flag up;
// the first Check decides.
func New(tr transport.Transport, opts ...Option) *Oracle {
	o := &Oracle{
		transport:    tr,
		probePath:    DefaultProbePath,
		probeTimeout: DefaultProbeTimeout,
		probeEvery:   DefaultProbeEvery,
		logger:       zap.NewNop(),
		platform:     true,
		listeners:    map[int]func(bool){},
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.failLog = logging.NewRateLimited(o.logger, time.Minute)
	return o
}

func (o *Oracle) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

func (o *Oracle) PlatformOnline() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.platform
}

// OnChange registers fn for every online/offline transition. fn runs on the
// goroutine that observed the change and must not block.
func (o *Oracle) OnChange(fn func(online bool)) func() {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}

// SetPlatformOnline records the platform flag. Going down takes the oracle
// offline at once; coming up probes before reporting online.
func (o *Oracle) SetPlatformOnline(ctx context.Context, up bool) bool {
	o.mu.Lock()
	o.platform = up
	o.mu.Unlock()
	if !up {
		o.set(false)
		return false
	}
	return o.Check(ctx)
}

// ReportUnreachable marks the server unreachable after a failed live call.
// The next successful probe brings it back.
func (o *Oracle) ReportUnreachable() {
	o.set(false)
}

// Check probes now and returns the resulting state.
func (o *Oracle) Check(ctx context.Context) bool {
	if !o.PlatformOnline() {
		o.set(false)
		return false
	}
	up := o.probe(ctx)
	o.set(up)
	return up
}

func (o *Oracle) probe(ctx context.Context) bool {
	o.probeMu.Lock()
	defer o.probeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, o.probeTimeout)
	defer cancel()
	// any response, whatever the status, proves the server is reachable
	_, err := o.transport.Do(ctx, &transport.Request{Method: "GET", URL: o.probePath})
	if err != nil {
		o.failLog.Info("connectivity probe failed", zap.String("path", o.probePath), zap.Error(err))
		return false
	}
	return true
}

func (o *Oracle) set(up bool) {
	o.mu.Lock()
	if o.online == up {
		o.mu.Unlock()
		return
	}
	o.online = up
	fns := make([]func(bool), 0, len(o.listeners))
	for _, fn := range o.listeners {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	o.logger.Info("connectivity changed", zap.Bool("online", up))
	o.metrics.Online(up)
	o.hub.Publish(notify.ConnectivityChanged, map[string]bool{"online": up})
	for _, fn := range fns {
		fn(up)
	}
}

// Start probes immediately and then every probeEvery until Stop.
func (o *Oracle) Start() {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		t := time.NewTicker(o.probeEvery)
		defer t.Stop()
		for {
			o.Check(context.Background())
			select {
			case <-o.stopCh:
				return
			case <-t.C:
			}
		}
	}()
}

func (o *Oracle) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()
}
