// Package intercept is the daemon the UI talks to. It answers reads through
// the strategy router, applies writes directly while the server is reachable
// and queues them while it is not.
package intercept

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"shiftsync/internal/cache"
	"shiftsync/internal/config"
	"shiftsync/internal/connectivity"
	"shiftsync/internal/metrics"
	"shiftsync/internal/notify"
	"shiftsync/internal/policy"
	"shiftsync/internal/queue"
	"shiftsync/internal/reconcile"
	"shiftsync/internal/store"
	"shiftsync/internal/strategy"
	"shiftsync/internal/transport"
)

type Service struct {
	cfg config.Config

	logger  *zap.Logger
	metrics *metrics.Collector
	stats   *metrics.ResponseStats

	store     *store.Store
	transport transport.Transport
	creds     transport.CredentialProvider
	cache     *cache.Manager
	router    *strategy.Router
	queue     *queue.Queue
	engine    *reconcile.Engine
	oracle    *connectivity.Oracle
	hub       *notify.Hub

	policies      *policy.Table
	invalidations *policy.Invalidations

	// one views refresh at a time
	viewSem chan struct{}

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) { s.metrics = m }
}

// WithCredentials replaces the provider built from the credential section
// of the config. A bearer token presented by the UI still wins over it.
func WithCredentials(p transport.CredentialProvider) Option {
	return func(s *Service) { s.creds = p }
}

// WithTransport replaces the HTTP transport to the origin.
func WithTransport(tr transport.Transport) Option {
	return func(s *Service) { s.transport = tr }
}

func NewService(cfg config.Config, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:           cfg,
		logger:        zap.NewNop(),
		stats:         metrics.NewResponseStats(),
		policies:      cfg.Policies(),
		invalidations: cfg.Invalidations(),
		viewSem:       make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(metrics.WithProcessMetrics())
	}
	if s.creds == nil {
		s.creds = credentialsFromConfig(cfg)
	}
	s.creds = transport.RequestCredentials{Fallback: s.creds}

	st, err := store.Open(cfg.Storage.Path,
		store.WithLogger(s.logger.Named("store")),
		store.WithProtected(queue.Collection))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.store = st
	if rec := st.Recovery(); rec.Recovered || rec.Recreated {
		s.logger.Warn("local store was repaired",
			zap.Bool("recreated", rec.Recreated),
			zap.String("reason", rec.Reason),
			zap.Int("salvaged", rec.Salvaged),
			zap.Bool("lostProtected", rec.LostProtected))
	}

	if s.transport == nil {
		s.transport = transport.NewHTTP(cfg.Server.Origin,
			transport.WithLogger(s.logger.Named("transport")),
			transport.WithMetrics(s.metrics))
	}
	s.hub = notify.NewHub(s.logger.Named("notify"))

	s.cache, err = cache.New(context.Background(), st,
		cache.WithLogger(s.logger.Named("cache")),
		cache.WithMetrics(s.metrics),
		cache.WithMaxBytes(cfg.CacheMaxBytes()))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("load cache: %w", err)
	}

	s.oracle = connectivity.New(s.transport,
		connectivity.WithProbePath(cfg.Connectivity.ProbePath),
		connectivity.WithProbeTimeout(cfg.ProbeTimeout()),
		connectivity.WithProbeEvery(cfg.ProbeEvery()),
		connectivity.WithLogger(s.logger.Named("connectivity")),
		connectivity.WithMetrics(s.metrics),
		connectivity.WithNotifier(s.hub))

	s.router = strategy.New(s.cache, s.transport, s.policies,
		strategy.WithLogger(s.logger.Named("router")),
		strategy.WithMetrics(s.metrics),
		strategy.WithNotifier(s.hub),
		strategy.WithReachability(s.oracle))

	s.queue = queue.New(st, s.creds,
		queue.WithLogger(s.logger.Named("queue")),
		queue.WithMetrics(s.metrics),
		queue.WithNotifier(s.hub),
		queue.WithMaxLen(cfg.Sync.MaxQueue))

	s.engine = reconcile.New(s.queue, s.transport,
		reconcile.WithLogger(s.logger.Named("reconcile")),
		reconcile.WithMetrics(s.metrics),
		reconcile.WithNotifier(s.hub),
		reconcile.WithCredentials(s.creds),
		reconcile.WithInvalidation(s.cache, s.invalidations),
		reconcile.WithReachability(s.oracle),
		reconcile.WithViewRefresher(s.refreshViews),
		reconcile.WithBatchPath(cfg.Sync.BatchPath),
		reconcile.WithMaxRetries(cfg.Sync.MaxRetries),
		reconcile.WithPollEvery(cfg.PollEvery()),
		reconcile.WithReplayRate(cfg.Sync.ReplayRate))

	s.oracle.OnChange(func(online bool) {
		if !online {
			return
		}
		s.engine.Trigger()
		s.refreshViewsAsync()
	})
	s.queue.SetWakeup(func() {
		if s.oracle.Online() {
			s.engine.Trigger()
		}
	})

	s.engine.Start()
	s.oracle.Start()

	if every := cfg.LogStatsEvery(); every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return s, nil
}

func credentialsFromConfig(cfg config.Config) transport.CredentialProvider {
	switch {
	case cfg.Credential.TokenFile != "":
		return transport.FileCredentials{Path: cfg.Credential.TokenFile}
	case cfg.Credential.Token != "":
		return transport.StaticToken(cfg.Credential.Token)
	}
	return nil
}

// Close stops the background loops, then closes the cache and the store.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.oracle.Stop()
		s.engine.Stop()
		s.router.Close()
		s.wg.Wait()
		s.hub.Close()
		s.cache.Close()
		if err := s.store.Close(); err != nil {
			s.logger.Warn("closing store", zap.Error(err))
		}
	})
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /_shiftsync/sync", s.handleSync)
	mux.HandleFunc("GET /_shiftsync/queue", s.handleQueue)
	mux.HandleFunc("GET /_shiftsync/status", s.handleStatus)
	mux.HandleFunc("POST /_shiftsync/connectivity", s.handleConnectivity)
	mux.HandleFunc("POST /_shiftsync/cache/cleanup", s.handleCleanup)
	mux.HandleFunc("GET /_shiftsync/events", s.hub.ServeWS)
	mux.HandleFunc("/_shiftsync/", http.NotFound)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("/", s.handle)
	return mux
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			cs := s.cache.Stats()
			depth, _ := s.queue.Len(context.Background())
			s.logger.Info(fmt.Sprintf(
				"Cached: Entries: %d, Usage: %s of %s, Queue: %d, Online: %t, Resp Min/avg/max %s/%s/%s",
				cs.Entries,
				metrics.FormatBytes(uint64(cs.Bytes)),
				metrics.FormatBytes(uint64(cs.Budget)),
				depth,
				s.oracle.Online(),
				metrics.FormatBytes(ss.Min),
				metrics.FormatBytes(ss.Avg),
				metrics.FormatBytes(ss.Max),
			))
		}
	}
}
