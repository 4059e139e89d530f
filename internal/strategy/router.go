// Package strategy answers reads through the endpoint's cache strategy.
package strategy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"shiftsync/internal/cache"
	"shiftsync/internal/metrics"
	"shiftsync/internal/notify"
	"shiftsync/internal/policy"
	"shiftsync/internal/transport"
)

var (
	ErrNoCachedData = errors.New("no cached data")
	ErrNotCacheable = errors.New("only GET requests are routed through the cache")
)

// Metadata keys stored alongside cached bodies.
const (
	MetaStatus      = "status"
	MetaContentType = "content-type"
)

const defaultLiveTimeout = 10 * time.Second

// Reachability is the part of the connectivity oracle the router consults.
type Reachability interface {
	Online() bool
	ReportUnreachable()
}

type Request struct {
	Method string
	// URL is the path and query relative to the origin.
	URL    string
	// Params are merged into the query of URL.
	Params url.Values
	Body   []byte
	Header http.Header
}

type Result struct {
	Data      []byte
	Metadata  map[string]string
	FromCache bool
	IsStale   bool
	Age       time.Duration
}

type call struct {
	req      Request
	path     string
	key      string
	policy   policy.Policy
	endpoint string
}

type handler func(ctx context.Context, c *call) (Result, error)

type Router struct {
	cache     *cache.Manager
	transport transport.Transport
	policies  *policy.Table
	oracle    Reachability

	liveTimeout time.Duration
	logger      *zap.Logger
	metrics     *metrics.Collector
	hub         *notify.Hub

	bgSem    chan struct{}
	limiter  *rate.Limiter
	mu       sync.Mutex
	inflight map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Router)

func WithLogger(l *zap.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(r *Router) { r.metrics = m }
}

func WithNotifier(h *notify.Hub) Option {
	return func(r *Router) { r.hub = h }
}

func WithReachability(o Reachability) Option {
	return func(r *Router) { r.oracle = o }
}

func WithLiveTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.liveTimeout = d
		}
	}
}

// WithRevalidation bounds background refreshes: at most concurrent at once,
// started at no more than perSecond.
func WithRevalidation(concurrent int, perSecond float64) Option {
	return func(r *Router) {
		if concurrent > 0 {
			r.bgSem = make(chan struct{}, concurrent)
		}
		if perSecond > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(perSecond), max(concurrent, 1))
		}
	}
}

func New(c *cache.Manager, tr transport.Transport, policies *policy.Table, opts ...Option) *Router {
	r := &Router{
		cache:       c,
		transport:   tr,
		policies:    policies,
		liveTimeout: defaultLiveTimeout,
		logger:      zap.NewNop(),
		bgSem:       make(chan struct{}, 32),
		limiter:     rate.NewLimiter(rate.Limit(20), 32),
		inflight:    map[string]struct{}{},
	}
	if r.policies == nil {
		r.policies = policy.NewTable(nil, nil)
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// Close cancels background refreshes and waits for them to return.
func (r *Router) Close() {
	r.cancel()
	r.wg.Wait()
}

// Fetch answers a GET through the strategy of the longest matching endpoint
// policy.
func (r *Router) Fetch(ctx context.Context, req Request) (Result, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet {
		return Result{}, ErrNotCacheable
	}
	req.Method = method

	c := r.newCall(req)
	res, err := r.handlerFor(c.policy.Strategy)(ctx, c)
	r.metrics.StrategyRequest(c.policy.Strategy.String(), outcome(res, err))
	return res, err
}

func (r *Router) newCall(req Request) *call {
	path := req.URL
	if u, err := url.Parse(req.URL); err == nil {
		path = u.Path
		if len(req.Params) > 0 {
			// params go out on the wire exactly as they are keyed
			q := u.Query()
			for k, vs := range req.Params {
				for _, v := range vs {
					q.Add(k, v)
				}
			}
			u.RawQuery = q.Encode()
			req.URL = u.String()
			req.Params = nil
		}
	}
	pol, prefix, ok := r.policies.Lookup(path)
	if !ok {
		prefix = path
	}
	return &call{
		req:      req,
		path:     path,
		key:      cache.Key(req.Method, req.URL, req.Params, req.Body),
		policy:   pol,
		endpoint: prefix,
	}
}

func outcome(res Result, err error) string {
	switch {
	case err != nil:
		return "error"
	case res.FromCache && res.IsStale:
		return "stale"
	case res.FromCache:
		return "hit"
	default:
		return "live"
	}
}

func (r *Router) handlerFor(s policy.Strategy) handler {
	switch s {
	case policy.CacheFirst:
		return r.cacheFirst
	case policy.NetworkFirst:
		return r.networkFirst
	case policy.CacheOnly:
		return r.cacheOnly
	case policy.NetworkOnly:
		return r.networkOnly
	case policy.StaleWhileRevalidate:
		return r.staleWhileRevalidate
	}
	panic(fmt.Sprintf("strategy: no handler for %v", s))
}

func (r *Router) online() bool {
	return r.oracle == nil || r.oracle.Online()
}

// cacheFirst serves a fresh hit, or a stale one while offline; anything else
// goes live and falls back to the stale hit when that fails.
func (r *Router) cacheFirst(ctx context.Context, c *call) (Result, error) {
	hit, ok, err := r.lookup(ctx, c)
	if err != nil {
		return Result{}, err
	}
	if ok && !hit.IsStale {
		return hit, nil
	}
	if ok && !r.online() {
		return hit, nil
	}
	if ok && c.policy.StaleWhileRevalidate {
		r.revalidate(c)
		return hit, nil
	}

	res, err := r.live(ctx, c, true)
	if err != nil && ok && fallbackable(err) {
		return hit, nil
	}
	return res, err
}

// networkFirst goes live and falls back to any cached hit. While known
// offline it answers from the cache without waiting on the network.
func (r *Router) networkFirst(ctx context.Context, c *call) (Result, error) {
	if !r.online() {
		hit, ok, err := r.lookup(ctx, c)
		if err != nil {
			return Result{}, err
		}
		if ok {
			return hit, nil
		}
	}

	res, err := r.live(ctx, c, true)
	if err == nil || !fallbackable(err) {
		return res, err
	}
	hit, ok, lerr := r.lookup(ctx, c)
	if lerr != nil || !ok {
		return Result{}, err
	}
	return hit, nil
}

func (r *Router) cacheOnly(ctx context.Context, c *call) (Result, error) {
	hit, ok, err := r.lookup(ctx, c)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("%w for %s", ErrNoCachedData, c.req.URL)
	}
	return hit, nil
}

func (r *Router) networkOnly(ctx context.Context, c *call) (Result, error) {
	return r.live(ctx, c, false)
}

// staleWhileRevalidate serves any hit at once and refreshes a stale one in
// the background; with no hit it goes live inline.
func (r *Router) staleWhileRevalidate(ctx context.Context, c *call) (Result, error) {
	hit, ok, err := r.lookup(ctx, c)
	if err != nil {
		return Result{}, err
	}
	if ok {
		if hit.IsStale && r.online() {
			r.revalidate(c)
		}
		return hit, nil
	}
	return r.live(ctx, c, true)
}

func (r *Router) lookup(ctx context.Context, c *call) (Result, bool, error) {
	hit, ok, err := r.cache.Get(ctx, c.key, cache.GetOptions{AllowStale: true})
	if err != nil || !ok {
		return Result{}, false, err
	}
	return Result{
		Data:      hit.Data,
		Metadata:  hit.Metadata,
		FromCache: true,
		IsStale:   hit.IsStale,
		Age:       hit.Age,
	}, true, nil
}

// fallbackable errors are the ones a cached copy may paper over: no response
// at all, or a server-side failure.
func fallbackable(err error) bool {
	if errors.Is(err, transport.ErrUnreachable) {
		return true
	}
	var se *transport.StatusError
	return errors.As(err, &se) && se.Status >= 500
}

func (r *Router) fetchLive(ctx context.Context, c *call) (*transport.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, r.liveTimeout)
	defer cancel()

	resp, err := r.transport.Do(ctx, &transport.Request{
		Method: c.req.Method,
		URL:    c.req.URL,
		Header: c.req.Header,
	})
	if err != nil {
		if !errors.Is(err, transport.ErrUnreachable) {
			err = fmt.Errorf("%w: %v", transport.ErrUnreachable, err)
		}
		if r.oracle != nil {
			r.oracle.ReportUnreachable()
		}
		return nil, err
	}
	return resp, nil
}

// live performs the call and, for 2xx responses when store is set, caches
// the body under the endpoint policy TTL.
func (r *Router) live(ctx context.Context, c *call, store bool) (Result, error) {
	resp, err := r.fetchLive(ctx, c)
	if err != nil {
		return Result{}, err
	}
	if err := resp.Err(); err != nil {
		return Result{}, err
	}

	md := responseMetadata(resp)
	if store {
		if err := r.cache.Set(ctx, c.key, resp.Body, cache.SetOptions{
			TTL:      c.policy.TTL,
			Endpoint: c.endpoint,
			Metadata: md,
		}); err != nil {
			r.logger.Warn("cache write failed", zap.String("key", c.key), zap.Error(err))
		}
	}
	return Result{Data: resp.Body, Metadata: md}, nil
}

func responseMetadata(resp *transport.Response) map[string]string {
	md := map[string]string{MetaStatus: strconv.Itoa(resp.Status)}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		md[MetaContentType] = ct
	}
	return md
}

// revalidate refreshes c in the background. It gives up silently when the
// key is already being refreshed or every slot is busy.
func (r *Router) revalidate(c *call) {
	if r.ctx.Err() != nil {
		return
	}
	r.mu.Lock()
	if _, busy := r.inflight[c.key]; busy {
		r.mu.Unlock()
		return
	}
	select {
	case r.bgSem <- struct{}{}:
	default:
		r.mu.Unlock()
		return
	}
	r.inflight[c.key] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			<-r.bgSem
			r.mu.Lock()
			delete(r.inflight, c.key)
			r.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(r.ctx, 30*time.Second)
		defer cancel()
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		r.revalidateOnce(ctx, c)
	}()
}

func (r *Router) revalidateOnce(ctx context.Context, c *call) {
	var old []byte
	if hit, ok, _ := r.cache.Get(ctx, c.key, cache.GetOptions{AllowStale: true}); ok {
		old = hit.Data
	}

	res, err := r.live(ctx, c, true)
	if err != nil {
		var se *transport.StatusError
		if errors.As(err, &se) && se.Status < 500 {
			// the resource is gone or forbidden now; stop serving the old copy
			_ = r.cache.Delete(ctx, c.key)
		}
		r.logger.Debug("background refresh failed", zap.String("key", c.key), zap.Error(err))
		return
	}
	r.hub.Publish(notify.CacheUpdated, map[string]any{
		"key":      c.key,
		"endpoint": c.endpoint,
		"url":      c.req.URL,
		"changed":  !bytes.Equal(old, res.Data),
	})
}

// Refresh fetches req live regardless of its strategy and caches the result
// under the endpoint policy. It is used to reload views after a drain.
func (r *Router) Refresh(ctx context.Context, req Request) (Result, error) {
	req.Method = http.MethodGet
	c := r.newCall(req)
	res, err := r.live(ctx, c, c.policy.Strategy != policy.NetworkOnly)
	if err != nil {
		return Result{}, err
	}
	r.hub.Publish(notify.CacheUpdated, map[string]any{
		"key":      c.key,
		"endpoint": c.endpoint,
		"url":      c.req.URL,
	})
	return res, nil
}
