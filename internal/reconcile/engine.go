// Package reconcile replays the offline mutation queue against the server
// once it is reachable again.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"shiftsync/internal/metrics"
	"shiftsync/internal/notify"
	"shiftsync/internal/policy"
	"shiftsync/internal/queue"
	"shiftsync/internal/transport"
)

var (
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	ErrDrainInProgress    = errors.New("drain already in progress")
	ErrRejected           = errors.New("rejected by server")
)

const (
	DefaultMaxRetries = 5
	DefaultPollEvery  = 30 * time.Second
)

// Result is reported for every drain cycle.
type Result struct {
	Success     bool   `json:"success"`
	SyncedCount int    `json:"syncedCount"`
	TotalCount  int    `json:"totalCount"`
	FailedCount int    `json:"failedCount"`
	Error       string `json:"error,omitempty"`
}

// Invalidator drops cached reads made stale by a mutation.
type Invalidator interface {
	Invalidate(ctx context.Context, pattern string) (int, error)
}

type Reachability interface {
	Online() bool
	ReportUnreachable()
}

type Engine struct {
	queue         *queue.Queue
	transport     transport.Transport
	creds         transport.CredentialProvider
	cache         Invalidator
	invalidations *policy.Invalidations
	oracle        Reachability
	refresh       func(ctx context.Context)

	batchPath  string
	maxRetries int
	pollEvery  time.Duration
	limiter    *rate.Limiter
	now        func() time.Time

	logger  *zap.Logger
	metrics *metrics.Collector
	hub     *notify.Hub
	tracer  trace.Tracer

	draining atomic.Bool
	trigger  chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithNotifier(h *notify.Hub) Option {
	return func(e *Engine) { e.hub = h }
}

func WithCredentials(p transport.CredentialProvider) Option {
	return func(e *Engine) { e.creds = p }
}

// WithInvalidation drops cache entries matching the patterns of every
// replayed mutation after a cycle.
func WithInvalidation(c Invalidator, inv *policy.Invalidations) Option {
	return func(e *Engine) {
		e.cache = c
		e.invalidations = inv
	}
}

func WithReachability(r Reachability) Option {
	return func(e *Engine) { e.oracle = r }
}

// WithViewRefresher registers the callback that reloads the current views
// after a cycle.
func WithViewRefresher(fn func(ctx context.Context)) Option {
	return func(e *Engine) { e.refresh = fn }
}

// WithBatchPath replays the whole queue as one POST to path.
func WithBatchPath(path string) Option {
	return func(e *Engine) { e.batchPath = path }
}

func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

func WithPollEvery(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollEvery = d
		}
	}
}

// WithReplayRate paces per-item replays. Zero or less means unlimited.
func WithReplayRate(perSecond float64) Option {
	return func(e *Engine) {
		if perSecond > 0 {
			e.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		} else {
			e.limiter = rate.NewLimiter(rate.Inf, 1)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(q *queue.Queue, tr transport.Transport, opts ...Option) *Engine {
	e := &Engine{
		queue:      q,
		transport:  tr,
		maxRetries: DefaultMaxRetries,
		pollEvery:  DefaultPollEvery,
		limiter:    rate.NewLimiter(rate.Limit(10), 1),
		now:        time.Now,
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("shiftsync/reconcile"),
		trigger:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Draining reports whether a cycle is running right now.
func (e *Engine) Draining() bool { return e.draining.Load() }

// Sync runs one drain cycle. A call made while another cycle is running
// returns ErrDrainInProgress without doing anything. Failures inside the
// cycle are reported in the Result, not as an error.
func (e *Engine) Sync(ctx context.Context) (Result, error) {
	if !e.draining.CompareAndSwap(false, true) {
		return Result{}, ErrDrainInProgress
	}
	defer e.draining.Store(false)

	ctx, span := e.tracer.Start(ctx, "reconcile.drain")
	defer span.End()

	res, replayed := e.drain(ctx)
	span.SetAttributes(
		attribute.Int("reconcile.total", res.TotalCount),
		attribute.Int("reconcile.synced", res.SyncedCount),
		attribute.Int("reconcile.failed", res.FailedCount),
	)
	if !res.Success {
		span.SetStatus(codes.Error, res.Error)
	}

	switch {
	case res.TotalCount == 0 && res.Success:
		e.metrics.Drain("empty")
		return res, nil
	case !res.Success:
		e.metrics.Drain("failed")
	case res.FailedCount > 0:
		e.metrics.Drain("partial")
	default:
		e.metrics.Drain("ok")
	}

	e.logger.Info("drain cycle finished",
		zap.Bool("success", res.Success),
		zap.Int("synced", res.SyncedCount),
		zap.Int("failed", res.FailedCount),
		zap.Int("total", res.TotalCount),
		zap.String("error", res.Error))

	if res.TotalCount > 0 {
		e.afterDrain(ctx, replayed)
	}
	e.hub.Publish(notify.DrainCompleted, res)
	return res, nil
}

func (e *Engine) drain(ctx context.Context) (Result, []queue.Record) {
	res := Result{Success: true}
	recs, err := e.queue.List(ctx)
	if err != nil {
		return fail(res, err), nil
	}
	res.TotalCount = len(recs)

	var pending []queue.Record
	for _, rec := range recs {
		if rec.Synced {
			// applied before an interrupted cycle could remove it
			if err := e.queue.Remove(ctx, rec.ID); err != nil {
				return fail(res, err), recs
			}
			res.SyncedCount++
			continue
		}
		pending = append(pending, rec)
	}
	if len(pending) == 0 {
		return res, recs
	}

	if e.batchPath != "" {
		done, err := e.drainBatch(ctx, pending, &res)
		if done || err != nil {
			if err != nil {
				res = fail(res, err)
			}
			return res, recs
		}
		e.logger.Info("batch replay unavailable, replaying one by one", zap.String("path", e.batchPath))
	}
	if err := e.drainEach(ctx, pending, &res); err != nil {
		res = fail(res, err)
	}
	return res, recs
}

func fail(res Result, err error) Result {
	res.Success = false
	res.Error = err.Error()
	return res
}

// drainEach replays in capture order. A transport failure stops the cycle
// and leaves the current and every later item untouched.
func (e *Engine) drainEach(ctx context.Context, pending []queue.Record, res *Result) error {
	for _, rec := range pending {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		resp, err := e.send(ctx, rec)
		if err != nil {
			if e.oracle != nil {
				e.oracle.ReportUnreachable()
			}
			return err
		}
		if err := e.settle(ctx, rec, resp.Status, resp.Body, res); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) send(ctx context.Context, rec queue.Record) (*transport.Response, error) {
	body, err := rec.Body()
	if err != nil {
		return nil, fmt.Errorf("encode mutation %d: %w", rec.ID, err)
	}
	method := rec.Method
	if method == "" {
		method = http.MethodPost
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", transport.BearerHeader(e.credential(ctx, rec)))
	h.Set("Idempotency-Key", rec.IdempotencyKey)
	return e.transport.Do(ctx, &transport.Request{
		Method: method,
		URL:    rec.Path,
		Header: h,
		Body:   body,
	})
}

// credential is the token captured with the mutation, unless that token is a
// JWT that has already expired and a current one is available.
func (e *Engine) credential(ctx context.Context, rec queue.Record) string {
	if e.creds == nil || !transport.TokenExpired(rec.Credential, e.now()) {
		return rec.Credential
	}
	if cur, ok := e.creds.Token(ctx); ok {
		e.logger.Debug("captured credential expired, replaying with current one", zap.Uint64("id", rec.ID))
		return cur
	}
	return rec.Credential
}

type outcome int

const (
	applied outcome = iota
	retryable
	rejected
)

func classify(status int) outcome {
	switch {
	case status >= 200 && status < 300:
		return applied
	case status == 0, // no per-item result
		status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status == http.StatusUnauthorized,
		status >= 500:
		return retryable
	default:
		return rejected
	}
}

// settle applies the per-item outcome. Only store failures are returned.
func (e *Engine) settle(ctx context.Context, rec queue.Record, status int, body []byte, res *Result) error {
	switch classify(status) {
	case applied:
		if err := e.queue.MarkSynced(ctx, rec.ID); err != nil {
			return err
		}
		if err := e.queue.Remove(ctx, rec.ID); err != nil {
			return err
		}
		res.SyncedCount++
		e.metrics.Mutation("synced")
		e.hub.Publish(notify.MutationSynced, rec.Summary())
		return nil

	case retryable:
		cause := &transport.StatusError{Status: status, Body: body}
		updated, err := e.queue.RecordAttempt(ctx, rec.ID, cause)
		if err != nil {
			return err
		}
		res.FailedCount++
		if updated.Attempts >= e.maxRetries {
			return e.abandon(ctx, updated, fmt.Errorf("%w after %d attempts: %v", ErrMaxRetriesExceeded, updated.Attempts, cause))
		}
		e.logger.Info("mutation will be retried",
			zap.Uint64("id", rec.ID), zap.Int("status", status), zap.Int("attempts", updated.Attempts))
		return nil

	default:
		res.FailedCount++
		return e.abandon(ctx, rec, fmt.Errorf("%w: %v", ErrRejected, &transport.StatusError{Status: status, Body: body}))
	}
}

// abandon removes rec for good and tells the UI it failed permanently.
func (e *Engine) abandon(ctx context.Context, rec queue.Record, reason error) error {
	if err := e.queue.Remove(ctx, rec.ID); err != nil {
		return err
	}
	e.logger.Warn("mutation abandoned", zap.Uint64("id", rec.ID), zap.String("type", rec.Payload.Type), zap.Error(reason))
	e.metrics.Mutation("abandoned")
	e.hub.Publish(notify.MutationAbandoned, map[string]any{
		"mutation": rec.Summary(),
		"reason":   reason.Error(),
	})
	return nil
}

func (e *Engine) afterDrain(ctx context.Context, recs []queue.Record) {
	if e.cache != nil {
		seen := map[string]struct{}{}
		for _, rec := range recs {
			for _, p := range e.invalidations.Patterns(rec.Payload.Type, rec.Path) {
				if _, ok := seen[p]; ok {
					continue
				}
				seen[p] = struct{}{}
				if _, err := e.cache.Invalidate(ctx, p); err != nil {
					e.logger.Warn("cache invalidation failed", zap.String("pattern", p), zap.Error(err))
				}
			}
		}
	}
	if e.refresh != nil {
		e.refresh(ctx)
	}
}

// Trigger asks the background loop for a drain cycle. Triggers that arrive
// while one is pending collapse into it.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Start runs the loop serving Trigger and, while online with a non-empty
// queue, the periodic poll. Stop ends it.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		t := time.NewTicker(e.pollEvery)
		defer t.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-e.trigger:
				e.runOnce()
			case <-t.C:
				if e.oracle != nil && !e.oracle.Online() {
					continue
				}
				if n, err := e.queue.Len(e.ctx); err != nil || n == 0 {
					continue
				}
				e.runOnce()
			}
		}
	}()
}

func (e *Engine) runOnce() {
	if _, err := e.Sync(e.ctx); err != nil && !errors.Is(err, ErrDrainInProgress) {
		e.logger.Warn("drain failed", zap.Error(err))
	}
}

// Stop cancels a running cycle and waits for the loop to exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(e.cancel)
	e.wg.Wait()
}
