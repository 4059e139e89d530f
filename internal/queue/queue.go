// Package queue is the durable offline mutation queue. Records are appended
// under auto-increment ids, so id order is capture order is replay order.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shiftsync/internal/metrics"
	"shiftsync/internal/notify"
	"shiftsync/internal/store"
	"shiftsync/internal/transport"
)

// Collection is protected: it survives a forced store recreate.
const Collection = "queue"

var (
	ErrUnauthenticated = errors.New("no credential available")
	ErrQueueFull       = errors.New("mutation queue is full")
)

// Mutation is a write the caller wants applied once the server is reachable.
type Mutation struct {
	Type   string
	Method string
	Path   string
	Fields map[string]any
	// CapturedAt is when the user acted. Zero means now.
	CapturedAt time.Time
	// IdempotencyKey is reused when a direct attempt already sent one.
	// Empty means a new key is generated.
	IdempotencyKey string
}

type Queue struct {
	coll   *store.Collection
	creds  transport.CredentialProvider
	maxLen int
	now    func() time.Time

	logger  *zap.Logger
	metrics *metrics.Collector
	hub     *notify.Hub

	// serialises the capacity check with the append
	mu sync.Mutex

	wakeMu sync.RWMutex
	wake   func()
}

type Option func(*Queue)

func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(q *Queue) { q.metrics = m }
}

func WithNotifier(h *notify.Hub) Option {
	return func(q *Queue) { q.hub = h }
}

// WithMaxLen caps the number of queued records. Zero means unbounded.
func WithMaxLen(n int) Option {
	return func(q *Queue) { q.maxLen = n }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(st *store.Store, creds transport.CredentialProvider, opts ...Option) *Queue {
	q := &Queue{
		coll:   st.Collection(Collection),
		creds:  creds,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetWakeup registers the hook called after every successful enqueue.
func (q *Queue) SetWakeup(fn func()) {
	q.wakeMu.Lock()
	q.wake = fn
	q.wakeMu.Unlock()
}

// Enqueue persists m with a snapshot of the current credential. Without a
// credential nothing is written.
func (q *Queue) Enqueue(ctx context.Context, m Mutation) (Record, error) {
	var token string
	ok := false
	if q.creds != nil {
		token, ok = q.creds.Token(ctx)
	}
	if !ok {
		return Record{}, ErrUnauthenticated
	}

	now := q.now().UTC()
	fields := m.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	captured := m.CapturedAt
	if captured.IsZero() {
		captured = capturedAtFrom(fields, now)
	}
	typ := m.Type
	if typ == "" {
		if s, ok := fields[typeField].(string); ok && s != "" {
			typ = s
		} else {
			typ = strings.ToUpper(m.Method) + " " + m.Path
		}
	}

	key := m.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	rec, err := q.append(ctx, func(id uint64) Record {
		return Record{
			ID: id,
			Payload: Payload{
				Type:       typ,
				Fields:     fields,
				CapturedAt: captured.UTC(),
			},
			Credential:     token,
			CreatedAt:      now,
			Method:         strings.ToUpper(m.Method),
			Path:           m.Path,
			IdempotencyKey: key,
		}
	})
	if err != nil {
		return Record{}, err
	}
	id := rec.ID

	q.logger.Info("mutation queued",
		zap.Uint64("id", id), zap.String("type", typ), zap.String("path", m.Path))
	q.metrics.Mutation("queued")
	q.hub.Publish(notify.MutationQueued, summary(rec))
	q.reportDepth(ctx)

	q.wakeMu.RLock()
	wake := q.wake
	q.wakeMu.RUnlock()
	if wake != nil {
		wake()
	}
	return rec, nil
}

func (q *Queue) append(ctx context.Context, build func(id uint64) Record) (Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxLen > 0 {
		n, err := q.coll.Count(ctx)
		if err != nil {
			return Record{}, err
		}
		if n >= q.maxLen {
			return Record{}, fmt.Errorf("%w (%d records)", ErrQueueFull, n)
		}
	}
	var rec Record
	_, err := q.coll.Append(ctx, func(id uint64) ([]byte, error) {
		rec = build(id)
		return json.Marshal(rec)
	})
	return rec, err
}

func capturedAtFrom(fields map[string]any, def time.Time) time.Time {
	s, ok := fields[capturedAtField].(string)
	if !ok {
		return def
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return def
	}
	return t
}

// List returns every record, oldest first.
func (q *Queue) List(ctx context.Context) ([]Record, error) {
	var out []Record
	err := q.coll.Scan(ctx, func(key string, value []byte) error {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			// keep the record on disk; it is surfaced, not dropped
			q.logger.Error("unreadable queued mutation", zap.String("key", key), zap.Error(err))
			return nil
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (q *Queue) Get(ctx context.Context, id uint64) (Record, error) {
	b, err := q.coll.Get(ctx, store.IDKey(id))
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("decode mutation %d: %w", id, err)
	}
	return rec, nil
}

// Remove deletes one record. Removing a missing id is not an error.
func (q *Queue) Remove(ctx context.Context, id uint64) error {
	q.mu.Lock()
	err := q.coll.Delete(ctx, store.IDKey(id))
	q.mu.Unlock()
	if err != nil {
		return err
	}
	q.reportDepth(ctx)
	return nil
}

// RecordAttempt bumps the attempt counter of id and stores the failure.
func (q *Queue) RecordAttempt(ctx context.Context, id uint64, cause error) (Record, error) {
	return q.update(ctx, id, func(rec *Record) {
		rec.Attempts++
		rec.LastError = ""
		if cause != nil {
			rec.LastError = cause.Error()
		}
	})
}

// MarkSynced flags id as accepted by the server. The record stays until
// Remove; a restart between the two finds it already synced.
func (q *Queue) MarkSynced(ctx context.Context, id uint64) error {
	_, err := q.update(ctx, id, func(rec *Record) { rec.Synced = true })
	return err
}

func (q *Queue) update(ctx context.Context, id uint64, fn func(*Record)) (Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, err := q.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	fn(&rec)
	b, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("encode mutation %d: %w", id, err)
	}
	if err := q.coll.Put(ctx, store.IDKey(id), b); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.coll.Count(ctx)
}

func (q *Queue) reportDepth(ctx context.Context) {
	if n, err := q.coll.Count(ctx); err == nil {
		q.metrics.QueueDepth(n)
	}
}

// Summary is what the UI is told about a record. The credential never leaves
// the daemon.
type Summary struct {
	ID         uint64    `json:"id"`
	Type       string    `json:"type"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	CapturedAt time.Time `json:"capturedAt"`
	CreatedAt  time.Time `json:"createdAt"`
	Synced     bool      `json:"synced"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"lastError,omitempty"`
}

func summary(r Record) Summary {
	return Summary{
		ID:         r.ID,
		Type:       r.Payload.Type,
		Method:     r.Method,
		Path:       r.Path,
		CapturedAt: r.Payload.CapturedAt,
		CreatedAt:  r.CreatedAt,
		Synced:     r.Synced,
		Attempts:   r.Attempts,
		LastError:  r.LastError,
	}
}

func (r Record) Summary() Summary { return summary(r) }
