// Package cache is the cache entry manager: TTL-stamped response records in
// the durable store with an in-memory index for size accounting and LRU
// eviction.
package cache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"shiftsync/internal/logging"
	"shiftsync/internal/metrics"
	"shiftsync/internal/store"
)

const (
	// Collection holds the entry records.
	Collection = "cache"
	// accessCollection holds lastAccessed touches written after reads.
	accessCollection = "cache.access"

	defaultCleanupInterval = time.Minute
)

// Entry is the persisted cache record.
type Entry struct {
	Key          string            `json:"key"`
	Data         []byte            `json:"data"`
	Endpoint     string            `json:"endpoint"`
	Timestamp    int64             `json:"timestamp"`
	Expires      int64             `json:"expires"`
	Size         int64             `json:"size"`
	LastAccessed int64             `json:"lastAccessed,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type SetOptions struct {
	TTL      time.Duration
	Endpoint string
	Metadata map[string]string
}

type GetOptions struct {
	// AllowStale returns expired entries instead of deleting them.
	AllowStale bool
	// MaxAge, when set, treats entries older than it as expired.
	MaxAge time.Duration
}

type Hit struct {
	Data     []byte
	IsStale  bool
	Age      time.Duration
	Metadata map[string]string
	Endpoint string
}

type Stats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
	Budget  int64 `json:"budget"`
}

type meta struct {
	size         int64
	expires      int64
	lastAccessed int64
	endpoint     string
}

type touch struct {
	key string
	at  int64
}

type Manager struct {
	entries *store.Collection
	access  *store.Collection

	maxBytes        int64
	cleanupInterval time.Duration
	now             func() time.Time

	logger      *zap.Logger
	overflowLog *logging.RateLimited
	metrics     *metrics.Collector

	// writeMu orders record writes with their index updates
	writeMu sync.Mutex

	mu          sync.RWMutex
	index       map[string]meta
	totalSize   int64
	lastCleanup time.Time
	closed      bool

	touches chan touch
	done    chan struct{}
	once    sync.Once
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithMaxBytes sets the size budget. Zero disables size eviction.
func WithMaxBytes(n int64) Option {
	return func(m *Manager) { m.maxBytes = n }
}

func WithCleanupInterval(d time.Duration) Option {
	return func(m *Manager) { m.cleanupInterval = d }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New builds a manager on st and rebuilds the index from what is on disk.
func New(ctx context.Context, st *store.Store, opts ...Option) (*Manager, error) {
	m := &Manager{
		entries:         st.Collection(Collection),
		access:          st.Collection(accessCollection),
		cleanupInterval: defaultCleanupInterval,
		now:             time.Now,
		logger:          zap.NewNop(),
		index:           map[string]meta{},
		touches:         make(chan touch, 1024),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.overflowLog = logging.NewRateLimited(m.logger, time.Minute)

	if err := m.loadIndex(ctx); err != nil {
		return nil, err
	}
	go m.writerLoop()
	return m, nil
}

func (m *Manager) loadIndex(ctx context.Context) error {
	idx := map[string]meta{}
	var total int64
	err := m.entries.Scan(ctx, func(key string, value []byte) error {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			m.logger.Warn("dropping unreadable cache record", zap.String("key", key), zap.Error(err))
			return nil
		}
		idx[key] = meta{
			size:         int64(len(value)),
			expires:      e.Expires,
			lastAccessed: max(e.LastAccessed, e.Timestamp),
			endpoint:     e.Endpoint,
		}
		total += int64(len(value))
		return nil
	})
	if err != nil {
		return fmt.Errorf("load cache index: %w", err)
	}

	var orphans []string
	err = m.access.Scan(ctx, func(key string, value []byte) error {
		mt, ok := idx[key]
		if !ok || len(value) != 8 {
			orphans = append(orphans, key)
			return nil
		}
		if at := int64(binary.BigEndian.Uint64(value)); at > mt.lastAccessed {
			mt.lastAccessed = at
			idx[key] = mt
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load cache access times: %w", err)
	}
	if err := m.access.DeleteMany(ctx, orphans); err != nil {
		return err
	}

	m.mu.Lock()
	m.index = idx
	m.totalSize = total
	m.mu.Unlock()
	m.metrics.CacheSize(len(idx), total)
	return nil
}

// Close stops the background access writer, flushing pending touches.
func (m *Manager) Close() {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.touches)
		m.mu.Unlock()
		<-m.done
	})
}

func (m *Manager) writerLoop() {
	defer close(m.done)
	ctx := context.Background()
	for t := range m.touches {
		m.mu.RLock()
		_, ok := m.index[t.key]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(t.at))
		if err := m.access.Put(ctx, t.key, b); err != nil {
			m.logger.Debug("persist access time failed", zap.String("key", t.key), zap.Error(err))
		}
	}
}

func (m *Manager) nowMs() int64 { return m.now().UnixMilli() }

// Set stores data under key. The key is never evicted by the budget check it
// triggers.
func (m *Manager) Set(ctx context.Context, key string, data []byte, opts SetOptions) error {
	now := m.nowMs()
	ttl := opts.TTL
	if ttl < 0 {
		ttl = 0
	}
	e := Entry{
		Key:          key,
		Data:         data,
		Endpoint:     opts.Endpoint,
		Timestamp:    now,
		Expires:      now + ttl.Milliseconds(),
		LastAccessed: now,
		Metadata:     opts.Metadata,
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	e.Size = int64(len(b))
	if b, err = json.Marshal(e); err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	m.writeMu.Lock()
	if err := m.entries.Put(ctx, key, b); err != nil {
		m.writeMu.Unlock()
		return err
	}

	m.mu.Lock()
	if old, ok := m.index[key]; ok {
		m.totalSize -= old.size
	}
	m.index[key] = meta{size: int64(len(b)), expires: e.Expires, lastAccessed: now, endpoint: e.Endpoint}
	m.totalSize += int64(len(b))
	entries, total := len(m.index), m.totalSize
	runCleanup := m.cleanupInterval > 0 && m.now().Sub(m.lastCleanup) >= m.cleanupInterval
	if runCleanup {
		m.lastCleanup = m.now()
	}
	m.mu.Unlock()
	m.writeMu.Unlock()
	m.metrics.CacheSize(entries, total)

	if runCleanup {
		if _, err := m.cleanup(ctx, key); err != nil {
			m.logger.Warn("cache cleanup failed", zap.Error(err))
		}
	}
	if m.maxBytes > 0 && m.Stats().Bytes > m.maxBytes {
		if _, err := m.CleanupBySize(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the entry under key. Expired entries, or entries older than
// MaxAge, are deleted and reported absent unless AllowStale is set.
func (m *Manager) Get(ctx context.Context, key string, opts GetOptions) (Hit, bool, error) {
	m.mu.RLock()
	_, known := m.index[key]
	m.mu.RUnlock()
	if !known {
		m.metrics.CacheLookup("miss")
		return Hit{}, false, nil
	}

	b, err := m.entries.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		m.forget(key)
		m.metrics.CacheLookup("miss")
		return Hit{}, false, nil
	}
	if err != nil {
		return Hit{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		m.logger.Warn("dropping unreadable cache record", zap.String("key", key), zap.Error(err))
		_ = m.Delete(ctx, key)
		m.metrics.CacheLookup("miss")
		return Hit{}, false, nil
	}

	now := m.nowMs()
	age := time.Duration(now-e.Timestamp) * time.Millisecond
	stale := now > e.Expires || (opts.MaxAge > 0 && age > opts.MaxAge)
	if stale && !opts.AllowStale {
		if err := m.Delete(ctx, key); err != nil {
			return Hit{}, false, err
		}
		m.metrics.CacheEvicted("expired", 1)
		m.metrics.CacheLookup("miss")
		return Hit{}, false, nil
	}

	m.mu.Lock()
	if mt, ok := m.index[key]; ok {
		mt.lastAccessed = now
		m.index[key] = mt
	}
	if !m.closed {
		select {
		case m.touches <- touch{key: key, at: now}:
		default:
			// the in-memory index already carries the access time
		}
	}
	m.mu.Unlock()

	if stale {
		m.metrics.CacheLookup("stale")
	} else {
		m.metrics.CacheLookup("hit")
	}
	return Hit{
		Data:     e.Data,
		IsStale:  stale,
		Age:      age,
		Metadata: e.Metadata,
		Endpoint: e.Endpoint,
	}, true, nil
}

func (m *Manager) Delete(ctx context.Context, key string) error {
	return m.deleteKeys(ctx, []string{key})
}

func (m *Manager) deleteKeys(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	m.writeMu.Lock()
	if err := m.entries.DeleteMany(ctx, keys); err != nil {
		m.writeMu.Unlock()
		return err
	}
	for _, k := range keys {
		m.forget(k)
	}
	m.writeMu.Unlock()
	if err := m.access.DeleteMany(ctx, keys); err != nil {
		return err
	}
	m.mu.RLock()
	entries, total := len(m.index), m.totalSize
	m.mu.RUnlock()
	m.metrics.CacheSize(entries, total)
	return nil
}

func (m *Manager) forget(key string) {
	m.mu.Lock()
	if mt, ok := m.index[key]; ok {
		m.totalSize -= mt.size
		delete(m.index, key)
	}
	m.mu.Unlock()
}

// Invalidate removes every entry whose key or endpoint contains pattern and
// returns how many were removed. An empty pattern matches nothing.
func (m *Manager) Invalidate(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		return 0, nil
	}
	m.mu.RLock()
	var keys []string
	for k, mt := range m.index {
		if strings.Contains(k, pattern) || strings.Contains(mt.endpoint, pattern) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()

	if err := m.deleteKeys(ctx, keys); err != nil {
		return 0, err
	}
	m.metrics.CacheEvicted("invalidated", len(keys))
	return len(keys), nil
}

// Cleanup removes every expired entry and returns how many were removed.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	return m.cleanup(ctx)
}

func (m *Manager) cleanup(ctx context.Context, protect ...string) (int, error) {
	now := m.nowMs()
	m.mu.RLock()
	var keys []string
	for k, mt := range m.index {
		if now > mt.expires && !contains(protect, k) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()

	if err := m.deleteKeys(ctx, keys); err != nil {
		return 0, err
	}
	if len(keys) > 0 {
		m.metrics.CacheEvicted("expired", len(keys))
		m.logger.Debug("expired cache entries removed", zap.Int("count", len(keys)))
	}
	return len(keys), nil
}

// CleanupBySize evicts least recently accessed entries until the total size
// is at most 75% of the budget. Keys in protect are never evicted.
func (m *Manager) CleanupBySize(ctx context.Context, protect ...string) (int, error) {
	if m.maxBytes <= 0 {
		return 0, nil
	}
	type item struct {
		key string
		m   meta
	}

	m.mu.RLock()
	total := m.totalSize
	if total <= m.maxBytes {
		m.mu.RUnlock()
		return 0, nil
	}
	items := make([]item, 0, len(m.index))
	for k, mt := range m.index {
		if contains(protect, k) {
			continue
		}
		items = append(items, item{k, mt})
	}
	m.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].m.lastAccessed == items[j].m.lastAccessed {
			return items[i].key < items[j].key
		}
		return items[i].m.lastAccessed < items[j].m.lastAccessed
	})

	target := m.maxBytes * 3 / 4
	var victims []string
	for _, it := range items {
		if total <= target {
			break
		}
		victims = append(victims, it.key)
		total -= it.m.size
	}
	if total > target {
		m.overflowLog.Warn("cache over budget after eviction; remaining entries are protected",
			zap.Int64("bytes", total), zap.Int64("budget", m.maxBytes))
	}

	if err := m.deleteKeys(ctx, victims); err != nil {
		return 0, err
	}
	m.metrics.CacheEvicted("size", len(victims))
	return len(victims), nil
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Entries: len(m.index), Bytes: m.totalSize, Budget: m.maxBytes}
}

// Keys returns a snapshot of every cached key.
func (m *Manager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.index))
	for k := range m.index {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
