// Package store is the durable local store: a LevelDB database split into
// named record collections. Each collection operation is a single atomic
// batch; writes inside one collection are applied in submission order.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	lderrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// SchemaVersion is bumped whenever the on-disk record layout changes.
const SchemaVersion = 1

var (
	ErrNotFound           = errors.New("store: record not found")
	ErrStorageUnavailable = errors.New("store: storage unavailable")
)

var schemaKey = []byte("_schema")

// Recovery describes what Open had to do to get a usable database.
type Recovery struct {
	Recovered     bool   `json:"recovered"`
	Recreated     bool   `json:"recreated"`
	Reason        string `json:"reason,omitempty"`
	Salvaged      int    `json:"salvaged"`
	LostProtected bool   `json:"lostProtected"`
}

type Store struct {
	path      string
	db        *leveldb.DB
	logger    *zap.Logger
	schema    int
	protected []string

	mu    sync.Mutex
	colls map[string]*Collection

	closed   atomic.Bool
	recovery Recovery
}

type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSchemaVersion overrides the expected schema version. Tests use it to
// simulate an upgrade.
func WithSchemaVersion(v int) Option {
	return func(s *Store) { s.schema = v }
}

// WithProtected names collections whose records must survive a forced
// recreate whenever they are still readable.
func WithProtected(names ...string) Option {
	return func(s *Store) { s.protected = append(s.protected, names...) }
}

// Open opens (or creates) the database at path. A corrupted database is first
// repaired; if it is still corrupted, or the schema version does not match,
// the database is destroyed and recreated, carrying protected collections
// over. Any other open failure, such as the database being locked by another
// process, returns ErrStorageUnavailable and leaves the files untouched.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	s := &Store{
		path:   path,
		logger: zap.NewNop(),
		schema: SchemaVersion,
		colls:  map[string]*Collection{},
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := leveldb.OpenFile(path, nil)
	if err != nil && !lderrors.IsCorrupted(err) {
		// lock held by another process, permissions, I/O: the data may be
		// fine, so it is left alone
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorageUnavailable, path, err)
	}
	if err != nil {
		s.logger.Warn("store corrupted, attempting repair", zap.String("path", path), zap.Error(err))
		db, err = leveldb.RecoverFile(path, nil)
		if err == nil {
			s.recovery.Recovered = true
		}
	}
	if err != nil && !lderrors.IsCorrupted(err) {
		return nil, fmt.Errorf("%w: repair %s: %v", ErrStorageUnavailable, path, err)
	}
	if err != nil {
		s.logger.Error("store unrepairable, recreating", zap.String("path", path), zap.Error(err))
		db, err = s.recreate(nil, "open failed: "+err.Error())
		if err != nil {
			return nil, err
		}
		s.db = db
		return s, nil
	}

	v, ok, err := readSchema(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: read schema: %v", ErrStorageUnavailable, err)
	}
	switch {
	case !ok:
		if err := db.Put(schemaKey, []byte(strconv.Itoa(s.schema)), nil); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: write schema: %v", ErrStorageUnavailable, err)
		}
	case v != s.schema:
		s.logger.Warn("store schema mismatch, recreating",
			zap.Int("found", v), zap.Int("expected", s.schema))
		db, err = s.recreate(db, fmt.Sprintf("schema %d != %d", v, s.schema))
		if err != nil {
			return nil, err
		}
	}
	s.db = db
	return s, nil
}

func readSchema(db *leveldb.DB) (int, bool, error) {
	b, err := db.Get(schemaKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, err := strconv.Atoi(string(b))
	if err != nil {
		// unparsable version counts as a mismatch
		return -1, true, nil
	}
	return v, true, nil
}

type kv struct{ k, v []byte }

// recreate wipes the database directory. When old is non-nil its protected
// collections are copied out first and written back afterwards.
func (s *Store) recreate(old *leveldb.DB, reason string) (*leveldb.DB, error) {
	var saved []kv
	if old != nil {
		for _, name := range s.protected {
			for _, p := range [][]byte{recordPrefix(name), seqKey(name)} {
				it := old.NewIterator(util.BytesPrefix(p), nil)
				for it.Next() {
					saved = append(saved, kv{
						k: append([]byte(nil), it.Key()...),
						v: append([]byte(nil), it.Value()...),
					})
				}
				it.Release()
			}
		}
		_ = old.Close()
	} else if len(s.protected) > 0 {
		s.recovery.LostProtected = true
	}

	if err := os.RemoveAll(s.path); err != nil {
		return nil, fmt.Errorf("%w: remove %s: %v", ErrStorageUnavailable, s.path, err)
	}
	db, err := leveldb.OpenFile(s.path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorageUnavailable, s.path, err)
	}

	batch := new(leveldb.Batch)
	batch.Put(schemaKey, []byte(strconv.Itoa(s.schema)))
	records := 0
	for _, e := range saved {
		batch.Put(e.k, e.v)
		if !bytes.HasPrefix(e.k, []byte("s/")) {
			records++
		}
	}
	if err := db.Write(batch, nil); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: rewrite salvaged records: %v", ErrStorageUnavailable, err)
	}

	s.recovery.Recreated = true
	s.recovery.Reason = reason
	s.recovery.Salvaged = records
	if s.recovery.LostProtected {
		s.logger.Error("store recreated without salvaging protected collections; queued mutations were lost",
			zap.Strings("collections", s.protected), zap.String("reason", reason))
	} else {
		s.logger.Warn("store recreated", zap.String("reason", reason), zap.Int("salvaged", records))
	}
	return db, nil
}

// Recovery reports what Open did to the database.
func (s *Store) Recovery() Recovery { return s.recovery }

func (s *Store) Path() string { return s.path }

// Close releases the database. Every collection handle becomes unusable.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// Collection returns the handle for name, creating it on first use.
func (s *Store) Collection(name string) *Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.colls[name]; ok {
		return c
	}
	c := &Collection{
		s:      s,
		name:   name,
		prefix: recordPrefix(name),
		seq:    seqKey(name),
	}
	s.colls[name] = c
	return c
}

func (s *Store) usable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return fmt.Errorf("%w: closed", ErrStorageUnavailable)
	}
	return nil
}

func recordPrefix(name string) []byte { return []byte("c/" + name + "/") }

func seqKey(name string) []byte { return []byte("s/" + name) }

// IDKey formats an auto-increment id so that key order equals numeric order.
func IDKey(id uint64) string { return fmt.Sprintf("%016x", id) }

// ParseIDKey is the inverse of IDKey.
func ParseIDKey(key string) (uint64, error) { return strconv.ParseUint(key, 16, 64) }

func encodeSeq(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeSeq(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}
