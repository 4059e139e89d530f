package store

import (
	"context"
	"errors"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Collection is one named set of records. Writes are serialised per
// collection; reads go straight to LevelDB and never wait on the write lock.
type Collection struct {
	s      *Store
	name   string
	prefix []byte
	seq    []byte

	mu sync.Mutex
}

func (c *Collection) Name() string { return c.name }

func (c *Collection) key(k string) []byte {
	out := make([]byte, 0, len(c.prefix)+len(k))
	out = append(out, c.prefix...)
	return append(out, k...)
}

func (c *Collection) Get(ctx context.Context, key string) ([]byte, error) {
	if err := c.s.usable(ctx); err != nil {
		return nil, err
	}
	b, err := c.s.db.Get(c.key(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return b, nil
}

func (c *Collection) Put(ctx context.Context, key string, value []byte) error {
	if err := c.s.usable(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.s.db.Put(c.key(key), value, nil); err != nil {
		return unavailable("put", err)
	}
	return nil
}

func (c *Collection) Delete(ctx context.Context, key string) error {
	return c.DeleteMany(ctx, []string{key})
}

// DeleteMany removes all keys in one batch. Missing keys are ignored.
func (c *Collection) DeleteMany(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.s.usable(ctx); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for _, k := range keys {
		batch.Delete(c.key(k))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.s.db.Write(batch, nil); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// Append stores a record under the next auto-increment id. build receives the
// id before the write so it can embed it in the record.
func (c *Collection) Append(ctx context.Context, build func(id uint64) ([]byte, error)) (uint64, error) {
	if err := c.s.usable(ctx); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, err := c.s.db.Get(c.seq, nil)
	if err != nil && !errors.Is(err, leveldb.ErrNotFound) {
		return 0, unavailable("read sequence", err)
	}
	id := decodeSeq(cur) + 1
	value, err := build(id)
	if err != nil {
		return 0, err
	}

	batch := new(leveldb.Batch)
	batch.Put(c.key(IDKey(id)), value)
	batch.Put(c.seq, encodeSeq(id))
	if err := c.s.db.Write(batch, nil); err != nil {
		return 0, unavailable("append", err)
	}
	return id, nil
}

// Scan visits every record in key order. Returning an error from fn stops the
// scan and is passed through.
func (c *Collection) Scan(ctx context.Context, fn func(key string, value []byte) error) error {
	if err := c.s.usable(ctx); err != nil {
		return err
	}
	it := c.s.db.NewIterator(util.BytesPrefix(c.prefix), nil)
	defer it.Release()
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		k := string(it.Key()[len(c.prefix):])
		v := append([]byte(nil), it.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	if err := it.Error(); err != nil {
		return unavailable("scan", err)
	}
	return nil
}

func (c *Collection) Count(ctx context.Context) (int, error) {
	n := 0
	err := c.Scan(ctx, func(string, []byte) error {
		n++
		return nil
	})
	return n, err
}
