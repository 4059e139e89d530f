package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T, opts ...Option) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db")
	s, err := Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestCollection_PutGetDelete(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()
	c := s.Collection("cache")

	require.NoError(t, c.Put(ctx, "a", []byte("1")))
	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)

	require.NoError(t, c.Delete(ctx, "a"))
	_, err = c.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollection_ScanIsScopedAndOrdered(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()
	a := s.Collection("a")
	b := s.Collection("ab")

	require.NoError(t, a.Put(ctx, "2", []byte("two")))
	require.NoError(t, a.Put(ctx, "1", []byte("one")))
	require.NoError(t, b.Put(ctx, "x", []byte("other")))

	var keys []string
	require.NoError(t, a.Scan(ctx, func(k string, _ []byte) error {
		keys = append(keys, k)
		return nil
	}))
	assert.Equal(t, []string{"1", "2"}, keys)

	n, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCollection_AppendIsMonotonic(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()
	q := s.Collection("queue")

	var ids []uint64
	for i := 0; i < 20; i++ {
		id, err := q.Append(ctx, func(id uint64) ([]byte, error) {
			return []byte(IDKey(id)), nil
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}

	// deleting the newest record must not let its id be reused
	require.NoError(t, q.Delete(ctx, IDKey(ids[len(ids)-1])))
	next, err := q.Append(ctx, func(uint64) ([]byte, error) { return []byte("x"), nil })
	require.NoError(t, err)
	assert.Equal(t, ids[len(ids)-1]+1, next)

	var scanned []uint64
	require.NoError(t, q.Scan(ctx, func(k string, _ []byte) error {
		id, err := ParseIDKey(k)
		require.NoError(t, err)
		scanned = append(scanned, id)
		return nil
	}))
	assert.IsIncreasing(t, scanned)
}

func TestOpen_SchemaMismatchKeepsProtectedCollections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.Collection("queue").Append(ctx, func(id uint64) ([]byte, error) {
			return []byte("m"), nil
		})
		require.NoError(t, err)
	}
	require.NoError(t, s.Collection("cache").Put(ctx, "k", []byte("v")))
	require.NoError(t, s.Close())

	s2, err := Open(path, WithSchemaVersion(SchemaVersion+1), WithProtected("queue"))
	require.NoError(t, err)
	defer s2.Close()

	rec := s2.Recovery()
	assert.True(t, rec.Recreated)
	assert.Equal(t, 3, rec.Salvaged)
	assert.False(t, rec.LostProtected)

	n, err := s2.Collection("queue").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = s2.Collection("cache").Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	// sequence survives too
	id, err := s2.Collection("queue").Append(ctx, func(uint64) ([]byte, error) { return []byte("m"), nil })
	require.NoError(t, err)
	assert.Equal(t, uint64(4), id)
}

func TestStore_ClosedIsUnavailable(t *testing.T) {
	s, _ := openTemp(t)
	require.NoError(t, s.Close())

	err := s.Collection("cache").Put(context.Background(), "k", []byte("v"))
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestOpen_LockedDatabaseIsLeftAlone(t *testing.T) {
	ctx := context.Background()
	s, path := openTemp(t, WithProtected("queue"))
	_, err := s.Collection("queue").Append(ctx, func(uint64) ([]byte, error) { return []byte("m"), nil })
	require.NoError(t, err)

	_, err = Open(path, WithProtected("queue"))
	require.ErrorIs(t, err, ErrStorageUnavailable)

	n, err := s.Collection("queue").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, s.Recovery().Recreated)

	require.NoError(t, s.Close())
	again, err := Open(path, WithProtected("queue"))
	require.NoError(t, err)
	defer again.Close()
	assert.False(t, again.Recovery().Recreated)
	n, err = again.Collection("queue").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
