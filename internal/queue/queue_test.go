package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shiftsync/internal/store"
	"shiftsync/internal/transport"
)

func newQueue(t *testing.T, creds transport.CredentialProvider, opts ...Option) (*Queue, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, creds, opts...), st
}

func TestEnqueue_WithoutCredentialWritesNothing(t *testing.T) {
	ctx := context.Background()
	var creds transport.MemoryCredentials
	q, _ := newQueue(t, &creds)

	_, err := q.Enqueue(ctx, Mutation{Type: "clock-in", Method: "POST", Path: "/api/clock"})
	assert.ErrorIs(t, err, ErrUnauthenticated)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	nilCreds, _ := newQueue(t, nil)
	_, err = nilCreds.Enqueue(ctx, Mutation{Type: "clock-in"})
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestList_PreservesCaptureOrder(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	now := base
	q, _ := newQueue(t, transport.StaticToken("tok"), WithClock(func() time.Time { return now }))

	// more than 16 so hex ids cross a digit boundary
	for i := 0; i < 20; i++ {
		now = base.Add(time.Duration(i) * time.Minute)
		_, err := q.Enqueue(ctx, Mutation{
			Type:   "clock-event",
			Method: "post",
			Path:   "/api/clock",
			Fields: map[string]any{"seq": i},
		})
		require.NoError(t, err)
	}

	recs, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 20)
	for i, r := range recs {
		assert.Equal(t, uint64(i+1), r.ID)
		assert.Equal(t, json.Number(fmt.Sprint(i)), r.Payload.Fields["seq"])
		assert.Equal(t, base.Add(time.Duration(i)*time.Minute), r.Payload.CapturedAt)
		assert.Equal(t, "tok", r.Credential)
		assert.Equal(t, "POST", r.Method)
		assert.False(t, r.Synced)
		assert.NotEmpty(t, r.IdempotencyKey)
	}
	assert.NotEqual(t, recs[0].IdempotencyKey, recs[1].IdempotencyKey)
}

func TestEnqueue_KeepsUICaptureTime(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, transport.StaticToken("tok"))

	rec, err := q.Enqueue(ctx, Mutation{
		Method: "POST",
		Path:   "/api/clock",
		Fields: FieldsFromBody([]byte(`{"type":"clock-out","capturedAt":"2024-03-01T17:02:03Z","employee":7}`)),
	})
	require.NoError(t, err)
	assert.Equal(t, "clock-out", rec.Payload.Type)
	assert.Equal(t, time.Date(2024, 3, 1, 17, 2, 3, 0, time.UTC), rec.Payload.CapturedAt)

	body, err := rec.Body()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"clock-out","capturedAt":"2024-03-01T17:02:03Z","employee":7}`, string(body))
}

func TestEnqueue_QueueFull(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, transport.StaticToken("tok"), WithMaxLen(2))

	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(ctx, Mutation{Type: "t"})
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, Mutation{Type: "t"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestEnqueue_CallsWakeup(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, transport.StaticToken("tok"))
	woken := 0
	q.SetWakeup(func() { woken++ })

	_, err := q.Enqueue(ctx, Mutation{Type: "t"})
	require.NoError(t, err)
	assert.Equal(t, 1, woken)
}

func TestAttemptsSyncedAndRemove(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, transport.StaticToken("tok"))
	a, err := q.Enqueue(ctx, Mutation{Type: "a"})
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, Mutation{Type: "b"})
	require.NoError(t, err)

	rec, err := q.RecordAttempt(ctx, a.ID, errors.New("503 busy"))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "503 busy", rec.LastError)

	require.NoError(t, q.MarkSynced(ctx, b.ID))
	got, err := q.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced)

	require.NoError(t, q.Remove(ctx, a.ID))
	require.NoError(t, q.Remove(ctx, a.ID))
	_, err = q.Get(ctx, a.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// ids are never reused
	c, err := q.Enqueue(ctx, Mutation{Type: "c"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), c.ID)
}

func TestQueue_SurvivesSchemaRecreate(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db")

	st, err := store.Open(path, store.WithProtected(Collection))
	require.NoError(t, err)
	q := New(st, transport.StaticToken("tok"))
	_, err = q.Enqueue(ctx, Mutation{Type: "clock-in"})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = store.Open(path, store.WithProtected(Collection), store.WithSchemaVersion(store.SchemaVersion+1))
	require.NoError(t, err)
	defer st.Close()
	assert.True(t, st.Recovery().Recreated)

	recs, err := New(st, nil).List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "clock-in", recs[0].Payload.Type)
}
