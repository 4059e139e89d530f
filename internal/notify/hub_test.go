package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestHub_SubscribeReceivesEvents(t *testing.T) {
	h := NewHub(nil)
	events, cancel := h.Subscribe(4)
	defer cancel()

	h.Publish(DrainCompleted, map[string]int{"syncedCount": 2})

	select {
	case ev := <-events:
		assert.Equal(t, DrainCompleted, ev.Type)
		assert.False(t, ev.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
}

func TestHub_FullSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(nil)
	_, cancel := h.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish(CacheUpdated, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked")
	}
	assert.Equal(t, uint64(9), h.Dropped())
}

func TestHub_OnRecoversPanics(t *testing.T) {
	h := NewHub(nil)
	var got []EventType
	h.On(MutationAbandoned, func(Event) { panic("boom") })
	off := h.On(MutationAbandoned, func(ev Event) { got = append(got, ev.Type) })

	assert.NotPanics(t, func() { h.Publish(MutationAbandoned, nil) })
	off()
	h.Publish(MutationAbandoned, nil)
	h.Publish(MutationSynced, nil)

	assert.Equal(t, []EventType{MutationAbandoned}, got)
}

func TestHub_CloseEndsSubscriptions(t *testing.T) {
	h := NewHub(nil)
	events, cancel := h.Subscribe(1)
	h.Close()
	_, ok := <-events
	assert.False(t, ok)
	cancel()

	var nilHub *Hub
	assert.NotPanics(t, func() { nilHub.Publish(CacheUpdated, nil) })
}

func TestHub_ServeWS(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// the server subscribes after the handshake; publish until it arrives
	go func() {
		for ctx.Err() == nil {
			h.Publish(ConnectivityChanged, map[string]bool{"online": true})
			time.Sleep(10 * time.Millisecond)
		}
	}()

	var ev struct {
		Type string          `json:"type"`
		Data map[string]bool `json:"data"`
	}
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, "connectivity.changed", ev.Type)
	assert.True(t, ev.Data["online"])
}
