package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTP_DoRelativeURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "/api/clock", r.URL.Path)
		assert.Equal(t, "x=1", r.URL.RawQuery)
		assert.Equal(t, "Bearer t", r.Header.Get("Authorization"))
		assert.Equal(t, `{"a":1}`, string(body))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := NewHTTP(srv.URL + "/")
	resp, err := tr.Do(context.Background(), &Request{
		Method: "post",
		URL:    "api/clock?x=1",
		Header: http.Header{"Authorization": []string{"Bearer t"}},
		Body:   []byte(`{"a":1}`),
	})
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestHTTP_ClosedServerIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTP(url).Do(context.Background(), &Request{Method: "GET", URL: "/"})
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestHTTP_TimeoutIsUnreachable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewHTTP(srv.URL).Do(ctx, &Request{Method: "GET", URL: "/slow"})
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestHTTP_Non2xxIsAResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	resp, err := NewHTTP(srv.URL).Do(context.Background(), &Request{Method: "GET", URL: "/"})
	require.NoError(t, err)
	assert.False(t, resp.OK())

	var serr *StatusError
	require.ErrorAs(t, resp.Err(), &serr)
	assert.Equal(t, "unexpected status 422: nope", serr.Error())
	assert.Contains(t, serr.Header.Get("Content-Type"), "text/plain")
}

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "emp-1",
		"exp": exp.Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	return tok
}

func TestTokenExpired(t *testing.T) {
	now := time.Now()
	assert.True(t, TokenExpired(signed(t, now.Add(-time.Hour)), now))
	assert.False(t, TokenExpired(signed(t, now.Add(time.Hour)), now))
	assert.False(t, TokenExpired("opaque-session-token", now))
}

func TestCredentialProviders(t *testing.T) {
	ctx := context.Background()

	_, ok := StaticToken("  ").Token(ctx)
	assert.False(t, ok)

	var m MemoryCredentials
	_, ok = m.Token(ctx)
	assert.False(t, ok)
	m.Set("abc")
	tok, ok := m.Token(ctx)
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)
	m.Clear()
	_, ok = m.Token(ctx)
	assert.False(t, ok)

	path := filepath.Join(t.TempDir(), "token")
	f := FileCredentials{Path: path}
	_, ok = f.Token(ctx)
	assert.False(t, ok)
	require.NoError(t, os.WriteFile(path, []byte("file-token\n"), 0o600))
	tok, ok = f.Token(ctx)
	assert.True(t, ok)
	assert.Equal(t, "file-token", tok)
}

func TestRequestCredentials(t *testing.T) {
	var fallback MemoryCredentials
	c := RequestCredentials{Fallback: &fallback}

	_, ok := c.Token(context.Background())
	assert.False(t, ok)

	fallback.Set("stored")
	tok, _ := c.Token(context.Background())
	assert.Equal(t, "stored", tok)

	h := http.Header{}
	h.Set("Authorization", "Bearer  presented ")
	ctx := ContextWithToken(context.Background(), BearerToken(h))
	tok, ok = c.Token(ctx)
	assert.True(t, ok)
	assert.Equal(t, "presented", tok)

	h.Set("Authorization", "Basic abc")
	assert.Empty(t, BearerToken(h))
	_, ok = RequestCredentials{}.Token(context.Background())
	assert.False(t, ok)
}
