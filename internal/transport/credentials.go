package transport

import (
	"context"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CredentialProvider supplies the current bearer token, if any. Session
// management lives outside shiftsync.
type CredentialProvider interface {
	Token(ctx context.Context) (string, bool)
}

// StaticToken always returns the same token; an empty string means none.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, bool) {
	t := strings.TrimSpace(string(s))
	return t, t != ""
}

// MemoryCredentials is a provider whose token is replaced on login and
// cleared on logout.
type MemoryCredentials struct {
	mu    sync.RWMutex
	token string
}

func (m *MemoryCredentials) Set(token string) {
	m.mu.Lock()
	m.token = strings.TrimSpace(token)
	m.mu.Unlock()
}

func (m *MemoryCredentials) Clear() { m.Set("") }

func (m *MemoryCredentials) Token(context.Context) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token, m.token != ""
}

// FileCredentials re-reads a token file on every call, so the session owner
// can rotate the token without restarting the daemon.
type FileCredentials struct {
	Path string
}

func (f FileCredentials) Token(context.Context) (string, bool) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return "", false
	}
	t := strings.TrimSpace(string(b))
	return t, t != ""
}

// TokenExpired reports whether token is a JWT whose exp claim is before now.
// Opaque tokens and JWTs without exp are never considered expired; the
// signature is not checked, the server does that.
func TokenExpired(token string, now time.Time) bool {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Time.Before(now)
}

func BearerHeader(token string) string { return "Bearer " + token }

type tokenKey struct{}

// ContextWithToken attaches the bearer token a caller presented to ctx.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenKey{}, token)
}

// RequestCredentials prefers the token attached with ContextWithToken and
// falls back to Fallback.
type RequestCredentials struct {
	Fallback CredentialProvider
}

func (c RequestCredentials) Token(ctx context.Context) (string, bool) {
	if t, ok := ctx.Value(tokenKey{}).(string); ok && t != "" {
		return t, true
	}
	if c.Fallback == nil {
		return "", false
	}
	return c.Fallback.Token(ctx)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(h http.Header) string {
	v := strings.TrimSpace(h.Get("Authorization"))
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return ""
}
