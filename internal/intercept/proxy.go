package intercept

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shiftsync/internal/policy"
	"shiftsync/internal/queue"
	"shiftsync/internal/store"
	"shiftsync/internal/strategy"
	"shiftsync/internal/transport"
)

// HeaderName tells the UI how a response was produced: hit, stale, miss,
// live, queued, bypass, ignore-by-status, no-cache, bad-gateway or
// unavailable.
const HeaderName = "X-Shiftsync"

const maxBodyBytes = 10 << 20

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleRead(w, r)
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		s.handleMutation(w, r)
	default:
		s.proxyPass(w, r)
	}
}

func (s *Service) handleRead(w http.ResponseWriter, r *http.Request) {
	res, err := s.router.Fetch(r.Context(), strategy.Request{
		Method: http.MethodGet,
		URL:    r.URL.RequestURI(),
		Header: forwardHeader(r.Header),
	})
	if err != nil {
		s.writeReadError(w, err)
		return
	}

	kind := "miss"
	switch {
	case res.FromCache && res.IsStale:
		kind = "stale"
	case res.FromCache:
		kind = "hit"
	default:
		if pol, _, _ := s.policies.Lookup(r.URL.Path); pol.Strategy == policy.NetworkOnly {
			kind = "live"
		}
	}

	h := w.Header()
	if ct := res.Metadata[strategy.MetaContentType]; ct != "" {
		h.Set("Content-Type", ct)
	}
	if res.FromCache {
		h.Set("Age", strconv.Itoa(int(res.Age/time.Second)))
	}
	status := http.StatusOK
	if v, err := strconv.Atoi(res.Metadata[strategy.MetaStatus]); err == nil && v > 0 {
		status = v
	}
	setShiftsyncHeaders(h, kind)
	w.WriteHeader(status)
	_, _ = w.Write(res.Data)
	s.stats.Observe(len(res.Data), res.FromCache)
}

func (s *Service) writeReadError(w http.ResponseWriter, err error) {
	var se *transport.StatusError
	switch {
	case errors.As(err, &se):
		writeResponse(w, &transport.Response{Status: se.Status, Header: se.Header, Body: se.Body}, "ignore-by-status")
	case errors.Is(err, strategy.ErrNoCachedData):
		setShiftsyncHeaders(w.Header(), "no-cache")
		http.Error(w, "offline and nothing cached", http.StatusGatewayTimeout)
	case errors.Is(err, transport.ErrUnreachable):
		setShiftsyncHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
	default:
		s.logger.Error("read failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// handleMutation applies the write directly while online. When the server
// is unreachable the write is queued for the reconciliation engine, if the
// endpoint allows offline writes.
func (s *Service) handleMutation(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	ctx := transport.ContextWithToken(r.Context(), transport.BearerToken(r.Header))
	uri := r.URL.RequestURI()
	fields := queue.FieldsFromBody(body)
	// a type carried by the body is part of the payload and wins
	typ, _ := fields["type"].(string)
	if typ == "" {
		typ = s.invalidations.TypeFor(r.URL.Path)
	}

	// one key for the direct attempt and every replay
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		idemKey = uuid.NewString()
	}

	if s.oracle.Online() {
		h := forwardHeader(r.Header)
		h.Set("Idempotency-Key", idemKey)
		if h.Get("Authorization") == "" {
			if tok, ok := s.creds.Token(ctx); ok {
				h.Set("Authorization", transport.BearerHeader(tok))
			}
		}
		resp, err := s.transport.Do(ctx, &transport.Request{Method: r.Method, URL: uri, Header: h, Body: body})
		if err == nil {
			if resp.OK() {
				for _, p := range s.invalidations.Patterns(typ, uri) {
					if _, err := s.cache.Invalidate(ctx, p); err != nil {
						s.logger.Warn("cache invalidation failed", zap.String("pattern", p), zap.Error(err))
					}
				}
				s.metrics.Mutation("direct")
			}
			writeResponse(w, resp, "live")
			return
		}
		s.logger.Info("mutation failed live, queueing", zap.String("path", uri), zap.Error(err))
		s.oracle.ReportUnreachable()
	}

	pol, _, matched := s.policies.Lookup(r.URL.Path)
	if matched && !pol.OfflineSupport && !pol.BackgroundSync {
		setShiftsyncHeaders(w.Header(), "unavailable")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "offline: endpoint does not accept queued writes"})
		return
	}

	rec, err := s.queue.Enqueue(ctx, queue.Mutation{
		Type:           typ,
		Method:         r.Method,
		Path:           uri,
		Fields:         fields,
		IdempotencyKey: idemKey,
	})
	switch {
	case errors.Is(err, queue.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error()})
		return
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, store.ErrStorageUnavailable):
		writeJSON(w, http.StatusInsufficientStorage, errorBody{Error: err.Error()})
		return
	case err != nil:
		s.logger.Error("enqueue failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}

	setShiftsyncHeaders(w.Header(), "queued")
	writeJSON(w, http.StatusAccepted, queuedBody{Queued: true, ID: rec.ID, CapturedAt: rec.Payload.CapturedAt})
}

type queuedBody struct {
	Queued     bool      `json:"queued"`
	ID         uint64    `json:"id"`
	CapturedAt time.Time `json:"capturedAt"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request) {
	resp, err := s.transport.Do(r.Context(), &transport.Request{
		Method: r.Method,
		URL:    r.URL.RequestURI(),
		Header: forwardHeader(r.Header),
	})
	if err != nil {
		setShiftsyncHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeResponse(w, resp, "bypass")
}

func writeResponse(w http.ResponseWriter, resp *transport.Response, kind string) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, HeaderName) || strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setShiftsyncHeaders(w.Header(), kind)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var hopHeaders = []string{"Connection", "Content-Length", "Keep-Alive", "Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade"}

func forwardHeader(src http.Header) http.Header {
	h := src.Clone()
	if h == nil {
		h = http.Header{}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
	return h
}

func setShiftsyncHeaders(h http.Header, kind string) {
	if kind != "" {
		h.Set(HeaderName, kind)
	}
	// If this is used from a browser in a CORS context, custom headers are not
	// readable by JS unless explicitly exposed.
	ensureExposedHeader(h, HeaderName)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	// Merge into a single comma-separated value.
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
