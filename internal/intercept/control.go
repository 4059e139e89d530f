package intercept

import (
	"encoding/json"
	"errors"
	"net/http"

	"shiftsync/internal/cache"
	"shiftsync/internal/metrics"
	"shiftsync/internal/queue"
	"shiftsync/internal/reconcile"
	"shiftsync/internal/store"
)

// Status is served on /_shiftsync/status.
type Status struct {
	Online         bool                  `json:"online"`
	PlatformOnline bool                  `json:"platformOnline"`
	Draining       bool                  `json:"draining"`
	Queue          int                   `json:"queue"`
	Cache          cache.Stats           `json:"cache"`
	Recovery       store.Recovery        `json:"recovery"`
	Responses      metrics.StatsSnapshot `json:"responses"`
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Sync(r.Context())
	if errors.Is(err, reconcile.ErrDrainInProgress) {
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleQueue(w http.ResponseWriter, r *http.Request) {
	recs, err := s.queue.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	out := make([]queue.Summary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Summary())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.Len(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, Status{
		Online:         s.oracle.Online(),
		PlatformOnline: s.oracle.PlatformOnline(),
		Draining:       s.engine.Draining(),
		Queue:          n,
		Cache:          s.cache.Stats(),
		Recovery:       s.store.Recovery(),
		Responses:      s.stats.Snapshot(),
	})
}

// handleConnectivity receives the platform online/offline flag from the UI
// shell and answers with the resulting reachability.
func (s *Service) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Online == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: `expected {"online": true|false}`})
		return
	}
	online := s.oracle.SetPlatformOnline(r.Context(), *in.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": online})
}

func (s *Service) handleCleanup(w http.ResponseWriter, r *http.Request) {
	expired, err := s.cache.Cleanup(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	evicted, err := s.cache.CleanupBySize(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"expired": expired,
		"evicted": evicted,
		"cache":   s.cache.Stats(),
	})
}
