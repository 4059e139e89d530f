package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"shiftsync/internal/queue"
	"shiftsync/internal/transport"
)

type batchItem struct {
	ID             uint64          `json:"id"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Method         string          `json:"method"`
	Path           string          `json:"path"`
	Authorization  string          `json:"authorization"`
	Payload        json.RawMessage `json:"payload"`
}

type batchRequest struct {
	Mutations []batchItem `json:"mutations"`
}

type batchResult struct {
	ID     uint64 `json:"id"`
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
}

type batchResponse struct {
	Results []batchResult `json:"results"`
}

// drainBatch submits every pending item in one request. It returns false
// when the server has no batch endpoint or refuses the batch request itself,
// so the caller replays item by item.
func (e *Engine) drainBatch(ctx context.Context, pending []queue.Record, res *Result) (bool, error) {
	req := batchRequest{Mutations: make([]batchItem, 0, len(pending))}
	for _, rec := range pending {
		body, err := rec.Body()
		if err != nil {
			return true, fmt.Errorf("encode mutation %d: %w", rec.ID, err)
		}
		method := rec.Method
		if method == "" {
			method = http.MethodPost
		}
		req.Mutations = append(req.Mutations, batchItem{
			ID:             rec.ID,
			IdempotencyKey: rec.IdempotencyKey,
			Method:         method,
			Path:           rec.Path,
			Authorization:  transport.BearerHeader(e.credential(ctx, rec)),
			Payload:        body,
		})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return true, fmt.Errorf("encode batch: %w", err)
	}

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", req.Mutations[0].Authorization)
	resp, err := e.transport.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		URL:    e.batchPath,
		Header: h,
		Body:   body,
	})
	if err != nil {
		if e.oracle != nil {
			e.oracle.ReportUnreachable()
		}
		return true, err
	}

	switch {
	case resp.Status == http.StatusNotFound,
		resp.Status == http.StatusMethodNotAllowed,
		resp.Status == http.StatusNotImplemented:
		return false, nil
	case !resp.OK() && classify(resp.Status) != retryable:
		// the envelope was refused, which says nothing about the items
		e.logger.Info("batch request refused", zap.Int("status", resp.Status))
		return false, nil
	case !resp.OK():
		// the whole batch failed the same transient way
		for _, rec := range pending {
			if err := e.settle(ctx, rec, resp.Status, resp.Body, res); err != nil {
				return true, err
			}
		}
		return true, nil
	}

	var out batchResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return true, fmt.Errorf("decode batch response: %w", err)
	}
	byID := make(map[uint64]batchResult, len(out.Results))
	for _, r := range out.Results {
		byID[r.ID] = r
	}
	for _, rec := range pending {
		r, ok := byID[rec.ID]
		if !ok {
			e.logger.Warn("batch response has no result for mutation", zap.Uint64("id", rec.ID))
		}
		if err := e.settle(ctx, rec, r.Status, []byte(r.Error), res); err != nil {
			return true, err
		}
	}
	return true, nil
}
