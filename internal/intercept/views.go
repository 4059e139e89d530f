package intercept

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"shiftsync/internal/strategy"
	"shiftsync/internal/transport"
)

const viewsTimeout = 2 * time.Minute

// refreshViewsAsync reloads the configured views in the background. A call
// made while a refresh is running is dropped.
func (s *Service) refreshViewsAsync() {
	if len(s.cfg.Views) == 0 {
		return
	}
	select {
	case <-s.stopCh:
		return
	default:
	}
	select {
	case s.viewSem <- struct{}{}:
	default:
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.viewSem }()

		ctx, cancel := context.WithTimeout(context.Background(), viewsTimeout)
		defer cancel()
		go func() {
			select {
			case <-s.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		s.refreshViews(ctx)
	}()
}

// refreshViews fetches every configured view from the server and caches it,
// so the UI reads the reconciled state after a drain.
func (s *Service) refreshViews(ctx context.Context) {
	if len(s.cfg.Views) == 0 {
		return
	}
	h := http.Header{}
	if tok, ok := s.creds.Token(ctx); ok {
		h.Set("Authorization", transport.BearerHeader(tok))
	}

	stored, failed := 0, 0
	for _, v := range s.cfg.Views {
		select {
		case <-ctx.Done():
			s.logger.Info("views refresh interrupted", zap.Int("stored", stored), zap.Error(ctx.Err()))
			return
		default:
		}
		if _, err := s.router.Refresh(ctx, strategy.Request{URL: v, Header: h.Clone()}); err != nil {
			failed++
			s.logger.Debug("view refresh failed", zap.String("view", v), zap.Error(err))
			continue
		}
		stored++
	}
	s.logger.Info("views refreshed", zap.Int("stored", stored), zap.Int("failed", failed))
}
