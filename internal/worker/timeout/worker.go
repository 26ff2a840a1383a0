package timeout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/corray333/backend-labs/saga/internal/metrics"
	"github.com/corray333/backend-labs/saga/internal/service/models/saga"
)

type sagaFinder interface {
	FindExpiredPending(ctx context.Context, now time.Time, limit int) ([]saga.Instance, error)
}

type timeoutHandler interface {
	HandleTimeout(ctx context.Context, sagaID string) (bool, error)
}

// Worker cancels PENDING sagas whose deadline has passed.
type Worker struct {
	finder        sagaFinder
	handler       timeoutHandler
	service       string
	checkInterval time.Duration
	limit         int
	now           func() time.Time
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// NewWorker creates a new timeout worker.
func NewWorker(finder sagaFinder, handler timeoutHandler, service string, checkInterval time.Duration, limit int) *Worker {
	if checkInterval <= 0 {
		checkInterval = 10 * time.Second
	}
	if limit <= 0 {
		limit = 100
	}

	return &Worker{
		finder:        finder,
		handler:       handler,
		service:       service,
		checkInterval: checkInterval,
		limit:         limit,
		now:           time.Now,
		stopCh:        make(chan struct{}),
	}
}

// Start scans for expired sagas every check interval.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	slog.Info("Saga timeout worker started", "check_interval", w.checkInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Saga timeout worker shutting down")

			return
		case <-w.stopCh:
			slog.Info("Saga timeout worker stopped")

			return
		case <-ticker.C:
			w.Scan(ctx)
		}
	}
}

// Stop stops the worker.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Scan cancels every expired candidate and returns how many were cancelled.
// A failing candidate is logged and skipped.
func (w *Worker) Scan(ctx context.Context) int {
	candidates, err := w.finder.FindExpiredPending(ctx, w.now().UTC(), w.limit)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to find expired sagas", "error", err)

		return 0
	}

	cancelled := 0
	for _, inst := range candidates {
		if ctx.Err() != nil {
			break
		}

		applied, err := w.handler.HandleTimeout(ctx, inst.SagaID)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to time out saga", "saga_id", inst.SagaID, "error", err)

			continue
		}
		if applied {
			cancelled++
			metrics.Get().SagaTimeouts.WithLabelValues(w.service).Inc()
			slog.WarnContext(ctx, "Saga timed out", "saga_id", inst.SagaID, "order_id", inst.OrderID, "timeout_at", inst.TimeoutAt)
		}
	}

	return cancelled
}
