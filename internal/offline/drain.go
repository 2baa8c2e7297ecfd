package offline

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-offline-service/internal/observability"
	"github.com/kjstillabower/weather-offline-service/internal/retry"
)

// DrainSummary reports the outcome of one ProcessOfflineQueue call.
type DrainSummary struct {
	Processed int `json:"processed"`
	// Failed counts items removed without success.
	Failed    int `json:"failed"`
	Requeued  int `json:"requeued"`
	Remaining int `json:"remaining"`
	// Skipped is set when another drain was already running.
	Skipped bool `json:"skipped"`
	// Interrupted is set when the drain stopped early because the network went offline.
	Interrupted bool `json:"interrupted"`
}

// ProcessOfflineQueue replays every queued request once, in insertion order.
// Items that succeed refresh the cache and leave the queue; items that fail
// use up one retry or are dropped. Only one drain runs at a time: a
// concurrent call returns immediately with Skipped set.
//
// The returned error is non-nil only when ctx ends mid-drain.
func (m *Manager) ProcessOfflineQueue(ctx context.Context) (DrainSummary, error) {
	if !m.processing.CompareAndSwap(false, true) {
		observability.QueueDrainsTotal.WithLabelValues("skipped").Inc()
		return DrainSummary{Skipped: true}, nil
	}
	observability.QueueProcessing.Set(1)
	m.notify(ctx)
	defer func() {
		m.processing.Store(false)
		observability.QueueProcessing.Set(0)
		m.notify(ctx)
	}()

	var summary DrainSummary
	var drainErr error
	items := m.queue.List(ctx)

	for _, item := range items {
		if !m.monitor.IsOnline() {
			summary.Interrupted = true
			break
		}
		_, err := m.replay(ctx, item)
		if err == nil {
			summary.Processed++
			observability.QueueDrainItemsTotal.WithLabelValues("processed").Inc()
			continue
		}
		if ctx.Err() != nil || errors.Is(err, retry.ErrBackoffCanceled) {
			drainErr = err
			break
		}
		if m.settleFailure(ctx, item, err) == requeued {
			summary.Requeued++
			observability.QueueDrainItemsTotal.WithLabelValues("requeued").Inc()
			continue
		}
		summary.Failed++
		observability.QueueDrainItemsTotal.WithLabelValues("failed").Inc()
	}

	summary.Remaining = m.queue.Len(context.WithoutCancel(ctx))
	result := "completed"
	switch {
	case drainErr != nil:
		result = "canceled"
	case summary.Interrupted:
		result = "interrupted"
	}
	observability.QueueDrainsTotal.WithLabelValues(result).Inc()
	m.logger.Info("offline queue processed",
		zap.String("result", result),
		zap.Int("processed", summary.Processed),
		zap.Int("failed", summary.Failed),
		zap.Int("requeued", summary.Requeued),
		zap.Int("remaining", summary.Remaining),
	)
	return summary, drainErr
}
