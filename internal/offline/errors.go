package offline

import (
	"errors"
	"fmt"

	"github.com/kjstillabower/weather-offline-service/internal/models"
)

var (
	// ErrNoCachedData matches every *NoCachedDataError.
	ErrNoCachedData = errors.New("no cached data available")
	// ErrQueueItemNotFound is returned by RetryQueueItem for an unknown id.
	ErrQueueItemNotFound = errors.New("queue item not found")
	// ErrOffline is returned by RetryQueueItem while the network is offline.
	ErrOffline = errors.New("network is offline")
	// ErrDroppedNonRetryable is returned by RetryQueueItem when a failure that
	// retrying cannot fix removed the item.
	ErrDroppedNonRetryable = errors.New("queue item dropped, failure is not retryable")
)

// NoCachedDataError reports that neither the weather API nor the cache produced
// data. The request has been queued for retry under QueueItemID.
type NoCachedDataError struct {
	Location    models.Location
	Kind        models.OperationKind
	Offline     bool
	QueueItemID string
	// Err is the remote failure; nil when the fetch was skipped because the client was offline.
	Err error
}

func (e *NoCachedDataError) Error() string {
	if e.Offline {
		return fmt.Sprintf("no cached %s data for %s while offline", e.Kind, e.Location.ID)
	}
	return fmt.Sprintf("no cached %s data for %s: %v", e.Kind, e.Location.ID, e.Err)
}

func (e *NoCachedDataError) Unwrap() error { return e.Err }

func (e *NoCachedDataError) Is(target error) bool { return target == ErrNoCachedData }
