// Package kvstore provides the durable string-keyed store the weather cache
// and offline queue persist into. Backends: memory, file, memcached, postgres.
package kvstore

import (
	"context"
	"errors"
	"net"
	"strings"
)

var (
	// ErrQuotaExceeded is returned when a write would exceed the backend's capacity.
	ErrQuotaExceeded = errors.New("kvstore: quota exceeded")
	// ErrCorrupt is returned when a stored value cannot be read back.
	ErrCorrupt = errors.New("kvstore: corrupt value")
)

// Store is a synchronous string-keyed durable store. GetItem reports a
// missing key as ok=false with a nil error.
type Store interface {
	GetItem(ctx context.Context, key string) (string, bool, error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
}

// Categorize maps a store error to a stable metric label:
// timeout, connection, quota, corrupt or unknown.
func Categorize(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, ErrQuotaExceeded) {
		return "quota"
	}
	if errors.Is(err, ErrCorrupt) {
		return "corrupt"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}
