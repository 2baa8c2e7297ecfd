package kvstore

import (
	"context"
	"time"

	"github.com/kjstillabower/weather-offline-service/internal/observability"
)

type instrumented struct {
	next      Store
	component string
}

// Instrument wraps s so each call is timed under storageOperationDurationSeconds
// with the given component label.
func Instrument(s Store, component string) Store {
	return &instrumented{next: s, component: component}
}

func (i *instrumented) observe(op string, start time.Time) {
	observability.StorageOperationDuration.WithLabelValues(i.component, op).Observe(time.Since(start).Seconds())
}

func (i *instrumented) GetItem(ctx context.Context, key string) (string, bool, error) {
	defer i.observe("get", time.Now())
	return i.next.GetItem(ctx, key)
}

func (i *instrumented) SetItem(ctx context.Context, key, value string) error {
	defer i.observe("set", time.Now())
	return i.next.SetItem(ctx, key, value)
}

func (i *instrumented) RemoveItem(ctx context.Context, key string) error {
	defer i.observe("remove", time.Now())
	return i.next.RemoveItem(ctx, key)
}
