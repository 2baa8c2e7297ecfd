//go:build integration
// +build integration

package kvstore

import (
	"context"
	"os"
	"testing"
	"time"
)

// TestMemcachedStore_Integration verifies set/get/remove against a running memcached.
func TestMemcachedStore_Integration(t *testing.T) {
	addrs := os.Getenv("MEMCACHED_ADDRS")
	if addrs == "" {
		addrs = "localhost:11211"
	}
	s := NewMemcachedStore(addrs, 500*time.Millisecond, 2)
	defer s.Close()
	if err := s.Ping(); err != nil {
		t.Skipf("memcached not available: %v", err)
	}

	ctx := context.Background()
	if err := s.SetItem(ctx, "it:cache", "[]"); err != nil {
		t.Fatalf("SetItem() error = %v", err)
	}
	got, ok, err := s.GetItem(ctx, "it:cache")
	if err != nil || !ok || got != "[]" {
		t.Fatalf("GetItem() = %q, %v, %v", got, ok, err)
	}
	if err := s.RemoveItem(ctx, "it:cache"); err != nil {
		t.Fatalf("RemoveItem() error = %v", err)
	}
	if err := s.RemoveItem(ctx, "it:cache"); err != nil {
		t.Errorf("RemoveItem() missing key error = %v, want nil", err)
	}
}

// TestPostgresStore_Integration verifies the upsert path against DATABASE_URL.
func TestPostgresStore_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	defer s.Close()

	if err := s.SetItem(ctx, "it:queue", "[1]"); err != nil {
		t.Fatalf("SetItem() error = %v", err)
	}
	if err := s.SetItem(ctx, "it:queue", "[1,2]"); err != nil {
		t.Fatalf("SetItem() upsert error = %v", err)
	}
	got, ok, err := s.GetItem(ctx, "it:queue")
	if err != nil || !ok || got != "[1,2]" {
		t.Fatalf("GetItem() = %q, %v, %v", got, ok, err)
	}
	if err := s.RemoveItem(ctx, "it:queue"); err != nil {
		t.Fatalf("RemoveItem() error = %v", err)
	}
	if _, ok, _ := s.GetItem(ctx, "it:queue"); ok {
		t.Error("GetItem() after remove ok = true")
	}
}
