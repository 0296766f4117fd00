package blobstore

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStorePutGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	uri, err := s.Put(ctx, "facility-a/sched-1/manifest.json", "application/json", []byte(`{"ok":true}`))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if uri != "mem://facility-a/sched-1/manifest.json" {
		t.Fatalf("unexpected uri %q", uri)
	}

	got, err := s.Get(ctx, "facility-a/sched-1/manifest.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"ok":true}` {
		t.Fatalf("unexpected blob %q", got)
	}
}

func TestMemoryStoreOverwrite(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Put(ctx, "k", "application/json", []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Put(ctx, "k", "application/json", []byte("v2")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("expected overwrite, got %q", got)
	}
}

func TestMemoryStoreMissing(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "absent"); !errors.Is(err, ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestMemoryStoreCopiesData(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	data := []byte("original")
	if _, err := s.Put(ctx, "k", "text/plain", data); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data[0] = 'X'

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "original" {
		t.Fatalf("store shares caller memory: %q", got)
	}
}
