package payloadstore

import (
	"context"
	"testing"
)

func TestMemoryStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	data := []byte("hello audit trail")
	hash, err := s.Put(ctx, data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("round-trip mismatch: got %q want %q", got, data)
	}
}

func TestMemoryStore_PutIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	data := []byte("duplicate me")
	h1, err := s.Put(ctx, data)
	if err != nil {
		t.Fatalf("Put 1: %v", err)
	}
	h2, err := s.Put(ctx, data)
	if err != nil {
		t.Fatalf("Put 2: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected identical hash for identical content, got %s and %s", h1, h2)
	}
	if len(s.blobs) != 1 {
		t.Fatalf("expected exactly one physical copy, got %d", len(s.blobs))
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.Get(ctx, "deadbeef"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_IntegrityError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	hash, err := s.Put(ctx, []byte("original"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Corrupt the stored bytes directly, simulating on-disk corruption.
	s.blobs[hash] = []byte("tampered")

	if _, err := s.Get(ctx, hash); err != ErrIntegrity {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	hash, _ := s.Put(ctx, []byte("gone soon"))
	existed, err := s.Delete(ctx, hash)
	if err != nil || !existed {
		t.Fatalf("Delete: existed=%v err=%v", existed, err)
	}
	if ok, _ := s.Exists(ctx, hash); ok {
		t.Fatal("expected blob to no longer exist")
	}
}
