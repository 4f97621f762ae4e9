// Package payloadstore implements the content-addressable blob store used
// to externalize row/aggregate/error/context payloads that would otherwise
// bloat inline NodeState/BatchOutput storage past a configured threshold.
// It is an audit boundary: bytes written via Put must be byte-identical on
// Get, and corruption must be detectable, not silently returned.
package payloadstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrNotFound is returned by Get when no blob exists for the given hash.
var ErrNotFound = errors.New("payloadstore: not found")

// ErrIntegrity is returned by Get when the stored bytes no longer hash to
// the key they were stored under.
var ErrIntegrity = errors.New("payloadstore: integrity check failed")

// Store is the content-addressable payload store contract.
type Store interface {
	// Put stores bytes idempotently and returns their SHA-256 hex digest.
	// Repeated puts of identical bytes never create a second physical copy.
	Put(ctx context.Context, data []byte) (hash string, err error)
	// Get retrieves bytes by hash. Returns ErrNotFound if absent,
	// ErrIntegrity if the stored bytes no longer match hash.
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
	Delete(ctx context.Context, hash string) (bool, error)
	Close() error
}

// HashOf returns the SHA-256 hex digest of data, the function every backend
// uses to mint the content address.
func HashOf(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
