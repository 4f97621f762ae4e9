// Package ids generates the opaque stable identifiers used throughout the
// data model: run_id, row_id, token_id, state_id, event_id, batch_id, and
// artifact_id are all UUIDv4 strings minted here. node_id and edge_id are
// not: the graph compiler derives them deterministically from the pipeline.
package ids

import "github.com/google/uuid"

// New returns a new random UUIDv4 string, suitable for any *_id column.
func New() string {
	return uuid.NewString()
}

// IsValid reports whether s parses as a UUID, for validating IDs that
// arrived from outside the process (e.g. CLI arguments).
func IsValid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
