package landscape

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// NewSQLiteRecorder opens (creating if necessary) a SQLite-backed Recorder
// at path, using the modernc.org/sqlite pure-Go driver. This is the
// Landscape recorder's default embedded backend; single-process
// deployments need no database server at all.
func NewSQLiteRecorder(ctx context.Context, path string) (*SQLRecorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("landscape: open sqlite: %w", err)
	}
	return newSQLRecorder(ctx, db, sqlitePlaceholder)
}
