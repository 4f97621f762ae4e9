package landscape

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // registers the "postgres" database/sql driver
)

// NewPostgresRecorder opens a Postgres-backed Recorder using
// github.com/lib/pq, for deployments where several orchestrator instances
// share one audit database.
func NewPostgresRecorder(ctx context.Context, dsn string) (*SQLRecorder, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("landscape: open postgres: %w", err)
	}
	return newSQLRecorder(ctx, db, postgresPlaceholder)
}
