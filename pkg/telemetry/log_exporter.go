package telemetry

import (
	"context"
	"log/slog"
)

// LogExporter writes each event as a structured slog record. It is the
// zero-dependency default exporter used when no OTLP collector is
// configured.
type LogExporter struct {
	logger *slog.Logger
}

// NewLogExporter builds a LogExporter. A nil logger falls back to
// slog.Default().
func NewLogExporter(logger *slog.Logger) *LogExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogExporter{logger: logger.With("component", "telemetry")}
}

func (e *LogExporter) Name() string { return "log" }

func (e *LogExporter) Export(ctx context.Context, ev Event) error {
	args := []interface{}{
		"kind", ev.Kind,
		"run_id", ev.RunID,
		"node_id", ev.NodeID,
		"token_id", ev.TokenID,
	}
	if ev.Duration > 0 {
		args = append(args, "duration", ev.Duration)
	}
	if ev.Err != nil {
		args = append(args, "error", ev.Err)
		e.logger.ErrorContext(ctx, "pipeline event", args...)
		return nil
	}
	e.logger.InfoContext(ctx, "pipeline event", args...)
	return nil
}

func (e *LogExporter) Close() error { return nil }

var _ Exporter = (*LogExporter)(nil)
