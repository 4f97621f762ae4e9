// Command elspeth is the thin CLI over the execution core: run a
// pipeline, explain a finished run's token outcomes, verify a run's audit
// chain, and doctor a configuration without running it. All real work
// lives in pkg/*.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/tachyon-beep/elspeth/pkg/elserr"
	"github.com/tachyon-beep/elspeth/pkg/engine"
	"github.com/tachyon-beep/elspeth/pkg/graph"
	"github.com/tachyon-beep/elspeth/pkg/landscape"
	"github.com/tachyon-beep/elspeth/pkg/payloadstore"
	"github.com/tachyon-beep/elspeth/pkg/pipelineconfig"
	"github.com/tachyon-beep/elspeth/pkg/plugin"
	"github.com/tachyon-beep/elspeth/pkg/telemetry"

	_ "github.com/lib/pq" // Postgres driver for the landscape backend
)

func main() {
	os.Exit(Run(os.Args, plugin.DefaultRegistry, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split from main for testing.
func Run(args []string, reg *plugin.Registry, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}
	switch args[1] {
	case "run":
		return runCmd(args[2:], reg, stdout, stderr)
	case "explain":
		return explainCmd(args[2:], stdout, stderr)
	case "verify":
		return verifyCmd(args[2:], stdout, stderr)
	case "doctor":
		return doctorCmd(args[2:], reg, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "elspeth: unknown command %q\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: elspeth <command> [flags]")
	fmt.Fprintln(w, "  run     -config <file>          execute a pipeline")
	fmt.Fprintln(w, "  explain -db <file> [-filter expr] <run_id>   derive token outcomes")
	fmt.Fprintln(w, "  verify  -db <file> <run_id>     recompute the audit hash chain")
	fmt.Fprintln(w, "  doctor  -config <file>          validate a pipeline without running it")
}

func openRecorder(ctx context.Context, cfg *pipelineconfig.Config) (landscape.Recorder, error) {
	if !cfg.Landscape.Enabled || cfg.Landscape.URL == "" {
		return landscape.NewMemoryRecorder(), nil
	}
	if strings.HasPrefix(cfg.Landscape.URL, "postgres://") || strings.HasPrefix(cfg.Landscape.URL, "postgresql://") {
		return landscape.NewPostgresRecorder(ctx, cfg.Landscape.URL)
	}
	return landscape.NewSQLiteRecorder(ctx, cfg.Landscape.URL)
}

func openPayloadStore(cfg *pipelineconfig.Config) (payloadstore.Store, error) {
	switch cfg.PayloadStore.Backend {
	case "", "memory":
		return payloadstore.NewMemoryStore(), nil
	case "filesystem":
		return payloadstore.NewFilesystemStore(cfg.PayloadStore.BasePath)
	default:
		return nil, fmt.Errorf("elspeth: unsupported payload store backend %q (use the library for s3/gcs wiring)", cfg.PayloadStore.Backend)
	}
}

func buildTelemetry(ctx context.Context, cfg *pipelineconfig.Config, logger *slog.Logger) (*telemetry.Manager, error) {
	var exporters []telemetry.Exporter
	for _, e := range cfg.Telemetry.Exporters {
		switch e.Type {
		case "log":
			exporters = append(exporters, telemetry.NewLogExporter(logger))
		case "otlp":
			exp, err := telemetry.NewOTelExporter(ctx, telemetry.OTelConfig{ServiceName: "elspeth", OTLPEndpoint: e.Endpoint, SetGlobal: true})
			if err != nil {
				return nil, err
			}
			exporters = append(exporters, exp)
		default:
			return nil, fmt.Errorf("elspeth: unknown telemetry exporter %q", e.Type)
		}
	}
	if len(exporters) == 0 {
		return nil, nil
	}

	mode := telemetry.BackpressureBlock
	if cfg.Telemetry.BackpressureMode == "DROP" {
		mode = telemetry.BackpressureDrop
	}
	var granularities []telemetry.Granularity
	for _, g := range cfg.Telemetry.Granularity {
		granularities = append(granularities, telemetry.Granularity(g))
	}
	return telemetry.New(telemetry.Config{
		QueueCapacity: cfg.Telemetry.QueueCapacity,
		Mode:          mode,
		Granularities: granularities,
		Logger:        logger,
	}, exporters...), nil
}

func compileFromConfig(path string, reg *plugin.Registry) (*pipelineconfig.Config, *graph.ExecutionGraph, error) {
	cfg, err := pipelineconfig.Load(path)
	if err != nil {
		return nil, nil, err
	}
	pipeline, err := pipelineconfig.Build(cfg, reg)
	if err != nil {
		return nil, nil, err
	}
	g, err := graph.Compile(pipeline)
	if err != nil {
		return nil, nil, elserr.NewConfigError("compile", err)
	}
	return cfg, g, nil
}

func runCmd(args []string, reg *plugin.Registry, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "pipeline.yaml", "pipeline configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, g, err := compileFromConfig(*configPath, reg)
	if err != nil {
		fmt.Fprintf(stderr, "elspeth run: %v\n", err)
		return 1
	}

	ctx := context.Background()
	logger := slog.Default()

	recorder, err := openRecorder(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "elspeth run: open landscape: %v\n", err)
		return 1
	}
	defer func() { _ = recorder.Close() }()

	payloads, err := openPayloadStore(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "elspeth run: open payload store: %v\n", err)
		return 1
	}
	defer func() { _ = payloads.Close() }()

	tele, err := buildTelemetry(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "elspeth run: telemetry: %v\n", err)
		return 1
	}

	retry := cfg.Retry.ToPlugin()
	result, runErr := engine.New(g, engine.Options{
		Recorder:             recorder,
		Telemetry:            tele,
		PayloadStore:         payloads,
		Logger:               logger,
		MaxWorkers:           cfg.Concurrency.MaxWorkers,
		DefaultRetry:         &retry,
		InlineThresholdBytes: cfg.PayloadStore.InlineThresholdBytes,
	}).Run(ctx)

	fmt.Fprintf(stdout, "run_id: %s\nstatus: %s\nrows_processed: %d\n", result.RunID, result.Status, result.RowsProcessed)
	if runErr != nil {
		fmt.Fprintf(stderr, "elspeth run: %v\n", runErr)
		return 1
	}
	return 0
}

func explainCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("explain", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "landscape.db", "landscape SQLite database")
	filter := fs.String("filter", "", "CEL filter over token_id/row_id/outcome/last_node_id/routed_to")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "elspeth explain: exactly one run_id argument required")
		return 2
	}
	runID := fs.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	recorder, err := landscape.NewSQLiteRecorder(ctx, *dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "elspeth explain: %v\n", err)
		return 1
	}
	defer func() { _ = recorder.Close() }()

	explanations, err := landscape.Explain(ctx, recorder, runID, *filter)
	if err != nil {
		fmt.Fprintf(stderr, "elspeth explain: %v\n", err)
		return 1
	}
	for _, e := range explanations {
		line := fmt.Sprintf("%s\t%s\t%s", e.TokenID, e.Outcome, e.LastNodeID)
		if e.RoutedTo != "" {
			line += "\t-> " + e.RoutedTo
		}
		fmt.Fprintln(stdout, line)
	}
	fmt.Fprintf(stdout, "%d tokens\n", len(explanations))
	return 0
}

func verifyCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "landscape.db", "landscape SQLite database")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "elspeth verify: exactly one run_id argument required")
		return 2
	}
	runID := fs.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	recorder, err := landscape.NewSQLiteRecorder(ctx, *dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "elspeth verify: %v\n", err)
		return 1
	}
	defer func() { _ = recorder.Close() }()

	intact, err := recorder.VerifyPersisted(ctx, runID)
	if err != nil {
		fmt.Fprintf(stderr, "elspeth verify: %v\n", err)
		return 1
	}
	if !intact {
		fmt.Fprintf(stdout, "run %s: TAMPERED (hash chain broken)\n", runID)
		return 1
	}
	fmt.Fprintf(stdout, "run %s: intact\n", runID)
	return 0
}

func doctorCmd(args []string, reg *plugin.Registry, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "pipeline.yaml", "pipeline configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	_, g, err := compileFromConfig(*configPath, reg)
	if err != nil {
		fmt.Fprintf(stderr, "elspeth doctor: %v\n", err)
		return 1
	}

	order := g.TopologicalOrder()
	fmt.Fprintf(stdout, "ok: %d nodes, %d edges\n", len(order), len(g.GetEdges()))
	for _, nodeID := range order {
		fmt.Fprintf(stdout, "  %s\n", nodeID)
	}
	return 0
}
