// Package landscape implements the Landscape recorder: the append-only
// audit store that is the exclusive writer of every identity and lineage
// table in the data model (runs, nodes, edges, rows, tokens, token_parents,
// node_states, routing_events, batches, batch_members, batch_outputs,
// artifacts, validation_errors). Terminal RowOutcome is never stored; it is
// derived at query time by Explain.
package landscape

import "time"

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// NodeType classifies a compiled graph vertex.
type NodeType string

const (
	NodeTypeSource      NodeType = "source"
	NodeTypeTransform   NodeType = "transform"
	NodeTypeGate        NodeType = "gate"
	NodeTypeAggregation NodeType = "aggregation"
	NodeTypeCoalesce    NodeType = "coalesce"
	NodeTypeSink        NodeType = "sink"
)

// Determinism classifies how reproducible a plugin's output is expected to
// be, independent of the engine's own determinism guarantees.
type Determinism string

const (
	DeterminismDeterministic  Determinism = "deterministic"
	DeterminismSeeded         Determinism = "seeded"
	DeterminismNondeterminism Determinism = "nondeterministic"
	DeterminismIORead         Determinism = "io_read"
)

// EdgeMode controls whether a gate route terminates the token at its
// destination (move) or also continues the original token down the spine
// (copy).
type EdgeMode string

const (
	EdgeModeMove EdgeMode = "move"
	EdgeModeCopy EdgeMode = "copy"
)

// NodeStateStatus is the lifecycle of one attempt of one token at one node.
type NodeStateStatus string

const (
	NodeStateRunning   NodeStateStatus = "running"
	NodeStateCompleted NodeStateStatus = "completed"
	NodeStateFailed    NodeStateStatus = "failed"
	NodeStateRetried   NodeStateStatus = "retried"
	NodeStateSkipped   NodeStateStatus = "skipped"
)

// RoutingKind classifies a gate decision.
type RoutingKind string

const (
	RoutingContinue    RoutingKind = "continue"
	RoutingRouteToSink RoutingKind = "route_to_sink"
	RoutingForkPaths   RoutingKind = "fork_to_paths"
)

// BatchStatus is the lifecycle of an aggregation batch.
type BatchStatus string

const (
	BatchStatusDraft     BatchStatus = "draft"
	BatchStatusExecuting BatchStatus = "executing"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
)

// RowOutcome is a token's terminal classification. It is never persisted;
// Explain derives it at query time. Buffered is the only non-terminal value.
type RowOutcome string

const (
	OutcomeCompleted        RowOutcome = "completed"
	OutcomeRouted           RowOutcome = "routed"
	OutcomeForked           RowOutcome = "forked"
	OutcomeConsumedInBatch  RowOutcome = "consumed_in_batch"
	OutcomeCoalesced        RowOutcome = "coalesced"
	OutcomeQuarantined      RowOutcome = "quarantined"
	OutcomeFailed           RowOutcome = "failed"
	OutcomeExpanded         RowOutcome = "expanded"
	OutcomeBuffered         RowOutcome = "buffered"
)

// Run is a single execution of a compiled pipeline.
type Run struct {
	RunID            string
	StartedAt        time.Time
	CompletedAt      *time.Time
	Status           RunStatus
	ConfigHash       string
	CanonicalVersion string
}

// Node is a compiled graph vertex.
type Node struct {
	NodeID           string
	RunID            string
	PluginName       string
	NodeType         NodeType
	PluginVersion    string
	Determinism      Determinism
	Config           map[string]interface{}
	ConfigHash       string
	InputSchemaHash  string
	OutputSchemaHash string
	Sequence         int
}

// Edge is a directed graph edge between two nodes.
type Edge struct {
	EdgeID     string
	RunID      string
	FromNodeID string
	ToNodeID   string
	Label      string
	Mode       EdgeMode
}

// Row is the original datum produced by a source; it persists across token
// forks and expansions.
type Row struct {
	RowID        string
	RunID        string
	SourceNodeID string
	RowIndex     int
	Data         map[string]interface{}
	CreatedAt    time.Time
}

// Token is one row's instance on one DAG path.
type Token struct {
	TokenID        string
	RowID          string
	CreatedAt      time.Time
	ForkGroupID    string
	JoinGroupID    string
	ExpandGroupID  string
	BranchName     string
	StepInPipeline int
	HasStep        bool
}

// TokenParent records a parent/child lineage edge between tokens. Multiple
// parents are allowed (join/coalesce); the parent graph is acyclic.
type TokenParent struct {
	TokenID       string
	ParentTokenID string
	Ordinal       int
}

// NodeState is one attempt of one token at one node.
type NodeState struct {
	StateID       string
	TokenID       string
	NodeID        string
	Attempt       int
	Status        NodeStateStatus
	StartedAt     time.Time
	CompletedAt   *time.Time
	InputHash     string
	OutputHash    string
	DurationMS    int64
	ErrorJSON     map[string]interface{}
	ContextBefore map[string]interface{}
	ContextAfter  map[string]interface{}
}

// RoutingEvent is a gate decision, including continue. Every gate invocation
// produces exactly one.
type RoutingEvent struct {
	EventID      string
	StateID      string
	Kind         RoutingKind
	Destinations []string
	Mode         EdgeMode
	Reason       map[string]interface{}
}

// Batch groups input tokens absorbed by an aggregation node.
type Batch struct {
	BatchID     string
	RunID       string
	NodeID      string
	Status      BatchStatus
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// BatchMember records one input token's membership in a batch.
type BatchMember struct {
	BatchID string
	TokenID string
	Ordinal int
}

// BatchOutput records one row a batch produced.
type BatchOutput struct {
	BatchID    string
	Ordinal    int
	DataHash   string
	PayloadRef string
}

// Artifact is a sink-produced external object, written only on sink
// success.
type Artifact struct {
	ArtifactID     string
	StateID        string
	Kind           string
	PathOrURI      string
	ContentHash    string
	SizeBytes      int64
	IdempotencyKey string
}

// Call records one external call made by a transform during a node state,
// identified by hashes rather than payloads so the audit row stays small.
type Call struct {
	CallID       string
	StateID      string
	Target       string
	RequestHash  string
	ResponseHash string
	DurationMS   int64
	CreatedAt    time.Time
}

// ValidationErrorRecord is a source-side row that failed schema validation
// and was quarantined or dropped before becoming a token.
type ValidationErrorRecord struct {
	RunID        string
	SourceNodeID string
	RowIndex     int
	Reason       string
	RawDataRef   string
	CreatedAt    time.Time
}

// PayloadRef is a content-addressed blob reference recorded when an inline
// payload would exceed the configured externalization threshold.
type PayloadRef struct {
	ContentHash string
	SizeBytes   int64
	Kind        string
}
