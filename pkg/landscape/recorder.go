package landscape

import (
	"context"
	"time"
)

// SchemaConfig carries a node's declared input/output schema (as JSON
// Schema documents) so the recorder can hash them for node registration.
type SchemaConfig struct {
	InputSchema  map[string]interface{}
	OutputSchema map[string]interface{}
}

// Recorder is the exclusive writer of the audit tables. Every operation
// either succeeds and appends, or returns an error the caller must treat as
// fatal for the enclosing operation (wrapped by callers as *elserr.AuditError).
//
// Register* operations are idempotent within a run, keyed on their identity
// tuples: calling register_node/register_edge twice with the same tuple
// returns the existing row rather than erroring.
type Recorder interface {
	BeginRun(ctx context.Context, configHash, canonicalVersion string) (*Run, error)
	CompleteRun(ctx context.Context, runID string, status RunStatus) error

	RegisterNode(ctx context.Context, runID, nodeID, pluginName string, nodeType NodeType, pluginVersion string, config map[string]interface{}, determinism Determinism, schema SchemaConfig, sequence int) (*Node, error)
	RegisterEdge(ctx context.Context, runID, edgeID, fromNodeID, toNodeID, label string, mode EdgeMode) (*Edge, error)

	CreateRow(ctx context.Context, runID, sourceNodeID string, rowIndex int, data map[string]interface{}) (*Row, error)
	CreateToken(ctx context.Context, rowID string) (*Token, error)
	ForkToken(ctx context.Context, parentTokenID, branchName string, stepInPipeline int, overrideData map[string]interface{}) (*Token, error)
	ExpandToken(ctx context.Context, parentTokenID, rowID string, count int, stepInPipeline int) ([]*Token, error)
	JoinTokens(ctx context.Context, tokenIDs []string, joinGroupID string, rowID string) (*Token, error)

	BeginNodeState(ctx context.Context, tokenID, nodeID string, stepIndex int, inputData interface{}, attempt int) (*NodeState, error)
	CompleteNodeState(ctx context.Context, stateID string, status NodeStateStatus, outputData interface{}, durationMS int64, errInfo map[string]interface{}, contextAfter map[string]interface{}) error

	RecordRoutingEvent(ctx context.Context, stateID string, kind RoutingKind, destinations []string, mode EdgeMode, reason map[string]interface{}) (*RoutingEvent, error)

	CreateBatch(ctx context.Context, runID, nodeID string) (*Batch, error)
	AddBatchMember(ctx context.Context, batchID, tokenID string, ordinal int) error
	UpdateBatchStatus(ctx context.Context, batchID string, status BatchStatus, errInfo map[string]interface{}) error
	AddBatchOutput(ctx context.Context, batchID string, ordinal int, dataHash string, payloadRef string) error

	RecordArtifact(ctx context.Context, stateID, kind, pathOrURI string, contentHash string, sizeBytes int64, idempotencyKey string) (*Artifact, error)
	RecordValidationError(ctx context.Context, runID, sourceNodeID string, rowIndex int, reason, rawDataRef string) error
	RecordCall(ctx context.Context, stateID, target, requestHash, responseHash string, durationMS int64) (*Call, error)

	// Reader surface used by Explain and by cmd/elspeth verify/doctor.
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListNodeStates(ctx context.Context, runID string) ([]*NodeState, error)
	ListRoutingEvents(ctx context.Context, runID string) ([]*RoutingEvent, error)
	ListTokenParents(ctx context.Context, runID string) ([]*TokenParent, error)
	ListBatchMembers(ctx context.Context, runID string) ([]*BatchMember, error)
	ListBatches(ctx context.Context, runID string) ([]*Batch, error)
	ListTokens(ctx context.Context, runID string) ([]*Token, error)

	Close() error
}

// now is overridable in tests; production code always calls time.Now.
var now = time.Now
