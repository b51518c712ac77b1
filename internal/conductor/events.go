package conductor

import (
	"github.com/oklog/ulid/v2"

	"github.com/kodevadam/crucible/internal/testrun"
)

// EventType is one of the stable, public event names consumers key on.
type EventType string

const (
	EventIterationStarted EventType = "iteration_started"
	EventState            EventType = "state"
	EventOpsGenerated     EventType = "ops_generated"
	EventAnchorRetry      EventType = "anchor_retry"
	EventAnchorFallback   EventType = "anchor_fallback"
	EventFullFileRewrite  EventType = "full_file_rewrite"
	EventApplyComplete    EventType = "apply_complete"
	EventTestsComplete    EventType = "tests_complete"
	EventEvaluate         EventType = "evaluate"
	EventBail             EventType = "bail"
	EventDiffReady        EventType = "diff_ready"
)

// State names used in EventState payloads.
const (
	StateWorktreeCreate = "WORKTREE_CREATE"
	StateIterationReset = "ITERATION_RESET"
	StateGenerateOps    = "GENERATE_OPS"
	StateApplyOps       = "APPLY_OPS"
	StateRunTests       = "RUN_TESTS"
	StateEvaluate       = "EVALUATE"
	StatePass           = "PASS"
	StateCleanup        = "CLEANUP"
)

// BailReason enumerates every terminal reason the loop can report, per
// the loop's terminal outcomes.
type BailReason string

const (
	BailModelDeclaredFailure   BailReason = "model_declared_failure"
	BailModelStructuralFailure BailReason = "model_structural_failure"
	BailOpsInvalidAnchor       BailReason = "ops_invalid_anchor"
	BailOpsApplyFailed         BailReason = "ops_apply_failed"
	BailSame                   BailReason = "bail_same"
	BailWorse                  BailReason = "bail_worse"
	BailUnknown                BailReason = "bail_unknown"
	BailMaxIterations          BailReason = "max_iterations"
)

// Event is the single structured record pushed onto the Conductor's event
// channel. Only the fields relevant to Type are populated.
type Event struct {
	ID   string
	Type EventType

	Iteration int
	State     string

	OpCount int
	Paths   []string

	Attempt int
	Path    string
	OpIndex int

	Result testrun.Result

	Delta        testrun.Delta
	Decision     string
	FailureCount int

	Reason BailReason
	Err    error

	Diff          string
	Pass          bool
	ModifiedPaths []string
}

func newEvent(t EventType) Event {
	return Event{ID: ulid.Make().String(), Type: t}
}

// emit pushes ev onto ch without blocking the producer: if the
// consumer isn't keeping up, the event is dropped rather than stalling the
// repair loop, and a buffered channel of reasonable size makes that the
// rare case rather than the common one.
func emit(ch chan<- Event, ev Event) {
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	default:
	}
}
