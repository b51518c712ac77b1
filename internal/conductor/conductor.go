package conductor

import (
	"context"
	"errors"
	"fmt"

	"github.com/kodevadam/crucible/internal/anchor"
	"github.com/kodevadam/crucible/internal/diffutil"
	"github.com/kodevadam/crucible/internal/evaluator"
	"github.com/kodevadam/crucible/internal/gitrun"
	"github.com/kodevadam/crucible/internal/llm"
	"github.com/kodevadam/crucible/internal/opsgen"
	"github.com/kodevadam/crucible/internal/patchop"
	"github.com/kodevadam/crucible/internal/testrun"
	"github.com/kodevadam/crucible/internal/tooldispatch"
	"github.com/kodevadam/crucible/internal/worktree"
)

// ReviewGate is the human-in-the-loop collaborator: it presents the staged
// diff and returns free-form feedback or an approval string. The Conductor
// never commits on its own; a caller that receives outcome=approved is
// responsible for writing the reviewed paths back into the main tree.
type ReviewGate interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

// Sink is the opaque persistence collaborator. The Conductor calls it
// synchronously and best-effort with its iteration_started, evaluate and
// bail events; a Sink failure never aborts the loop; the Conductor does not
// depend on its schema.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// Input is the plan-level request handed to Run once per repair loop
// invocation (distinct from opsgen.IterationContext, which Run rebuilds
// each iteration from this plus live worktree/test state).
type Input struct {
	Plan              string
	AffectedFiles     []opsgen.FileDescriptor
	RepoUnderstanding string
}

// LoopResult is the Conductor's terminal outcome.
type LoopResult struct {
	Pass          bool
	BailReason    BailReason
	BailErr       error
	Iteration     int
	LastResult    testrun.Result
	LastOps       []patchop.Op
	ModifiedPaths []string
	// ReviewResponse is the ReviewGate's verbatim answer when Pass is true
	// and a gate was supplied. Writing approved paths back into the main
	// tree and staging them is the caller's responsibility — the
	// Conductor only hands the diff to the gate and reports what it said.
	ReviewResponse string
}

// Run drives one full repair loop against cfg.RepoPath: it creates a
// scoped worktree, iterates GENERATE_OPS/APPLY_OPS/RUN_TESTS/EVALUATE up to
// cfg.MaxIterations times, and always tears the worktree down on exit —
// including on panics, via the deferred Close.
//
// events receives a live Event stream; it may be nil to discard events,
// and is never blocked on — emit drops rather than stalls the loop.
// rewriter backs the B2 anchor-recovery fallback; it may be nil, in
// which case B2 is unavailable and an anchor miss that survives B1 bails
// immediately with ops_invalid_anchor.
func Run(
	ctx context.Context,
	cfg Config,
	client llm.ProviderAdapter,
	input Input,
	events chan<- Event,
	gate ReviewGate,
	sink Sink,
	rewriter anchor.Rewriter,
) (LoopResult, error) {
	headSHA := gitrun.Quiet(cfg.RepoPath, "rev-parse", "HEAD")
	if headSHA == "" {
		return LoopResult{}, fmt.Errorf("conductor: cannot resolve HEAD for %q", cfg.RepoPath)
	}

	emit(events, withState(newEvent(EventState), StateWorktreeCreate))
	wt, err := worktree.Create(cfg.RepoPath, headSHA)
	if err != nil {
		return LoopResult{}, fmt.Errorf("conductor: create worktree: %w", err)
	}
	defer func() {
		emit(events, withState(newEvent(EventState), StateCleanup))
		if cerr := wt.Close(); cerr != nil {
			// Worktree-removal failures are logged inside Close itself and
			// must never mask a successful loop outcome.
			_ = cerr
		}
	}()

	dispatcher := tooldispatch.New(wt.Path, cfg.Commands)

	var lastOps []patchop.Op
	var lastResult testrun.Result
	var prevDelta *testrun.Result
	modelForRun := cfg.Model

	for iteration := 1; iteration <= cfg.MaxIterations; iteration++ {
		iterEvent := newEvent(EventIterationStarted)
		iterEvent.Iteration = iteration
		emit(events, iterEvent)
		record(ctx, sink, iterEvent)

		emit(events, withState(withIteration(newEvent(EventState), iteration), StateIterationReset))
		if err := wt.Reset(headSHA); err != nil {
			return bail(lastOps, lastResult, iteration, BailOpsApplyFailed, err), nil
		}

		iterCtx := buildIterationContext(input, wt.Path, iteration, headSHA, cfg.Commands.Test, lastResult, lastOps)

		emit(events, withState(withIteration(newEvent(EventState), iteration), StateGenerateOps))
		ops, genErr := opsgen.Generate(ctx, client, modelForRun, iterCtx, dispatcher, wt.Path)
		if genErr != nil {
			reason := classifyGenerateFailure(genErr)
			ev := newEvent(EventBail)
			ev.Iteration = iteration
			ev.Reason = reason
			ev.Err = genErr
			emit(events, ev)
			record(ctx, sink, ev)
			return LoopResult{Iteration: iteration, BailReason: reason, BailErr: genErr, LastOps: lastOps, LastResult: lastResult}, nil
		}
		lastOps = ops

		opsEv := newEvent(EventOpsGenerated)
		opsEv.Iteration = iteration
		opsEv.OpCount = len(ops)
		opsEv.Paths = opPaths(ops)
		emit(events, opsEv)

		emit(events, withState(withIteration(newEvent(EventState), iteration), StateApplyOps))
		changed, applyErr := patchop.ApplyToWorktree(wt.Path, ops)
		if applyErr != nil {
			var recovered []patchop.Op
			recovered, changed, applyErr = recoverAnchor(ctx, client, modelForRun, wt.Path, dispatcher, rewriter, iterCtx, ops, applyErr, events)
			if applyErr == nil {
				lastOps = recovered
			}
		}
		if applyErr != nil {
			reason := classifyApplyFailure(applyErr)
			ev := newEvent(EventBail)
			ev.Iteration = iteration
			ev.Reason = reason
			ev.Err = applyErr
			emit(events, ev)
			record(ctx, sink, ev)
			return LoopResult{Iteration: iteration, BailReason: reason, BailErr: applyErr, LastOps: lastOps, LastResult: lastResult}, nil
		}

		applyEv := newEvent(EventApplyComplete)
		applyEv.Iteration = iteration
		applyEv.Paths = changed
		emit(events, applyEv)

		emit(events, withState(withIteration(newEvent(EventState), iteration), StateRunTests))
		testResult, runErr := testrun.Run(ctx, wt.Path, cfg.Commands.Test)
		if runErr != nil {
			return bail(lastOps, lastResult, iteration, BailOpsApplyFailed, runErr), nil
		}
		lastResult = testResult

		testEv := newEvent(EventTestsComplete)
		testEv.Iteration = iteration
		testEv.Result = testResult
		emit(events, testEv)

		if testResult.ExitCode == 0 {
			emit(events, withState(withIteration(newEvent(EventState), iteration), StatePass))
			diff := ""
			if d, derr := worktreeDiff(wt.Path, changed); derr == nil {
				diff = d
			}
			readyEv := newEvent(EventDiffReady)
			readyEv.Iteration = iteration
			readyEv.Diff = diff
			readyEv.Pass = true
			readyEv.ModifiedPaths = changed
			emit(events, readyEv)

			var reviewResponse string
			if gate != nil {
				// The Conductor hands the diff to the caller's review gate
				// but never commits or writes back itself —
				// that remains the caller's responsibility.
				resp, askErr := gate.Ask(ctx, diff)
				if askErr == nil {
					reviewResponse = resp
				}
			}
			return LoopResult{Pass: true, Iteration: iteration, LastOps: lastOps, LastResult: lastResult, ModifiedPaths: changed, ReviewResponse: reviewResponse}, nil
		}

		emit(events, withState(withIteration(newEvent(EventState), iteration), StateEvaluate))
		var delta testrun.Delta
		if prevDelta != nil {
			delta = testrun.Compare(*prevDelta, testResult)
		} else {
			delta = testrun.Delta("")
		}
		decision := evaluator.Evaluate(iteration, delta, testResult.FailureCount)
		prevResult := testResult
		prevDelta = &prevResult

		evalEv := newEvent(EventEvaluate)
		evalEv.Iteration = iteration
		evalEv.Delta = delta
		evalEv.Decision = string(decision)
		evalEv.FailureCount = testResult.FailureCount
		emit(events, evalEv)
		record(ctx, sink, evalEv)

		if decision != evaluator.DecisionContinue {
			reason := decisionToBailReason(decision)
			ev := newEvent(EventBail)
			ev.Iteration = iteration
			ev.Reason = reason
			emit(events, ev)
			record(ctx, sink, ev)
			return LoopResult{Iteration: iteration, BailReason: reason, LastOps: lastOps, LastResult: lastResult}, nil
		}
	}

	ev := newEvent(EventBail)
	ev.Iteration = cfg.MaxIterations
	ev.Reason = BailMaxIterations
	emit(events, ev)
	record(ctx, sink, ev)
	return LoopResult{Iteration: cfg.MaxIterations, BailReason: BailMaxIterations, LastOps: lastOps, LastResult: lastResult}, nil
}

func withState(ev Event, state string) Event {
	ev.State = state
	return ev
}

func withIteration(ev Event, iteration int) Event {
	ev.Iteration = iteration
	return ev
}

func bail(ops []patchop.Op, res testrun.Result, iteration int, reason BailReason, err error) LoopResult {
	return LoopResult{Iteration: iteration, BailReason: reason, BailErr: err, LastOps: ops, LastResult: res}
}

func record(ctx context.Context, sink Sink, ev Event) {
	if sink == nil {
		return
	}
	_ = sink.Record(ctx, ev)
}

func opPaths(ops []patchop.Op) []string {
	seen := map[string]bool{}
	var out []string
	for _, op := range ops {
		if seen[op.Path] {
			continue
		}
		seen[op.Path] = true
		out = append(out, op.Path)
	}
	return out
}

func classifyGenerateFailure(err error) BailReason {
	var pe *patchop.Error
	if errors.As(err, &pe) && pe.ModelDeclaredError {
		return BailModelDeclaredFailure
	}
	return BailModelStructuralFailure
}

func classifyApplyFailure(err error) BailReason {
	var pe *patchop.Error
	if errors.As(err, &pe) && pe.Code == patchop.CodeAnchorNotFound {
		return BailOpsInvalidAnchor
	}
	return BailOpsApplyFailed
}

func decisionToBailReason(d evaluator.Decision) BailReason {
	switch d {
	case evaluator.DecisionBailSame:
		return BailSame
	case evaluator.DecisionBailWorse:
		return BailWorse
	default:
		return BailUnknown
	}
}

func recoverAnchor(
	ctx context.Context,
	client llm.ProviderAdapter,
	model string,
	root string,
	dispatcher *tooldispatch.Dispatcher,
	rewriter anchor.Rewriter,
	iterCtx opsgen.IterationContext,
	ops []patchop.Op,
	applyErr error,
	events chan<- Event,
) ([]patchop.Op, []string, error) {
	res, err := anchor.Recover(ctx, client, model, root, dispatcher, rewriter, iterCtx, ops, applyErr)
	for _, e := range res.Events {
		ev := newEvent(EventType(e.Type))
		ev.Attempt = e.Attempt
		ev.Path = e.Path
		ev.OpIndex = e.OpIndex
		emit(events, ev)
	}
	if err != nil {
		return nil, nil, err
	}
	return res.Ops, res.Changed, nil
}

// worktreeDiff collects per-path unstaged diffs. Created files are
// intent-to-add'ed first so they show up in git diff at all.
func worktreeDiff(worktreeDir string, paths []string) (string, error) {
	gitrun.Quiet(worktreeDir, append([]string{"add", "--intent-to-add", "--"}, paths...)...)
	var out string
	for _, p := range paths {
		d, err := diffutil.GetUnifiedDiff(worktreeDir, p)
		if err != nil {
			return "", err
		}
		out += d
	}
	return out, nil
}
