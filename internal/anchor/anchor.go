// Package anchor implements the two-stage recovery ladder invoked when an
// ops batch fails to apply on a missing anchor: B1 regenerates the op batch
// with the anchor failure folded into the Iteration Context, B2 falls back
// to a non-tool full-file rewrite.
package anchor

import (
	"context"
	"fmt"
	"strings"

	"github.com/kodevadam/crucible/internal/llm"
	"github.com/kodevadam/crucible/internal/opsgen"
	"github.com/kodevadam/crucible/internal/patchop"
	"github.com/kodevadam/crucible/internal/tooldispatch"
)

const (
	// rewriteMaxSourceBytes bounds the file sent into a B2 rewrite request.
	rewriteMaxSourceBytes = 200_000
	// rewriteMaxResponseBytes bounds the rewritten content accepted back.
	rewriteMaxResponseBytes = 500_000
)

// Event is one anchor_retry/anchor_fallback/full_file_rewrite record for
// the conductor to re-emit on its event channel.
type Event struct {
	Type    string // "anchor_retry" | "anchor_fallback" | "full_file_rewrite"
	Attempt int
	Path    string
	OpIndex int
}

// Result is the outcome of running the ladder to completion.
type Result struct {
	Ops     []patchop.Op
	Changed []string
	Events  []Event
}

// Miss describes an anchor failure independent of ops.ApplyToWorktree's
// *patchop.Error shape, so callers (the conductor) don't need to import
// patchop just to read the failure back out.
type Miss struct {
	Path    string
	OpIndex int
	Message string
}

func missFromError(err error) (Miss, bool) {
	pe, ok := err.(*patchop.Error)
	if !ok || pe.Code != patchop.CodeAnchorNotFound {
		return Miss{}, false
	}
	return Miss{Path: pe.Path, OpIndex: pe.OpIndex, Message: pe.Message}, true
}

// Rewriter issues a non-tool "rewrite this whole file" request to the
// model, used only by the B2 fallback.
type Rewriter func(ctx context.Context, path, source, instruction string) (string, error)

// ModelRewriter builds a Rewriter that asks the model for the complete
// corrected file content in a plain completion, no tools attached. Markdown
// fences around the returned content are stripped.
func ModelRewriter(client llm.ProviderAdapter, model string) Rewriter {
	return func(ctx context.Context, path, source, instruction string) (string, error) {
		resp, err := llm.Retry(ctx, llm.DefaultRetryPolicy(), nil, func() (llm.Response, error) {
			return client.Complete(ctx, llm.Request{
				Model: model,
				Messages: []llm.Message{
					llm.System("You rewrite one source file at a time. Reply with the complete new file content and nothing else."),
					llm.User(fmt.Sprintf("%s\n\nFile %s:\n%s", instruction, path, source)),
				},
			})
		})
		if err != nil {
			return "", err
		}
		return stripFences(resp.Text()), nil
	}
}

func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 || !strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		return s
	}
	return strings.Join(lines[1:len(lines)-1], "\n") + "\n"
}

// Recover runs the B1/B2 ladder for a single initial anchor miss. root is
// the worktree directory; iterCtx is the Iteration Context that produced
// the failing ops; applyErr is the error ApplyToWorktree returned for the
// initial attempt.
//
// On success it returns the final Ops/Changed and accumulated Events. When
// the ladder is exhausted it returns the *original* miss (reported by the
// conductor as ops_invalid_anchor), never the B1/B2 internal failure. Two
// errors pass through instead: an applyErr that is not an anchor miss is
// returned unchanged, and a non-anchor failure applying B1's regenerated
// ops is returned wrapped as "ops_apply_failed after anchor_retry".
func Recover(
	ctx context.Context,
	client llm.ProviderAdapter,
	model string,
	root string,
	dispatcher *tooldispatch.Dispatcher,
	rewriter Rewriter,
	iterCtx opsgen.IterationContext,
	originalOps []patchop.Op,
	applyErr error,
) (Result, error) {
	original, ok := missFromError(applyErr)
	if !ok {
		return Result{}, applyErr
	}

	var events []Event

	// B1: regenerate with the anchor error folded into context.
	events = append(events, Event{Type: "anchor_retry", Attempt: 1, Path: original.Path, OpIndex: original.OpIndex})
	b1Ctx := iterCtx
	b1Ctx.AnchorError = &opsgen.AnchorError{Path: original.Path, OpIndex: original.OpIndex, Message: original.Message}

	b1Ops, genErr := opsgen.Generate(ctx, client, model, b1Ctx, dispatcher, root)
	if genErr != nil {
		// A structural failure inside the retry is not the reportable
		// cause, and it is not an anchor miss either: the ladder ends here
		// without ever entering B2.
		return Result{Events: events}, originalMissError(original)
	}
	changed, applyErr2 := patchop.ApplyToWorktree(root, b1Ops)
	if applyErr2 == nil {
		return Result{Ops: b1Ops, Changed: changed, Events: events}, nil
	}
	if _, isMiss := missFromError(applyErr2); !isMiss {
		return Result{Events: events}, fmt.Errorf("ops_apply_failed after anchor_retry: %w", applyErr2)
	}
	// B1 itself anchor-missed: fall through to B2 against the ORIGINAL
	// failing file, not b1's attempt.

	if rewriter == nil {
		return Result{Events: events}, originalMissError(original)
	}

	events = append(events, Event{Type: "anchor_fallback", Attempt: 2, Path: original.Path})

	source, ok := iterCtx.FileContents[original.Path]
	if !ok || len(source) == 0 {
		// Nothing cached; B2 cannot proceed without the current content.
		return Result{Events: events}, originalMissError(original)
	}
	if len(source) > rewriteMaxSourceBytes {
		source = source[:rewriteMaxSourceBytes]
	}

	instruction := fmt.Sprintf(
		"Anchor %q could not be located while applying a patch at op index %d. "+
			"Emit the complete, corrected file content for %s only — no markdown fences, no commentary.",
		original.Message, original.OpIndex, original.Path,
	)
	newContent, err := rewriter(ctx, original.Path, source, instruction)
	if err != nil {
		return Result{Events: events}, originalMissError(original)
	}
	if len(newContent) > rewriteMaxResponseBytes {
		return Result{Events: events}, originalMissError(original)
	}

	rewriteOp := patchop.Op{Kind: patchop.KindCreate, Path: original.Path, Content: newContent}
	remaining := dropOpsForPath(originalOps, original.Path)

	changed, err = patchop.ApplyToWorktree(root, append([]patchop.Op{rewriteOp}, remaining...))
	if err != nil {
		return Result{Events: events}, originalMissError(original)
	}

	events = append(events, Event{Type: "full_file_rewrite", Path: original.Path})
	return Result{
		Ops:     append([]patchop.Op{rewriteOp}, remaining...),
		Changed: changed,
		Events:  events,
	}, nil
}

func dropOpsForPath(ops []patchop.Op, path string) []patchop.Op {
	var out []patchop.Op
	for _, op := range ops {
		if op.Path == path {
			continue
		}
		out = append(out, op)
	}
	return out
}

// originalMissError reports the original miss once the ladder is exhausted.
func originalMissError(m Miss) error {
	return &patchop.Error{
		Code:    patchop.CodeAnchorNotFound,
		OpIndex: m.OpIndex,
		Path:    m.Path,
		Message: m.Message,
	}
}
