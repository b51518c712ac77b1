package conductor

import (
	"os"

	"github.com/kodevadam/crucible/internal/opsgen"
	"github.com/kodevadam/crucible/internal/patchop"
	"github.com/kodevadam/crucible/internal/pathguard"
	"github.com/kodevadam/crucible/internal/testrun"
)

// buildIterationContext assembles the Ops Generator's Iteration Context
// fresh each iteration from the live worktree and the previous test
// result. Modify-action file contents are read off disk rather than cached
// across iterations, since the worktree is reset to HEAD at the top of
// every loop pass.
func buildIterationContext(
	input Input,
	worktreeDir string,
	iteration int,
	headSHA string,
	testCommand string,
	prev testrun.Result,
	prevOps []patchop.Op,
) opsgen.IterationContext {
	fileContents := map[string]string{}
	for _, fd := range input.AffectedFiles {
		if fd.Action != "modify" {
			continue
		}
		abs, err := pathguard.Validate(worktreeDir, fd.Path)
		if err != nil {
			continue
		}
		b, err := os.ReadFile(abs)
		if err != nil {
			continue
		}
		fileContents[fd.Path] = string(b)
	}

	var failureExcerpt string
	var refs []opsgen.FailureRef
	if prev.Excerpt != "" {
		enriched, fileRefs := testrun.Enrich(worktreeDir, prev.Excerpt)
		failureExcerpt = enriched
		for _, r := range fileRefs {
			refs = append(refs, opsgen.FailureRef{Path: r.Path, Line: r.Line, Snippet: r.Snippet})
		}
	}

	return opsgen.IterationContext{
		Plan:              input.Plan,
		AffectedFiles:     input.AffectedFiles,
		FileContents:      fileContents,
		RepoUnderstanding: input.RepoUnderstanding,
		FailureExcerpt:    failureExcerpt,
		FailureRefs:       refs,
		PreviousOps:       prevOps,
		Iteration:         iteration,
		HeadSHA:           headSHA,
		TestCommand:       testCommand,
	}
}
