// Package patchop implements the snippet-addressed multi-file edit format:
// strict-JSON parsing into a typed op sum type, and deterministic
// application to a string or to a worktree's files. The parser is the single
// validation surface; the appliers assume validated ops.
package patchop

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kodevadam/crucible/internal/pathguard"
)

// Kind discriminates the five op variants.
type Kind string

const (
	KindReplace     Kind = "replace"
	KindInsertAfter Kind = "insert_after"
	KindDelete      Kind = "delete"
	KindCreate      Kind = "create"
	KindDeleteFile  Kind = "delete_file"
)

// Op is a single tagged patch-op. Exactly the fields relevant to Kind are
// populated; the parser is the single validation surface.
type Op struct {
	Kind       Kind   `json:"kind"`
	Path       string `json:"path"`
	Old        string `json:"old,omitempty"`
	New        string `json:"new,omitempty"`
	Anchor     string `json:"anchor,omitempty"`
	Text       string `json:"text,omitempty"`
	Content    string `json:"content,omitempty"`
	Occurrence int    `json:"occurrence,omitempty"`
}

// ErrorCode tags the failure taxonomy surfaced to the conductor.
type ErrorCode string

const (
	CodeJSONInvalid    ErrorCode = "patch_json_invalid"
	CodeSchemaInvalid  ErrorCode = "patch_schema_invalid"
	CodeAnchorNotFound ErrorCode = "patch_anchor_not_found"
)

// Error is the typed sentinel returned by Parse and Apply, following the
// same "typed tag + errors.As" idiom as internal/llm/errors.go's APIError.
type Error struct {
	Code ErrorCode
	// ModelDeclaredError is true when the model itself reported failure via
	// {"error": "..."} rather than emitting a malformed ops array.
	ModelDeclaredError bool
	Message            string

	// Anchor-miss detail (CodeAnchorNotFound only).
	OpIndex       int
	Path          string
	NeedlePreview string
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: op %d (%s): %s", e.Code, e.OpIndex, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func jsonInvalid(msg string, modelDeclared bool) error {
	return &Error{Code: CodeJSONInvalid, Message: msg, ModelDeclaredError: modelDeclared}
}

func schemaInvalid(msg string) error {
	return &Error{Code: CodeSchemaInvalid, Message: msg}
}

const needlePreviewLen = 80

func anchorNotFound(opIndex int, path, needle string) error {
	preview := needle
	if len(preview) > needlePreviewLen {
		preview = preview[:needlePreviewLen] + "..."
	}
	return &Error{
		Code:          CodeAnchorNotFound,
		OpIndex:       opIndex,
		Path:          path,
		NeedlePreview: preview,
		Message:       fmt.Sprintf("anchor not found: %q", preview),
	}
}

// rawOp mirrors the model's loose JSON shape before type-checking per kind.
type rawOp struct {
	Kind       string          `json:"kind"`
	Path       string          `json:"path"`
	Old        json.RawMessage `json:"old"`
	New        json.RawMessage `json:"new"`
	Anchor     json.RawMessage `json:"anchor"`
	Text       json.RawMessage `json:"text"`
	Content    json.RawMessage `json:"content"`
	Occurrence json.RawMessage `json:"occurrence"`
}

// Parse validates strict JSON into an ordered Op slice.
//
// Accepted top-level shapes: a JSON array of op objects, or a JSON object
// {"error": "<reason>"} signalling a model-declared failure. Anything else
// is rejected.
func Parse(raw []byte, root string) ([]Op, error) {
	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, jsonInvalid(fmt.Sprintf("invalid JSON: %v", err), false)
	}

	switch v := probe.(type) {
	case map[string]any:
		if reason, ok := v["error"].(string); ok {
			return nil, jsonInvalid(reason, true)
		}
		return nil, schemaInvalid("top-level object must be an ops array or {\"error\": ...}")
	case []any:
		// fallthrough to structured decode below
	default:
		return nil, schemaInvalid("top-level value must be a JSON array")
	}

	var rawOps []rawOp
	if err := json.Unmarshal(raw, &rawOps); err != nil {
		return nil, schemaInvalid(fmt.Sprintf("array elements must be op objects: %v", err))
	}

	ops := make([]Op, 0, len(rawOps))
	seenCreate := map[string]bool{}
	seenDeleteFile := map[string]bool{}

	for i, r := range rawOps {
		op, err := decodeOp(i, r, root)
		if err != nil {
			return nil, err
		}
		if op.Kind == KindCreate {
			if seenDeleteFile[op.Path] {
				return nil, schemaInvalid(fmt.Sprintf("op %d: create and delete_file both target %q", i, op.Path))
			}
			seenCreate[op.Path] = true
		}
		if op.Kind == KindDeleteFile {
			if seenCreate[op.Path] {
				return nil, schemaInvalid(fmt.Sprintf("op %d: create and delete_file both target %q", i, op.Path))
			}
			seenDeleteFile[op.Path] = true
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func decodeOp(i int, r rawOp, root string) (Op, error) {
	kind := Kind(r.Kind)
	switch kind {
	case KindReplace, KindInsertAfter, KindDelete, KindCreate, KindDeleteFile:
	default:
		return Op{}, schemaInvalid(fmt.Sprintf("op %d: unknown kind %q", i, r.Kind))
	}

	// Ops store the repo-relative path; appliers resolve against their own
	// root again at apply time.
	if _, err := pathguard.Validate(root, r.Path); err != nil {
		return Op{}, schemaInvalid(fmt.Sprintf("op %d: invalid path %q: %v", i, r.Path, err))
	}

	op := Op{Kind: kind, Path: r.Path}

	occ, err := decodeOccurrence(r.Occurrence)
	if err != nil {
		return Op{}, schemaInvalid(fmt.Sprintf("op %d: %v", i, err))
	}

	switch kind {
	case KindReplace:
		op.Old, err = decodeRequiredString(r.Old, "old")
		if err != nil {
			return Op{}, schemaInvalid(fmt.Sprintf("op %d: %v", i, err))
		}
		op.New, err = decodeRequiredString(r.New, "new")
		if err != nil {
			return Op{}, schemaInvalid(fmt.Sprintf("op %d: %v", i, err))
		}
		op.Occurrence = defaultOccurrence(occ)
	case KindInsertAfter:
		op.Anchor, err = decodeRequiredString(r.Anchor, "anchor")
		if err != nil {
			return Op{}, schemaInvalid(fmt.Sprintf("op %d: %v", i, err))
		}
		op.Text, err = decodeRequiredString(r.Text, "text")
		if err != nil {
			return Op{}, schemaInvalid(fmt.Sprintf("op %d: %v", i, err))
		}
		op.Occurrence = defaultOccurrence(occ)
	case KindDelete:
		op.Old, err = decodeRequiredString(r.Old, "old")
		if err != nil {
			return Op{}, schemaInvalid(fmt.Sprintf("op %d: %v", i, err))
		}
		op.Occurrence = defaultOccurrence(occ)
	case KindCreate:
		op.Content, err = decodeRequiredString(r.Content, "content")
		if err != nil {
			return Op{}, schemaInvalid(fmt.Sprintf("op %d: %v", i, err))
		}
	case KindDeleteFile:
		// path only
	}
	return op, nil
}

func decodeOccurrence(raw json.RawMessage) (int, error) {
	if raw == nil {
		return 0, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("occurrence must be a number")
	}
	n := int(f)
	if float64(n) != f || n < 1 {
		return 0, fmt.Errorf("occurrence must be a positive integer")
	}
	return n, nil
}

func defaultOccurrence(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func decodeRequiredString(raw json.RawMessage, field string) (string, error) {
	if raw == nil {
		return "", fmt.Errorf("%s is required", field)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%s must be a string", field)
	}
	return s, nil
}

// ApplyToString applies a single op to content and returns the result.
// occurrence selection scans left-to-right, advancing the search index by
// one character after each hit so overlapping matches are counted.
func ApplyToString(content string, op Op) (string, error) {
	switch op.Kind {
	case KindReplace:
		i, k, err := findNth(content, op.Old, op.Occurrence)
		if err != nil {
			return "", anchorNotFound(0, op.Path, op.Old)
		}
		return content[:i] + op.New + content[i+k:], nil
	case KindDelete:
		i, k, err := findNth(content, op.Old, op.Occurrence)
		if err != nil {
			return "", anchorNotFound(0, op.Path, op.Old)
		}
		return content[:i] + content[i+k:], nil
	case KindInsertAfter:
		i, k, err := findNth(content, op.Anchor, op.Occurrence)
		if err != nil {
			return "", anchorNotFound(0, op.Path, op.Anchor)
		}
		return content[:i+k] + op.Text + content[i+k:], nil
	default:
		return "", fmt.Errorf("patchop: %s is not a string-level op", op.Kind)
	}
}

// findNth returns the byte offset and length of the occurrence-th match of
// needle in haystack (1-indexed), scanning for overlapping matches.
func findNth(haystack, needle string, occurrence int) (pos, length int, err error) {
	if occurrence <= 0 {
		occurrence = 1
	}
	if needle == "" {
		return 0, 0, fmt.Errorf("empty needle")
	}
	count := 0
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			count++
			if count == occurrence {
				return i, len(needle), nil
			}
		}
	}
	return 0, 0, fmt.Errorf("not found")
}

// indexedOp pairs an op with its position in the original batch, so anchor
// misses report the batch-level op index.
type indexedOp struct {
	Op
	idx int
}

// Batch groups ops by path, preserving declaration order within each file.
type Batch struct {
	ByPath   map[string][]indexedOp
	PathKeys []string // first-seen order
}

// GroupByPath groups ops by path, preserving per-file declaration order.
func GroupByPath(ops []Op) Batch {
	b := Batch{ByPath: map[string][]indexedOp{}}
	for i, op := range ops {
		if _, ok := b.ByPath[op.Path]; !ok {
			b.PathKeys = append(b.PathKeys, op.Path)
		}
		b.ByPath[op.Path] = append(b.ByPath[op.Path], indexedOp{Op: op, idx: i})
	}
	return b
}

// ApplyToWorktree applies ops (grouped by path) to files rooted at root. For
// each path: delete_file wins and skips textual ops; create writes content
// then applies remaining textual ops to that content; otherwise the file is
// read, ops applied in order, and written back.
func ApplyToWorktree(root string, ops []Op) (changedPaths []string, err error) {
	batch := GroupByPath(ops)
	for _, relPath := range batch.PathKeys {
		group := batch.ByPath[relPath]
		abs, verr := pathguard.Validate(root, relPath)
		if verr != nil {
			return changedPaths, schemaInvalid(fmt.Sprintf("path %q: %v", relPath, verr))
		}

		hasDeleteFile := false
		var createOp *indexedOp
		var textual []indexedOp
		for idx := range group {
			switch group[idx].Kind {
			case KindDeleteFile:
				hasDeleteFile = true
			case KindCreate:
				createOp = &group[idx]
			default:
				textual = append(textual, group[idx])
			}
		}

		if hasDeleteFile {
			if rerr := os.Remove(abs); rerr != nil && !os.IsNotExist(rerr) {
				return changedPaths, fmt.Errorf("patchop: delete_file %q: %w", relPath, rerr)
			}
			changedPaths = append(changedPaths, relPath)
			continue
		}

		var content string
		if createOp != nil {
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return changedPaths, fmt.Errorf("patchop: create %q: mkdir: %w", relPath, err)
			}
			content = createOp.Content
		} else if len(textual) > 0 {
			b, rerr := os.ReadFile(abs)
			if rerr != nil {
				return changedPaths, fmt.Errorf("patchop: read %q: %w", relPath, rerr)
			}
			content = string(b)
		} else {
			continue
		}

		for _, op := range textual {
			next, aerr := ApplyToString(content, op.Op)
			if aerr != nil {
				var pe *Error
				if errors.As(aerr, &pe) {
					pe.OpIndex = op.idx
					pe.Path = relPath
				}
				return changedPaths, aerr
			}
			content = next
		}

		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			return changedPaths, fmt.Errorf("patchop: write %q: %w", relPath, err)
		}
		changedPaths = append(changedPaths, relPath)
	}
	return changedPaths, nil
}


