package patchop

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestParseRejectsNonJSON(t *testing.T) {
	_, err := Parse([]byte("not json"), "/repo")
	pe := mustPatchErr(t, err)
	if pe.Code != CodeJSONInvalid || pe.ModelDeclaredError {
		t.Fatalf("unexpected error: %+v", pe)
	}
}

func TestParseModelDeclaredError(t *testing.T) {
	_, err := Parse([]byte(`{"error": "cannot find a fix"}`), "/repo")
	pe := mustPatchErr(t, err)
	if pe.Code != CodeJSONInvalid || !pe.ModelDeclaredError {
		t.Fatalf("expected model-declared JSON invalid, got %+v", pe)
	}
}

func TestParseRejectsNonArrayObject(t *testing.T) {
	_, err := Parse([]byte(`{"foo": "bar"}`), "/repo")
	pe := mustPatchErr(t, err)
	if pe.Code != CodeSchemaInvalid {
		t.Fatalf("expected schema invalid, got %+v", pe)
	}
}

func TestParseRejectsBadOccurrence(t *testing.T) {
	_, err := Parse([]byte(`[{"kind":"delete","path":"a.txt","old":"x","occurrence":0}]`), "/repo")
	mustCode(t, err, CodeSchemaInvalid)

	_, err = Parse([]byte(`[{"kind":"delete","path":"a.txt","old":"x","occurrence":1.5}]`), "/repo")
	mustCode(t, err, CodeSchemaInvalid)
}

func TestParseRejectsUnsafePath(t *testing.T) {
	_, err := Parse([]byte(`[{"kind":"create","path":"../escape.txt","content":"x"}]`), "/repo")
	mustCode(t, err, CodeSchemaInvalid)
}

func TestParseRejectsCreateAndDeleteSamePath(t *testing.T) {
	raw := `[{"kind":"create","path":"a.txt","content":"x"},{"kind":"delete_file","path":"a.txt"}]`
	_, err := Parse([]byte(raw), "/repo")
	mustCode(t, err, CodeSchemaInvalid)
}

func TestParseValidBatchRoundTrips(t *testing.T) {
	raw := []byte(`[
		{"kind":"replace","path":"a.txt","old":"foo","new":"bar","occurrence":1},
		{"kind":"insert_after","path":"a.txt","anchor":"bar","text":"!"},
		{"kind":"create","path":"b.txt","content":"hi"},
		{"kind":"delete_file","path":"c.txt"}
	]`)
	ops, err := Parse(raw, "/repo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ops) != 4 {
		t.Fatalf("expected 4 ops, got %d", len(ops))
	}
	if ops[0].Occurrence != 1 {
		t.Fatalf("expected default occurrence 1, got %d", ops[0].Occurrence)
	}

	reencoded, err := json.Marshal(ops)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var roundTrip []Op
	if err := json.Unmarshal(reencoded, &roundTrip); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(roundTrip) != len(ops) {
		t.Fatalf("round trip mismatch")
	}
}

func TestApplyToStringEmptyOpsIsIdentity(t *testing.T) {
	content := "hello world"
	got := content
	for _, op := range []Op{} {
		var err error
		got, err = ApplyToString(got, op)
		if err != nil {
			t.Fatal(err)
		}
	}
	if got != content {
		t.Fatalf("expected identity, got %q", got)
	}
}

func TestApplyToStringReplace(t *testing.T) {
	got, err := ApplyToString("foo bar foo", Op{Kind: KindReplace, Old: "foo", New: "baz", Occurrence: 2})
	if err != nil {
		t.Fatal(err)
	}
	if got != "foo bar baz" {
		t.Fatalf("got %q", got)
	}
}

func TestApplyToStringOverlappingOccurrence(t *testing.T) {
	// "aa" in "aaaa" at occurrence=2 selects index 1, not index 2.
	i, k, err := findNth("aaaa", "aa", 2)
	if err != nil {
		t.Fatal(err)
	}
	if i != 1 || k != 2 {
		t.Fatalf("expected overlapping match at index 1, got i=%d k=%d", i, k)
	}
}

func TestApplyToStringInsufficientOccurrences(t *testing.T) {
	// Fewer than k matches fails even if at least one exists.
	_, err := ApplyToString("only one foo here", Op{Kind: KindReplace, Old: "foo", New: "bar", Occurrence: 2})
	mustCode(t, err, CodeAnchorNotFound)
}

func TestApplyToStringInsertAfter(t *testing.T) {
	got, err := ApplyToString("ab", Op{Kind: KindInsertAfter, Anchor: "a", Text: "X", Occurrence: 1})
	if err != nil {
		t.Fatal(err)
	}
	if got != "aXb" {
		t.Fatalf("got %q", got)
	}
}

func TestApplyToStringDelete(t *testing.T) {
	got, err := ApplyToString("hello world", Op{Kind: KindDelete, Old: "world", Occurrence: 1})
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello " {
		t.Fatalf("got %q", got)
	}
}

func TestApplyToWorktreeParityWithString(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("foo bar foo"), 0o644); err != nil {
		t.Fatal(err)
	}
	ops := []Op{{Kind: KindReplace, Path: "a.txt", Old: "foo", New: "baz", Occurrence: 2}}

	viaString, err := ApplyToString("foo bar foo", ops[0])
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ApplyToWorktree(root, ops); err != nil {
		t.Fatalf("apply to worktree: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(root, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != viaString {
		t.Fatalf("codec parity violated: string=%q worktree=%q", viaString, got)
	}
}

func TestApplyToWorktreeCreateThenEdit(t *testing.T) {
	root := t.TempDir()
	ops := []Op{
		{Kind: KindCreate, Path: "nested/new.txt", Content: "line one\n"},
		{Kind: KindInsertAfter, Path: "nested/new.txt", Anchor: "line one\n", Text: "line two\n"},
	}
	changed, err := ApplyToWorktree(root, ops)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(changed) != 1 || changed[0] != "nested/new.txt" {
		t.Fatalf("unexpected changed paths: %v", changed)
	}
	got, err := os.ReadFile(filepath.Join(root, "nested/new.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "line one\nline two\n" {
		t.Fatalf("got %q", got)
	}
}

func TestApplyToWorktreeDeleteFile(t *testing.T) {
	root := t.TempDir()
	p := filepath.Join(root, "gone.txt")
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ApplyToWorktree(root, []Op{{Kind: KindDeleteFile, Path: "gone.txt"}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Fatalf("expected file removed")
	}
}

func TestApplyToWorktreeAnchorMissReportsOpIndexAndPath(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	ops := []Op{{Kind: KindReplace, Path: "a.txt", Old: "missing", New: "x", Occurrence: 1}}
	_, err := ApplyToWorktree(root, ops)
	pe := mustPatchErr(t, err)
	if pe.Code != CodeAnchorNotFound || pe.Path != "a.txt" {
		t.Fatalf("unexpected error: %+v", pe)
	}
}

func mustPatchErr(t *testing.T, err error) *Error {
	t.Helper()
	pe, ok := err.(*Error)
	if !ok || pe == nil {
		t.Fatalf("expected *patchop.Error, got %T (%v)", err, err)
	}
	return pe
}

func mustCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	pe := mustPatchErr(t, err)
	if pe.Code != code {
		t.Fatalf("expected code %s, got %s", code, pe.Code)
	}
}
