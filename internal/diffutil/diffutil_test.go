package diffutil

import "testing"

func TestDiffContentsIdenticalIsEmpty(t *testing.T) {
	if !gitAvailable() {
		t.Skip("git not available")
	}
	got, err := DiffContents("same\n", "same\n", "label")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty diff, got %q", got)
	}
}

func TestDiffContentsDifferentProducesUnifiedDiff(t *testing.T) {
	if !gitAvailable() {
		t.Skip("git not available")
	}
	got, err := DiffContents("foo\n", "bar\n", "label")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == "" {
		t.Fatalf("expected non-empty diff")
	}
}
