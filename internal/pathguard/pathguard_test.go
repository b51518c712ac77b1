package pathguard

import "testing"

func TestValidateAcceptsOrdinaryRelativePath(t *testing.T) {
	got, err := Validate("/repo", "src/x.js")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/repo/src/x.js" {
		t.Fatalf("got %q", got)
	}
}

func TestValidateRejectsTraversal(t *testing.T) {
	if _, err := Validate("/repo", "../../etc/passwd"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidateRejectsTraversalOnBackslash(t *testing.T) {
	// Normalisation must catch backslash-separated traversal too.
	if _, err := Validate("/repo", `..\..\etc\passwd`); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Validate("/repo", `a\..\..\b`); err == nil {
		t.Fatalf("expected error even though resolved path may stay inside root")
	}
}

func TestValidateRejectsAbsolute(t *testing.T) {
	cases := []string{"/etc/passwd", `\\server\share`, `C:\Windows`, `\\?\C:\x`, `\\.\PhysicalDrive0`, "//server/share"}
	for _, c := range cases {
		if _, err := Validate("/repo", c); err == nil {
			t.Fatalf("expected rejection for %q", c)
		}
	}
}

func TestValidateRejectsGitDir(t *testing.T) {
	cases := []string{".git", ".git/config", "sub/.git/HEAD"}
	for _, c := range cases {
		if _, err := Validate("/repo", c); err == nil {
			t.Fatalf("expected rejection for %q", c)
		}
	}
}

func TestValidateRejectsEmpty(t *testing.T) {
	if _, err := Validate("/repo", ""); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidateContainment(t *testing.T) {
	// The result equals root or starts with root+separator.
	root := "/repo"
	for _, p := range []string{"x", "a/b/c", "."} {
		got, err := Validate(root, p)
		if err != nil {
			continue
		}
		if got != root && got[:len(root)+1] != root+"/" {
			t.Fatalf("containment violated for %q -> %q", p, got)
		}
	}
}

func TestValidateBranch(t *testing.T) {
	ok := []string{"feature/x", "main", "release-1.2.3"}
	for _, b := range ok {
		if err := ValidateBranch(b); err != nil {
			t.Fatalf("expected %q to be valid, got %v", b, err)
		}
	}
	bad := []string{"", "-dash", "foo.lock", "a..b", "foo@{1}", "HEAD", "bad char!"}
	for _, b := range bad {
		if err := ValidateBranch(b); err == nil {
			t.Fatalf("expected %q to be invalid", b)
		}
	}
}
