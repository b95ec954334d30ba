package sandbox

import (
	"errors"
	"testing"

	"github.com/near-outlayer/outlayer-go/pkg/policy"
)

func TestCanonicalizeRepoURL_EquivalentFormsMatch(t *testing.T) {
	allow := &policy.BuildHostAllowlist{Hosts: []string{"github.com"}}
	want := "https://github.com/ex/rng"

	forms := []string{
		"https://github.com/ex/rng",
		"https://github.com/ex/rng.git",
		"https://github.com/ex/rng/",
		"http://github.com/ex/rng",
		"https://GITHUB.COM/ex/rng",
		"git@github.com:ex/rng.git",
		"ssh://git@github.com/ex/rng",
		"github.com/ex/rng",
	}
	for _, form := range forms {
		got, err := CanonicalizeRepoURL(form, allow)
		if err != nil {
			t.Errorf("CanonicalizeRepoURL(%q): %v", form, err)
			continue
		}
		if got != want {
			t.Errorf("CanonicalizeRepoURL(%q) = %q, want %q", form, got, want)
		}
	}
}

func TestCanonicalizeRepoURL_RejectsDisallowedHost(t *testing.T) {
	allow := &policy.BuildHostAllowlist{Hosts: []string{"github.com"}}
	_, err := CanonicalizeRepoURL("https://evil.example.com/ex/rng", allow)
	if !errors.Is(err, ErrDisallowedHost) {
		t.Fatalf("expected ErrDisallowedHost, got %v", err)
	}
}

func TestCanonicalizeRepoURL_RejectsMalformed(t *testing.T) {
	allow := policy.DefaultBuildHostAllowlist()
	for _, form := range []string{"", "not-a-url", "owner-only"} {
		if _, err := CanonicalizeRepoURL(form, allow); err == nil {
			t.Errorf("CanonicalizeRepoURL(%q) unexpectedly succeeded", form)
		}
	}
}

func TestValidateBuildPath_AcceptsRelativePaths(t *testing.T) {
	cases := map[string]string{
		"":              "",
		"contracts":     "contracts",
		"src/module":    "src/module",
		"a/b/./c":       "a/b/c",
	}
	for in, want := range cases {
		got, err := ValidateBuildPath(in)
		if err != nil {
			t.Errorf("ValidateBuildPath(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ValidateBuildPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidateBuildPath_RejectsTraversalAndAnchors(t *testing.T) {
	attacks := []string{
		"../../etc/passwd",
		"a/../../etc",
		"/etc/passwd",
		`\windows\system32`,
		"C:/windows",
		"%2e%2e/escape",
		"%2e%2e%2fescape",
		".hidden/config",
		"a/.ssh/keys",
	}
	for _, p := range attacks {
		if _, err := ValidateBuildPath(p); !errors.Is(err, ErrUnsafeBuildPath) {
			t.Errorf("ValidateBuildPath(%q) = %v, want ErrUnsafeBuildPath", p, err)
		}
	}
}
