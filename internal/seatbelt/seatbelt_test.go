package seatbelt

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSynthesize_InvariantClausesPresent(t *testing.T) {
	out := Synthesize(Profile{})
	for _, want := range []string{
		"(version 1)",
		"(deny default)",
		"(allow file-read*)",
		`(subpath "/tmp")`,
		`(literal "/dev/null")`,
		"(allow process-fork)",
		"(allow signal (target self))",
		"(allow sysctl-read)",
		"(allow mach-lookup)",
		"(deny network*)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected synthesized profile to contain %q\nfull profile:\n%s", want, out)
		}
	}
}

func TestSynthesize_DeniedPathsAndBinaries(t *testing.T) {
	out := Synthesize(Profile{
		DeniedPaths:    []string{"/etc/shadow"},
		DeniedBinaries: []string{"/usr/bin/nc"},
	})
	if !strings.Contains(out, `(deny file-read* file-write* (subpath "/etc/shadow"))`) {
		t.Error("expected a deny clause for the denied path")
	}
	if !strings.Contains(out, `(deny process-exec`) || !strings.Contains(out, `(literal "/usr/bin/nc")`) {
		t.Error("expected a deny process-exec clause for the denied binary")
	}
}

func TestSynthesize_AllowedBinariesSubpathVsLiteral(t *testing.T) {
	out := Synthesize(Profile{
		AllowedBinaries: []string{"/opt/extra/", "/usr/local/special-tool"},
	})
	if !strings.Contains(out, `(subpath "/opt/extra")`) {
		t.Error("expected trailing-slash binary to become a subpath clause")
	}
	if !strings.Contains(out, `(literal "/usr/local/special-tool")`) {
		t.Error("expected non-trailing-slash binary to become a literal clause")
	}
}

func TestSynthesize_DedupesAllowedBinaries(t *testing.T) {
	out := Synthesize(Profile{AllowedBinaries: []string{"/usr/local/bin/foo", "/usr/local/bin/foo"}})
	if strings.Count(out, `(literal "/usr/local/bin/foo")`) != 1 {
		t.Error("expected duplicate allowed binaries to be deduplicated")
	}
}

func TestSynthesize_NetworkAllowedWithSpecificHosts(t *testing.T) {
	out := Synthesize(Profile{
		NetworkAllowed: true,
		AllowedHosts:   []string{"api.example.com"},
	})
	if !strings.Contains(out, `(remote tcp "api.example.com")`) {
		t.Error("expected an allow clause for the specific host")
	}
	if !strings.Contains(out, `:53`) {
		t.Error("expected DNS exemption when hosts are not localhost-only")
	}
}

func TestSynthesize_NetworkAllowedLocalhostOnlySkipsDNS(t *testing.T) {
	out := Synthesize(Profile{
		NetworkAllowed: true,
		AllowedHosts:   []string{"127.0.0.1", "localhost"},
	})
	if strings.Contains(out, `:53`) {
		t.Error("did not expect a DNS exemption when every allowed host is localhost")
	}
}

func TestSynthesize_NetworkAllowedWithoutHostsAllowsAll(t *testing.T) {
	out := Synthesize(Profile{NetworkAllowed: true})
	if !strings.Contains(out, "(allow network*)") {
		t.Error("expected allow network* when networking is allowed with no host restriction")
	}
}

func TestSynthesize_EscapesQuotesAndBackslashes(t *testing.T) {
	out := Synthesize(Profile{DeniedPaths: []string{`/weird"path\with\slashes`}})
	if !strings.Contains(out, `\"`) || !strings.Contains(out, `\\`) {
		t.Error("expected quote and backslash characters in a path to be escaped")
	}
}

func TestSynthesize_ProfileContentBypassesSynthesis(t *testing.T) {
	out := Synthesize(Profile{ProfileContent: "(version 1)\n(allow default)\n"})
	if out != "(version 1)\n(allow default)\n" {
		t.Errorf("expected pre-generated content to be returned verbatim, got %q", out)
	}
}

func TestContentHash_IsDeterministicAndSixteenChars(t *testing.T) {
	h1 := ContentHash("same content")
	h2 := ContentHash("same content")
	if h1 != h2 {
		t.Error("expected identical content to hash identically")
	}
	if len(h1) != 16 {
		t.Errorf("expected a 16-character hash, got %d: %q", len(h1), h1)
	}
	if ContentHash("different") == h1 {
		t.Error("expected different content to hash differently")
	}
}

func TestCache_PutIsContentAddressedAndIdempotent(t *testing.T) {
	c, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	path1, err := c.Put("profile-a")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	path2, err := c.Put("profile-a")
	if err != nil {
		t.Fatalf("Put again: %v", err)
	}
	if path1 != path2 {
		t.Errorf("expected identical content to produce the same path, got %q vs %q", path1, path2)
	}
	if filepath.Base(path1) != "sb-"+ContentHash("profile-a")+".sb" {
		t.Errorf("unexpected cache file name: %q", path1)
	}
}

func TestCache_CleanupRemovesOldFiles(t *testing.T) {
	c, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	if _, err := c.Put("old-profile"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	removed, err := c.Cleanup(-time.Second) // everything is "older" than now minus a second in the future
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 file removed, got %d", removed)
	}
}
