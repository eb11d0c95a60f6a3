package secrets

import (
	"testing"

	"agenshield/internal/policy"
)

func TestResolve_GlobalSecretsAlwaysPresent(t *testing.T) {
	r := NewResolver()
	r.Store(Payload{Global: map[string]string{"BASE": "1"}})

	got := r.Resolve("ls", nil)
	if got["BASE"] != "1" {
		t.Fatalf("expected global secret present, got %+v", got)
	}
}

func TestResolve_URLBindingMatchesCurlFirstArg(t *testing.T) {
	r := NewResolver()
	r.Store(Payload{
		Bindings: []Binding{
			{Target: policy.TargetURL, Pattern: "api.example.com/*", Secrets: map[string]string{"API_KEY": "abc"}},
		},
	})

	got := r.Resolve("curl", []string{"-s", "https://api.example.com/v1/data"})
	if got["API_KEY"] != "abc" {
		t.Fatalf("expected API_KEY injected for matching curl URL, got %+v", got)
	}
}

func TestResolve_URLExtractionSkipsFlagValues(t *testing.T) {
	r := NewResolver()
	r.Store(Payload{
		Bindings: []Binding{
			{Target: policy.TargetURL, Pattern: "api.example.com/*", Secrets: map[string]string{"API_KEY": "abc"}},
		},
	})

	got := r.Resolve("curl", []string{"-H", "Accept: application/json", "https://api.example.com/v1/data"})
	if got["API_KEY"] != "abc" {
		t.Fatalf("expected the URL to be found after skipping -H's value, got %+v", got)
	}
}

func TestResolve_NonCurlWgetCommandNeverMatchesURLBinding(t *testing.T) {
	r := NewResolver()
	r.Store(Payload{
		Bindings: []Binding{
			{Target: policy.TargetURL, Pattern: "api.example.com/*", Secrets: map[string]string{"API_KEY": "abc"}},
		},
	})

	got := r.Resolve("httpie", []string{"https://api.example.com/v1/data"})
	if _, ok := got["API_KEY"]; ok {
		t.Fatal("did not expect a URL binding to match a non-curl/wget command")
	}
}

func TestResolve_CommandBindingMatchesFullCommandLine(t *testing.T) {
	r := NewResolver()
	r.Store(Payload{
		Bindings: []Binding{
			{Target: policy.TargetCommand, Pattern: "git:*", Secrets: map[string]string{"GIT_TOKEN": "xyz"}},
		},
	})

	got := r.Resolve("git", []string{"push", "origin", "main"})
	if got["GIT_TOKEN"] != "xyz" {
		t.Fatalf("expected GIT_TOKEN injected for matching git command, got %+v", got)
	}
}

func TestResolve_LaterBindingOverridesEarlierOnCollision(t *testing.T) {
	r := NewResolver()
	r.Store(Payload{
		Global: map[string]string{"KEY": "global"},
		Bindings: []Binding{
			{Target: policy.TargetCommand, Pattern: "git:*", Secrets: map[string]string{"KEY": "first"}},
			{Target: policy.TargetCommand, Pattern: "git:*", Secrets: map[string]string{"KEY": "second"}},
		},
	})

	got := r.Resolve("git", []string{"push"})
	if got["KEY"] != "second" {
		t.Fatalf("expected the later binding to win, got %q", got["KEY"])
	}
}
