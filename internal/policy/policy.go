// Package policy implements pattern matching and priority-ordered
// evaluation for AgenShield's allow/deny/approval rules. The engine itself
// is grounded on the teacher's RWMutex-protected, atomic-slice-swap design
// (internal/policy/policy.go in the teacher repo): readers never block on
// a hot reload, and a writer replaces the whole rule set in one atomic
// assignment.
package policy

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"agenshield/internal/model"
)

// Action is the decision a matching policy renders.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionDeny     Action = "deny"
	ActionApproval Action = "approval"
)

// Target is what a policy's patterns are matched against.
type Target string

const (
	TargetSkill      Target = "skill"
	TargetCommand    Target = "command"
	TargetURL        Target = "url"
	TargetFilesystem Target = "filesystem"
)

// Policy is one allow/deny/approval rule.
type Policy struct {
	ID         string               `json:"id"`
	Name       string               `json:"name"`
	Action     Action               `json:"action"`
	Target     Target               `json:"target"`
	Patterns   []string             `json:"patterns"`
	Enabled    bool                 `json:"enabled"`
	Priority   int                  `json:"priority"`
	Operations []model.OperationKind `json:"operations,omitempty"` // empty = all
}

// NewPolicy fills in an opaque ID if the caller didn't supply one.
func NewPolicy(p Policy) Policy {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return p
}

// Decision is the outcome of evaluating one target against the policy set.
type Decision struct {
	Allowed  bool
	Action   Action
	PolicyID string // empty when no policy matched (fail-open default allow)
}

// compiled pairs a Policy with its precompiled pattern matchers, built once
// per hot-reload rather than per request.
type compiled struct {
	policy   Policy
	matchers []matcher
}

// matcher tests one normalized target string for a match.
type matcher func(target string) bool

// Engine holds the current policy set behind a reader-writer lock so that
// evaluation never blocks on a concurrent reload, and a reload never
// observes a torn read.
type Engine struct {
	mu       sync.RWMutex
	compiled []compiled // sorted by priority descending, ties by first-in-set order
}

// NewEngine builds an engine from an initial policy set.
func NewEngine(policies []Policy) *Engine {
	e := &Engine{}
	e.Reload(policies)
	return e
}

// Reload atomically replaces the policy set. Per §4.C this is the only
// mutation path: the policy slice is immutable once built, and swapped
// under the writer lock in one assignment, so concurrent evaluators never
// see a partially-updated set.
func (e *Engine) Reload(policies []Policy) {
	indexed := make([]compiled, 0, len(policies))
	for _, p := range policies {
		indexed = append(indexed, compiled{policy: p, matchers: compileMatchers(p)})
	}

	// Stable sort descending by priority; ties keep first-in-set order
	// because sort.SliceStable preserves relative order of equal elements.
	sort.SliceStable(indexed, func(i, j int) bool {
		return indexed[i].policy.Priority > indexed[j].policy.Priority
	})

	e.mu.Lock()
	e.compiled = indexed
	e.mu.Unlock()
}

// Snapshot returns the currently active policies in evaluation order, for
// the daemon's GET /api/config round-trip.
func (e *Engine) Snapshot() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.compiled))
	for _, c := range e.compiled {
		out = append(out, c.policy)
	}
	return out
}

// Evaluate walks the policy set in priority order and returns the first
// matching enabled policy that applies to op. No match is fail-open
// (default allow), matching §4.C.
func (e *Engine) Evaluate(op model.OperationKind, target string) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, c := range e.compiled {
		if !c.policy.Enabled {
			continue
		}
		if !appliesToOperation(c.policy, op) {
			continue
		}
		if matchesAny(c.matchers, target) {
			allowed := c.policy.Action == ActionAllow
			return Decision{Allowed: allowed, Action: c.policy.Action, PolicyID: c.policy.ID}
		}
	}

	return Decision{Allowed: true, Action: ActionAllow}
}

func appliesToOperation(p Policy, op model.OperationKind) bool {
	if len(p.Operations) == 0 {
		return true
	}
	for _, o := range p.Operations {
		if o == op {
			return true
		}
	}
	return false
}

func matchesAny(matchers []matcher, target string) bool {
	for _, m := range matchers {
		if m(target) {
			return true
		}
	}
	return false
}

func compileMatchers(p Policy) []matcher {
	matchers := make([]matcher, 0, len(p.Patterns))
	for _, pattern := range p.Patterns {
		switch p.Target {
		case TargetURL:
			matchers = append(matchers, compileURLMatcher(pattern))
		case TargetCommand, TargetSkill:
			matchers = append(matchers, compileCommandMatcher(pattern))
		case TargetFilesystem:
			matchers = append(matchers, compileFilesystemMatcher(pattern))
		default:
			matchers = append(matchers, compileCommandMatcher(pattern))
		}
	}
	return matchers
}

var regexMetaEscaper = strings.NewReplacer(
	`\`, `\\`, `.`, `\.`, `+`, `\+`, `(`, `\(`, `)`, `\)`,
	`[`, `\[`, `]`, `\]`, `{`, `\{`, `}`, `\}`, `^`, `\^`, `$`, `\$`, `|`, `\|`,
)

// globToRegex escapes regex metacharacters then maps glob wildcards,
// matching §4.C's "escape regex metacharacters, then map ** -> .*, * ->
// [^/]*, ? -> ." pipeline. ** and * are distinguished before single-char
// escaping would otherwise collide with the escaped `*` itself, so the
// glob wildcards are swapped for unique placeholders first.
func globToRegex(pattern string) string {
	const (
		doubleStarPlaceholder = "\x00DSTAR\x00"
		starPlaceholder       = "\x00STAR\x00"
		qmarkPlaceholder      = "\x00QMARK\x00"
	)
	p := strings.ReplaceAll(pattern, "**", doubleStarPlaceholder)
	p = strings.ReplaceAll(p, "*", starPlaceholder)
	p = strings.ReplaceAll(p, "?", qmarkPlaceholder)

	p = regexMetaEscaper.Replace(p)

	p = strings.ReplaceAll(p, doubleStarPlaceholder, ".*")
	// A single "*" still spans path segments (worked example in §8 matches
	// "api.example.com/*" against "https://api.example.com/v1/users", a
	// multi-segment path) -- see DESIGN.md's open-question resolution.
	p = strings.ReplaceAll(p, starPlaceholder, ".*")
	p = strings.ReplaceAll(p, qmarkPlaceholder, ".")
	return p
}

// compileURLMatcher implements §4.C's URL matching rules.
func compileURLMatcher(pattern string) matcher {
	norm := strings.TrimSpace(pattern)
	norm = strings.TrimSuffix(norm, "/")
	if !strings.Contains(norm, "://") {
		norm = "https://" + norm
	}

	globPattern := "^" + globToRegex(norm) + "$"
	globRe, errGlob := regexp.Compile("(?i)" + globPattern)

	// Unless the pattern already ends in a wildcard, also try the implicit
	// "/**" suffix so "example.com" matches "example.com/anything".
	var suffixRe *regexp.Regexp
	if !strings.HasSuffix(norm, "*") {
		suffixPattern := "^" + globToRegex(norm+"/**") + "$"
		suffixRe, _ = regexp.Compile("(?i)" + suffixPattern)
	}

	return func(target string) bool {
		if errGlob == nil && globRe.MatchString(target) {
			return true
		}
		if suffixRe != nil && suffixRe.MatchString(target) {
			return true
		}
		return false
	}
}

// MatchesURL reports whether target matches a single URL glob pattern,
// for callers (the secret resolver) that need one-off pattern matching
// outside a full policy evaluation.
func MatchesURL(pattern, target string) bool {
	return compileURLMatcher(pattern)(target)
}

// MatchesCommand reports whether target matches a single command pattern.
func MatchesCommand(pattern, target string) bool {
	return compileCommandMatcher(pattern)(target)
}

// NormalizeURL renders a URL into the canonical
// {scheme}//{host}{path-no-trailing-slash}{search} form §4.C matches
// against. Callers (the http_request / open_url / ws_dial handlers) build
// the target string with this before calling Engine.Evaluate.
func NormalizeURL(scheme, host, path, query string) string {
	path = strings.TrimSuffix(path, "/")
	out := scheme + "://" + host + path
	if query != "" {
		out += "?" + query
	}
	return out
}

// compileCommandMatcher implements §4.C's command matching rules:
// lowercase both sides, "*" matches anything, "prefix:*" matches the
// prefix itself or "prefix " + anything, exact match otherwise, and an
// absolute-path target/pattern is also tried by basename.
func compileCommandMatcher(pattern string) matcher {
	lowered := strings.ToLower(pattern)

	if lowered == "*" {
		return func(string) bool { return true }
	}

	if strings.HasSuffix(lowered, ":*") {
		prefix := strings.TrimSuffix(lowered, ":*")
		return func(target string) bool {
			t := strings.ToLower(target)
			// A colon-suffixed pattern matches only when the target carries
			// at least one argument after the command: bare equality to the
			// prefix does not match (the rule is "prefix followed by a
			// space", never "prefix alone").
			return commandHasArgsMatching(t, prefix) || commandHasArgsMatching(basenameOfFirstToken(t), basenameOfPattern(prefix))
		}
	}

	return func(target string) bool {
		t := strings.ToLower(target)
		if t == lowered {
			return true
		}
		return basenameOfFirstToken(t) == basenameOfPattern(lowered)
	}
}

func commandHasArgsMatching(target, prefix string) bool {
	return strings.HasPrefix(target, prefix+" ")
}

// basenameOfFirstToken returns the basename of the first whitespace-
// separated token in target if that token looks like an absolute path,
// else the token itself, preserving any trailing arguments.
func basenameOfFirstToken(target string) string {
	fields := strings.Fields(target)
	if len(fields) == 0 {
		return target
	}
	first := fields[0]
	if strings.HasPrefix(first, "/") {
		first = lastPathElement(first)
	}
	rest := fields[1:]
	if len(rest) == 0 {
		return first
	}
	return first + " " + strings.Join(rest, " ")
}

func basenameOfPattern(pattern string) string {
	if strings.HasPrefix(pattern, "/") {
		return lastPathElement(pattern)
	}
	return pattern
}

func lastPathElement(p string) string {
	p = strings.TrimSuffix(p, "/")
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return p
	}
	return p[idx+1:]
}

// compileFilesystemMatcher implements §4.C's case-sensitive absolute-path
// prefix matching; a trailing "/" denotes a subpath match.
func compileFilesystemMatcher(pattern string) matcher {
	isSubpath := strings.HasSuffix(pattern, "/")
	trimmed := strings.TrimSuffix(pattern, "/")

	return func(target string) bool {
		t := strings.TrimSuffix(target, "/")
		if isSubpath {
			return t == trimmed || strings.HasPrefix(t, trimmed+"/")
		}
		return t == trimmed
	}
}
