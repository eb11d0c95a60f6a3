package interceptor

import (
	"context"
	"fmt"
	"os"

	"agenshield/internal/seatbelt"
)

// sandboxExecPath is the macOS sandbox-exec binary that enforces a
// generated SBPL profile around the real executable.
const sandboxExecPath = "/usr/bin/sandbox-exec"

type execParams struct {
	Command   string   `json:"command"`
	Args      []string `json:"args"`
	Env       []string `json:"env,omitempty"`
	TimeoutMs int      `json:"timeout_ms,omitempty"`
}

type execResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Signal   string `json:"signal,omitempty"`
}

// Executor runs child processes through the broker, wrapping each one in
// a sandbox-exec invocation against a cached, content-addressed SBPL
// profile.
type Executor struct {
	Client *Client
	Cache  *seatbelt.Cache
	Allow  []string // extra env names this executor's policy allows through, beyond the base allowlist
	Proxy  ProxyVars
}

// NewExecutorFromEnv builds an Executor from AGENSHIELD_SOCKET/
// AGENSHIELD_TIMEOUT and a seatbelt cache rooted at dir, only if
// AGENSHIELD_INTERCEPT_EXEC is enabled.
func NewExecutorFromEnv(profileCacheDir string) (*Executor, bool, error) {
	if !envEnabled("AGENSHIELD_INTERCEPT_EXEC") {
		return nil, false, nil
	}
	cache, err := seatbelt.NewCache(profileCacheDir)
	if err != nil {
		return nil, false, err
	}
	return &Executor{Client: NewClientFromEnv(), Cache: cache}, true, nil
}

// Run composes the sandbox-exec argv for command/args using profile,
// filters the environment, injects secrets, and sends the result to the
// broker's exec operation. Secrets bypass the allowlist: they're added
// after filtering, same as proxy variables.
func (e *Executor) Run(ctx context.Context, profile seatbelt.Profile, command string, args []string, secrets map[string]string, timeoutMs int) (execResult, error) {
	profilePath, err := e.Cache.Put(seatbelt.Synthesize(profile))
	if err != nil {
		return execResult{}, err
	}
	// Confirm the profile actually landed on disk using the captured
	// original os.Stat, never the intercepted path -- stat'ing through
	// interception here would recurse into policy evaluation for the
	// very file this executor is trying to build an exec call around.
	if _, err := RawStat(profilePath); err != nil {
		return execResult{}, fmt.Errorf("seatbelt profile missing after write: %w", err)
	}

	wrappedCommand := sandboxExecPath
	wrappedArgs := append([]string{"-f", profilePath, command}, args...)

	env := FilterEnv(os.Environ(), e.Allow, e.Proxy, secrets)

	var result execResult
	params := execParams{
		Command:   wrappedCommand,
		Args:      wrappedArgs,
		Env:       env,
		TimeoutMs: timeoutMs,
	}
	if err := e.Client.Call(ctx, "exec", params, &result); err != nil {
		return execResult{}, err
	}
	return result, nil
}
