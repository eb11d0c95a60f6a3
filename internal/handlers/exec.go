package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"agenshield/internal/model"
)

type execParams struct {
	Command   string   `json:"command"`
	Args      []string `json:"args"`
	TimeoutMs int      `json:"timeout_ms"`
	Env       []string `json:"env,omitempty"` // caller-composed environment (interceptor's allowlist filtering); empty inherits the broker's own
}

type execResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Signal   string `json:"signal,omitempty"`
}

// Exec policy-checks "command + ' ' + args", merges resolved secrets into
// the child environment, and enforces the stricter command allowlist
// filter when one is configured. A timeout kills the child with SIGKILL
// and reports exitCode 124, matching a shell's own timeout(1) convention.
func Exec(deps *Deps, ctx model.HandlerContext, params json.RawMessage) (interface{}, error) {
	var p execParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, model.NewValidationError("invalid exec params", err)
	}
	if p.Command == "" {
		return nil, model.NewValidationError("command is required", nil)
	}

	target := p.Command
	if len(p.Args) > 0 {
		target = p.Command + " " + strings.Join(p.Args, " ")
	}
	if err := checkPolicy(deps, model.OpExec, target); err != nil {
		return nil, err
	}
	if deps.Wrappers != nil && deps.Wrappers.Allowlist != nil && !deps.Wrappers.Allowlist.Allowed(p.Command) {
		return nil, model.NewPolicyDenied(fmt.Sprintf("command %s is not in the wrapper allowlist", p.Command))
	}

	timeout := 30 * time.Second
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.Command, p.Args...)
	if len(p.Env) > 0 {
		cmd.Env = append([]string(nil), p.Env...)
	}

	if deps.Secrets != nil {
		secretEnv := deps.Secrets.Resolve(p.Command, p.Args)
		for k, v := range secretEnv {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return execResult{ExitCode: 124, Stdout: stdout.String(), Stderr: stderr.String(), Signal: "SIGKILL"}, nil
	}

	result := execResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		result.ExitCode = 0
		return result, nil
	}

	var exitErr *exec.ExitError
	if ok := errorsAsExitError(err, &exitErr); ok {
		result.ExitCode = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			result.Signal = status.Signal().String()
		}
		return result, nil
	}

	return nil, model.NewInternal("exec failed to start", err)
}

func errorsAsExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}
