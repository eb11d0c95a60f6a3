// Package handlers implements each JSON-RPC method the broker dispatches.
// Every handler follows the same shape the teacher's reverse proxy uses:
// evaluate policy, perform the operation, record to audit -- generalized
// here from "proxy one HTTP request" to "dispatch one of sixteen
// operation kinds."
package handlers

import (
	"encoding/json"
	"fmt"
	"time"

	"agenshield/internal/audit"
	"agenshield/internal/model"
	"agenshield/internal/policy"
	"agenshield/internal/secrets"
	"agenshield/internal/vault"
	"agenshield/internal/wrapper"
)

// Deps bundles every collaborator a handler might need. Handlers never
// reach for global state; everything arrives through this struct so tests
// can substitute fakes.
type Deps struct {
	Policy        *policy.Engine
	Audit         *audit.Log
	Vault         *vault.Vault
	Secrets       *secrets.Resolver
	Wrappers      *wrapper.Manager
	AgentHome     string
	ForwardDenied func(op model.OperationKind, target string) (bool, error) // optional daemon override
	WSRegistry    *WSRegistry
	Version       string
}

// HandlerFunc is the shape every operation handler implements.
type HandlerFunc func(deps *Deps, ctx model.HandlerContext, params json.RawMessage) (interface{}, error)

// Table maps every supported operation kind to its handler.
var Table = map[model.OperationKind]HandlerFunc{
	model.OpHTTPRequest:    HTTPRequest,
	model.OpFileRead:       FileRead,
	model.OpFileWrite:      FileWrite,
	model.OpFileList:       FileList,
	model.OpExec:           Exec,
	model.OpOpenURL:        OpenURL,
	model.OpSecretInject:   SecretInject,
	model.OpSkillInstall:   SkillInstall,
	model.OpSkillUninstall: SkillUninstall,
	model.OpPolicyCheck:    PolicyCheck,
	model.OpEventsBatch:    EventsBatch,
	model.OpSecretsSync:    SecretsSync,
	model.OpPing:           Ping,
	model.OpWSDial:         WSDial,
	model.OpWSSend:         WSSend,
	model.OpWSRecv:         WSRecv,
	model.OpWSClose:        WSClose,
}

// Dispatch looks up and invokes the handler for method, auditing every
// outcome exactly once.
func Dispatch(deps *Deps, ctx model.HandlerContext, method string, params json.RawMessage) (interface{}, error) {
	start := time.Now()
	fn, ok := Table[model.OperationKind(method)]
	if !ok {
		err := model.NewNotFound(fmt.Sprintf("unknown method %q", method))
		recordAudit(deps, ctx, false, "", "", err, start, nil)
		return nil, err
	}

	result, err := fn(deps, ctx, params)
	allowed := err == nil
	var metadata map[string]interface{}
	if allowed {
		metadata = metadataFromResult(method, params, result)
	}
	recordAudit(deps, ctx, allowed, policyIDFromError(err), targetFromParams(params), err, start, metadata)
	return result, err
}

func recordAudit(deps *Deps, ctx model.HandlerContext, allowed bool, policyID, target string, err error, start time.Time, metadata map[string]interface{}) {
	if deps == nil || deps.Audit == nil {
		return
	}
	durationMs := time.Since(start).Milliseconds()
	deps.Audit.Write(audit.FromHandlerResult(ctx, allowed, policyID, target, err, durationMs, metadata))
}

// metadataFromResult extracts the per-§4.G/§4.H audit metadata for a
// successful call: http_request and ws_send/ws_recv attribute their byte
// counts, and secret_inject attributes only the secret's name, never its
// value. Every other method carries no extra metadata.
func metadataFromResult(method string, params json.RawMessage, result interface{}) map[string]interface{} {
	switch model.OperationKind(method) {
	case model.OpHTTPRequest:
		if r, ok := result.(httpRequestResult); ok {
			return map[string]interface{}{"response_bytes": len(r.Body), "status": r.Status}
		}
	case model.OpWSSend:
		if m, ok := result.(map[string]int); ok {
			if b, ok := m["bytes"]; ok {
				return map[string]interface{}{"bytes": b}
			}
		}
	case model.OpWSRecv:
		if m, ok := result.(map[string]interface{}); ok {
			if b, ok := m["bytes"]; ok {
				return map[string]interface{}{"bytes": b}
			}
		}
	case model.OpSecretInject:
		var p secretInjectParams
		if err := json.Unmarshal(params, &p); err == nil && p.Name != "" {
			return map[string]interface{}{"secret_name": p.Name}
		}
	}
	return nil
}

func policyIDFromError(err error) string {
	if me, ok := err.(*model.Error); ok {
		return me.PolicyID
	}
	return ""
}

func targetFromParams(params json.RawMessage) string {
	var probe struct {
		URL     string `json:"url"`
		Path    string `json:"path"`
		Command string `json:"command"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return ""
	}
	if probe.URL != "" {
		return probe.URL
	}
	if probe.Path != "" {
		return probe.Path
	}
	return probe.Command
}

// checkPolicy evaluates op/target and returns a *model.Error if denied,
// giving the broker a second chance via deps.ForwardDenied before failing
// closed. Per §4.G this is at most one forward, never a retry loop.
func checkPolicy(deps *Deps, op model.OperationKind, target string) error {
	if deps.Policy == nil {
		return nil
	}
	decision := deps.Policy.Evaluate(op, target)
	if decision.Allowed {
		return nil
	}

	if deps.ForwardDenied != nil {
		if allowed, fwdErr := deps.ForwardDenied(op, target); fwdErr == nil && allowed {
			return nil
		}
	}

	return model.NewPolicyDeniedByRule(fmt.Sprintf("%s denied by policy %s", op, decision.PolicyID), decision.PolicyID)
}

// Ping answers a liveness probe.
func Ping(deps *Deps, ctx model.HandlerContext, params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"pong":      true,
		"version":   deps.Version,
		"timestamp": time.Now().UTC(),
	}, nil
}

// PolicyCheckParams is the payload for a policy_check call.
type PolicyCheckParams struct {
	Operation model.OperationKind `json:"operation"`
	Target    string              `json:"target"`
}

// PolicyCheck evaluates an inner operation+target with no side effects,
// for UI pre-checks and agent-side dry runs.
func PolicyCheck(deps *Deps, ctx model.HandlerContext, params json.RawMessage) (interface{}, error) {
	var p PolicyCheckParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, model.NewValidationError("invalid policy_check params", err)
	}
	decision := deps.Policy.Evaluate(p.Operation, p.Target)
	return decision, nil
}

// EventsBatchParams carries a batch of events for daemon forwarding.
type EventsBatchParams struct {
	Events []json.RawMessage `json:"events"`
}

// EventsBatch is a pull-through: the broker has no independent storage
// for these, it merely confirms receipt for the daemon to later pull.
func EventsBatch(deps *Deps, ctx model.HandlerContext, params json.RawMessage) (interface{}, error) {
	var p EventsBatchParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, model.NewValidationError("invalid events_batch params", err)
	}
	return map[string]int{"received": len(p.Events)}, nil
}

// SecretsSyncParams is the daemon-signed push of secret bindings.
type SecretsSyncParams struct {
	Global   map[string]string      `json:"global"`
	Bindings []secrets.Binding      `json:"bindings"`
}

// SecretsSync replaces the broker's in-memory secret bindings. Nothing is
// ever persisted to disk here: the daemon's vault is the source of truth.
func SecretsSync(deps *Deps, ctx model.HandlerContext, params json.RawMessage) (interface{}, error) {
	var p SecretsSyncParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, model.NewValidationError("invalid secrets_sync params", err)
	}
	deps.Secrets.Store(secrets.Payload{Global: p.Global, Bindings: p.Bindings})
	return map[string]bool{"ok": true}, nil
}
