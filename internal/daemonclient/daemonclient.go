// Package daemonclient is the broker's outbound link to the daemon's own
// JSON-RPC surface, used for exactly one purpose: giving a policy-denied
// request a second chance by forwarding the check to the daemon's own
// (possibly user-edited) rule set. Grounded on internal/transport's wire
// types, since the daemon speaks the identical JSON-RPC envelope over its
// HTTP fallback.
package daemonclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"agenshield/internal/model"
	"agenshield/internal/transport"
)

// DefaultTimeout bounds a single forwarded policy check.
const DefaultTimeout = 5 * time.Second

// Client forwards policy_check calls to the daemon's /rpc endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient builds a Client against daemonURL (e.g. "http://127.0.0.1:5200").
func NewClient(daemonURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(daemonURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

type policyCheckParams struct {
	Operation model.OperationKind `json:"operation"`
	Target    string              `json:"target"`
}

type policyDecision struct {
	Allowed  bool   `json:"Allowed"`
	Action   string `json:"Action"`
	PolicyID string `json:"PolicyID"`
}

// ForwardPolicyCheck asks the daemon whether op/target should be allowed,
// for use as handlers.Deps.ForwardDenied. At most one HTTP round trip per
// call -- the caller (handlers.checkPolicy) is responsible for only
// calling this once a request has already been denied locally.
func (c *Client) ForwardPolicyCheck(op model.OperationKind, target string) (bool, error) {
	params, err := json.Marshal(policyCheckParams{Operation: op, Target: target})
	if err != nil {
		return false, fmt.Errorf("marshal policy_check params: %w", err)
	}

	req := transport.Request{JSONRPC: "2.0", Method: "policy_check", Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return false, fmt.Errorf("marshal policy_check request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build daemon request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("call daemon policy_check: %w", err)
	}
	defer resp.Body.Close()

	var rpcResp transport.Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return false, fmt.Errorf("decode daemon response: %w", err)
	}
	if rpcResp.Error != nil {
		return false, fmt.Errorf("daemon policy_check error (code %d): %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	resultBytes, err := json.Marshal(rpcResp.Result)
	if err != nil {
		return false, fmt.Errorf("re-marshal daemon result: %w", err)
	}
	var decision policyDecision
	if err := json.Unmarshal(resultBytes, &decision); err != nil {
		return false, fmt.Errorf("unmarshal daemon decision: %w", err)
	}
	return decision.Allowed, nil
}
