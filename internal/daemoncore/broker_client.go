package daemoncore

import (
	"context"
	"time"

	"agenshield/internal/interceptor"
	"agenshield/internal/skills"
)

// BrokerClient implements skills.BrokerClient over the broker's own
// JSON-RPC socket, reusing the interceptor package's wire client: the
// daemon and the agent runtime both speak the identical newline-framed
// JSON-RPC protocol to the broker, just for different operations.
type BrokerClient struct {
	client  *interceptor.Client
	timeout time.Duration
}

// NewBrokerClient dials socketPath lazily on first call.
func NewBrokerClient(socketPath string) *BrokerClient {
	return &BrokerClient{client: interceptor.NewClient(socketPath, 10 * time.Second), timeout: 10 * time.Second}
}

type skillFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// SkillInstall calls the broker's skill_install operation.
func (b *BrokerClient) SkillInstall(slug string, files []skills.File) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	wireFiles := make([]skillFile, len(files))
	for i, f := range files {
		wireFiles[i] = skillFile{Name: f.Name, Content: f.Content}
	}
	params := map[string]interface{}{"slug": slug, "files": wireFiles}
	return b.client.Call(ctx, "skill_install", params, nil)
}

// SkillUninstall calls the broker's skill_uninstall operation.
func (b *BrokerClient) SkillUninstall(slug string) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	return b.client.Call(ctx, "skill_uninstall", map[string]string{"slug": slug}, nil)
}

// PolicyDecision mirrors the broker's policy.Decision wire shape, decoded
// independently here since the daemon doesn't import the broker's policy
// package directly.
type PolicyDecision struct {
	Allowed  bool   `json:"Allowed"`
	Action   string `json:"Action"`
	PolicyID string `json:"PolicyID"`
}

// PolicyCheck asks the broker to evaluate op/target with no side effects,
// backing the daemon's own /rpc policy_check surface.
func (b *BrokerClient) PolicyCheck(op, target string) (PolicyDecision, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	var decision PolicyDecision
	params := map[string]string{"operation": op, "target": target}
	if err := b.client.Call(ctx, "policy_check", params, &decision); err != nil {
		return PolicyDecision{}, err
	}
	return decision, nil
}

// Ping asks the broker to confirm liveness, backing the daemon's own
// /rpc ping surface.
func (b *BrokerClient) Ping() (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	var result map[string]interface{}
	if err := b.client.Call(ctx, "ping", map[string]string{}, &result); err != nil {
		return nil, err
	}
	return result, nil
}
