package handlers

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"agenshield/internal/audit"
	"agenshield/internal/model"
	"agenshield/internal/policy"
	"agenshield/internal/secrets"
	"agenshield/internal/vault"
)

func newTestDeps(t *testing.T) *Deps {
	t.Helper()
	deps, _ := newTestDepsWithAuditPath(t)
	return deps
}

func newTestDepsWithAuditPath(t *testing.T) (*Deps, string) {
	t.Helper()
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.log")

	auditLog, err := audit.Open(auditPath)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { auditLog.Close() })

	v, err := vault.Open(filepath.Join(dir, "vault.json"), filepath.Join(dir, "vault.key"))
	if err != nil {
		t.Fatalf("vault.Open: %v", err)
	}

	return &Deps{
		Policy:     policy.NewEngine(nil),
		Audit:      auditLog,
		Vault:      v,
		Secrets:    secrets.NewResolver(),
		AgentHome:  dir,
		WSRegistry: NewWSRegistry(),
		Version:    "test",
	}, auditPath
}

func lastAuditEntry(t *testing.T, path string) audit.Entry {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	if len(lines) == 0 || len(lines[len(lines)-1]) == 0 {
		t.Fatalf("expected at least one audit line, got %q", data)
	}
	var e audit.Entry
	if err := json.Unmarshal(lines[len(lines)-1], &e); err != nil {
		t.Fatalf("unmarshal audit entry: %v", err)
	}
	return e
}

func TestPing(t *testing.T) {
	deps := newTestDeps(t)
	ctx := model.HandlerContext{Operation: model.OpPing, Channel: model.ChannelSocket}
	result, err := Ping(deps, ctx, nil)
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	m := result.(map[string]interface{})
	if m["pong"] != true {
		t.Fatalf("expected pong true, got %+v", m)
	}
}

func TestFileRead_RejectsRelativePath(t *testing.T) {
	deps := newTestDeps(t)
	ctx := model.HandlerContext{Operation: model.OpFileRead, Channel: model.ChannelSocket}
	params, _ := json.Marshal(fileReadParams{Path: "relative/path"})
	if _, err := FileRead(deps, ctx, params); err == nil {
		t.Fatal("expected an error for a relative path")
	}
}

func TestFileWrite_ThenFileRead_RoundTrips(t *testing.T) {
	deps := newTestDeps(t)
	ctx := model.HandlerContext{Operation: model.OpFileWrite, Channel: model.ChannelSocket}

	path := filepath.Join(deps.AgentHome, "note.txt")
	writeParams, _ := json.Marshal(fileWriteParams{Path: path, Content: "hello"})
	if _, err := FileWrite(deps, ctx, writeParams); err != nil {
		t.Fatalf("FileWrite: %v", err)
	}

	readParams, _ := json.Marshal(fileReadParams{Path: path})
	result, err := FileRead(deps, ctx, readParams)
	if err != nil {
		t.Fatalf("FileRead: %v", err)
	}
	if result.(map[string]string)["content"] != "hello" {
		t.Fatalf("unexpected content: %+v", result)
	}
}

func TestFileRead_DeniedByPolicy(t *testing.T) {
	deps := newTestDeps(t)
	deps.Policy = policy.NewEngine([]policy.Policy{
		{Action: policy.ActionDeny, Target: policy.TargetFilesystem, Patterns: []string{"/etc/"}, Enabled: true},
	})
	ctx := model.HandlerContext{Operation: model.OpFileRead, Channel: model.ChannelSocket}
	params, _ := json.Marshal(fileReadParams{Path: "/etc/passwd"})
	_, err := FileRead(deps, ctx, params)
	if err == nil {
		t.Fatal("expected a policy denial")
	}
	if me, ok := err.(*model.Error); !ok || me.Kind != model.KindPolicy {
		t.Fatalf("expected a PolicyDenied error, got %v", err)
	}
}

func TestSecretInject_RefusedOverHTTP(t *testing.T) {
	deps := newTestDeps(t)
	ctx := model.HandlerContext{Operation: model.OpSecretInject, Channel: model.ChannelHTTP}
	params, _ := json.Marshal(secretInjectParams{Name: "X"})
	_, err := SecretInject(deps, ctx, params)
	if err == nil {
		t.Fatal("expected an error over HTTP")
	}
	if me, ok := err.(*model.Error); !ok || me.Kind != model.KindChannel {
		t.Fatalf("expected ChannelRefused, got %v", err)
	}
}

func TestSecretInject_MissingSecretIsOpaque(t *testing.T) {
	deps := newTestDeps(t)
	ctx := model.HandlerContext{Operation: model.OpSecretInject, Channel: model.ChannelSocket}
	params, _ := json.Marshal(secretInjectParams{Name: "nope"})
	_, err := SecretInject(deps, ctx, params)
	if err == nil {
		t.Fatal("expected an error for a missing secret")
	}
	me := err.(*model.Error)
	if me.Message != "Secret not found" {
		t.Fatalf("expected opaque message, got %q", me.Message)
	}
}

func TestSecretInject_ReturnsStoredValue(t *testing.T) {
	deps := newTestDeps(t)
	if err := deps.Vault.Set("TOKEN", "shh"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	ctx := model.HandlerContext{Operation: model.OpSecretInject, Channel: model.ChannelSocket}
	params, _ := json.Marshal(secretInjectParams{Name: "TOKEN"})
	result, err := SecretInject(deps, ctx, params)
	if err != nil {
		t.Fatalf("SecretInject: %v", err)
	}
	if result.(map[string]string)["value"] != "shh" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSkillInstall_RejectsTraversalFileName(t *testing.T) {
	deps := newTestDeps(t)
	ctx := model.HandlerContext{Operation: model.OpSkillInstall, Channel: model.ChannelSocket}
	params, _ := json.Marshal(skillInstallParams{
		Slug:  "weather-lookup",
		Files: []skillFile{{Name: "../../etc/passwd", Content: "x"}},
	})
	if _, err := SkillInstall(deps, ctx, params); err == nil {
		t.Fatal("expected an error for a traversal file name")
	}
}

func TestSkillInstall_RejectsBadSlug(t *testing.T) {
	deps := newTestDeps(t)
	ctx := model.HandlerContext{Operation: model.OpSkillInstall, Channel: model.ChannelSocket}
	params, _ := json.Marshal(skillInstallParams{Slug: "-bad-slug"})
	if _, err := SkillInstall(deps, ctx, params); err == nil {
		t.Fatal("expected an error for a slug starting with a hyphen")
	}
}

func TestSkillInstall_MaterializesFilesAndUninstallRemoves(t *testing.T) {
	deps := newTestDeps(t)
	ctx := model.HandlerContext{Operation: model.OpSkillInstall, Channel: model.ChannelSocket}

	installParams, _ := json.Marshal(skillInstallParams{
		Slug:  "weather-lookup",
		Files: []skillFile{{Name: "SKILL.md", Content: "# weather lookup"}},
	})
	if _, err := SkillInstall(deps, ctx, installParams); err != nil {
		t.Fatalf("SkillInstall: %v", err)
	}

	skillFilePath := filepath.Join(deps.AgentHome, ".openclaw", "workspace", "skills", "weather-lookup", "SKILL.md")
	if _, err := os.Stat(skillFilePath); err != nil {
		t.Fatalf("expected skill file to exist: %v", err)
	}

	uninstallParams, _ := json.Marshal(skillUninstallParams{Slug: "weather-lookup"})
	if _, err := SkillUninstall(deps, ctx, uninstallParams); err != nil {
		t.Fatalf("SkillUninstall: %v", err)
	}
	if _, err := os.Stat(skillFilePath); !os.IsNotExist(err) {
		t.Fatal("expected skill file to be removed after uninstall")
	}
}

func TestDispatch_UnknownMethod(t *testing.T) {
	deps := newTestDeps(t)
	ctx := model.HandlerContext{Operation: "nonexistent", Channel: model.ChannelSocket}
	_, err := Dispatch(deps, ctx, "nonexistent", json.RawMessage("{}"))
	if err == nil {
		t.Fatal("expected an error for an unknown method")
	}
	if me, ok := err.(*model.Error); !ok || me.Kind != model.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDispatch_Ping(t *testing.T) {
	deps := newTestDeps(t)
	ctx := model.HandlerContext{Operation: model.OpPing, Channel: model.ChannelSocket}
	result, err := Dispatch(deps, ctx, "ping", json.RawMessage("{}"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result == nil {
		t.Fatal("expected a non-nil result")
	}
}

func TestPolicyCheck_NoSideEffects(t *testing.T) {
	deps := newTestDeps(t)
	deps.Policy = policy.NewEngine([]policy.Policy{
		{Action: policy.ActionDeny, Target: policy.TargetCommand, Patterns: []string{"rm:*"}, Enabled: true},
	})
	ctx := model.HandlerContext{Operation: model.OpPolicyCheck, Channel: model.ChannelSocket}
	params, _ := json.Marshal(PolicyCheckParams{Operation: model.OpExec, Target: "rm -rf /tmp/x"})
	result, err := PolicyCheck(deps, ctx, params)
	if err != nil {
		t.Fatalf("PolicyCheck: %v", err)
	}
	decision := result.(policy.Decision)
	if decision.Allowed {
		t.Fatal("expected the dry-run check to report denied")
	}
}

func TestSecretsSync_ReplacesBindings(t *testing.T) {
	deps := newTestDeps(t)
	ctx := model.HandlerContext{Operation: model.OpSecretsSync, Channel: model.ChannelSocket}
	params, _ := json.Marshal(SecretsSyncParams{Global: map[string]string{"K": "V"}})
	if _, err := SecretsSync(deps, ctx, params); err != nil {
		t.Fatalf("SecretsSync: %v", err)
	}
	got := deps.Secrets.Resolve("ls", nil)
	if got["K"] != "V" {
		t.Fatalf("expected synced global secret, got %+v", got)
	}
}
