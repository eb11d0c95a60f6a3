package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"agenshield/internal/model"
)

func TestDispatch_HTTPRequestRecordsResponseMetadata(t *testing.T) {
	deps, auditPath := newTestDepsWithAuditPath(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("hello world"))
	}))
	defer upstream.Close()

	ctx := model.HandlerContext{Operation: model.OpHTTPRequest, Channel: model.ChannelSocket}
	params, _ := json.Marshal(httpRequestParams{URL: upstream.URL})
	if _, err := Dispatch(deps, ctx, "http_request", params); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	entry := lastAuditEntry(t, auditPath)
	if entry.Metadata == nil {
		t.Fatal("expected non-nil metadata")
	}
	if got := entry.Metadata["response_bytes"]; got != float64(len("hello world")) {
		t.Fatalf("unexpected response_bytes: %+v", got)
	}
	if got := entry.Metadata["status"]; got != float64(http.StatusCreated) {
		t.Fatalf("unexpected status: %+v", got)
	}
}

func TestDispatch_SecretInjectRecordsNameOnlyNeverValue(t *testing.T) {
	deps, auditPath := newTestDepsWithAuditPath(t)
	if err := deps.Vault.Set("TOKEN", "super-secret-value"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	ctx := model.HandlerContext{Operation: model.OpSecretInject, Channel: model.ChannelSocket}
	params, _ := json.Marshal(secretInjectParams{Name: "TOKEN"})
	if _, err := Dispatch(deps, ctx, "secret_inject", params); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	entry := lastAuditEntry(t, auditPath)
	if entry.Metadata == nil {
		t.Fatal("expected non-nil metadata")
	}
	if entry.Metadata["secret_name"] != "TOKEN" {
		t.Fatalf("expected secret_name TOKEN, got %+v", entry.Metadata)
	}

	raw, err := jsonMarshalEntry(entry)
	if err != nil {
		t.Fatalf("marshal entry: %v", err)
	}
	if strings.Contains(raw, "super-secret-value") {
		t.Fatalf("audit entry leaked the secret value: %s", raw)
	}
}

func TestDispatch_PingRecordsNoMetadata(t *testing.T) {
	deps, auditPath := newTestDepsWithAuditPath(t)
	ctx := model.HandlerContext{Operation: model.OpPing, Channel: model.ChannelSocket}
	if _, err := Dispatch(deps, ctx, "ping", json.RawMessage("{}")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	entry := lastAuditEntry(t, auditPath)
	if entry.Metadata != nil {
		t.Fatalf("expected nil metadata for ping, got %+v", entry.Metadata)
	}
}

func jsonMarshalEntry(e interface{}) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
