package daemoncore

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agenshield/internal/storage"
	"agenshield/internal/vault"
)

func TestBroadcaster_PublishDeliversToSubscribers(t *testing.T) {
	b := NewBroadcaster("", "")
	defer b.Close()

	events, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Publish("test:event", map[string]string{"k": "v"})

	select {
	case evt := <-events:
		if evt.Type != "test:event" {
			t.Fatalf("unexpected event type: %q", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcaster_SlowSubscriberIsDroppedNotBlocking(t *testing.T) {
	b := NewBroadcaster("", "")
	defer b.Close()

	events, _ := b.Subscribe()
	// Fill the subscriber's buffer without draining it.
	for i := 0; i < subscriberBufferSize+10; i++ {
		b.Publish("flood", i)
	}
	// The broadcaster must not have blocked; draining confirms it's alive.
	select {
	case <-events:
	default:
	}
}

func TestConfigStore_SaveThenReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.json")
	store, err := OpenConfigStore(path)
	if err != nil {
		t.Fatalf("OpenConfigStore: %v", err)
	}

	cfg := store.Get()
	cfg.PolicyMode = "audit"
	if err := store.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := OpenConfigStore(path)
	if err != nil {
		t.Fatalf("OpenConfigStore reload: %v", err)
	}
	if reloaded.Get().PolicyMode != "audit" {
		t.Fatalf("expected reloaded config to carry the saved mode, got %+v", reloaded.Get())
	}
}

func TestConfigStore_OnChangeFires(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.json")
	store, _ := OpenConfigStore(path)

	var notified UserConfig
	var called bool
	store.OnChange(func(cfg UserConfig) { called = true; notified = cfg })

	cfg := store.Get()
	cfg.FailOpen = true
	if err := store.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !called {
		t.Fatal("expected OnChange callback to fire")
	}
	if !notified.FailOpen {
		t.Fatalf("expected callback to receive the saved config, got %+v", notified)
	}
}

func TestWizard_AdvanceRejectsInvalidTransition(t *testing.T) {
	w := NewWizard(nil)
	if err := w.Advance(PhaseComplete); err == nil {
		t.Fatal("expected an error jumping straight from detecting to complete")
	}
}

func TestWizard_AdvanceFollowsValidPath(t *testing.T) {
	w := NewWizard(nil)
	steps := []Phase{PhaseModeSelect, PhaseConfirming, PhaseRunning, PhasePasscodeSetup, PhaseFinalizing, PhaseComplete}
	for _, p := range steps {
		if err := w.Advance(p); err != nil {
			t.Fatalf("Advance(%s): %v", p, err)
		}
	}
	if w.Phase() != PhaseComplete {
		t.Fatalf("expected final phase complete, got %s", w.Phase())
	}
}

func TestWizard_RunNextStep_StopsAfterFailure(t *testing.T) {
	w := NewWizard(nil)
	w.Advance(PhaseModeSelect)
	w.Advance(PhaseConfirming)
	w.Advance(PhaseRunning)

	w.RegisterStep(StepPrerequisites, func() StepResult { return StepResult{Success: true} })
	w.RegisterStep(StepDetect, func() StepResult { return StepResult{Success: false, Error: "detection failed"} })

	step, result, ran := w.RunNextStep()
	if !ran || step != StepPrerequisites || !result.Success {
		t.Fatalf("expected prerequisites to succeed, got step=%s result=%+v ran=%v", step, result, ran)
	}

	step, result, ran = w.RunNextStep()
	if !ran || step != StepDetect || result.Success {
		t.Fatalf("expected detect to fail, got step=%s result=%+v ran=%v", step, result, ran)
	}

	errored, detail := w.Errored()
	if !errored || detail != "detection failed" {
		t.Fatalf("expected wizard to be errored with detail, got %v %q", errored, detail)
	}

	_, _, ran = w.RunNextStep()
	if ran {
		t.Fatal("expected no further steps to run once errored")
	}
}

func TestWizard_UnregisteredStepDefaultsToSuccess(t *testing.T) {
	w := NewWizard(nil)
	w.Advance(PhaseModeSelect)
	w.Advance(PhaseConfirming)
	w.Advance(PhaseRunning)

	_, result, ran := w.RunNextStep()
	if !ran || !result.Success {
		t.Fatalf("expected an unregistered step to default to success, got %+v ran=%v", result, ran)
	}
}

func newTestHandler(t *testing.T) (*Handler, *ConfigStore, *Wizard, *vault.PasscodeVault) {
	t.Helper()
	dir := t.TempDir()

	events := NewBroadcaster("", "")
	t.Cleanup(events.Close)

	cfgStore, err := OpenConfigStore(filepath.Join(dir, "daemon.json"))
	if err != nil {
		t.Fatalf("OpenConfigStore: %v", err)
	}

	wizard := NewWizard(events)

	store, err := storage.Open(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	pv, err := vault.OpenPasscodeVault(filepath.Join(dir, "passcode.enc"))
	if err != nil {
		t.Fatalf("OpenPasscodeVault: %v", err)
	}

	return New(events, cfgStore, wizard, store, pv, nil), cfgStore, wizard, pv
}

func TestHandler_GetConfig_NoAuthRequired(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/config")
	if err != nil {
		t.Fatalf("GET /api/config: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHandler_PostConfig_RequiresPasscodeOnceSet(t *testing.T) {
	h, _, _, pv := newTestHandler(t)
	if err := pv.SetPasscode("shield-me"); err != nil {
		t.Fatalf("SetPasscode: %v", err)
	}
	srv := httptest.NewServer(h)
	defer srv.Close()

	body := strings.NewReader(`{"policy_mode":"audit"}`)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/config", body)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /api/config: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a passcode, got %d", resp.StatusCode)
	}

	body2 := strings.NewReader(`{"policy_mode":"audit"}`)
	req2, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/config", body2)
	req2.Header.Set("X-Passcode", "shield-me")
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("POST /api/config with passcode: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with a valid passcode, got %d", resp2.StatusCode)
	}
}

func TestHandler_PutConfig_UpdatesConfig(t *testing.T) {
	h, cfgStore, _, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	body := strings.NewReader(`{"policy_mode":"enforce"}`)
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/config", body)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /api/config: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if cfgStore.Get().PolicyMode != "enforce" {
		t.Fatalf("expected PUT to persist policy_mode, got %+v", cfgStore.Get())
	}
}

func TestHandler_PutConfig_RequiresPasscodeOnceSet(t *testing.T) {
	h, _, _, pv := newTestHandler(t)
	if err := pv.SetPasscode("shield-me"); err != nil {
		t.Fatalf("SetPasscode: %v", err)
	}
	srv := httptest.NewServer(h)
	defer srv.Close()

	body := strings.NewReader(`{"policy_mode":"audit"}`)
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/config", body)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /api/config: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a passcode, got %d", resp.StatusCode)
	}
}

func TestHandler_RPC_PingWithNoBrokerConfigured(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	body := strings.NewReader(`{"jsonrpc":"2.0","method":"ping","id":"1"}`)
	resp, err := http.Post(srv.URL+"/rpc", "application/json", body)
	if err != nil {
		t.Fatalf("POST /rpc: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var decoded struct {
		Result map[string]bool `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !decoded.Result["pong"] {
		t.Fatalf("expected pong true, got %+v", decoded.Result)
	}
}

func TestHandler_RPC_PolicyCheckWithNoBrokerReportsError(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	body := strings.NewReader(`{"jsonrpc":"2.0","method":"policy_check","params":{"operation":"exec","target":"rm"},"id":"1"}`)
	resp, err := http.Post(srv.URL+"/rpc", "application/json", body)
	if err != nil {
		t.Fatalf("POST /rpc: %v", err)
	}
	defer resp.Body.Close()
	var decoded struct {
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decoded.Error == nil {
		t.Fatal("expected an error with no broker connection configured")
	}
}

func TestHandler_RPC_UnknownMethodReportsMethodNotFound(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	body := strings.NewReader(`{"jsonrpc":"2.0","method":"skill_install","id":"1"}`)
	resp, err := http.Post(srv.URL+"/rpc", "application/json", body)
	if err != nil {
		t.Fatalf("POST /rpc: %v", err)
	}
	defer resp.Body.Close()
	var decoded struct {
		Error *struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decoded.Error == nil || decoded.Error.Code != -32601 {
		t.Fatalf("expected method-not-found error, got %+v", decoded.Error)
	}
}

func TestHandler_HistoryEndpoints(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/history")
	if err != nil {
		t.Fatalf("GET /api/history: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp2, err := http.Get(srv.URL + "/api/history/stats")
	if err != nil {
		t.Fatalf("GET /api/history/stats: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp2.StatusCode)
	}
}

func TestHandler_SSEStream_DeliversEventAndHeartbeatFraming(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/sse/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /sse/events: %v", err)
	}
	defer resp.Body.Close()

	// Publish after connecting; give the handler a moment to subscribe.
	time.Sleep(50 * time.Millisecond)
	h.events.Publish("test:hello", map[string]string{"hi": "there"})

	reader := bufio.NewReader(resp.Body)
	deadline := time.Now().Add(2 * time.Second)
	var sawEvent bool
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			t.Fatalf("reading SSE stream: %v", err)
		}
		if strings.HasPrefix(line, "event: test:hello") {
			sawEvent = true
			break
		}
	}
	if !sawEvent {
		t.Fatal("expected to see the published event on the SSE stream")
	}
}

func TestHandler_WizardSnapshotAndAdvance(t *testing.T) {
	h, _, wizard, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/wizard")
	if err != nil {
		t.Fatalf("GET /api/wizard: %v", err)
	}
	defer resp.Body.Close()
	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Phase != PhaseDetecting {
		t.Fatalf("expected initial phase detecting, got %s", snap.Phase)
	}

	body := strings.NewReader(`{"phase":"mode_select"}`)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/wizard/advance", body)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /api/wizard/advance: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp2.StatusCode)
	}
	if wizard.Phase() != PhaseModeSelect {
		t.Fatalf("expected wizard to have advanced, got %s", wizard.Phase())
	}
}
