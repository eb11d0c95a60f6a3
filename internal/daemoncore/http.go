package daemoncore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"agenshield/internal/storage"
	"agenshield/internal/transport"
	"agenshield/internal/vault"
)

// Handler is the daemon's HTTP control plane: SSE stream, wizard control,
// dynamic config mutation, and the read-only history projection.
// Grounded on the teacher's control.Handler: one mux, CORS on every
// response, Bearer/X-API-Key-shaped auth gating generalized here to a
// vault-backed passcode.
type Handler struct {
	mux      *http.ServeMux
	events   *Broadcaster
	config   *ConfigStore
	wizard   *Wizard
	history  *storage.Store
	passcode *vault.PasscodeVault
	broker   *BrokerClient
}

// New builds the daemon's HTTP handler. history may be nil if the
// optional SQLite projection isn't configured. broker may be nil, in
// which case /rpc answers ping locally and reports policy_check as
// unavailable rather than failing closed against a denied request.
func New(events *Broadcaster, config *ConfigStore, wizard *Wizard, history *storage.Store, passcode *vault.PasscodeVault, broker *BrokerClient) *Handler {
	h := &Handler{events: events, config: config, wizard: wizard, history: history, passcode: passcode, broker: broker}
	h.mux = http.NewServeMux()

	h.mux.HandleFunc("/sse/events", h.handleSSE)
	h.mux.HandleFunc("/api/config", h.handleConfig)
	h.mux.HandleFunc("/api/wizard", h.handleWizard)
	h.mux.HandleFunc("/api/wizard/advance", h.handleWizardAdvance)
	h.mux.HandleFunc("/api/wizard/step", h.handleWizardStep)
	h.mux.HandleFunc("/api/history", h.handleHistory)
	h.mux.HandleFunc("/api/history/stats", h.handleHistoryStats)
	h.mux.HandleFunc("/api/auth/verify", h.handleAuthVerify)
	h.mux.HandleFunc("/rpc", h.handleRPC)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	h.mux.ServeHTTP(w, r)
}

// isMutation reports whether a request changes daemon state, vs. a
// read-only GET. Unauthenticated clients only ever see the read-only
// surface.
func isMutation(r *http.Request) bool {
	return r.Method != http.MethodGet && r.Method != http.MethodHead
}

// authenticated checks the X-Passcode header against the vault. With no
// passcode configured yet (first run, before passcode_setup), every
// request is treated as authenticated so the wizard itself can run.
func (h *Handler) authenticated(r *http.Request) bool {
	if h.passcode == nil || !h.passcode.IsSet() {
		return true
	}
	return h.passcode.Verify(r.Header.Get("X-Passcode"))
}

func (h *Handler) requireAuthForMutation(w http.ResponseWriter, r *http.Request) bool {
	if !isMutation(r) {
		return true
	}
	if h.authenticated(r) {
		return true
	}
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error": "unauthorized", "message": "a valid passcode is required for this action",
	})
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode daemon response", "error", err)
	}
}

func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := h.events.serveHeartbeat(r.Context(), func(evt Event) error {
		payload, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		slog.Warn("sse stream ended", "error", err)
	}
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.config.Get())
	case http.MethodPost, http.MethodPut:
		if !h.requireAuthForMutation(w, r) {
			return
		}
		var cfg UserConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid config body"})
			return
		}
		if err := h.config.Save(cfg); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRPC is the daemon's narrow JSON-RPC surface: policy_check and
// ping only, per the UI/agent-facing rpc-addr contract. Everything else
// the broker exposes under its own /rpc stays broker-only.
func (h *Handler) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req transport.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCResponse(w, transport.Response{JSONRPC: "2.0", Error: &transport.RPCError{
			Code: transport.CodeParseError, Message: "invalid JSON",
		}})
		return
	}

	switch req.Method {
	case "ping":
		h.rpcPing(w)
	case "policy_check":
		h.rpcPolicyCheck(w, req.Params)
	default:
		writeRPCResponse(w, transport.Response{JSONRPC: "2.0", ID: req.ID, Error: &transport.RPCError{
			Code: transport.CodeMethodNotFound, Message: fmt.Sprintf("unsupported method %q", req.Method),
		}})
	}
}

func (h *Handler) rpcPing(w http.ResponseWriter) {
	if h.broker == nil {
		writeRPCResponse(w, transport.Response{JSONRPC: "2.0", Result: map[string]bool{"pong": true}})
		return
	}
	result, err := h.broker.Ping()
	if err != nil {
		writeRPCResponse(w, transport.Response{JSONRPC: "2.0", Error: &transport.RPCError{
			Code: transport.CodeInternal, Message: err.Error(),
		}})
		return
	}
	writeRPCResponse(w, transport.Response{JSONRPC: "2.0", Result: result})
}

type rpcPolicyCheckParams struct {
	Operation string `json:"operation"`
	Target    string `json:"target"`
}

func (h *Handler) rpcPolicyCheck(w http.ResponseWriter, raw json.RawMessage) {
	var p rpcPolicyCheckParams
	if err := json.Unmarshal(raw, &p); err != nil {
		writeRPCResponse(w, transport.Response{JSONRPC: "2.0", Error: &transport.RPCError{
			Code: transport.CodeParseError, Message: "invalid policy_check params",
		}})
		return
	}
	if h.broker == nil {
		writeRPCResponse(w, transport.Response{JSONRPC: "2.0", Error: &transport.RPCError{
			Code: transport.CodeInternal, Message: "policy_check unavailable: no broker connection configured",
		}})
		return
	}
	decision, err := h.broker.PolicyCheck(p.Operation, p.Target)
	if err != nil {
		writeRPCResponse(w, transport.Response{JSONRPC: "2.0", Error: &transport.RPCError{
			Code: transport.CodeInternal, Message: err.Error(),
		}})
		return
	}
	writeRPCResponse(w, transport.Response{JSONRPC: "2.0", Result: decision})
}

func writeRPCResponse(w http.ResponseWriter, resp transport.Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode rpc response", "error", err)
	}
}

func (h *Handler) handleWizard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.wizard.Snapshot())
}

func (h *Handler) handleWizardAdvance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.requireAuthForMutation(w, r) {
		return
	}
	var body struct {
		Phase Phase `json:"phase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if err := h.wizard.Advance(body.Phase); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, h.wizard.Snapshot())
}

func (h *Handler) handleWizardStep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.requireAuthForMutation(w, r) {
		return
	}
	step, result, ran := h.wizard.RunNextStep()
	if !ran {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no step to run in the current phase"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"step": step, "success": result.Success, "error": result.Error,
	})
}

func (h *Handler) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Passcode string `json:"passcode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	ok := h.passcode != nil && h.passcode.Verify(body.Passcode)
	writeJSON(w, http.StatusOK, map[string]bool{"valid": ok})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.history == nil {
		http.Error(w, "history storage not enabled", http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()
	limit := 100
	if v := query.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := h.history.ListEvents(query.Get("type"), limit)
	if err != nil {
		slog.Error("failed to list history", "error", err)
		http.Error(w, "failed to retrieve history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

func (h *Handler) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.history == nil {
		http.Error(w, "history storage not enabled", http.StatusServiceUnavailable)
		return
	}
	stats, err := h.history.Stats()
	if err != nil {
		slog.Error("failed to get history stats", "error", err)
		http.Error(w, "failed to retrieve stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
