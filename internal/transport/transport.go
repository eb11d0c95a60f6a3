// Package transport implements AgenShield's JSON-RPC 2.0 surface: a
// primary Unix domain socket listener plus a loopback HTTP fallback
// exposing the same methods under /rpc and individual REST paths under
// /api/. The dual-listener-plus-graceful-shutdown shape is grounded on
// cmd/elida/main.go's proxy/control server pair.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"agenshield/internal/model"
)

// JSON-RPC 2.0 transport-level error codes, per the wire spec itself.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternal       = -32603
)

// Request is one JSON-RPC 2.0 request object.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response is one JSON-RPC 2.0 response object.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Dispatcher handles one decoded method call and returns its result or an
// error. A *model.Error carries a handler-specific code (see §7); any
// other error is reported as -32603.
type Dispatcher func(ctx model.HandlerContext, method string, params json.RawMessage) (interface{}, error)

// Server owns the Unix socket listener and the HTTP fallback listener.
type Server struct {
	SocketPath string
	HTTPAddr   string
	Dispatch   Dispatcher

	mu         sync.Mutex
	unixLn     net.Listener
	httpServer *http.Server
}

// ListenAndServe starts both listeners and blocks until ctx is canceled,
// then shuts both down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 2)

	unixLn, err := s.listenUnix()
	if err != nil {
		return fmt.Errorf("listen on unix socket: %w", err)
	}
	s.mu.Lock()
	s.unixLn = unixLn
	s.mu.Unlock()

	go func() {
		slog.Info("broker socket listening", "path", s.SocketPath)
		if err := s.serveUnix(unixLn); err != nil {
			errCh <- fmt.Errorf("unix listener: %w", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleHTTPRPC)
	mux.HandleFunc("/api/", s.handleHTTPREST)
	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:         s.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	go func() {
		slog.Info("broker http fallback listening", "addr", s.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http listener: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.Error("transport listener error", "error", err)
	}

	return s.shutdown()
}

func (s *Server) listenUnix() (net.Listener, error) {
	os.Remove(s.SocketPath)
	ln, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(s.SocketPath, 0666); err != nil {
		ln.Close()
		return nil, fmt.Errorf("set socket mode: %w", err)
	}
	return ln, nil
}

func (s *Server) serveUnix(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if isClosedConnError(err) {
				return nil
			}
			return err
		}
		go s.handleUnixConn(conn)
	}
}

func isClosedConnError(err error) bool {
	return err != nil && (err == net.ErrClosed || fmt.Sprintf("%v", err) == "use of closed network connection")
}

// handleUnixConn serves one connection's requests serially, in arrival
// order, reusing peer credentials read once at accept time.
func (s *Server) handleUnixConn(conn net.Conn) {
	defer conn.Close()

	creds := peerCreds(conn)

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			s.handleLine(conn, line, model.ChannelSocket, creds)
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handleLine(w writer, line []byte, channel model.Channel, creds *model.PeerCreds) {
	resp := s.dispatchLine(line, channel, creds)
	out, err := json.Marshal(resp)
	if err != nil {
		slog.Error("marshal rpc response failed", "error", err)
		return
	}
	out = append(out, '\n')
	if _, err := w.Write(out); err != nil {
		slog.Warn("write rpc response failed", "error", err)
	}
}

type writer interface {
	Write([]byte) (int, error)
}

func (s *Server) dispatchLine(line []byte, channel model.Channel, creds *model.PeerCreds) Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Response{JSONRPC: "2.0", Error: &RPCError{Code: CodeParseError, Message: "invalid JSON"}}
	}
	return s.dispatchRequest(req, channel, creds)
}

func (s *Server) dispatchRequest(req Request, channel model.Channel, creds *model.PeerCreds) Response {
	if req.JSONRPC != "2.0" || req.Method == "" {
		return Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: CodeInvalidRequest, Message: "missing jsonrpc version or method"}}
	}

	ctx := model.HandlerContext{
		Operation: model.OperationKind(req.Method),
		Channel:   channel,
		Creds:     creds,
	}

	result, err := s.Dispatch(ctx, req.Method, req.Params)
	if err != nil {
		return Response{JSONRPC: "2.0", ID: req.ID, Error: toRPCError(err)}
	}
	return Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func toRPCError(err error) *RPCError {
	if me, ok := err.(*model.Error); ok {
		return &RPCError{Code: me.Code(), Message: me.Message}
	}
	return &RPCError{Code: CodeInternal, Message: err.Error()}
}

// handleHTTPRPC accepts the same request body shape as the socket, minus
// peer credentials: HTTP callers are never attributed a uid/gid/pid.
func (s *Server) handleHTTPRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeHTTPResponse(w, Response{JSONRPC: "2.0", Error: &RPCError{Code: CodeParseError, Message: "invalid JSON"}})
		return
	}

	resp := s.dispatchRequest(req, model.ChannelHTTP, nil)
	writeHTTPResponse(w, resp)
}

// handleHTTPREST dispatches POST /api/<method>, with the request body as
// that method's params. This carries the exact same methods /rpc does,
// just under individual paths for callers that prefer a REST shape to
// bundling every call through one envelope.
func (s *Server) handleHTTPREST(w http.ResponseWriter, r *http.Request) {
	method := strings.TrimPrefix(r.URL.Path, "/api/")
	if method == "" {
		writeHTTPResponse(w, Response{JSONRPC: "2.0", Error: &RPCError{Code: CodeMethodNotFound, Message: "missing method in path"}})
		return
	}

	var params json.RawMessage
	if r.Body != nil {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeHTTPResponse(w, Response{JSONRPC: "2.0", Error: &RPCError{Code: CodeParseError, Message: "invalid body"}})
			return
		}
		if len(body) > 0 {
			params = body
		}
	}

	req := Request{JSONRPC: "2.0", Method: method, Params: params}
	resp := s.dispatchRequest(req, model.ChannelHTTP, nil)
	writeHTTPResponse(w, resp)
}

func writeHTTPResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Error != nil {
		w.WriteHeader(http.StatusOK) // JSON-RPC errors are carried in-band, not via HTTP status
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.unixLn != nil {
		if err := s.unixLn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		os.Remove(s.SocketPath)
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// peerCreds reads SO_PEERCRED-equivalent credentials from a Unix socket
// connection where the OS supports it. A failure (wrong connection type,
// unsupported platform) is logged and yields nil, never a fatal error: the
// request still proceeds, simply unattributed.
func peerCreds(conn net.Conn) *model.PeerCreds {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		slog.Warn("peer credential lookup unavailable", "error", err)
		return nil
	}

	var creds *model.PeerCreds
	var sockErr error
	ctlErr := raw.Control(func(fd uintptr) {
		ucred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			sockErr = err
			return
		}
		creds = &model.PeerCreds{UID: int(ucred.Uid), GID: int(ucred.Gid), PID: int(ucred.Pid)}
	})
	if ctlErr != nil || sockErr != nil {
		slog.Debug("peer credentials not available on this platform", "error", sockErr, "ctl_error", ctlErr)
		return nil
	}
	return creds
}
