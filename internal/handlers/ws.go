package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"agenshield/internal/model"
)

// WSRegistry tracks broker-held WebSocket connections opened on an
// agent's behalf via ws_dial, keyed by an opaque handle so ws_send/
// ws_recv/ws_close never need to expose the underlying connection.
type WSRegistry struct {
	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

// NewWSRegistry returns an empty registry.
func NewWSRegistry() *WSRegistry {
	return &WSRegistry{conns: make(map[string]*websocket.Conn)}
}

// CloseAll tears down every tracked connection, used on broker shutdown
// and when a socket client disconnects.
func (r *WSRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for handle, c := range r.conns {
		c.Close(websocket.StatusNormalClosure, "broker shutting down")
		delete(r.conns, handle)
	}
}

type wsDialParams struct {
	URL string `json:"url"`
}

// WSDial policy-checks the target URL exactly like http_request, then
// opens a real connection and hands the caller an opaque handle.
func WSDial(deps *Deps, ctx model.HandlerContext, params json.RawMessage) (interface{}, error) {
	var p wsDialParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, model.NewValidationError("invalid ws_dial params", err)
	}
	if p.URL == "" {
		return nil, model.NewValidationError("url is required", nil)
	}

	if err := checkPolicy(deps, model.OpWSDial, p.URL); err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(context.Background(), p.URL, nil)
	if err != nil {
		return nil, model.NewInternal("websocket dial failed", err)
	}

	handle := uuid.NewString()
	deps.WSRegistry.mu.Lock()
	deps.WSRegistry.conns[handle] = conn
	deps.WSRegistry.mu.Unlock()

	return map[string]string{"handle": handle}, nil
}

type wsSendParams struct {
	Handle string `json:"handle"`
	Data   string `json:"data"`
}

// WSSend writes one text frame to the connection identified by handle.
func WSSend(deps *Deps, ctx model.HandlerContext, params json.RawMessage) (interface{}, error) {
	var p wsSendParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, model.NewValidationError("invalid ws_send params", err)
	}

	conn, err := deps.WSRegistry.lookup(p.Handle)
	if err != nil {
		return nil, err
	}

	if err := conn.Write(context.Background(), websocket.MessageText, []byte(p.Data)); err != nil {
		return nil, model.NewInternal("websocket write failed", err)
	}
	return map[string]int{"bytes": len(p.Data)}, nil
}

type wsRecvParams struct {
	Handle string `json:"handle"`
}

// WSRecv reads the next frame from the connection identified by handle.
func WSRecv(deps *Deps, ctx model.HandlerContext, params json.RawMessage) (interface{}, error) {
	var p wsRecvParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, model.NewValidationError("invalid ws_recv params", err)
	}

	conn, err := deps.WSRegistry.lookup(p.Handle)
	if err != nil {
		return nil, err
	}

	_, data, err := conn.Read(context.Background())
	if err != nil {
		return nil, model.NewInternal("websocket read failed", err)
	}
	return map[string]interface{}{"data": string(data), "bytes": len(data)}, nil
}

type wsCloseParams struct {
	Handle string `json:"handle"`
}

// WSClose tears down the connection identified by handle and forgets it.
func WSClose(deps *Deps, ctx model.HandlerContext, params json.RawMessage) (interface{}, error) {
	var p wsCloseParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, model.NewValidationError("invalid ws_close params", err)
	}

	deps.WSRegistry.mu.Lock()
	conn, ok := deps.WSRegistry.conns[p.Handle]
	delete(deps.WSRegistry.conns, p.Handle)
	deps.WSRegistry.mu.Unlock()

	if !ok {
		return nil, model.NewNotFound(fmt.Sprintf("no open websocket for handle %q", p.Handle))
	}
	conn.Close(websocket.StatusNormalClosure, "closed by caller")
	return map[string]bool{"closed": true}, nil
}

func (r *WSRegistry) lookup(handle string) (*websocket.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[handle]
	if !ok {
		return nil, model.NewNotFound(fmt.Sprintf("no open websocket for handle %q", handle))
	}
	return conn, nil
}
