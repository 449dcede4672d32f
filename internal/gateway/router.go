package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goattend/pkg/protocol"
)

// MethodHandler handles one RPC request. Handlers answer through
// client.SendResponse.
type MethodHandler func(ctx context.Context, client *Client, req *protocol.RequestFrame)

// MethodRouter dispatches request frames to registered handlers.
type MethodRouter struct {
	server   *Server
	mu       sync.RWMutex
	handlers map[string]MethodHandler
}

// NewMethodRouter creates a router with the connect handshake registered.
func NewMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{server: s, handlers: make(map[string]MethodHandler)}
	r.Register(protocol.MethodConnect, r.handleConnect)
	return r
}

// Register binds a method name to a handler, replacing any previous one.
func (r *MethodRouter) Register(method string, h MethodHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Methods lists the registered method names.
func (r *MethodRouter) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	return out
}

// Handle dispatches one request. Every method except connect requires an
// authenticated client.
func (r *MethodRouter) Handle(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	if req.Method != protocol.MethodConnect && !client.Authenticated() {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnauthorized, "connect first"))
		return
	}

	r.mu.RLock()
	h, ok := r.handlers[req.Method]
	r.mu.RUnlock()
	if !ok {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "unknown method: "+req.Method))
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("gateway: method panicked", "method", req.Method, "panic", rec)
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "internal error"))
		}
	}()
	h(ctx, client, req)
}

func (r *MethodRouter) handleConnect(_ context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		Token   string `json:"token"`
		AgentID string `json:"agent_id"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	if want := r.server.cfg.Gateway.Token; want != "" && params.Token != want {
		slog.Warn("security.ws_auth_failed", "client", client.ID())
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnauthorized, "invalid token"))
		return
	}

	var agentID uuid.UUID
	if params.AgentID != "" {
		id, err := uuid.Parse(params.AgentID)
		if err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid agent_id"))
			return
		}
		agentID = id
	}
	client.authenticate(agentID)

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"protocol":  protocol.ProtocolVersion,
		"client_id": client.ID(),
	}))
}
