package methods

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goattend/internal/bus"
	"github.com/nextlevelbuilder/goattend/internal/gateway"
	"github.com/nextlevelbuilder/goattend/internal/ingest"
	"github.com/nextlevelbuilder/goattend/internal/notify"
	"github.com/nextlevelbuilder/goattend/internal/store"
	"github.com/nextlevelbuilder/goattend/pkg/protocol"
)

// AgentSender delivers operator replies.
type AgentSender interface {
	SendAgent(ctx context.Context, am ingest.AgentMessage) (*store.Message, error)
}

// ReadMarker marks a room's citizen messages as read.
type ReadMarker interface {
	MarkRead(ctx context.Context, roomID uuid.UUID, viewerID string) (int, error)
}

// ChatMethods handles chat.* RPCs.
type ChatMethods struct {
	sender   AgentSender
	reads    ReadMarker
	convs    store.ConversationStore
	notifier *notify.Notifier
}

// NewChatMethods creates the chat handlers.
func NewChatMethods(sender AgentSender, reads ReadMarker, convs store.ConversationStore, n *notify.Notifier) *ChatMethods {
	return &ChatMethods{sender: sender, reads: reads, convs: convs, notifier: n}
}

// Register registers all chat RPC methods.
func (m *ChatMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodChatSend, m.handleSend)
	router.Register(protocol.MethodChatView, m.handleView)
	router.Register(protocol.MethodChatTyping, m.handleTyping)
	router.Register(protocol.MethodChatHistory, m.handleHistory)
}

// agentFor prefers the agent bound at connect over the one in params.
func agentFor(client *gateway.Client, raw string) (uuid.UUID, bool) {
	if id := client.AgentID(); id != uuid.Nil {
		return id, true
	}
	id, err := uuid.Parse(raw)
	return id, err == nil
}

func (m *ChatMethods) handleSend(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		RoomID      string           `json:"room_id"`
		AgentID     string           `json:"agent_id"`
		Content     string           `json:"content"`
		Attachments []bus.Attachment `json:"attachments"`
	}
	if !decodeParams(req, &params) {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params"))
		return
	}
	roomID, ok := parseID(client, req, "room_id", params.RoomID)
	if !ok {
		return
	}
	agentID, ok := agentFor(client, params.AgentID)
	if !ok {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "agent_id required"))
		return
	}

	msg, err := m.sender.SendAgent(ctx, ingest.AgentMessage{
		RoomID: roomID, AgentID: agentID, Content: params.Content, Attachments: params.Attachments,
	})
	if err != nil {
		if msg != nil && errors.Is(err, store.ErrDownstreamUnavailable) {
			client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"message": msg, "delivered": false}))
			return
		}
		sendError(client, req, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"message": msg, "delivered": true}))
}

func (m *ChatMethods) handleView(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		RoomID string `json:"room_id"`
	}
	decodeParams(req, &params)
	roomID, ok := parseID(client, req, "room_id", params.RoomID)
	if !ok {
		return
	}
	viewer := ""
	if id := client.AgentID(); id != uuid.Nil {
		viewer = id.String()
	}
	n, err := m.reads.MarkRead(ctx, roomID, viewer)
	if err != nil {
		sendError(client, req, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]int{"marked": n}))
}

func (m *ChatMethods) handleTyping(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		RoomID string `json:"room_id"`
		Typing *bool  `json:"typing"`
	}
	decodeParams(req, &params)
	roomID, ok := parseID(client, req, "room_id", params.RoomID)
	if !ok {
		return
	}
	typing := true
	if params.Typing != nil {
		typing = *params.Typing
	}
	p := notify.TypingPayload{RoomID: roomID, Actor: "agent", Typing: typing}
	if id := client.AgentID(); id != uuid.Nil {
		p.UserID = id.String()
	}
	m.notifier.Typing(p)
	client.SendResponse(protocol.NewOKResponse(req.ID, nil))
}

func (m *ChatMethods) handleHistory(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		RoomID string `json:"room_id"`
		Limit  int    `json:"limit"`
	}
	decodeParams(req, &params)
	roomID, ok := parseID(client, req, "room_id", params.RoomID)
	if !ok {
		return
	}
	if params.Limit <= 0 || params.Limit > 500 {
		params.Limit = 50
	}
	msgs, err := m.convs.ListMessages(ctx, roomID, params.Limit)
	if err != nil {
		sendError(client, req, err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"messages": msgs}))
}
