package methods

import (
	"context"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goattend/internal/conversation"
	"github.com/nextlevelbuilder/goattend/internal/gateway"
	"github.com/nextlevelbuilder/goattend/internal/store"
	"github.com/nextlevelbuilder/goattend/pkg/protocol"
)

// RoomActions are the room-level operator transitions.
type RoomActions interface {
	Escalate(ctx context.Context, attentionID uuid.UUID) (*conversation.Escalation, error)
	Transfer(ctx context.Context, roomID, agentID uuid.UUID) error
	SetBotReplies(ctx context.Context, roomID uuid.UUID, enabled bool) error
}

// RoomMethods handles advisor and room RPCs.
type RoomMethods struct {
	actions RoomActions
	convs   store.ConversationStore
}

func NewRoomMethods(actions RoomActions, convs store.ConversationStore) *RoomMethods {
	return &RoomMethods{actions: actions, convs: convs}
}

// Register registers all room RPC methods.
func (m *RoomMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodAdvisorRequest, m.handleAdvisorRequest)
	router.Register(protocol.MethodRoomTransfer, m.handleTransfer)
	router.Register(protocol.MethodRoomBotToggle, m.handleBotToggle)
}

// handleAdvisorRequest accepts either attention_id or room_id; a room is
// resolved to its open attention.
func (m *RoomMethods) handleAdvisorRequest(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		AttentionID string `json:"attention_id"`
		RoomID      string `json:"room_id"`
	}
	decodeParams(req, &params)

	var attID uuid.UUID
	switch {
	case params.AttentionID != "":
		id, ok := parseID(client, req, "attention_id", params.AttentionID)
		if !ok {
			return
		}
		attID = id
	default:
		roomID, ok := parseID(client, req, "room_id", params.RoomID)
		if !ok {
			return
		}
		att, err := m.convs.FindOpenAttention(ctx, roomID)
		if err != nil {
			sendError(client, req, err)
			return
		}
		attID = att.ID
	}

	esc, err := m.actions.Escalate(ctx, attID)
	if err != nil {
		sendError(client, req, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, esc))
}

func (m *RoomMethods) handleTransfer(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		RoomID  string `json:"room_id"`
		AgentID string `json:"agent_id"`
	}
	decodeParams(req, &params)
	roomID, ok := parseID(client, req, "room_id", params.RoomID)
	if !ok {
		return
	}
	agentID, ok := parseID(client, req, "agent_id", params.AgentID)
	if !ok {
		return
	}
	if err := m.actions.Transfer(ctx, roomID, agentID); err != nil {
		sendError(client, req, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]string{"agent_id": agentID.String()}))
}

func (m *RoomMethods) handleBotToggle(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		RoomID  string `json:"room_id"`
		Enabled *bool  `json:"enabled"`
	}
	decodeParams(req, &params)
	roomID, ok := parseID(client, req, "room_id", params.RoomID)
	if !ok {
		return
	}
	if params.Enabled == nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "enabled is required"))
		return
	}
	if err := m.actions.SetBotReplies(ctx, roomID, *params.Enabled); err != nil {
		sendError(client, req, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]bool{"bot_replies": *params.Enabled}))
}
