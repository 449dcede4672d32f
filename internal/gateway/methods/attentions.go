package methods

import (
	"context"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goattend/internal/conversation"
	"github.com/nextlevelbuilder/goattend/internal/export"
	"github.com/nextlevelbuilder/goattend/internal/gateway"
	"github.com/nextlevelbuilder/goattend/pkg/protocol"
)

// Closer closes attentions.
type Closer interface {
	Close(ctx context.Context, attentionID uuid.UUID, reason string) (bool, error)
}

// AttentionMethods handles attention.* RPCs.
type AttentionMethods struct {
	closer   Closer
	exporter export.Exporter
}

func NewAttentionMethods(closer Closer, exp export.Exporter) *AttentionMethods {
	if exp == nil {
		exp = export.Disabled{}
	}
	return &AttentionMethods{closer: closer, exporter: exp}
}

// Register registers all attention RPC methods.
func (m *AttentionMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodAttentionClose, m.handleClose)
	router.Register(protocol.MethodAttentionExport, m.handleExport)
}

func (m *AttentionMethods) handleClose(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		AttentionID string `json:"attention_id"`
	}
	decodeParams(req, &params)
	id, ok := parseID(client, req, "attention_id", params.AttentionID)
	if !ok {
		return
	}
	closed, err := m.closer.Close(ctx, id, conversation.ReasonAgent)
	if err != nil {
		sendError(client, req, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]bool{"closed": closed}))
}

func (m *AttentionMethods) handleExport(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		AttentionID string `json:"attention_id"`
		Email       string `json:"email"`
	}
	decodeParams(req, &params)
	id, ok := parseID(client, req, "attention_id", params.AttentionID)
	if !ok {
		return
	}
	if err := m.exporter.ExportAttention(ctx, id, params.Email); err != nil {
		sendError(client, req, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]bool{"queued": true}))
}
