package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goattend/internal/bus"
	"github.com/nextlevelbuilder/goattend/internal/conversation"
	"github.com/nextlevelbuilder/goattend/internal/export"
	"github.com/nextlevelbuilder/goattend/internal/ingest"
	"github.com/nextlevelbuilder/goattend/internal/store"
)

// AgentSender delivers operator replies.
type AgentSender interface {
	SendAgent(ctx context.Context, am ingest.AgentMessage) (*store.Message, error)
}

// AttentionCloser closes attentions on operator request.
type AttentionCloser interface {
	Close(ctx context.Context, attentionID uuid.UUID, reason string) (bool, error)
}

// RoomsHandler serves the operator REST API.
type RoomsHandler struct {
	convs    store.ConversationStore
	sender   AgentSender
	closer   AttentionCloser
	exporter export.Exporter
	token    string
}

// NewRoomsHandler creates the operator API handler.
func NewRoomsHandler(convs store.ConversationStore, sender AgentSender, closer AttentionCloser, exp export.Exporter, token string) *RoomsHandler {
	if exp == nil {
		exp = export.Disabled{}
	}
	return &RoomsHandler{convs: convs, sender: sender, closer: closer, exporter: exp, token: token}
}

// RegisterRoutes registers all operator routes on the given mux.
func (h *RoomsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/rooms/{id}/messages", requireToken(h.token, h.handleListMessages))
	mux.HandleFunc("POST /v1/rooms/{id}/messages", requireToken(h.token, h.handleSend))
	mux.HandleFunc("POST /v1/attentions/{id}/close", requireToken(h.token, h.handleClose))
	mux.HandleFunc("POST /v1/attentions/{id}/export", requireToken(h.token, h.handleExport))
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *RoomsHandler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	roomID, ok := pathID(w, r)
	if !ok {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if _, err := h.convs.GetRoom(r.Context(), roomID); err != nil {
		writeError(w, "http: get room", err)
		return
	}
	msgs, err := h.convs.ListMessages(r.Context(), roomID, limit)
	if err != nil {
		writeError(w, "http: list messages", err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs, "limit": limit})
}

func (h *RoomsHandler) handleSend(w http.ResponseWriter, r *http.Request) {
	roomID, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		AgentID     string           `json:"agent_id"`
		Content     string           `json:"content"`
		Attachments []bus.Attachment `json:"attachments"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	agentID, err := uuid.Parse(body.AgentID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid agent_id"})
		return
	}

	msg, err := h.sender.SendAgent(r.Context(), ingest.AgentMessage{
		RoomID: roomID, AgentID: agentID, Content: body.Content, Attachments: body.Attachments,
	})
	if err != nil {
		// stored but not delivered: the operator still gets the message id
		if msg != nil && errors.Is(err, store.ErrDownstreamUnavailable) {
			writeJSON(w, http.StatusAccepted, map[string]interface{}{"message": msg, "delivered": false})
			return
		}
		writeError(w, "http: agent send", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"message": msg, "delivered": true})
}

func (h *RoomsHandler) handleClose(w http.ResponseWriter, r *http.Request) {
	attID, ok := pathID(w, r)
	if !ok {
		return
	}
	closed, err := h.closer.Close(r.Context(), attID, conversation.ReasonAgent)
	if err != nil {
		writeError(w, "http: close attention", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"closed": closed})
}

func (h *RoomsHandler) handleExport(w http.ResponseWriter, r *http.Request) {
	attID, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if err := h.exporter.ExportAttention(r.Context(), attID, body.Email); err != nil {
		writeError(w, "http: export attention", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
}
