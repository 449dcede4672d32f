package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/goattend/internal/bus"
	"github.com/nextlevelbuilder/goattend/internal/channels"
	"github.com/nextlevelbuilder/goattend/internal/ingest"
)

// InboundProcessor runs one normalized inbound message.
type InboundProcessor interface {
	HandleInbound(ctx context.Context, msg bus.InboundMessage) ingest.Result
}

// InboundHandler accepts connector webhooks. Authentication is the inbox
// token carried in the envelope, checked by the pipeline.
type InboundHandler struct {
	pipeline InboundProcessor
	limiter  *channels.InboundLimiter
	dedupe   *bus.DedupeCache
}

// NewInboundHandler creates the webhook handler. limiter and dedupe may be nil.
func NewInboundHandler(p InboundProcessor, limiter *channels.InboundLimiter, dedupe *bus.DedupeCache) *InboundHandler {
	return &InboundHandler{pipeline: p, limiter: limiter, dedupe: dedupe}
}

// RegisterRoutes registers the webhook route on the given mux.
func (h *InboundHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/inbound", h.handleInbound)
}

func (h *InboundHandler) handleInbound(w http.ResponseWriter, r *http.Request) {
	var env channels.Envelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&env); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if env.Token == "" {
		env.Token = extractBearerToken(r)
	}

	limitKey := env.Token
	if limitKey == "" {
		limitKey = env.Inbox
	}
	if h.limiter != nil && !h.limiter.Allow(limitKey) {
		slog.Warn("security.inbound_rate_limited", "kind", env.Kind)
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
		return
	}

	msg, err := channels.Normalize(env)
	if err != nil {
		writeError(w, "http: normalize inbound", err)
		return
	}
	key := bus.InboundKey(msg)
	if h.dedupe != nil && h.dedupe.IsDuplicate(key) {
		writeJSON(w, http.StatusOK, ingest.Result{Registered: false})
		return
	}

	res := h.pipeline.HandleInbound(r.Context(), msg)
	if res.Err != nil {
		if h.dedupe != nil {
			h.dedupe.Forget(key)
		}
		writeError(w, "http: inbound", res.Err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
