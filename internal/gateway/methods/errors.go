package methods

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goattend/internal/gateway"
	"github.com/nextlevelbuilder/goattend/internal/store"
	"github.com/nextlevelbuilder/goattend/pkg/protocol"
)

// sendError maps a domain error to a response code. Internal errors are
// logged and replaced by a generic message.
func sendError(client *gateway.Client, req *protocol.RequestFrame, err error) {
	code, msg := protocol.ErrInternal, "internal error"
	switch {
	case errors.Is(err, store.ErrNotFound):
		code, msg = protocol.ErrNotFound, err.Error()
	case errors.Is(err, store.ErrValidationFailed):
		code, msg = protocol.ErrInvalidRequest, err.Error()
	case errors.Is(err, store.ErrUnauthorized):
		code, msg = protocol.ErrUnauthorized, err.Error()
	case errors.Is(err, store.ErrDownstreamUnavailable):
		code, msg = protocol.ErrUnavailable, err.Error()
	default:
		slog.Error(req.Method, "error", err)
	}
	client.SendResponse(protocol.NewErrorResponse(req.ID, code, msg))
}

func decodeParams(req *protocol.RequestFrame, v interface{}) bool {
	if req.Params == nil {
		return true
	}
	return json.Unmarshal(req.Params, v) == nil
}

// parseID parses a required uuid param, answering INVALID_REQUEST on failure.
func parseID(client *gateway.Client, req *protocol.RequestFrame, name, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid "+name))
		return uuid.Nil, false
	}
	return id, true
}
