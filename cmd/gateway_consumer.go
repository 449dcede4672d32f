package cmd

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nextlevelbuilder/goattend/internal/bus"
	"github.com/nextlevelbuilder/goattend/internal/ingest"
	"github.com/nextlevelbuilder/goattend/internal/store"
)

// processInbound runs one inbound message through the ingestion pipeline
// behind the dedupe cache. A failed message leaves the cache so the
// connector's redelivery is processed again.
func processInbound(pipeline *ingest.Pipeline, dedupe *bus.DedupeCache) func(ctx context.Context, msg bus.InboundMessage) error {
	return func(ctx context.Context, msg bus.InboundMessage) error {
		key := bus.InboundKey(msg)
		if dedupe.IsDuplicate(key) {
			slog.Debug("inbound: duplicate message skipped", "channel", msg.Channel, "message_id", msg.MessageID)
			return nil
		}

		res := pipeline.HandleInbound(ctx, msg)
		if res.Err == nil {
			return nil
		}
		dedupe.Forget(key)
		switch {
		case errors.Is(res.Err, store.ErrUnauthorized), errors.Is(res.Err, store.ErrValidationFailed):
			slog.Warn("inbound: rejected", "channel", msg.Channel, "error", res.Err)
		default:
			slog.Error("inbound: processing failed", "channel", msg.Channel, "sender", msg.SenderID, "error", res.Err)
		}
		return res.Err
	}
}

// consumeInboundMessages drains messages published on the bus by gateways
// that ack without waiting, one goroutine per message.
func consumeInboundMessages(ctx context.Context, msgBus *bus.MessageBus, process func(context.Context, bus.InboundMessage) error) {
	slog.Info("inbound message consumer started")

	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound message consumer stopped")
			return
		}
		go process(ctx, msg)
	}
}
