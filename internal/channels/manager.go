package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/goattend/internal/bus"
	"github.com/nextlevelbuilder/goattend/internal/store"
)

// Manager owns the registered gateways, their lifecycle and outbound
// routing by channel kind.
type Manager struct {
	gateways     map[string]Gateway
	bus          bus.MessageRouter
	dispatchTask *asyncTask
	mu           sync.RWMutex
}

type asyncTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a new gateway manager.
func NewManager(router bus.MessageRouter) *Manager {
	return &Manager{
		gateways: make(map[string]Gateway),
		bus:      router,
	}
}

// StartAll starts every registered gateway and the outbound dispatch loop.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.dispatchTask = &asyncTask{cancel: cancel, done: make(chan struct{})}
	go m.dispatchOutbound(dispatchCtx, m.dispatchTask.done)

	if len(m.gateways) == 0 {
		slog.Warn("channels: no gateways registered, outbound replies will only be stored")
		return nil
	}
	for name, g := range m.gateways {
		slog.Info("channels: starting gateway", "channel", name, "gateway", g.Name())
		if err := g.Start(ctx); err != nil {
			slog.Error("channels: failed to start gateway", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll stops the dispatch loop and every gateway.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	task := m.dispatchTask
	m.dispatchTask = nil
	gateways := make(map[string]Gateway, len(m.gateways))
	for k, g := range m.gateways {
		gateways[k] = g
	}
	m.mu.Unlock()

	if task != nil {
		task.cancel()
		<-task.done
	}
	stopped := map[Gateway]bool{}
	for name, g := range gateways {
		if stopped[g] {
			continue
		}
		stopped[g] = true
		if err := g.Stop(ctx); err != nil {
			slog.Error("channels: error stopping gateway", "channel", name, "error", err)
		}
	}
	return nil
}

// dispatchOutbound delivers messages published on the bus, for producers
// that do not need a delivery result.
func (m *Manager) dispatchOutbound(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if err := m.Send(ctx, msg); err != nil {
			slog.Error("channels: outbound dispatch failed", "channel", msg.Channel, "chat", msg.ChatID, "error", err)
		}
	}
}

// Send delivers msg through the gateway registered for its channel kind,
// or the fallback gateway. Failures wrap ErrDownstreamUnavailable.
func (m *Manager) Send(ctx context.Context, msg bus.OutboundMessage) error {
	g, ok := m.gatewayFor(msg.Channel)
	if !ok {
		return fmt.Errorf("%w: no gateway for channel %q", store.ErrDownstreamUnavailable, msg.Channel)
	}
	if err := g.Send(ctx, msg); err != nil {
		return fmt.Errorf("%w: %s: %v", store.ErrDownstreamUnavailable, g.Name(), err)
	}
	return nil
}

func (m *Manager) gatewayFor(kind string) (Gateway, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if g, ok := m.gateways[kind]; ok {
		return g, true
	}
	g, ok := m.gateways[Fallback]
	return g, ok
}

// Register routes channel kind to g. Use Fallback to catch every kind.
func (m *Manager) Register(kind string, g Gateway) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateways[kind] = g
}

// Unregister removes the gateway of a channel kind.
func (m *Manager) Unregister(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.gateways, kind)
}

// GetStatus returns the running status of every registered gateway.
func (m *Manager) GetStatus() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]any, len(m.gateways))
	for kind, g := range m.gateways {
		status[kind] = map[string]any{
			"gateway": g.Name(),
			"running": g.IsRunning(),
		}
	}
	return status
}
