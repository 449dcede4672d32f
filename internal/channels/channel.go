// Package channels connects external messaging platforms to the routing
// engine. Inbound traffic is normalized and published on the bus; outbound
// replies are dispatched to the gateway registered for their channel kind.
package channels

import (
	"context"
	"sync/atomic"

	"github.com/nextlevelbuilder/goattend/internal/bus"
)

// Fallback is the registration name of the gateway that carries every
// channel kind without a dedicated gateway of its own.
const Fallback = "*"

// Gateway is a delivery path to citizens. The connector client is the
// usual implementation; it serves every channel kind over one socket.
type Gateway interface {
	// Name returns the gateway identifier (e.g., "connector").
	Name() string

	// Start begins listening for inbound traffic. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the gateway.
	Stop(ctx context.Context) error

	// Send delivers an outbound message.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning reports whether the gateway is connected and processing.
	IsRunning() bool
}

// BaseGateway provides shared functionality for Gateway implementations.
type BaseGateway struct {
	name    string
	router  bus.MessageRouter
	running atomic.Bool
}

// NewBaseGateway creates a BaseGateway publishing inbound traffic on router.
func NewBaseGateway(name string, router bus.MessageRouter) *BaseGateway {
	return &BaseGateway{name: name, router: router}
}

func (g *BaseGateway) Name() string            { return g.name }
func (g *BaseGateway) IsRunning() bool         { return g.running.Load() }
func (g *BaseGateway) SetRunning(running bool) { g.running.Store(running) }

// Publish forwards a normalized inbound message to the pipeline consumer.
func (g *BaseGateway) Publish(msg bus.InboundMessage) {
	g.router.PublishInbound(msg)
}

// Truncate shortens a string to maxLen runes, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
