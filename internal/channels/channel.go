// Package channels connects chat platforms to the supervisor via the
// message bus. A channel turns platform updates into bus.InboundMessage
// values and delivers bus.OutboundMessage / bus.OutboundReaction values
// back to the platform.
package channels

import (
	"context"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
)

// Channel is one chat platform connection.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram").
	Name() string

	// Start begins listening for platform updates. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the connection down and waits for in-flight handlers.
	Stop(ctx context.Context) error

	// SendMessage delivers an outbound reply, splitting content that
	// exceeds the platform limit.
	SendMessage(ctx context.Context, msg bus.OutboundMessage) error

	// SendReaction places an emoji on an existing platform message.
	SendReaction(ctx context.Context, r bus.OutboundReaction) error

	// IsRunning reports whether the channel is processing updates.
	IsRunning() bool
}

// BaseChannel provides the shared plumbing channel implementations embed.
type BaseChannel struct {
	name    string
	bus     *bus.MessageBus
	running bool
}

// NewBaseChannel creates a BaseChannel bound to the given bus.
func NewBaseChannel(name string, msgBus *bus.MessageBus) *BaseChannel {
	return &BaseChannel{name: name, bus: msgBus}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// Bus returns the message bus reference.
func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running = running }
