package transport

import (
	"context"
	"sync"

	"sipher/internal/domain"
)

// Bus connects clients in the same process. Delivery is synchronous so
// tests observe strict arrival order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[domain.UserID]Handler
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[domain.UserID]Handler)}
}

// Client registers user on the bus and returns that user's transport.
// Later registrations for the same user replace earlier ones.
func (b *Bus) Client(user domain.UserID, handler Handler) *BusClient {
	b.mu.Lock()
	b.handlers[user] = handler
	b.mu.Unlock()
	return &BusClient{bus: b, user: user}
}

func (b *Bus) deliver(ctx context.Context, from domain.UserID, out domain.OutboundEnvelope) {
	b.mu.RLock()
	h, ok := b.handlers[out.To]
	b.mu.RUnlock()
	if !ok || h == nil {
		return
	}
	h(ctx, domain.Envelope{Type: out.Type, Body: out.Body, SenderID: from})
}

func (b *Bus) remove(user domain.UserID) {
	b.mu.Lock()
	delete(b.handlers, user)
	b.mu.Unlock()
}

// BusClient is one user's end of the bus.
type BusClient struct {
	bus  *Bus
	user domain.UserID
}

var _ domain.Transport = (*BusClient)(nil)

// Send delivers the envelope to the recipient's handler, or silently
// drops it when the recipient is not registered.
func (c *BusClient) Send(ctx context.Context, env domain.OutboundEnvelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	c.bus.deliver(ctx, c.user, env)
	return nil
}

// Close removes the client from the bus.
func (c *BusClient) Close() error {
	c.bus.remove(c.user)
	return nil
}
