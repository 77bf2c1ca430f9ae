// Package memory provides an in-process rendezvous channel. It backs both
// tests and deployments where the approval application runs embedded in the
// same process as the proxy.
package memory

import (
	"context"

	"github.com/phact/agentsitter/service/messaging"
	qmem "github.com/phact/agentsitter/service/messaging/memory"
	"github.com/phact/agentsitter/service/rendezvous"
)

// Channel carries ticket events over two in-memory queues.
type Channel struct {
	created *qmem.Queue[rendezvous.TicketCreated]
	decided *qmem.Queue[rendezvous.TicketDecided]
}

// New creates an in-memory channel.
func New() *Channel {
	return &Channel{
		created: qmem.NewQueue[rendezvous.TicketCreated](qmem.DefaultConfig()),
		decided: qmem.NewQueue[rendezvous.TicketDecided](qmem.DefaultConfig()),
	}
}

// Publish enqueues a ticket-created event for the approval side.
func (c *Channel) Publish(ctx context.Context, event *rendezvous.TicketCreated) error {
	if err := c.created.Publish(ctx, event); err != nil {
		return rendezvous.ErrUndeliverable
	}
	return nil
}

// NextCreated blocks until the approval side can take the next created
// event.
func (c *Channel) NextCreated(ctx context.Context) (*rendezvous.TicketCreated, error) {
	return consume(ctx, c.created)
}

// Deliver records a decision made by the approval side.
func (c *Channel) Deliver(ctx context.Context, decision *rendezvous.TicketDecided) error {
	return c.decided.Publish(ctx, decision)
}

// NextDecision blocks until the next decision arrives or ctx is done.
func (c *Channel) NextDecision(ctx context.Context) (*rendezvous.TicketDecided, error) {
	return consume(ctx, c.decided)
}

func consume[T any](ctx context.Context, q messaging.Queue[T]) (*T, error) {
	msg, err := q.Consume(ctx)
	if err != nil {
		return nil, err
	}
	if err := msg.Ack(); err != nil {
		return nil, err
	}
	return msg.T(), nil
}

var _ rendezvous.Channel = (*Channel)(nil)
