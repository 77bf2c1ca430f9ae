package rendezvous

import (
	"context"
	"errors"
)

// ErrUndeliverable is returned by Publish when the ticket-created event could
// not be handed to the approval application within the configured retry
// budget. The coordinator treats it as a fail-closed denial: an agent must
// never stay blocked on a ticket no human will ever see.
var ErrUndeliverable = errors.New("rendezvous: undeliverable")

// Channel is the approval application boundary.
type Channel interface {
	// Publish delivers a ticket-created event, retrying transient failures
	// with bounded backoff. It returns ErrUndeliverable once the budget is
	// exhausted.
	Publish(ctx context.Context, event *TicketCreated) error

	// NextDecision blocks until the next decision arrives or ctx is done.
	NextDecision(ctx context.Context) (*TicketDecided, error)
}
