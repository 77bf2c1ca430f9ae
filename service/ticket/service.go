package ticket

import (
	"context"
	"errors"
	"time"

	"github.com/phact/agentsitter/service/intercept"
)

var (
	// ErrNotFound is returned when no ticket exists under the given id.
	ErrNotFound = errors.New("ticket: not found")

	// ErrAlreadyResolved is returned by Resolve when the ticket already
	// reached a terminal state; the first resolution wins.
	ErrAlreadyResolved = errors.New("ticket: already resolved")

	// ErrAlreadyClaimed is returned by Claim when another connection has
	// already taken the forward for an approved ticket.
	ErrAlreadyClaimed = errors.New("ticket: already claimed")

	// ErrInvalidState is returned when Resolve is asked to move a ticket to
	// a non-terminal state.
	ErrInvalidState = errors.New("ticket: invalid target state")
)

// Service defines the ticket store operations.
type Service interface {
	// Create registers a new pending ticket for the given request snapshot.
	// meta carries optional correlation metadata recorded on the ticket.
	Create(ctx context.Context, request *intercept.Request, meta map[string]string) (*Ticket, error)

	// Get returns a copy of the ticket or ErrNotFound.
	Get(ctx context.Context, id string) (*Ticket, error)

	// Resolve moves a pending ticket to the given terminal state. Exactly
	// one concurrent caller succeeds; the others get ErrAlreadyResolved.
	Resolve(ctx context.Context, id string, state State, decidedBy, reason string) (*Ticket, error)

	// Claim marks an approved ticket as consumed by a forwarding
	// connection; at most one caller wins per ticket.
	Claim(ctx context.Context, id string) (*Ticket, error)

	// ListPending returns all tickets still awaiting a decision.
	ListPending(ctx context.Context) ([]*Ticket, error)

	// Sweep expires pending tickets past their deadline and evicts terminal
	// tickets past the retention window. It returns the tickets it expired.
	Sweep(ctx context.Context, now time.Time) ([]*Ticket, error)
}
