package memory

import (
	"context"
	"time"

	"github.com/phact/agentsitter/internal/clock"
	"github.com/phact/agentsitter/internal/idgen"
	"github.com/phact/agentsitter/service/dao/store"
	"github.com/phact/agentsitter/service/intercept"
	"github.com/phact/agentsitter/service/ticket"
)

type service struct {
	tickets    *store.MemoryStore[string, ticket.Ticket]
	pendingTTL time.Duration
	retention  time.Duration
}

func key(t *ticket.Ticket) string { return t.ID }

// New creates an in-memory ticket store.
func New(options ...Option) ticket.Service {
	ret := &service{
		tickets:    store.NewMemoryStore[string, ticket.Ticket](key),
		pendingTTL: 5 * time.Minute,
		retention:  time.Hour,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func (s *service) Create(ctx context.Context, request *intercept.Request, meta map[string]string) (*ticket.Ticket, error) {
	now := clock.Now()
	t := &ticket.Ticket{
		ID:        idgen.New(),
		Request:   request,
		State:     ticket.StatePending,
		CreatedAt: now,
		ExpiresAt: now.Add(s.pendingTTL),
		Meta:      meta,
	}
	if err := s.tickets.Save(ctx, t); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

func (s *service) Get(ctx context.Context, id string) (*ticket.Ticket, error) {
	t, err := s.tickets.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ticket.ErrNotFound
	}
	return t.Clone(), nil
}

func (s *service) Resolve(ctx context.Context, id string, state ticket.State, decidedBy, reason string) (*ticket.Ticket, error) {
	if !state.Terminal() {
		return nil, ticket.ErrInvalidState
	}
	var resolved *ticket.Ticket
	err := s.tickets.Update(ctx, id, func(t *ticket.Ticket) error {
		if t == nil {
			return ticket.ErrNotFound
		}
		if t.State != ticket.StatePending {
			return ticket.ErrAlreadyResolved
		}
		decidedAt := clock.Now()
		t.State = state
		t.DecidedAt = &decidedAt
		t.DecidedBy = decidedBy
		t.Reason = reason
		resolved = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

func (s *service) Claim(ctx context.Context, id string) (*ticket.Ticket, error) {
	var claimed *ticket.Ticket
	err := s.tickets.Update(ctx, id, func(t *ticket.Ticket) error {
		if t == nil {
			return ticket.ErrNotFound
		}
		if t.State != ticket.StateApproved {
			return ticket.ErrInvalidState
		}
		if t.Claimed {
			return ticket.ErrAlreadyClaimed
		}
		t.Claimed = true
		claimed = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *service) ListPending(ctx context.Context) ([]*ticket.Ticket, error) {
	all, err := s.tickets.List(ctx)
	if err != nil {
		return nil, err
	}
	pending := make([]*ticket.Ticket, 0, len(all))
	for _, t := range all {
		if t.State == ticket.StatePending {
			pending = append(pending, t.Clone())
		}
	}
	return pending, nil
}

func (s *service) Sweep(ctx context.Context, now time.Time) ([]*ticket.Ticket, error) {
	all, err := s.tickets.List(ctx)
	if err != nil {
		return nil, err
	}

	var expired []*ticket.Ticket
	for _, t := range all {
		switch {
		case t.State == ticket.StatePending && now.After(t.ExpiresAt):
			// Resolve rather than mutate in place so a racing decision
			// still follows the single-winner rule.
			if e, err := s.Resolve(ctx, t.ID, ticket.StateExpired, "reaper", "approval deadline elapsed"); err == nil {
				expired = append(expired, e)
			}
		case t.State.Terminal() && t.DecidedAt != nil && now.Sub(*t.DecidedAt) > s.retention:
			_ = s.tickets.Delete(ctx, t.ID)
		}
	}
	return expired, nil
}

var _ ticket.Service = (*service)(nil)
