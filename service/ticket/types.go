package ticket

import (
	"time"

	"github.com/phact/agentsitter/service/intercept"
)

// State is the lifecycle state of a ticket.
type State string

const (
	StatePending   State = "pending"
	StateApproved  State = "approved"
	StateDenied    State = "denied"
	StateExpired State = "expired"

	// StateCancelled is reserved for operator-initiated withdrawal of a
	// pending ticket. No transition produces it in this build; an agent
	// disconnect deliberately leaves the ticket pending and decidable.
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final. Terminal states never change.
func (s State) Terminal() bool {
	switch s {
	case StateApproved, StateDenied, StateExpired, StateCancelled:
		return true
	}
	return false
}

// Ticket records one request held for human review.
type Ticket struct {
	ID        string             `json:"id"` // unguessable, primary key
	Request   *intercept.Request `json:"request"`
	State     State              `json:"state"`
	CreatedAt time.Time          `json:"createdAt"`
	ExpiresAt time.Time          `json:"expiresAt"`
	DecidedAt *time.Time         `json:"decidedAt,omitempty"`
	DecidedBy string             `json:"decidedBy,omitempty"`
	Reason    string             `json:"reason,omitempty"`

	// Meta carries correlation metadata supplied at creation time, such as
	// the classifier rule that held the request and the agent's remote
	// address. It is immutable after Create.
	Meta map[string]string `json:"meta,omitempty"`

	// Claimed marks an approved ticket whose forward has been taken by a
	// connection. It guarantees the original request is issued upstream at
	// most once even when a held connection and a retry race.
	Claimed bool `json:"-"`
}

// Clone returns a shallow copy safe to hand to callers; the request snapshot
// itself is immutable by convention.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DecidedAt != nil {
		decidedAt := *t.DecidedAt
		cp.DecidedAt = &decidedAt
	}
	if len(t.Meta) > 0 {
		cp.Meta = make(map[string]string, len(t.Meta))
		for k, v := range t.Meta {
			cp.Meta[k] = v
		}
	}
	return &cp
}
