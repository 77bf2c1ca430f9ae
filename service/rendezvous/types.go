package rendezvous

import "time"

// Decision values carried by TicketDecided messages.
const (
	DecisionApproved = "approved"
	DecisionDenied   = "denied"
)

// TicketCreated announces a new pending ticket to the approval application.
type TicketCreated struct {
	ID        string    `json:"id"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TicketDecided carries a human decision back to the proxy. Messages are
// keyed by ticket id; redelivery is harmless.
type TicketDecided struct {
	ID        string    `json:"id"`
	Decision  string    `json:"decision"` // approved | denied
	DecidedBy string    `json:"decidedBy,omitempty"`
	DecidedAt time.Time `json:"decidedAt"`
}
