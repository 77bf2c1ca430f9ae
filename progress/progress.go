// Package progress keeps aggregated traffic counters (requests seen, held,
// approved, denied, ...) for a running proxy instance. The tracker is safe
// for concurrent use; every component holding a reference updates the
// counters atomically via Update.
package progress

import (
	"sync"
	"time"
)

// Delta represents an incremental counter change. Fields are signed so a
// caller can also decrement (for example when unwinding a provisional count).
type Delta struct {
	Requests  int
	Allowed   int
	Held      int
	Approved  int
	Denied    int
	Expired   int
	Forwarded int
	Failed    int
}

// Progress aggregates counters for one proxy run.
type Progress struct {
	StartedAt time.Time

	TotalRequests     int
	AllowedRequests   int
	HeldRequests      int
	ApprovedRequests  int
	DeniedRequests    int
	ExpiredRequests   int
	ForwardedRequests int
	FailedRequests    int

	mu sync.Mutex
}

// New creates a tracker with the start time set.
func New() *Progress {
	return &Progress{StartedAt: time.Now()}
}

// Update applies a delta atomically.
func (p *Progress) Update(d Delta) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TotalRequests += d.Requests
	p.AllowedRequests += d.Allowed
	p.HeldRequests += d.Held
	p.ApprovedRequests += d.Approved
	p.DeniedRequests += d.Denied
	p.ExpiredRequests += d.Expired
	p.ForwardedRequests += d.Forwarded
	p.FailedRequests += d.Failed
}

// Snapshot returns a copy of the current counters.
func (p *Progress) Snapshot() Progress {
	if p == nil {
		return Progress{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return Progress{
		StartedAt:         p.StartedAt,
		TotalRequests:     p.TotalRequests,
		AllowedRequests:   p.AllowedRequests,
		HeldRequests:      p.HeldRequests,
		ApprovedRequests:  p.ApprovedRequests,
		DeniedRequests:    p.DeniedRequests,
		ExpiredRequests:   p.ExpiredRequests,
		ForwardedRequests: p.ForwardedRequests,
		FailedRequests:    p.FailedRequests,
	}
}
