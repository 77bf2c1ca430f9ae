package ticket

import (
	"context"
	"time"

	"github.com/phact/agentsitter/internal/clock"
)

// AutoSweep starts a goroutine that periodically sweeps the store, expiring
// overdue pending tickets and evicting stale terminal ones. It returns
// stop() - call it (or cancel ctx) to exit. onExpired, when non-nil, is
// invoked for every ticket the sweep expired.
func AutoSweep(ctx context.Context,
	svc Service,
	interval time.Duration,
	onExpired func(*Ticket)) (stop func()) {

	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				expired, _ := svc.Sweep(ctx, clock.Now())
				if onExpired != nil {
					for _, t := range expired {
						onExpired(t)
					}
				}
			}
		}
	}()
	return func() { close(done) }
}

// WaitTerminal polls the store until the ticket reaches a terminal state or
// ctx is done. The returned ticket reflects the winning resolution.
func WaitTerminal(ctx context.Context, svc Service, id string, interval time.Duration) (*Ticket, error) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		t, err := svc.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.State.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}
