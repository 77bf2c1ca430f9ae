package ticket_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/phact/agentsitter/service/intercept"
	"github.com/phact/agentsitter/service/ticket"
	tmemory "github.com/phact/agentsitter/service/ticket/memory"
)

// TestWaitTerminal verifies that WaitTerminal blocks until the ticket is
// resolved and returns the winning decision.
func TestWaitTerminal(t *testing.T) {
	type testCase struct {
		name        string
		state       ticket.State
		expectError bool
		timeout     time.Duration
		decideDelay time.Duration
	}

	tests := []testCase{{
		name:        "approved before timeout",
		state:       ticket.StateApproved,
		timeout:     500 * time.Millisecond,
		decideDelay: 10 * time.Millisecond,
	}, {
		name:        "denied before timeout",
		state:       ticket.StateDenied,
		timeout:     500 * time.Millisecond,
		decideDelay: 10 * time.Millisecond,
	}, {
		name:        "timeout waiting for decision",
		state:       ticket.StateApproved, // irrelevant, decision never recorded
		expectError: true,
		timeout:     50 * time.Millisecond,
		decideDelay: 200 * time.Millisecond,
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := tmemory.New()
			created, err := svc.Create(context.Background(), &intercept.Request{Method: "POST", Host: "example.com"}, nil)
			assert.NoError(t, err)

			go func() {
				time.Sleep(tc.decideDelay)
				_, _ = svc.Resolve(context.Background(), created.ID, tc.state, "tester", "")
			}()

			ctx, cancel := context.WithTimeout(context.Background(), tc.timeout)
			defer cancel()
			resolved, err := ticket.WaitTerminal(ctx, svc, created.ID, 5*time.Millisecond)

			if tc.expectError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.state, resolved.State)
		})
	}
}

// TestAutoSweep verifies that the background sweeper expires an overdue
// pending ticket and reports it through the callback.
func TestAutoSweep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := tmemory.New(tmemory.WithPendingTTL(time.Nanosecond))
	created, _ := svc.Create(ctx, &intercept.Request{Method: "POST", Host: "example.com"}, nil)

	expired := make(chan *ticket.Ticket, 1)
	stop := ticket.AutoSweep(ctx, svc, 10*time.Millisecond, func(t *ticket.Ticket) {
		select {
		case expired <- t:
		default:
		}
	})
	defer stop()

	waitCtx, waitCancel := context.WithTimeout(ctx, time.Second)
	defer waitCancel()
	resolved, err := ticket.WaitTerminal(waitCtx, svc, created.ID, 5*time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, ticket.StateExpired, resolved.State)

	select {
	case e := <-expired:
		assert.Equal(t, created.ID, e.ID)
	case <-time.After(time.Second):
		t.Fatal("expired ticket was not reported")
	}
}
