package agentsitter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/phact/agentsitter/service/audit"
	"github.com/phact/agentsitter/service/coordinator"
	"github.com/phact/agentsitter/service/proxy"
	"github.com/phact/agentsitter/service/rendezvous"
	"github.com/phact/agentsitter/service/ticket"
)

// Runtime runs the interception service: the proxy listener, the ticket
// reaper and the decision consumer.
type Runtime struct {
	service *Service

	mu        sync.Mutex
	started   bool
	proxy     *proxy.Server
	listener  net.Listener
	intake    *http.Server
	cancel    context.CancelFunc
	stopSweep func()
	wg        sync.WaitGroup
}

// Start brings the service up. The listener address comes from the
// configuration; Addr reports the bound address.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("runtime already started")
	}
	s := r.service

	if err := s.ensureAuthority(ctx); err != nil {
		return fmt.Errorf("failed to initialise certificate authority: %w", err)
	}

	coord := coordinator.New(s.chain, s.tickets, s.channel,
		coordinator.WithHoldTimeout(s.config.Approval.HoldTimeout.AsDuration(0)),
		coordinator.WithPollInterval(s.config.Approval.PollInterval.AsDuration(0)),
		coordinator.WithHTTPClient(s.upstream),
		coordinator.WithAuditTrail(s.trail),
		coordinator.WithPolicy(s.policy),
		coordinator.WithProgress(s.stats),
		coordinator.WithLogger(s.logger))
	r.proxy = proxy.New(s.authority, coord, proxy.WithLogger(s.logger))

	// Bind everything before starting any goroutine so a failed Start leaves
	// nothing behind.
	if addr := s.config.Rendezvous.IntakeAddr; addr != "" {
		if err := r.startIntake(addr); err != nil {
			return err
		}
	}

	listener, err := net.Listen("tcp", s.config.Server.Addr)
	if err != nil {
		if r.intake != nil {
			_ = r.intake.Close()
			r.wg.Wait()
			r.intake = nil
		}
		return err
	}
	r.listener = listener

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.stopSweep = ticket.AutoSweep(loopCtx, s.tickets,
		s.config.Approval.SweepInterval.AsDuration(0),
		func(t *ticket.Ticket) {
			s.logger.Info("ticket expired", "ticket", t.ID)
			s.trail.Record(loopCtx, audit.Event{Kind: audit.KindExpired, TicketID: t.ID})
		})

	r.wg.Add(1)
	go r.consumeDecisions(loopCtx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.proxy.Serve(listener); err != nil {
			s.logger.Error("proxy listener failed", "error", err)
		}
	}()

	r.started = true
	s.logger.Info("agentsitter listening", "addr", listener.Addr().String())
	return nil
}

// startIntake exposes the decision intake of an HTTP rendezvous channel. The
// listener is bound synchronously so a bad address fails Start instead of a
// background goroutine.
func (r *Runtime) startIntake(addr string) error {
	type intakeChannel interface {
		DecisionHandler() http.Handler
	}
	channel, ok := r.service.channel.(intakeChannel)
	if !ok {
		return errors.New("rendezvous.intakeAddr set but the channel has no decision intake")
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind decision intake %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/decisions", channel.DecisionHandler())
	r.intake = &http.Server{Handler: mux}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.intake.Serve(listener); err != nil && err != http.ErrServerClosed {
			r.service.logger.Error("decision intake failed", "error", err)
		}
	}()
	return nil
}

// consumeDecisions applies human decisions to the ticket store. Decisions for
// tickets that already expired or resolved are recorded to the audit trail
// and otherwise dropped; redelivery is harmless.
func (r *Runtime) consumeDecisions(ctx context.Context) {
	defer r.wg.Done()
	s := r.service
	for {
		decision, err := s.channel.NextDecision(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("decision consumption failed", "error", err)
			continue
		}
		r.applyDecision(ctx, decision)
	}
}

func (r *Runtime) applyDecision(ctx context.Context, decision *rendezvous.TicketDecided) {
	s := r.service
	state := ticket.StateDenied
	if decision.Decision == rendezvous.DecisionApproved {
		state = ticket.StateApproved
	}
	resolved, err := s.tickets.Resolve(ctx, decision.ID, state, decision.DecidedBy, "human decision")
	switch {
	case err == nil:
		s.logger.Info("ticket decided",
			"ticket", resolved.ID, "decision", decision.Decision, "by", decision.DecidedBy)
		s.trail.Record(ctx, audit.Event{
			Kind:      audit.KindDecided,
			TicketID:  resolved.ID,
			Decision:  decision.Decision,
			DecidedBy: decision.DecidedBy,
		})
	case errors.Is(err, ticket.ErrAlreadyResolved), errors.Is(err, ticket.ErrNotFound):
		s.logger.Info("late decision ignored", "ticket", decision.ID, "decision", decision.Decision)
		s.trail.Record(ctx, audit.Event{
			Kind:      audit.KindLateDecision,
			TicketID:  decision.ID,
			Decision:  decision.Decision,
			DecidedBy: decision.DecidedBy,
		})
	default:
		s.logger.Error("failed to apply decision", "ticket", decision.ID, "error", err)
	}
}

// Addr returns the bound proxy address, empty before Start.
func (r *Runtime) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// Shutdown stops the listener, the reaper and the decision consumer, then
// waits for them to exit.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}
	r.started = false

	var err error
	if r.proxy != nil {
		err = r.proxy.Shutdown(ctx)
	}
	if r.intake != nil {
		if ierr := r.intake.Shutdown(ctx); ierr != nil && err == nil {
			err = ierr
		}
	}
	if r.stopSweep != nil {
		r.stopSweep()
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	stats := r.service.stats.Snapshot()
	r.service.logger.Info("agentsitter stopped",
		"requests", stats.TotalRequests,
		"held", stats.HeldRequests,
		"approved", stats.ApprovedRequests,
		"denied", stats.DeniedRequests,
		"expired", stats.ExpiredRequests)
	return err
}
