package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/phact/agentsitter/policy"
	"github.com/phact/agentsitter/progress"
	"github.com/phact/agentsitter/service/audit"
	"github.com/phact/agentsitter/service/classifier"
	"github.com/phact/agentsitter/service/intercept"
	"github.com/phact/agentsitter/service/rendezvous"
	"github.com/phact/agentsitter/service/ticket"
	"github.com/phact/agentsitter/tracing"
)

// Coordinator owns the per-request state machine: classify, ticket, hold for
// a decision, then forward or deny.
type Coordinator struct {
	classifier *classifier.Chain
	tickets    ticket.Service
	channel    rendezvous.Channel
	trail      *audit.Trail
	client     *http.Client
	logger     *slog.Logger
	policy     *policy.Policy
	stats      *progress.Progress

	holdTimeout  time.Duration
	pollInterval time.Duration
}

// Option customises the coordinator.
type Option func(*Coordinator)

// WithHoldTimeout bounds how long an agent connection is held while its
// ticket awaits a decision. Once exceeded the agent gets a pending marker and
// may retry with the ticket header.
func WithHoldTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.holdTimeout = d
		}
	}
}

// WithPollInterval sets the ticket store polling cadence during a hold.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithHTTPClient overrides the upstream client; the default uses a pooled
// transport with system trust roots.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Coordinator) {
		if client != nil {
			c.client = client
		}
	}
}

// WithAuditTrail records ticket lifecycle events; nil disables auditing.
func WithAuditTrail(trail *audit.Trail) Option {
	return func(c *Coordinator) {
		c.trail = trail
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPolicy attaches a supervision policy evaluated before the classifier;
// nil keeps the classifier in full control.
func WithPolicy(p *policy.Policy) Option {
	return func(c *Coordinator) {
		c.policy = p
	}
}

// WithProgress attaches a traffic counter tracker; nil disables counting.
func WithProgress(stats *progress.Progress) Option {
	return func(c *Coordinator) {
		c.stats = stats
	}
}

// New creates a coordinator.
func New(chain *classifier.Chain, tickets ticket.Service, channel rendezvous.Channel, options ...Option) *Coordinator {
	ret := &Coordinator{
		classifier:   chain,
		tickets:      tickets,
		channel:      channel,
		client:       &http.Client{Timeout: 30 * time.Second},
		logger:       slog.Default(),
		holdTimeout:  60 * time.Second,
		pollInterval: 50 * time.Millisecond,
	}
	for _, option := range options {
		option(ret)
	}
	if ret.classifier == nil {
		ret.classifier = classifier.Default()
	}
	return ret
}

// Handle drives one intercepted request to completion. scheme is the scheme
// the agent used toward the real server ("http" or "https").
func (c *Coordinator) Handle(w http.ResponseWriter, r *http.Request, scheme string) {
	ctx, span := tracing.StartSpan(r.Context(), "coordinator.handle", "SERVER")
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	request, snapErr := intercept.Snapshot(r, scheme)
	if snapErr != nil {
		err = snapErr
		c.logger.Warn("failed to snapshot request", "remote", r.RemoteAddr, "error", snapErr)
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	span.WithAttributes(map[string]string{"http.method": request.Method, "url": request.URL()})

	c.stats.Update(progress.Delta{Requests: 1})

	if id := r.Header.Get(HeaderTicket); id != "" {
		c.handleRetry(ctx, w, id)
		return
	}

	result := c.classify(request)
	if result.Verdict == classifier.Allow {
		c.stats.Update(progress.Delta{Allowed: 1})
		c.forwardOrFail(w, request)
		return
	}

	c.logger.Info("holding request for review",
		"summary", request.Summary(), "rule", result.Rule, "reason", result.Reason)
	c.stats.Update(progress.Delta{Held: 1})
	c.review(ctx, w, request, result)
}

// classify applies the supervision policy, then the rule chain. The policy
// escalates rather than denies: a blocked destination is still forwardable if
// a human approves it.
func (c *Coordinator) classify(request *intercept.Request) classifier.Result {
	if !c.policy.HostAllowed(request.Host) {
		return classifier.Result{Verdict: classifier.Review, Rule: "policy",
			Reason: "destination blocked by policy"}
	}
	if c.policy != nil {
		switch c.policy.Mode {
		case policy.ModeAuto:
			return classifier.Result{Verdict: classifier.Allow}
		case policy.ModeDeny:
			return classifier.Result{Verdict: classifier.Review, Rule: "policy",
				Reason: "policy requires approval for every request"}
		}
	}
	return c.classifier.Classify(request)
}

// review creates the ticket, announces it and holds the connection for the
// decision.
func (c *Coordinator) review(ctx context.Context, w http.ResponseWriter, request *intercept.Request, result classifier.Result) {
	meta := map[string]string{"rule": result.Rule, "reason": result.Reason}
	if request.RemoteAddr != "" {
		meta["remoteAddr"] = request.RemoteAddr
	}
	t, err := c.tickets.Create(ctx, request, meta)
	if err != nil {
		c.logger.Error("failed to create ticket", "summary", request.Summary(), "error", err)
		writeDenied(w, "", "error", "approval unavailable")
		return
	}
	c.trail.Record(ctx, audit.Event{Kind: audit.KindCreated, TicketID: t.ID, Summary: request.Summary()})

	event := &rendezvous.TicketCreated{
		ID:        t.ID,
		Summary:   request.Summary(),
		CreatedAt: t.CreatedAt,
		ExpiresAt: t.ExpiresAt,
	}
	if err := c.channel.Publish(ctx, event); err != nil {
		// Fail closed: a ticket no human will see must not hold the agent.
		c.logger.Error("ticket undeliverable", "ticket", t.ID, "error", err)
		c.trail.Record(ctx, audit.Event{Kind: audit.KindUndeliverable, TicketID: t.ID})
		if _, rerr := c.tickets.Resolve(ctx, t.ID, ticket.StateDenied, "system", "rendezvous undeliverable"); rerr != nil {
			c.logger.Warn("failed to deny undeliverable ticket", "ticket", t.ID, "error", rerr)
		}
		c.stats.Update(progress.Delta{Denied: 1})
		writeDenied(w, t.ID, string(ticket.StateDenied), "approval channel unreachable")
		return
	}

	c.hold(ctx, w, t)
}

// hold blocks until the ticket turns terminal, the hold budget elapses or the
// agent disconnects. The ticket survives the connection: a disconnect cancels
// only the wait.
func (c *Coordinator) hold(ctx context.Context, w http.ResponseWriter, t *ticket.Ticket) {
	waitCtx, cancel := context.WithTimeout(ctx, c.holdTimeout)
	defer cancel()

	decided, err := ticket.WaitTerminal(waitCtx, c.tickets, t.ID, c.pollInterval)
	if err != nil {
		if ctx.Err() != nil {
			// Agent went away; the pending ticket remains decidable.
			c.logger.Info("agent disconnected during hold", "ticket", t.ID)
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			writePending(w, t.ID, c.pollInterval*10)
			return
		}
		c.logger.Error("hold failed", "ticket", t.ID, "error", err)
		writeDenied(w, t.ID, "error", "approval unavailable")
		return
	}
	c.settle(ctx, w, decided)
}

// handleRetry serves a request re-presented with a ticket header after an
// earlier pending marker.
func (c *Coordinator) handleRetry(ctx context.Context, w http.ResponseWriter, id string) {
	t, err := c.tickets.Get(ctx, id)
	if err != nil {
		writeDenied(w, id, "unknown", "unknown ticket")
		return
	}
	if !t.State.Terminal() {
		writePending(w, t.ID, c.pollInterval*10)
		return
	}
	c.settle(ctx, w, t)
}

// settle translates a terminal ticket into the agent-facing response. An
// approval is consumed by a claim so the original request is forwarded at
// most once across held connections and retries.
func (c *Coordinator) settle(ctx context.Context, w http.ResponseWriter, t *ticket.Ticket) {
	if t.State != ticket.StateApproved {
		if t.State == ticket.StateExpired {
			c.stats.Update(progress.Delta{Expired: 1})
		} else {
			c.stats.Update(progress.Delta{Denied: 1})
		}
		writeDenied(w, t.ID, string(t.State), t.Reason)
		return
	}
	c.stats.Update(progress.Delta{Approved: 1})
	claimed, err := c.tickets.Claim(ctx, t.ID)
	if err != nil {
		if errors.Is(err, ticket.ErrAlreadyClaimed) {
			writeDenied(w, t.ID, "consumed", "approval already used")
			return
		}
		c.logger.Error("failed to claim approved ticket", "ticket", t.ID, "error", err)
		writeDenied(w, t.ID, "error", "approval unavailable")
		return
	}
	c.forwardOrFail(w, claimed.Request)
}

func (c *Coordinator) forwardOrFail(w http.ResponseWriter, request *intercept.Request) {
	status, err := c.forward(w, request)
	if err != nil {
		c.logger.Warn("upstream unreachable", "url", request.URL(), "error", err)
		c.stats.Update(progress.Delta{Failed: 1})
		writeUpstreamError(w, err.Error())
		return
	}
	c.stats.Update(progress.Delta{Forwarded: 1})
	c.logger.Debug("forwarded", "url", request.URL(), "status", status)
}
