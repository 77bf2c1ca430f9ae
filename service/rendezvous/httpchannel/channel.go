// Package httpchannel implements the rendezvous channel over HTTP: ticket
// events are POSTed to the approval application and decisions arrive on a
// local intake handler that the operator exposes (directly or through a
// tunnel).
package httpchannel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/phact/agentsitter/internal/clock"
	qmem "github.com/phact/agentsitter/service/messaging/memory"
	"github.com/phact/agentsitter/service/rendezvous"
)

// Config controls outbound delivery.
type Config struct {
	// Endpoint receives ticket-created events via POST as JSON.
	Endpoint string

	// MaxAttempts bounds delivery retries per event.
	MaxAttempts int

	// BaseDelay is the first retry delay; it doubles per attempt.
	BaseDelay time.Duration

	// Timeout applies per HTTP attempt.
	Timeout time.Duration
}

// DefaultConfig returns a delivery policy suitable for a nearby approval
// service.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:    endpoint,
		MaxAttempts: 4,
		BaseDelay:   250 * time.Millisecond,
		Timeout:     5 * time.Second,
	}
}

// Channel is an HTTP-backed rendezvous channel.
type Channel struct {
	config  Config
	client  *http.Client
	logger  *slog.Logger
	decided *qmem.Queue[rendezvous.TicketDecided]
}

// Option customises the channel.
type Option func(*Channel)

// WithHTTPClient overrides the HTTP client used for event delivery.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Channel) { c.client = client }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) { c.logger = logger }
}

// New creates an HTTP rendezvous channel.
func New(config Config, options ...Option) *Channel {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	ret := &Channel{
		config:  config,
		logger:  slog.Default(),
		decided: qmem.NewQueue[rendezvous.TicketDecided](qmem.DefaultConfig()),
	}
	for _, option := range options {
		option(ret)
	}
	if ret.client == nil {
		ret.client = &http.Client{Timeout: config.Timeout}
	}
	return ret
}

// Publish POSTs the event to the approval endpoint, retrying transient
// failures with exponential backoff. Exhaustion yields ErrUndeliverable.
func (c *Channel) Publish(ctx context.Context, event *rendezvous.TicketCreated) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	delay := c.config.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		lastErr = c.post(ctx, body)
		if lastErr == nil {
			return nil
		}
		c.logger.Warn("ticket event delivery failed",
			"ticket", event.ID, "attempt", attempt, "error", lastErr)
		if attempt == c.config.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", rendezvous.ErrUndeliverable, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("%w: %v", rendezvous.ErrUndeliverable, lastErr)
}

func (c *Channel) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("approval endpoint returned %s", resp.Status)
	}
	return nil
}

// NextDecision blocks until the intake handler receives a decision.
func (c *Channel) NextDecision(ctx context.Context) (*rendezvous.TicketDecided, error) {
	msg, err := c.decided.Consume(ctx)
	if err != nil {
		return nil, err
	}
	if err := msg.Ack(); err != nil {
		return nil, err
	}
	return msg.T(), nil
}

// DecisionHandler returns the HTTP handler on which the approval application
// posts TicketDecided messages. Redelivered decisions are accepted; the
// ticket store collapses duplicates by id.
func (c *Channel) DecisionHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		defer func() { _ = r.Body.Close() }()

		var decision rendezvous.TicketDecided
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&decision); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		if decision.ID == "" ||
			(decision.Decision != rendezvous.DecisionApproved && decision.Decision != rendezvous.DecisionDenied) {
			http.Error(w, "invalid decision", http.StatusBadRequest)
			return
		}
		if decision.DecidedAt.IsZero() {
			decision.DecidedAt = clock.Now()
		}
		if err := c.decided.Publish(r.Context(), &decision); err != nil {
			http.Error(w, "intake unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

var _ rendezvous.Channel = (*Channel)(nil)
