// Package audit records ticket lifecycle events to an append-only trail.
// Each event is one JSON object stored through the abstract file service, so
// the trail works the same over file:// in production and mem:// in tests.
// Recording is best-effort and must never block or fail the data path.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/viant/afs"
	"github.com/viant/afs/file"

	"github.com/phact/agentsitter/internal/clock"
)

// Kind identifies what happened to a ticket.
type Kind string

const (
	KindCreated       Kind = "created"
	KindDecided       Kind = "decided"
	KindExpired       Kind = "expired"
	KindLateDecision  Kind = "late-decision"
	KindUndeliverable Kind = "undeliverable"
)

// Event is one audit trail entry.
type Event struct {
	Kind      Kind      `json:"kind"`
	TicketID  string    `json:"ticketId"`
	Summary   string    `json:"summary,omitempty"`
	Decision  string    `json:"decision,omitempty"`
	DecidedBy string    `json:"decidedBy,omitempty"`
	At        time.Time `json:"at"`
}

// Trail persists events under a base URL. A nil *Trail is a valid no-op.
type Trail struct {
	fs      afs.Service
	baseURL string
	logger  *slog.Logger
}

// New creates a trail writing under baseURL (e.g. "file:///var/log/sittr" or
// "mem://localhost/audit").
func New(fs afs.Service, baseURL string, logger *slog.Logger) *Trail {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trail{fs: fs, baseURL: strings.TrimSuffix(baseURL, "/"), logger: logger}
}

// Record appends one event. Failures are logged and swallowed.
func (t *Trail) Record(ctx context.Context, event Event) {
	if t == nil {
		return
	}
	if event.At.IsZero() {
		event.At = clock.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		t.logger.Error("failed to marshal audit event", "ticket", event.TicketID, "error", err)
		return
	}
	name := fmt.Sprintf("%020d-%s-%s.json", event.At.UnixNano(), event.Kind, event.TicketID)
	URL := t.baseURL + "/" + name
	if err := t.fs.Upload(ctx, URL, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		t.logger.Error("failed to write audit event", "ticket", event.TicketID, "error", err)
	}
}

// List returns all recorded events in chronological order.
func (t *Trail) List(ctx context.Context) ([]Event, error) {
	if t == nil {
		return nil, nil
	}
	objects, err := t.fs.List(ctx, t.baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit trail: %w", err)
	}
	var events []Event
	for _, object := range objects {
		if object.IsDir() || path.Ext(object.Name()) != ".json" {
			continue
		}
		data, err := t.fs.DownloadWithURL(ctx, object.URL())
		if err != nil {
			return nil, fmt.Errorf("failed to read audit event %s: %w", object.Name(), err)
		}
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, fmt.Errorf("failed to decode audit event %s: %w", object.Name(), err)
		}
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].At.Before(events[j].At) })
	return events, nil
}
