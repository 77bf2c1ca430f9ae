package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/viant/afs"
)

func TestRecordAndList(t *testing.T) {
	trail := New(afs.New(), "mem://localhost/audit-test", nil)
	ctx := context.Background()

	base := time.Now()
	trail.Record(ctx, Event{Kind: KindCreated, TicketID: "t-1", Summary: "POST https://example.com/submit", At: base})
	trail.Record(ctx, Event{Kind: KindDecided, TicketID: "t-1", Decision: "approved", DecidedBy: "alice", At: base.Add(time.Second)})
	trail.Record(ctx, Event{Kind: KindLateDecision, TicketID: "t-2", Decision: "denied", At: base.Add(2 * time.Second)})

	events, err := trail.List(ctx)
	assert.NoError(t, err)
	if assert.Len(t, events, 3) {
		assert.Equal(t, KindCreated, events[0].Kind)
		assert.Equal(t, KindDecided, events[1].Kind)
		assert.Equal(t, "alice", events[1].DecidedBy)
		assert.Equal(t, KindLateDecision, events[2].Kind)
	}
}

func TestNilTrailIsNoOp(t *testing.T) {
	var trail *Trail
	trail.Record(context.Background(), Event{Kind: KindCreated, TicketID: "t-1"})
	events, err := trail.List(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, events)
}
