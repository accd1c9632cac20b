package logstore

import (
	"context"

	"github.com/hazyhaar/telereply/sink"
)

// EventSink adapts a Store to the sink.Sink interface so engine events
// land in the log database alongside explicit log records.
type EventSink struct {
	store *Store
}

// NewEventSink returns a sink writing events into store.
func NewEventSink(store *Store) *EventSink {
	return &EventSink{store: store}
}

// Send implements sink.Sink.
func (e *EventSink) Send(ctx context.Context, ev sink.Event) error {
	r := Record{
		Timestamp: ev.Timestamp,
		Level:     ev.Level,
		AccountID: ev.AccountID,
		Component: string(ev.Type),
		Message:   ev.Message,
		Details:   detailsJSON(ev.Data),
	}
	return e.store.Insert(ctx, r)
}

// Close implements sink.Sink. The Store owns the database; Close is a no-op.
func (e *EventSink) Close() error { return nil }
