package sink

import "context"

// EventFunc is called for each event (in-process, zero serialisation).
type EventFunc func(ctx context.Context, ev Event) error

// Callback delivers events via a Go function call. This is the local path:
// when the host UI and the core live in the same binary, events arrive as
// in-memory calls with no serialisation overhead.
type Callback struct {
	fn EventFunc
}

// NewCallback creates a Callback sink. fn may be nil.
func NewCallback(fn EventFunc) *Callback {
	return &Callback{fn: fn}
}

func (c *Callback) Send(ctx context.Context, ev Event) error {
	if c.fn != nil {
		return c.fn(ctx, ev)
	}
	return nil
}

func (c *Callback) Close() error { return nil }
