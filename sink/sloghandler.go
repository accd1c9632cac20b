package sink

import (
	"context"
	"log/slog"
	"strings"
)

// SlogHandler mirrors log records at or above a threshold into a Router as
// EventLog events, while delegating every record to an inner handler. The
// Router's own logger must not use a SlogHandler over the same Router.
type SlogHandler struct {
	inner  slog.Handler
	router *Router
	min    slog.Level
	attrs  []slog.Attr
}

// NewSlogHandler wraps inner so records at min or above also reach router.
func NewSlogHandler(inner slog.Handler, router *Router, min slog.Level) *SlogHandler {
	return &SlogHandler{inner: inner, router: router, min: min}
}

func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *SlogHandler) Handle(ctx context.Context, rec slog.Record) error {
	err := h.inner.Handle(ctx, rec)
	if rec.Level < h.min || h.router == nil {
		return err
	}

	ev := Event{
		Type:      EventLog,
		Timestamp: rec.Time,
		Level:     strings.ToLower(rec.Level.String()),
		Message:   rec.Message,
	}
	collect := func(a slog.Attr) {
		// account/account_id attrs identify the event's session.
		if a.Key == "account" || a.Key == "account_id" {
			ev.AccountID = a.Value.String()
			return
		}
		if ev.Data == nil {
			ev.Data = make(map[string]any)
		}
		ev.Data[a.Key] = a.Value.Any()
	}
	for _, a := range h.attrs {
		collect(a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})

	h.router.Send(ctx, ev)
	return err
}

func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &SlogHandler{inner: h.inner.WithAttrs(attrs), router: h.router, min: h.min, attrs: merged}
}

func (h *SlogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &SlogHandler{inner: h.inner.WithGroup(name), router: h.router, min: h.min, attrs: h.attrs}
}
