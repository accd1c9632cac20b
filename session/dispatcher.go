package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

// Dispatcher delivers rendered reply text through the client composer:
// focus the input, clear it, type the text, submit with Enter, fall back
// to the send button. Failures are logged and reported as false; the
// caller never retries a failed dispatch.
type Dispatcher struct {
	log *slog.Logger
}

// NewDispatcher creates a Dispatcher logging through logger.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{log: logger}
}

// Send types text into the composer of page and submits it. Returns
// false when any step fails.
func (d *Dispatcher) Send(ctx context.Context, page *rod.Page, text string) bool {
	p := page.Context(ctx)

	el, err := p.Timeout(5 * time.Second).Element(selInput)
	if err != nil {
		d.log.Warn("dispatch: composer input not found", "error", err)
		return false
	}
	if err := el.Focus(); err != nil {
		d.log.Warn("dispatch: focus failed", "error", err)
		return false
	}
	if err := clearComposer(ctx, page); err != nil {
		d.log.Warn("dispatch: clear failed", "error", err)
		return false
	}
	if err := p.InsertText(text); err != nil {
		d.log.Warn("dispatch: insert text failed", "error", err)
		return false
	}

	// Let the client register the input before submitting.
	time.Sleep(300 * time.Millisecond)

	if err := p.Keyboard.Press(input.Enter); err != nil {
		btn, berr := p.Timeout(2 * time.Second).Element(selSendButton)
		if berr != nil {
			d.log.Warn("dispatch: enter and send button both failed",
				"enter_error", err, "button_error", berr)
			return false
		}
		if cerr := btn.Click(proto.InputMouseButtonLeft, 1); cerr != nil {
			d.log.Warn("dispatch: send button click failed", "error", cerr)
			return false
		}
	}
	return true
}
