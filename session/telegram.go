package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Selectors for the Telegram Web K client (https://web.telegram.org/k/).
// The A client (/a/) uses different markup and is not supported.
const (
	selLoginArea  = `.login-wrapper, .auth-pages, [class*="login"], [class*="auth"]`
	selChatList   = `.chat-list, .ChatList, #column-left`
	selInput      = `div.input-message-input[contenteditable="true"]`
	selSendButton = `button.btn-send:not(.is-disabled)`
)

// qrSelectors are tried in order; the client has shipped several QR canvas
// wrappers over time.
var qrSelectors = []string{
	`canvas.qr-canvas`,
	`canvas[class*="qr"]`,
	`.qr-container canvas`,
	`.login-qr canvas`,
	`canvas[width="256"]`,
	`.auth-qr canvas`,
	`[class*="qr"] canvas`,
}

// scanScript collects inbound messages not yet marked processed, marks
// them, and returns them as a JSON string. Marking happens in-page via a
// dataset flag so a message survives at most one extraction even across
// source restarts.
const scanScript = `() => {
	const out = [];
	const chatTitle = document.querySelector('.chat-info .peer-title');
	const chatName = chatTitle ? chatTitle.textContent.trim() : '';
	document.querySelectorAll('.message:not(.is-out)').forEach((el) => {
		if (el.dataset.processed) return;
		const textEl = el.querySelector('.message-content-wrapper .text-content');
		const text = textEl ? textEl.textContent.trim() : '';
		const senderEl = el.querySelector('.peer-title');
		const sender = senderEl ? senderEl.textContent.trim() : '';
		const messageId = el.dataset.mid || '';
		if (text && messageId) {
			out.push({ text, sender, chatName, messageId });
			el.dataset.processed = 'true';
		}
	});
	return JSON.stringify(out);
}`

// pageSource is the primary MessageSource: in-page JS evaluation against
// the live client.
type pageSource struct {
	page *rod.Page
}

func (p *pageSource) Scan(ctx context.Context) ([]Incoming, error) {
	res, err := p.page.Context(ctx).Eval(scanScript)
	if err != nil {
		return nil, fmt.Errorf("session: scan eval: %w", err)
	}
	var out []Incoming
	if err := json.Unmarshal([]byte(res.Value.Str()), &out); err != nil {
		return nil, fmt.Errorf("session: scan decode: %w", err)
	}
	return out, nil
}

// loginState is the result of probing the freshly loaded client page.
type loginState struct {
	NeedsLogin bool
	LoggedIn   bool
	QR         []byte // PNG of the QR canvas when NeedsLogin
}

// probeLogin waits for either the login surface or the chat list and, on
// the login surface, captures the QR canvas as PNG. An inconclusive page
// (neither surface within the wait budget) returns a zero state.
func probeLogin(ctx context.Context, page *rod.Page) loginState {
	p := page.Context(ctx)

	if _, err := p.Timeout(15 * time.Second).Element(selLoginArea); err == nil {
		// Give the canvas a moment to render before capturing.
		time.Sleep(2 * time.Second)
		for _, sel := range qrSelectors {
			has, el, err := p.Has(sel)
			if err != nil || !has {
				continue
			}
			png, err := el.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
			if err != nil {
				continue
			}
			return loginState{NeedsLogin: true, QR: png}
		}
		return loginState{NeedsLogin: true}
	}

	if has, _, err := p.Has(selChatList); err == nil && has {
		return loginState{LoggedIn: true}
	}
	return loginState{}
}

// clearComposer empties the message input so stale draft text never leaks
// into an automated reply.
func clearComposer(ctx context.Context, page *rod.Page) error {
	_, err := page.Context(ctx).Eval(`(sel) => {
		const el = document.querySelector(sel);
		if (el) el.innerHTML = '';
	}`, selInput)
	return err
}
