package session

import (
	"context"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// Incoming is one unprocessed inbound message extracted from the chat view.
type Incoming struct {
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	ChatName  string `json:"chatName"`
	MessageID string `json:"messageId"`
}

// MessageSource extracts unprocessed inbound messages from the current
// chat view. The primary implementation evaluates JS in the live page;
// SnapshotSource parses a serialised HTML snapshot instead, which keeps
// extraction testable without a browser and serves as a fallback when
// in-page evaluation is unavailable.
type MessageSource interface {
	Scan(ctx context.Context) ([]Incoming, error)
}

// SnapshotSource parses chat markup from an HTML snapshot provider.
// Text is sanitised with bluemonday before extraction so script and
// style payloads in hostile markup never reach rule matching.
type SnapshotSource struct {
	// Fetch returns the current chat view as serialised HTML.
	Fetch func(ctx context.Context) (string, error)

	policy *bluemonday.Policy
	seen   map[string]bool
}

// NewSnapshotSource builds a SnapshotSource over fetch. Messages already
// returned by a previous Scan are skipped, mirroring the processed marker
// the in-page strategy sets on DOM nodes.
func NewSnapshotSource(fetch func(ctx context.Context) (string, error)) *SnapshotSource {
	return &SnapshotSource{
		Fetch:  fetch,
		policy: bluemonday.StrictPolicy(),
		seen:   make(map[string]bool),
	}
}

// Scan implements MessageSource.
func (s *SnapshotSource) Scan(ctx context.Context) ([]Incoming, error) {
	raw, err := s.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return nil, err
	}

	chatName := firstText(findAll(doc, func(n *html.Node) bool {
		return hasClass(n, "peer-title") && hasAncestorClass(n, "chat-info")
	}))

	var out []Incoming
	for _, msg := range findAll(doc, func(n *html.Node) bool {
		return hasClass(n, "message") && !hasClass(n, "is-out")
	}) {
		id := attr(msg, "data-mid")
		if id == "" || s.seen[id] {
			continue
		}
		text := firstText(findAll(msg, func(n *html.Node) bool {
			return hasClass(n, "text-content")
		}))
		if text == "" {
			continue
		}
		sender := firstText(findAll(msg, func(n *html.Node) bool {
			return hasClass(n, "peer-title")
		}))
		s.seen[id] = true
		out = append(out, Incoming{
			Text:      s.sanitize(text),
			Sender:    s.sanitize(sender),
			ChatName:  s.sanitize(chatName),
			MessageID: id,
		})
	}
	return out, nil
}

func (s *SnapshotSource) sanitize(text string) string {
	return strings.TrimSpace(s.policy.Sanitize(text))
}

func findAll(root *html.Node, pred func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && pred(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func hasAncestorClass(n *html.Node, class string) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && hasClass(p, class) {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func firstText(nodes []*html.Node) string {
	for _, n := range nodes {
		if t := strings.TrimSpace(textContent(n)); t != "" {
			return t
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}
