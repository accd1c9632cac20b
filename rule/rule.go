// Package rule owns the per-account automation rules: their persisted,
// ordered collections, usage statistics, and the deterministic matching
// algorithm that selects at most one rule for an inbound message.
package rule

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// TriggerKind discriminates what fires a rule.
type TriggerKind string

const (
	TriggerAll     TriggerKind = "all"
	TriggerKeyword TriggerKind = "keyword"
	TriggerRegex   TriggerKind = "regex"
	TriggerMention TriggerKind = "mention"
	TriggerPrivate TriggerKind = "private"
	TriggerGroup   TriggerKind = "group"
)

// MatchMode is the keyword comparison strategy.
type MatchMode string

const (
	MatchExact    MatchMode = "exact"
	MatchContains MatchMode = "contains"
	MatchStarts   MatchMode = "starts"
	MatchEnds     MatchMode = "ends"
)

// Trigger decides whether a rule applies to a message. Only the fields
// relevant to Kind are meaningful; Validate enforces that at construction.
type Trigger struct {
	Kind          TriggerKind `json:"kind"`
	Pattern       string      `json:"pattern,omitempty"`
	MatchMode     MatchMode   `json:"match_mode,omitempty"`
	CaseSensitive bool        `json:"case_sensitive,omitempty"`
}

// Validate checks the trigger for structural problems. A keyword trigger
// needs a pattern and a known match mode; a regex trigger needs a pattern
// that compiles. Other kinds carry no pattern.
func (t *Trigger) Validate() error {
	switch t.Kind {
	case TriggerAll, TriggerMention, TriggerPrivate, TriggerGroup:
		return nil
	case TriggerKeyword:
		if t.Pattern == "" {
			return fmt.Errorf("rule: keyword trigger requires a pattern")
		}
		if t.MatchMode == "" {
			t.MatchMode = MatchContains
		}
		switch t.MatchMode {
		case MatchExact, MatchContains, MatchStarts, MatchEnds:
			return nil
		default:
			return fmt.Errorf("rule: unknown match mode %q", t.MatchMode)
		}
	case TriggerRegex:
		if t.Pattern == "" {
			return fmt.Errorf("rule: regex trigger requires a pattern")
		}
		if _, err := compileRegex(t.Pattern, t.CaseSensitive); err != nil {
			return fmt.Errorf("rule: invalid regex %q: %w", t.Pattern, err)
		}
		return nil
	default:
		return fmt.Errorf("rule: unknown trigger kind %q", t.Kind)
	}
}

// ResponseKind discriminates what a matched rule does.
type ResponseKind string

const (
	ResponseText    ResponseKind = "text"
	ResponseImage   ResponseKind = "image"
	ResponseFile    ResponseKind = "file"
	ResponseForward ResponseKind = "forward"
	ResponseIgnore  ResponseKind = "ignore"
)

// Response describes the action taken when a rule matches. Content carries
// the reply template for text responses and the source path/target for
// image, file and forward responses. Ignore responses carry nothing.
type Response struct {
	Kind    ResponseKind  `json:"kind"`
	Content string        `json:"content,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`
}

// Validate checks the response variant.
func (r *Response) Validate() error {
	switch r.Kind {
	case ResponseText, ResponseImage, ResponseFile, ResponseForward:
		if r.Content == "" {
			return fmt.Errorf("rule: %s response requires content", r.Kind)
		}
	case ResponseIgnore:
		// carries nothing
	default:
		return fmt.Errorf("rule: unknown response kind %q", r.Kind)
	}
	if r.Delay < 0 {
		return fmt.Errorf("rule: negative delay")
	}
	return nil
}

// TimeRange restricts matching to a daily window ("HH:MM" local time).
// Start > End wraps past midnight.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Contains reports whether now falls inside the window.
func (tr TimeRange) Contains(now time.Time) bool {
	start, err1 := parseClock(tr.Start)
	end, err2 := parseClock(tr.End)
	if err1 != nil || err2 != nil {
		return true // malformed range never blocks
	}
	cur := now.Hour()*60 + now.Minute()
	if start <= end {
		return cur >= start && cur <= end
	}
	return cur >= start || cur <= end // overnight window
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Limits rate-limits a rule. Zero values mean "no limit".
type Limits struct {
	MaxPerDay  int           `json:"max_per_day,omitempty"`
	MaxPerHour int           `json:"max_per_hour,omitempty"`
	Cooldown   time.Duration `json:"cooldown,omitempty"`
	TimeRange  *TimeRange    `json:"time_range,omitempty"`
}

// Stats tracks rule usage. Mutated only on a successful match.
type Stats struct {
	TotalTriggers   int        `json:"total_triggers"`
	TodayTriggers   int        `json:"today_triggers"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
}

// Rule is a prioritized trigger→response pair with rate limits and usage
// stats. Lower priority values are evaluated first; equal priorities keep
// insertion order.
type Rule struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	Priority  int       `json:"priority"`
	Trigger   Trigger   `json:"trigger"`
	Response  Response  `json:"response"`
	Limits    Limits    `json:"limits,omitempty"`
	Stats     Stats     `json:"stats"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks trigger and response variants.
func (r *Rule) Validate() error {
	if err := r.Trigger.Validate(); err != nil {
		return err
	}
	return r.Response.Validate()
}

// Message is one detected inbound message, produced by the session
// detection step and consumed once by the matcher.
type Message struct {
	Text         string    `json:"text"`
	Sender       string    `json:"sender"`
	Conversation string    `json:"conversation"`
	MessageID    string    `json:"message_id"`
	DetectedAt   time.Time `json:"detected_at"`
}

// Context carries caller-supplied flags and template variable overrides.
type Context struct {
	IsMention bool
	IsPrivate bool
	IsGroup   bool
	// Vars override the built-in template variables on key collision.
	Vars map[string]string
}

// compiled regex cache; invalid patterns are cached too so a broken rule
// costs one compile attempt, not one per message.
var (
	regexMu    sync.Mutex
	regexCache = make(map[string]*regexp.Regexp)
)

func compileRegex(pattern string, caseSensitive bool) (*regexp.Regexp, error) {
	key := pattern
	if !caseSensitive {
		key = "(?i)" + pattern
	}

	regexMu.Lock()
	defer regexMu.Unlock()
	if re, ok := regexCache[key]; ok {
		if re == nil {
			return nil, fmt.Errorf("cached invalid pattern")
		}
		return re, nil
	}
	re, err := regexp.Compile(key)
	if err != nil {
		regexCache[key] = nil
		return nil, err
	}
	regexCache[key] = re
	return re, nil
}

// evalTrigger reports whether the trigger fires for msg under ctx.
// Invalid regex patterns never match and never panic.
func evalTrigger(t Trigger, msg Message, ctx Context) bool {
	switch t.Kind {
	case TriggerAll:
		return true
	case TriggerKeyword:
		return matchKeyword(msg.Text, t.Pattern, t.MatchMode, t.CaseSensitive)
	case TriggerRegex:
		re, err := compileRegex(t.Pattern, t.CaseSensitive)
		if err != nil {
			return false
		}
		return re.MatchString(msg.Text)
	case TriggerMention:
		return ctx.IsMention
	case TriggerPrivate:
		return ctx.IsPrivate
	case TriggerGroup:
		return ctx.IsGroup
	default:
		return false
	}
}

func matchKeyword(text, pattern string, mode MatchMode, caseSensitive bool) bool {
	if pattern == "" {
		return false
	}
	if !caseSensitive {
		text = strings.ToLower(text)
		pattern = strings.ToLower(pattern)
	}
	switch mode {
	case MatchExact:
		return text == pattern
	case MatchContains, "":
		return strings.Contains(text, pattern)
	case MatchStarts:
		return strings.HasPrefix(text, pattern)
	case MatchEnds:
		return strings.HasSuffix(text, pattern)
	default:
		return false
	}
}
