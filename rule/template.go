package rule

import (
	"strings"
	"time"
)

// BuildVars assembles the template variable map for a message: the built-in
// sender/message/time/date/chatName variables plus caller-supplied
// overrides, which win on key collision.
func BuildVars(msg Message, ctx Context, now time.Time) map[string]string {
	vars := map[string]string{
		"sender":   msg.Sender,
		"message":  msg.Text,
		"time":     now.Format("15:04:05"),
		"date":     now.Format("2006-01-02"),
		"chatName": msg.Conversation,
	}
	for k, v := range ctx.Vars {
		vars[k] = v
	}
	return vars
}

// Render substitutes {name}-style placeholders in the template from vars.
// Unknown placeholders are left as-is.
func Render(template string, vars map[string]string) string {
	if !strings.Contains(template, "{") {
		return template
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
