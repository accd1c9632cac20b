package rule

import (
	"sort"
	"time"
)

// HourGate reports whether a rule still has budget under its hourly cap.
// It must not consume the budget; Commit-side accounting happens in the
// store after a match is accepted. A nil gate disables hourly limiting,
// which keeps Match a pure function of its arguments.
type HourGate func(ruleID string, maxPerHour int) bool

// Result is the outcome of matching one message against a rule set.
type Result struct {
	Matched  bool
	Rule     *Rule
	Response string
}

// Match evaluates rules against msg and returns the first rule that passes
// every gate, with its rendered response text. Deterministic: identical
// (rules, msg, ctx, now) inputs produce identical results.
//
// Evaluation order is priority ascending with stable insertion-order
// tiebreak. A rule is skipped when it is disabled, its cooldown has not
// elapsed, its daily or hourly cap is reached, or the current time falls
// outside its time range. These gates apply uniformly to every trigger
// kind, including catch-all rules.
//
// Match does not mutate rules or stats; committing a match (stat bump +
// persistence) is the store's job.
func Match(rules []*Rule, msg Message, ctx Context, now time.Time, hourly HourGate) Result {
	ordered := make([]*Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	for _, r := range ordered {
		if !r.Enabled {
			continue
		}
		if !limitsAllow(r, now, hourly) {
			continue
		}
		if !evalTrigger(r.Trigger, msg, ctx) {
			continue
		}
		// First match wins.
		return Result{
			Matched:  true,
			Rule:     r,
			Response: renderResponse(r, msg, ctx, now),
		}
	}
	return Result{}
}

func limitsAllow(r *Rule, now time.Time, hourly HourGate) bool {
	lim := r.Limits

	if lim.Cooldown > 0 && r.Stats.LastTriggeredAt != nil {
		if now.Sub(*r.Stats.LastTriggeredAt) < lim.Cooldown {
			return false
		}
	}
	if lim.MaxPerDay > 0 && todayTriggers(r, now) >= lim.MaxPerDay {
		return false
	}
	if lim.MaxPerHour > 0 && hourly != nil && !hourly(r.ID, lim.MaxPerHour) {
		return false
	}
	if lim.TimeRange != nil && !lim.TimeRange.Contains(now) {
		return false
	}
	return true
}

// todayTriggers returns the effective daily counter: the stored value if
// the rule last triggered on the same local day as now, zero otherwise.
// The counter therefore resets exactly at the day boundary, never mid-day.
func todayTriggers(r *Rule, now time.Time) int {
	last := r.Stats.LastTriggeredAt
	if last == nil {
		return 0
	}
	ly, lm, ld := last.Date()
	ny, nm, nd := now.Date()
	if ly != ny || lm != nm || ld != nd {
		return 0
	}
	return r.Stats.TodayTriggers
}

func renderResponse(r *Rule, msg Message, ctx Context, now time.Time) string {
	if r.Response.Kind != ResponseText || r.Response.Content == "" {
		return ""
	}
	return Render(r.Response.Content, BuildVars(msg, ctx, now))
}
