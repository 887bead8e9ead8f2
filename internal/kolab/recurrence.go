package kolab

import (
	"time"

	"github.com/teambition/rrule-go"
)

// recurrenceHorizon caps open-ended recurrence rules. Events recurring
// forever still need a finite dtend for range queries.
const recurrenceHorizon = 100 * 365 * 24 * time.Hour

// RecurrenceEnd computes the end date of the last occurrence of a recurring
// object, so range queries on the cached dtend column do not miss late
// occurrences. Returns the zero time when the object does not recur or the
// rule cannot be parsed.
func RecurrenceEnd(o *Object) time.Time {
	if o.RRule == "" || o.Start.IsZero() {
		return time.Time{}
	}

	rule, err := rrule.StrToRRule(o.RRule)
	if err != nil {
		return time.Time{}
	}
	rule.DTStart(o.Start)

	duration := time.Duration(0)
	if !o.End.IsZero() && o.End.After(o.Start) {
		duration = o.End.Sub(o.Start)
	}

	opts := rule.OrigOptions
	if opts.Count == 0 && opts.Until.IsZero() {
		// never-ending rule
		return o.Start.Add(recurrenceHorizon)
	}

	var last time.Time
	if opts.Count > 0 {
		all := rule.All()
		if len(all) == 0 {
			return time.Time{}
		}
		last = all[len(all)-1]
	} else {
		last = rule.Before(opts.Until, true)
		if last.IsZero() {
			return time.Time{}
		}
	}

	return last.Add(duration)
}
