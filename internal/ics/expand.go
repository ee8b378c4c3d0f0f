package ics

import (
	"time"

	"github.com/teambition/rrule-go"
)

const (
	defaultMaxUpcoming = 50

	// anchorMargin keeps a re-anchored rule starting well before the query
	// so DST shifts and UNTIL edges stay inside the expanded window.
	anchorMargin = 48 * time.Hour
)

// buildSet combines DTSTART, the optional RRULE, RDATEs and EXDATEs into a
// single recurrence set. Without an RRULE, DTSTART is the only base
// occurrence.
func buildSet(start time.Time, rule *rrule.RRule, rdates, exdates []time.Time) *rrule.Set {
	set := &rrule.Set{}

	if rule != nil {
		// Anchor the rule at the event's DTSTART so its zone drives
		// wall-clock expansion (DST-aware).
		rule.DTStart(start)
		set.RRule(rule)
	} else {
		set.RDate(start)
	}

	for _, rd := range rdates {
		set.RDate(rd.In(start.Location()))
	}
	for _, ex := range exdates {
		// Align EXDATE location with the event's start.
		set.ExDate(ex.In(start.Location()))
	}

	return set
}

// NextAtOrAfter returns the earliest occurrence >= t, compared at whole
// seconds. ok is false when the rule has no further occurrences.
func (e *Event) NextAtOrAfter(t time.Time) (time.Time, bool) {
	return e.next(t, true)
}

// NextAfter returns the earliest occurrence strictly after t.
func (e *Event) NextAfter(t time.Time) (time.Time, bool) {
	return e.next(t, false)
}

func (e *Event) next(t time.Time, inclusive bool) (time.Time, bool) {
	t = t.Truncate(time.Second)
	n := e.setFor(t).After(t, inclusive)
	if n.IsZero() {
		return time.Time{}, false
	}
	return n.In(t.Location()), true
}

// setFor returns a recurrence set equivalent to the event's from t on.
// Sub-daily rules without COUNT are restarted at a day-aligned DTSTART
// shortly before t; otherwise rrule-go would walk every period since the
// original DTSTART on each query.
func (e *Event) setFor(t time.Time) *rrule.Set {
	anchor, ok := e.anchorBefore(t)
	if !ok {
		return e.set
	}
	opts := *e.ruleOpts
	opts.Dtstart = anchor
	rule, err := rrule.NewRRule(opts)
	if err != nil {
		return e.set
	}
	return buildSet(anchor, rule, e.rdates, e.exdates)
}

// anchorBefore finds a whole number of days after DTSTART, at least
// anchorMargin before t, on which the rule's period grid lines up with the
// original one. That holds when the period divides one hour: shifting by
// whole days moves wall time by whole days and absolute time by whole
// hours, whichever way rrule-go counts.
func (e *Event) anchorBefore(t time.Time) (time.Time, bool) {
	if e.ruleOpts == nil || e.ruleOpts.Count > 0 {
		return time.Time{}, false
	}

	interval := e.ruleOpts.Interval
	if interval <= 0 {
		interval = 1
	}
	var period time.Duration
	switch e.ruleOpts.Freq {
	case rrule.SECONDLY:
		period = time.Duration(interval) * time.Second
	case rrule.MINUTELY:
		period = time.Duration(interval) * time.Minute
	case rrule.HOURLY:
		period = time.Duration(interval) * time.Hour
	default:
		return time.Time{}, false
	}
	if time.Hour%period != 0 {
		return time.Time{}, false
	}

	target := t.Add(-anchorMargin)
	days := int(target.Sub(e.start) / (24 * time.Hour))
	if days <= 1 {
		return time.Time{}, false
	}
	anchor := e.start.AddDate(0, 0, days-1)
	if anchor.After(target) {
		return time.Time{}, false
	}
	return anchor, true
}

// Upcoming returns up to n occurrences at or after from, in from's zone.
// n <= 0 uses a small default cap so unbounded rules stay cheap.
func (e *Event) Upcoming(from time.Time, n int) []time.Time {
	if n <= 0 {
		n = defaultMaxUpcoming
	}

	out := make([]time.Time, 0, n)
	next, ok := e.NextAtOrAfter(from)
	for ok && len(out) < n {
		out = append(out, next)
		next, ok = e.NextAfter(next)
	}
	return out
}
