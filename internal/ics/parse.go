package ics

import (
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	appLog "icsreminder/internal/log"
)

// ErrParse is wrapped by every error returned when a payload does not
// contain a usable VEVENT.
var ErrParse = errors.New("ics: not a valid calendar event")

const (
	beginVEvent  = "BEGIN:VEVENT"
	endVEvent    = "END:VEVENT"
	summaryField = "SUMMARY:"
)

// Event is a single VEVENT with its recurrence rule resolved. It is
// immutable after Parse; all occurrence queries are pure functions of the
// rule and the query instant.
type Event struct {
	block      string
	serialized string
	summary    string

	uid      string
	start    time.Time
	allDay   bool
	rawRRule string

	ruleOpts *rrule.ROption
	rdates   []time.Time
	exdates  []time.Time
	set      *rrule.Set
}

// ExtractVEvent returns the first BEGIN:VEVENT ... END:VEVENT block of text,
// markers included. Markers are matched case-insensitively after trimming
// and re-emitted in upper case; inner lines are kept verbatim.
func ExtractVEvent(text string) (string, error) {
	text = strings.ReplaceAll(text, "\r", "")

	var b strings.Builder
	inside := false
	for _, line := range strings.Split(text, "\n") {
		marker := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case !inside && marker == beginVEvent:
			inside = true
			b.WriteString(beginVEvent + "\r\n")
		case inside && marker == endVEvent:
			b.WriteString(endVEvent + "\r\n")
			return b.String(), nil
		case inside:
			b.WriteString(line)
			b.WriteString("\r\n")
		}
	}

	if inside {
		return "", fmt.Errorf("%w: unterminated VEVENT block", ErrParse)
	}
	return "", fmt.Errorf("%w: no VEVENT block", ErrParse)
}

// Parse extracts the first VEVENT from raw and resolves its recurrence.
//
//   - DTSTART is required. TZID parameters are honoured, UTC values keep
//     UTC, and floating values are interpreted in loc.
//   - RRULE, RDATE and EXDATE are applied. An event without RRULE has a
//     single occurrence at DTSTART.
//   - The summary is the remainder of the first line starting "SUMMARY:",
//     or the literal field name when no such line exists.
func Parse(raw []byte, loc *time.Location) (*Event, error) {
	if loc == nil {
		loc = time.Local
	}

	block, err := ExtractVEvent(string(raw))
	if err != nil {
		return nil, err
	}

	doc := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//icsreminder//EN\r\n" + block + "END:VCALENDAR\r\n"
	cal, err := ical.ParseCalendar(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	events := cal.Events()
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no VEVENT block", ErrParse)
	}

	ev, err := fromVEvent(events[0], loc)
	if err != nil {
		return nil, err
	}
	ev.block = block
	ev.summary = extractSummary(block)

	serialized, err := ExtractVEvent(cal.Serialize())
	if err != nil {
		// Serialization of a calendar we just parsed must contain the event.
		return nil, fmt.Errorf("ics: re-serialize: %w", err)
	}
	ev.serialized = serialized

	return ev, nil
}

func fromVEvent(ve *ical.VEvent, loc *time.Location) (*Event, error) {
	out := &Event{}

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.uid = p.Value
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil || strings.TrimSpace(dtStart.Value) == "" {
		return nil, fmt.Errorf("%w: missing DTSTART", ErrParse)
	}
	start, allDay, err := parseICSTime(dtStart.Value, dtStart.ICalParameters, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: DTSTART: %v", ErrParse, err)
	}
	out.start = start
	out.allDay = allDay

	var rule *rrule.RRule
	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.rawRRule = strings.TrimSpace(p.Value)
		opts, err := rrule.StrToROption(out.rawRRule)
		if err == nil {
			opts.Dtstart = start
			rule, err = rrule.NewRRule(*opts)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: RRULE %q: %v", ErrParse, out.rawRRule, err)
		}
	}

	rdates, err := collectTimes(ve.GetProperties(ical.ComponentProperty("RDATE")), loc)
	if err != nil {
		return nil, fmt.Errorf("%w: RDATE: %v", ErrParse, err)
	}
	exdates, err := collectTimes(ve.GetProperties(ical.ComponentPropertyExdate), loc)
	if err != nil {
		return nil, fmt.Errorf("%w: EXDATE: %v", ErrParse, err)
	}

	if rule != nil {
		opts := rule.OrigOptions
		out.ruleOpts = &opts
	}
	out.rdates = rdates
	out.exdates = exdates
	out.set = buildSet(start, rule, rdates, exdates)
	return out, nil
}

// collectTimes parses every comma-separated value of the given properties,
// each in the context of its own TZID/VALUE parameters.
func collectTimes(props []*ical.IANAProperty, loc *time.Location) ([]time.Time, error) {
	var out []time.Time
	for _, p := range props {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, _, err := parseICSTime(part, p.ICalParameters, loc)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
	}
	return out, nil
}

// parseICSTime parses a DATE or DATE-TIME value. It reports whether the
// value was a plain DATE.
func parseICSTime(v string, params map[string][]string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	zone := loc
	if tzids, ok := params["TZID"]; ok && len(tzids) > 0 {
		name := strings.Trim(tzids[0], `"`)
		if l, err := time.LoadLocation(name); err == nil {
			zone = l
		} else {
			appLog.Warn("ics: unknown TZID, using scheduler zone", "tzid", name, "zone", loc.String())
		}
	}

	isDate := !strings.Contains(v, "T")
	if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		isDate = true
	}

	switch {
	case isDate:
		t, err := time.ParseInLocation("20060102", v, zone)
		return t, true, err
	case strings.HasSuffix(v, "Z"):
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	default:
		t, err := time.ParseInLocation("20060102T150405", v, zone)
		return t, false, err
	}
}

// extractSummary scans the raw block for "SUMMARY:". When absent the field
// name itself is returned.
func extractSummary(block string) string {
	for _, line := range strings.Split(strings.ReplaceAll(block, "\r", ""), "\n") {
		if strings.HasPrefix(line, summaryField) {
			return strings.TrimPrefix(line, summaryField)
		}
	}
	return strings.TrimSuffix(summaryField, ":")
}

// Summary is the human readable event title.
func (e *Event) Summary() string { return e.summary }

// UID is the VEVENT UID property, empty when the calendar had none.
func (e *Event) UID() string { return e.uid }

// Start is DTSTART in the event's own zone.
func (e *Event) Start() time.Time { return e.start }

// AllDay reports whether DTSTART was a DATE value.
func (e *Event) AllDay() bool { return e.allDay }

// RRule is the raw RRULE value, empty for single events.
func (e *Event) RRule() string { return e.rawRRule }

// Serialize returns the VEVENT as calendar text. Parsing the result
// yields the same occurrences.
func (e *Event) Serialize() string { return e.serialized }

func (e *Event) String() string { return e.serialized }
