package ics

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	goical "github.com/emersion/go-ical"
)

const productID = "-//icsreminder//EN"

// Export wraps the event in a standalone VCALENDAR document suitable for
// download. UID and DTSTAMP are filled in when the original omitted them;
// fallbackUID is used for the former.
func Export(ev *Event, fallbackUID string) ([]byte, error) {
	doc := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:" + productID + "\r\n" + ev.Serialize() + "END:VCALENDAR\r\n"

	src, err := goical.NewDecoder(strings.NewReader(doc)).Decode()
	if err != nil {
		return nil, fmt.Errorf("ics: export decode: %w", err)
	}

	out := goical.NewCalendar()
	out.Props.SetText(goical.PropVersion, "2.0")
	out.Props.SetText(goical.PropProductID, productID)

	for _, child := range src.Children {
		if child.Name != goical.CompEvent {
			continue
		}
		if child.Props.Get(goical.PropUID) == nil {
			child.Props.SetText(goical.PropUID, fallbackUID)
		}
		if child.Props.Get(goical.PropDateTimeStamp) == nil {
			child.Props.SetDateTime(goical.PropDateTimeStamp, time.Now().UTC())
		}
		out.Children = append(out.Children, child)
	}
	if len(out.Children) == 0 {
		return nil, fmt.Errorf("%w: no VEVENT to export", ErrParse)
	}

	var buf bytes.Buffer
	if err := goical.NewEncoder(&buf).Encode(out); err != nil {
		return nil, fmt.Errorf("ics: export encode: %w", err)
	}
	return buf.Bytes(), nil
}
