package model

import (
	"fmt"
	"time"
)

// RecordData is the persisted form of a single reminder, stored as one
// account data value per uid.
type RecordData struct {
	VEvent      string `json:"vevent"`
	SummaryText string `json:"summaryText"`
	SummaryHTML string `json:"summaryHtml"`
}

// IndexMarker is the placeholder value of an index entry. It is an object
// rather than a bool so fields can be added later without rewriting keys.
type IndexMarker struct{}

// Index maps reminder uid to marker for one room. Presence of a key is what
// makes a reminder known in that room.
type Index map[string]IndexMarker

// Keys builds the namespaced account data keys.
type Keys struct {
	Namespace string
}

// Index is the key of a room's reminder index.
func (k Keys) Index() string {
	return k.Namespace + ".vevents.index"
}

// Record is the key of one reminder's record.
func (k Keys) Record(uid string) string {
	return fmt.Sprintf("%s.vevents.vevent.%s", k.Namespace, uid)
}

// MessageKind tags outbound messages so clients can tell them apart.
type MessageKind string

const (
	KindCreate  MessageKind = "create"
	KindPreview MessageKind = "preview"
	KindTrigger MessageKind = "trigger"
)

// Message is an outbound room message. Kind-specific fields:
//   - UID and VEvent are set for every kind.
//   - Next is set only for KindTrigger, and only when the rule has a
//     further occurrence.
//
// ReplyTo optionally names the event the message answers.
type Message struct {
	Kind    MessageKind
	Text    string
	HTML    string
	UID     string
	VEvent  string
	Next    *time.Time
	ReplyTo string
}

// NewTrigger builds the message sent when an occurrence fires.
func NewTrigger(uid, text, html, vevent string, next time.Time, hasNext bool) Message {
	m := Message{
		Kind:   KindTrigger,
		Text:   text,
		HTML:   html,
		UID:    uid,
		VEvent: vevent,
	}
	if hasNext {
		n := next
		m.Next = &n
	}
	return m
}
