package reminder

import (
	"encoding/base64"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"icsreminder/internal/ics"
	"icsreminder/internal/model"
)

// Reminder is one calendar event attached to a room. UID, RoomID and Event
// never change; the display text is edited through the Registry.
type Reminder struct {
	UID    string
	RoomID string
	Event  *ics.Event

	mu          sync.RWMutex
	summaryText string
	summaryHTML string
	deleted     bool
}

func newReminder(uid, roomID string, ev *ics.Event, text, html string) *Reminder {
	return &Reminder{
		UID:         uid,
		RoomID:      roomID,
		Event:       ev,
		summaryText: text,
		summaryHTML: html,
	}
}

// SummaryText is the plain-text message sent when the reminder fires.
func (r *Reminder) SummaryText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.summaryText
}

// SummaryHTML is the rich-text variant of SummaryText.
func (r *Reminder) SummaryHTML() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.summaryHTML
}

// Deleted reports whether the reminder has been tombstoned. A deleted
// reminder never fires and cannot be edited.
func (r *Reminder) Deleted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deleted
}

func (r *Reminder) setSummary(text, html string) {
	r.mu.Lock()
	r.summaryText = text
	r.summaryHTML = html
	r.mu.Unlock()
}

func (r *Reminder) markDeleted() {
	r.mu.Lock()
	r.deleted = true
	r.mu.Unlock()
}

// Data is the persisted form of the reminder.
func (r *Reminder) Data() model.RecordData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return model.RecordData{
		VEvent:      r.Event.Serialize(),
		SummaryText: r.summaryText,
		SummaryHTML: r.summaryHTML,
	}
}

// Message builds an outbound message of the given kind carrying the
// reminder's text, uid and serialized event.
func (r *Reminder) Message(kind model.MessageKind) model.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return model.Message{
		Kind:   kind,
		Text:   r.summaryText,
		HTML:   r.summaryHTML,
		UID:    r.UID,
		VEvent: r.Event.Serialize(),
	}
}

// CreateMessage is the room notice confirming a new reminder. next is the
// first upcoming occurrence, nil when there is none.
func (r *Reminder) CreateMessage(next *time.Time) model.Message {
	msg := r.Message(model.KindCreate)
	when := "never"
	if next != nil {
		when = next.Format(time.RFC1123)
	}
	msg.Text = fmt.Sprintf("Created reminder with ID %s occurring next: %s\n\nPreview: %s",
		r.UID, when, r.SummaryText())
	msg.HTML = fmt.Sprintf("Created reminder with ID <code>%s</code> occurring next: %s<br/><br/>Preview: %s",
		html.EscapeString(r.UID), html.EscapeString(when), r.SummaryHTML())
	return msg
}

// NewUID derives a reminder id from the room and a random UUID. The room is
// part of the encoded value, so ids cannot collide across rooms.
func NewUID(roomID string) string {
	enc := base64.StdEncoding.EncodeToString([]byte(roomID + "|" + uuid.NewString()))
	return strings.NewReplacer("+", "", "/", "", "=", "").Replace(enc)
}
