// Package bot reacts to room events delivered by the Matrix sync loop.
package bot

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"icsreminder/internal/ics"
	appLog "icsreminder/internal/log"
	"icsreminder/internal/matrix"
	"icsreminder/internal/model"
	"icsreminder/internal/reminder"
	"icsreminder/internal/scheduler"
)

const (
	msgNoPermission    = "Sorry, you don't have permission to use reminders."
	msgInvalidCalendar = "Sorry, that does not look like a valid iCalendar file."
)

// Authorizer decides whether sender may manage reminders in roomID.
type Authorizer interface {
	Allowed(ctx context.Context, sender, roomID string) (bool, error)
}

// Fetcher resolves an mxc:// URI to bytes.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Uploads turns .ics files posted in a room into reminders.
type Uploads struct {
	registry *reminder.Registry
	authz    Authorizer
	fetcher  Fetcher
	sender   scheduler.Sender
	loc      *time.Location
	now      func() time.Time
}

func NewUploads(reg *reminder.Registry, authz Authorizer, fetcher Fetcher, sender scheduler.Sender, loc *time.Location) *Uploads {
	if loc == nil {
		loc = time.UTC
	}
	return &Uploads{
		registry: reg,
		authz:    authz,
		fetcher:  fetcher,
		sender:   sender,
		loc:      loc,
		now:      time.Now,
	}
}

// isCalendar matches m.file uploads named *.ics that point at homeserver
// media. Encrypted attachments carry no url and are skipped.
func isCalendar(f matrix.FileContent) bool {
	if !strings.HasPrefix(f.URL, "mxc://") {
		return false
	}
	return strings.EqualFold(filepath.Ext(f.Name()), ".ics")
}

// HandleEvent implements matrix.Handler.
func (u *Uploads) HandleEvent(ctx context.Context, roomID string, ev matrix.Event) error {
	file, ok := ev.File()
	if !ok || !isCalendar(file) {
		return nil
	}

	allowed, err := u.authz.Allowed(ctx, ev.Sender, roomID)
	if err != nil {
		return fmt.Errorf("permission check for %s: %w", ev.Sender, err)
	}
	if !allowed {
		appLog.Info("upload: sender not permitted", "room", roomID, "sender", ev.Sender)
		return u.reply(ctx, roomID, ev, msgNoPermission)
	}

	body, err := u.fetcher.Fetch(ctx, file.URL)
	if err != nil {
		appLog.Warn("upload: download failed", "room", roomID, "url", file.URL, "error", err.Error())
		return u.reply(ctx, roomID, ev, msgInvalidCalendar)
	}
	parsed, err := ics.Parse(body, u.loc)
	if err != nil {
		appLog.Warn("upload: rejected calendar", "room", roomID, "file", file.Name(), "error", err.Error())
		return u.reply(ctx, roomID, ev, msgInvalidCalendar)
	}

	rem, err := u.registry.Create(ctx, parsed, roomID)
	if err != nil {
		return fmt.Errorf("create reminder from %s: %w", ev.EventID, err)
	}

	var next *time.Time
	if n, ok := rem.Event.NextAtOrAfter(u.now().In(u.loc)); ok {
		next = &n
	}
	msg := rem.CreateMessage(next)
	msg.ReplyTo = ev.EventID
	return u.sender.Send(ctx, roomID, msg)
}

// reply sends an untagged notice; it carries no reminder.
func (u *Uploads) reply(ctx context.Context, roomID string, ev matrix.Event, text string) error {
	return u.sender.Send(ctx, roomID, model.Message{Text: text, ReplyTo: ev.EventID})
}
