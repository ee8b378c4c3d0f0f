package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"icsreminder/internal/ics"
	appLog "icsreminder/internal/log"
	"icsreminder/internal/model"
)

var (
	// ErrNotFound is returned by Edit for unknown or deleted reminders.
	ErrNotFound = errors.New("reminder: not found")
	// ErrInconsistent marks an index entry whose record cannot be loaded.
	// Such entries are dropped from the working set, never fatal.
	ErrInconsistent = errors.New("reminder: index entry without usable record")
)

type roomUID struct {
	room string
	uid  string
}

// Registry is the in-memory working set of active reminders across rooms.
// It is populated by LoadRooms at startup and mutated by Create, Edit and
// Delete, each of which writes through to the RoomStore before changing
// memory.
type Registry struct {
	store  *RoomStore
	loc    *time.Location
	policy *bluemonday.Policy
	newUID func(roomID string) string

	mu         sync.RWMutex
	active     map[roomUID]*Reminder
	order      []roomUID
	tombstones map[roomUID]struct{}

	roomLocksMu sync.Mutex
	roomLocks   map[string]*sync.Mutex
}

// NewRegistry builds an empty registry. loc is the zone floating event
// times are read in when records are re-parsed.
func NewRegistry(store *RoomStore, loc *time.Location) *Registry {
	if loc == nil {
		loc = time.Local
	}
	return &Registry{
		store:      store,
		loc:        loc,
		policy:     bluemonday.UGCPolicy(),
		newUID:     NewUID,
		active:     make(map[roomUID]*Reminder),
		tombstones: make(map[roomUID]struct{}),
		roomLocks:  make(map[string]*sync.Mutex),
	}
}

// roomLock serializes index read-modify-write cycles for one room.
func (g *Registry) roomLock(roomID string) *sync.Mutex {
	g.roomLocksMu.Lock()
	defer g.roomLocksMu.Unlock()
	l, ok := g.roomLocks[roomID]
	if !ok {
		l = &sync.Mutex{}
		g.roomLocks[roomID] = l
	}
	return l
}

// LoadRooms loads every room's reminders. A room whose index cannot be
// read is skipped; its error is returned joined with the others after all
// rooms were tried.
func (g *Registry) LoadRooms(ctx context.Context, rooms []string) error {
	var errs []error
	total := 0
	for _, room := range rooms {
		n, err := g.LoadRoom(ctx, room)
		if err != nil {
			appLog.Error("reminder: room load failed", err, "room", room)
			errs = append(errs, err)
			continue
		}
		total += n
	}
	appLog.Info("reminder: registry loaded", "rooms", len(rooms), "reminders", total)
	return errors.Join(errs...)
}

// LoadRoom admits the room's stored reminders and returns how many were
// added. Index entries whose record is missing or unparsable are logged
// and skipped.
func (g *Registry) LoadRoom(ctx context.Context, roomID string) (int, error) {
	idx, err := g.store.LoadIndex(ctx, roomID)
	if err != nil {
		return 0, err
	}

	uids := make([]string, 0, len(idx))
	for uid := range idx {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	added := 0
	for _, uid := range uids {
		key := roomUID{room: roomID, uid: uid}
		g.mu.RLock()
		_, known := g.active[key]
		_, dead := g.tombstones[key]
		g.mu.RUnlock()
		if known || dead {
			continue
		}

		r, err := g.loadOne(ctx, roomID, uid)
		if err != nil {
			appLog.Warn("reminder: dropping index entry", "room", roomID, "uid", uid, "err", err)
			continue
		}
		g.admit(r)
		added++
	}
	return added, nil
}

func (g *Registry) loadOne(ctx context.Context, roomID, uid string) (*Reminder, error) {
	rec, found, err := g.store.LoadRecord(ctx, roomID, uid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInconsistent, err)
	}
	if !found {
		return nil, ErrInconsistent
	}
	ev, err := ics.Parse([]byte(rec.VEvent), g.loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInconsistent, err)
	}
	return newReminder(uid, roomID, ev, rec.SummaryText, rec.SummaryHTML), nil
}

func (g *Registry) admit(r *Reminder) {
	key := roomUID{room: r.RoomID, uid: r.UID}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.active[key]; ok {
		return
	}
	g.active[key] = r
	g.order = append(g.order, key)
}

// Create persists a new reminder for ev in roomID and admits it. The
// record is written before the index entry, so an index entry never
// refers to a record that was not at least attempted.
func (g *Registry) Create(ctx context.Context, ev *ics.Event, roomID string) (*Reminder, error) {
	lock := g.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	uid := g.newUID(roomID)
	g.mu.RLock()
	_, live := g.active[roomUID{roomID, uid}]
	_, dead := g.tombstones[roomUID{roomID, uid}]
	g.mu.RUnlock()
	if live || dead {
		return nil, fmt.Errorf("reminder: generated uid %s already used in %s", uid, roomID)
	}

	text := ev.Summary()
	r := newReminder(uid, roomID, ev, text, g.policy.Sanitize(text))

	if err := g.store.SaveRecord(ctx, roomID, uid, r.Data()); err != nil {
		return nil, err
	}

	idx, err := g.store.LoadIndex(ctx, roomID)
	if err != nil {
		return nil, err
	}
	idx[uid] = model.IndexMarker{}
	if err := g.store.SaveIndex(ctx, roomID, idx); err != nil {
		return nil, err
	}

	g.admit(r)
	appLog.Info("reminder: created", "room", roomID, "uid", uid, "summary", text)
	return r, nil
}

// Edit replaces the display text and re-persists the full record. An
// empty html is derived from text. Unknown or deleted reminders yield
// ErrNotFound.
func (g *Registry) Edit(ctx context.Context, roomID, uid, text, html string) (*Reminder, error) {
	lock := g.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	r, ok := g.Find(roomID, uid)
	if !ok || r.Deleted() {
		return nil, ErrNotFound
	}

	if html == "" {
		html = g.policy.Sanitize(text)
	} else {
		html = g.policy.Sanitize(html)
	}

	rec := r.Data()
	rec.SummaryText = text
	rec.SummaryHTML = html
	if err := g.store.SaveRecord(ctx, roomID, uid, rec); err != nil {
		return nil, err
	}
	r.setSummary(text, html)

	appLog.Info("reminder: edited", "room", roomID, "uid", uid)
	return r, nil
}

// Delete tombstones the reminder and removes it from the room's index.
// The record value itself is left in place. removed is false, with a nil
// error, when the reminder is unknown or already deleted.
func (g *Registry) Delete(ctx context.Context, roomID, uid string) (removed bool, err error) {
	lock := g.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	r, ok := g.Find(roomID, uid)
	if !ok {
		return false, nil
	}

	idx, err := g.store.LoadIndex(ctx, roomID)
	if err != nil {
		return false, err
	}
	delete(idx, uid)
	if err := g.store.SaveIndex(ctx, roomID, idx); err != nil {
		return false, err
	}

	r.markDeleted()
	key := roomUID{room: roomID, uid: uid}
	g.mu.Lock()
	delete(g.active, key)
	g.tombstones[key] = struct{}{}
	g.order = removeKey(g.order, key)
	g.mu.Unlock()

	appLog.Info("reminder: deleted", "room", roomID, "uid", uid)
	return true, nil
}

func removeKey(keys []roomUID, k roomUID) []roomUID {
	for i := range keys {
		if keys[i] == k {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}

// Find returns a live reminder.
func (g *Registry) Find(roomID, uid string) (*Reminder, bool) {
	g.mu.RLock()
	r, ok := g.active[roomUID{room: roomID, uid: uid}]
	g.mu.RUnlock()
	if !ok || r.Deleted() {
		return nil, false
	}
	return r, true
}

// ListActive returns the room's live reminders in creation/load order.
func (g *Registry) ListActive(roomID string) []*Reminder {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*Reminder
	for _, k := range g.order {
		if k.room != roomID {
			continue
		}
		if r := g.active[k]; !r.Deleted() {
			out = append(out, r)
		}
	}
	return out
}

// Active snapshots live reminders across all rooms. The scheduler
// iterates the snapshot without holding the registry lock.
func (g *Registry) Active() []*Reminder {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Reminder, 0, len(g.order))
	for _, k := range g.order {
		out = append(out, g.active[k])
	}
	return out
}
