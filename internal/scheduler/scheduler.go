package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "icsreminder/internal/log"
	"icsreminder/internal/model"
	"icsreminder/internal/reminder"
)

const (
	// DefaultTick fires once per second (six-field spec with seconds).
	DefaultTick = "* * * * * *"

	defaultSendTimeout = 30 * time.Second
)

// Sender delivers an outbound message into a room.
type Sender interface {
	Send(ctx context.Context, roomID string, msg model.Message) error
}

// Source provides the reminders evaluated on each tick.
type Source interface {
	Active() []*reminder.Reminder
}

// Scheduler evaluates every active reminder once per tick and delivers a
// trigger message when the current second is exactly an occurrence.
//
// No delivery state is kept: the next occurrence is recomputed from "now"
// on every tick, so a reminder fires once per occurrence as long as a tick
// lands inside that occurrence's second. A tick that misses the second
// skips that occurrence.
type Scheduler struct {
	source Source
	sender Sender
	loc    *time.Location
	spec   string

	now         func() time.Time
	sendTimeout time.Duration

	cron     *cron.Cron
	inflight sync.WaitGroup
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now; tests use it to pin the tick instant.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithSendTimeout bounds each delivery.
func WithSendTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.sendTimeout = d
		}
	}
}

// New builds a scheduler comparing occurrences in loc. An empty spec uses
// DefaultTick.
func New(source Source, sender Sender, loc *time.Location, spec string, opts ...Option) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if spec == "" {
		spec = DefaultTick
	}
	s := &Scheduler{
		source:      source,
		sender:      sender,
		loc:         loc,
		spec:        spec,
		now:         time.Now,
		sendTimeout: defaultSendTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the tick with a seconds-resolution cron and starts it. A
// tick still running when the next one is due causes that one to be
// skipped, so slow evaluations never stack up.
func (s *Scheduler) Start() error {
	if s.cron != nil {
		return errors.New("scheduler: already started")
	}
	logger := appLog.CronLogger{}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(s.loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.spec, func() { s.Tick(s.now()) }); err != nil {
		return fmt.Errorf("scheduler: tick spec %q: %w", s.spec, err)
	}
	s.cron = c
	c.Start()
	appLog.Info("scheduler started", "tick", s.spec, "zone", s.loc.String())
	return nil
}

// Stop halts ticking. In-flight deliveries are not cancelled.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	appLog.Info("scheduler stopped")
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Wait blocks until deliveries started by earlier ticks have finished.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// Tick evaluates all active reminders at now (truncated to the second, in
// the scheduler's zone) and starts a delivery for each one due. It returns
// the number of deliveries started and does not wait for them.
func (s *Scheduler) Tick(now time.Time) int {
	now = now.In(s.loc).Truncate(time.Second)

	started := 0
	for _, r := range s.source.Active() {
		if r == nil || r.Deleted() {
			continue
		}
		msg, due := s.evaluate(r, now)
		if !due {
			continue
		}
		started++
		s.inflight.Add(1)
		go s.deliver(r.RoomID, msg)
	}
	return started
}

// evaluate isolates one reminder so a panic in its rule cannot stop the
// rest of the tick.
func (s *Scheduler) evaluate(r *reminder.Reminder, now time.Time) (msg model.Message, due bool) {
	defer func() {
		if p := recover(); p != nil {
			appLog.Error("scheduler: evaluation panicked", fmt.Errorf("%v", p), "room", r.RoomID, "uid", r.UID)
			due = false
		}
	}()

	next, ok := r.Event.NextAtOrAfter(now)
	if !ok || !next.Equal(now) {
		return model.Message{}, false
	}

	following, hasFollowing := r.Event.NextAfter(now)
	base := r.Message(model.KindTrigger)
	return model.NewTrigger(base.UID, base.Text, base.HTML, base.VEvent, following, hasFollowing), true
}

func (s *Scheduler) deliver(roomID string, msg model.Message) {
	defer s.inflight.Done()
	defer func() {
		if p := recover(); p != nil {
			appLog.Error("scheduler: delivery panicked", fmt.Errorf("%v", p), "room", roomID, "uid", msg.UID)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.sender.Send(ctx, roomID, msg); err != nil {
		// Nothing is persisted, so the reminder stays armed for its next
		// occurrence.
		appLog.Error("scheduler: delivery failed", err, "room", roomID, "uid", msg.UID)
		return
	}
	appLog.Info("scheduler: reminder triggered", "room", roomID, "uid", msg.UID)
}
