// Package schedule fires a callback once per day at a fixed wall-clock time.
//
// The scheduler owns a coarse ticker. Every tick asks "did a fire time fall in
// (last tick, now]?"; robfig/cron only computes the next fire time from a daily
// cron expression. A per-day guard keeps it to one firing per calendar day even
// when the clock steps backwards, and excluded weekdays are skipped instead of
// fired.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pollrelay/internal/eventbus"
	logx "pollrelay/pkg/logx"
)

const (
	DefaultTickInterval = time.Minute
	MaxTickInterval     = 5 * time.Minute

	EventSkipped = "broadcast.skipped"
	EventFired   = "broadcast.fired"
)

// Decision is the outcome of one tick.
type Decision int

const (
	NotDue Decision = iota
	Skipped
	Fired
	// Failed means the fire callback returned an error or panicked.
	Failed
)

func (d Decision) String() string {
	switch d {
	case NotDue:
		return "not_due"
	case Skipped:
		return "skipped"
	case Fired:
		return "fired"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type Config struct {
	// At is the daily fire time, "HH:MM".
	At           string
	Skip         []time.Weekday
	Timezone     string
	TickInterval time.Duration
}

// FireFunc runs the broadcast for a due tick.
type FireFunc func(ctx context.Context, firedAt time.Time) error

type Scheduler struct {
	cfg   Config
	loc   *time.Location
	sched cron.Schedule
	skip  map[time.Weekday]bool
	fire  FireFunc
	log   logx.Logger
	bus   eventbus.Bus

	mu       sync.Mutex
	lastEval time.Time
	lastDay  string
	next     time.Time

	now func() time.Time
}

func New(cfg Config, fire FireFunc, log logx.Logger, bus eventbus.Bus) (*Scheduler, error) {
	if fire == nil {
		return nil, errors.New("schedule: fire func is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	hour, minute, err := ParseClock(cfg.At)
	if err != nil {
		return nil, fmt.Errorf("schedule: %w", err)
	}
	sched, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", minute, hour))
	if err != nil {
		return nil, fmt.Errorf("schedule: build cron expression: %w", err)
	}

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("schedule: timezone %q: %w", tz, err)
		}
		loc = l
	}

	switch {
	case cfg.TickInterval <= 0:
		cfg.TickInterval = DefaultTickInterval
	case cfg.TickInterval > MaxTickInterval:
		log.Warn("tick interval too coarse; clamped", logx.Duration("requested", cfg.TickInterval), logx.Duration("max", MaxTickInterval))
		cfg.TickInterval = MaxTickInterval
	}

	skip := make(map[time.Weekday]bool, len(cfg.Skip))
	for _, d := range cfg.Skip {
		skip[d] = true
	}
	return &Scheduler{
		cfg:   cfg,
		loc:   loc,
		sched: sched,
		skip:  skip,
		fire:  fire,
		log:   log,
		bus:   bus,
		now:   time.Now,
	}, nil
}

func (s *Scheduler) Location() *time.Location { return s.loc }

// Next returns the next fire time, ignoring weekday exclusion.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.next.IsZero() {
		return s.next
	}
	return s.sched.Next(s.now().In(s.loc))
}

// Excluded reports whether t falls on a skipped weekday.
func (s *Scheduler) Excluded(t time.Time) bool {
	return s.skip[t.In(s.loc).Weekday()]
}

// Run ticks until ctx is done. A firing in progress when ctx is cancelled runs to
// completion on a detached context; Run returns after it.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("scheduler started",
		logx.String("at", s.cfg.At),
		logx.String("tz", s.loc.String()),
		logx.Duration("tick", s.cfg.TickInterval),
		logx.Time("next", s.Next()),
	)
	t := time.NewTicker(s.cfg.TickInterval)
	defer t.Stop()

	s.Tick(context.WithoutCancel(ctx), s.now())
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-t.C:
			s.Tick(context.WithoutCancel(ctx), s.now())
		}
	}
}

// Tick evaluates one tick at now. It never panics.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler tick panic", logx.Any("panic", r))
			d = Failed
		}
	}()

	now = now.In(s.loc)
	s.mu.Lock()
	from := s.lastEval
	if from.IsZero() || from.After(now) {
		from = now.Add(-s.cfg.TickInterval)
	}
	s.lastEval = now
	due := s.sched.Next(from)
	s.next = s.sched.Next(now)
	day := now.Format(time.DateOnly)
	if due.After(now) || s.lastDay == day {
		s.mu.Unlock()
		return NotDue
	}
	s.lastDay = day
	s.mu.Unlock()

	if s.skip[now.Weekday()] {
		s.log.Info("broadcast skipped on excluded weekday", logx.String("weekday", now.Weekday().String()), logx.Time("next", s.next))
		s.publish(EventSkipped, now)
		return Skipped
	}

	s.log.Info("broadcast due", logx.Time("due", due))
	s.publish(EventFired, now)
	if err := s.fire(ctx, now); err != nil {
		s.log.Error("broadcast run failed", logx.Err(err))
		return Failed
	}
	return Fired
}

func (s *Scheduler) publish(typ string, at time.Time) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: at.Weekday().String()})
}
