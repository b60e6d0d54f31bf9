package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"pollrelay/internal/eventbus"
	logx "pollrelay/pkg/logx"
)

func at(day, hour, minute int) time.Time {
	// June 2024: the 3rd is a Monday, the 7th a Friday, the 8th a Saturday.
	return time.Date(2024, time.June, day, hour, minute, 0, 0, time.UTC)
}

type fireRecorder struct {
	calls atomic.Int32
	last  atomic.Value
	err   error
	panic bool
}

func (f *fireRecorder) fire(_ context.Context, t time.Time) error {
	f.calls.Add(1)
	f.last.Store(t)
	if f.panic {
		panic("boom")
	}
	return f.err
}

func newTestScheduler(t *testing.T, f *fireRecorder, bus eventbus.Bus) *Scheduler {
	t.Helper()
	s, err := New(Config{
		At:           "18:00",
		Skip:         []time.Weekday{time.Friday, time.Saturday},
		Timezone:     "UTC",
		TickInterval: time.Minute,
	}, f.fire, logx.Nop(), bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestTickSkipsExcludedWeekday(t *testing.T) {
	t.Parallel()
	f := &fireRecorder{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(2)
	defer unsub()
	s := newTestScheduler(t, f, bus)

	if d := s.Tick(context.Background(), at(8, 18, 0)); d != Skipped {
		t.Fatalf("decision=%s want skipped", d)
	}
	if f.calls.Load() != 0 {
		t.Fatal("fire must not run on an excluded weekday")
	}
	if ev := <-ch; ev.Type != EventSkipped || ev.Data != "Saturday" {
		t.Fatalf("event=%+v", ev)
	}
	if d := s.Tick(context.Background(), at(8, 18, 1)); d != NotDue {
		t.Fatalf("second tick=%s", d)
	}
}

func TestTickFiresOncePerDay(t *testing.T) {
	t.Parallel()
	f := &fireRecorder{}
	s := newTestScheduler(t, f, nil)
	ctx := context.Background()

	steps := []struct {
		now  time.Time
		want Decision
	}{
		{at(3, 17, 58), NotDue},
		{at(3, 17, 59), NotDue},
		{at(3, 18, 0), Fired},
		{at(3, 18, 1), NotDue},
		// clock stepped back over the fire time
		{at(3, 17, 58), NotDue},
		{at(3, 18, 0), NotDue},
		{at(4, 17, 59), NotDue},
		{at(4, 18, 0), Fired},
	}
	for i, st := range steps {
		if got := s.Tick(ctx, st.now); got != st.want {
			t.Fatalf("step %d (%s): got %s want %s", i, st.now.Format(time.Kitchen), got, st.want)
		}
	}
	if n := f.calls.Load(); n != 2 {
		t.Fatalf("fire calls=%d", n)
	}
	if last := f.last.Load().(time.Time); !last.Equal(at(4, 18, 0)) {
		t.Fatalf("last fire=%s", last)
	}
}

func TestTickCatchesUpAfterDelay(t *testing.T) {
	t.Parallel()
	f := &fireRecorder{}
	s := newTestScheduler(t, f, nil)
	ctx := context.Background()

	if d := s.Tick(ctx, at(3, 17, 55)); d != NotDue {
		t.Fatalf("d=%s", d)
	}
	// process was busy for 40 minutes
	if d := s.Tick(ctx, at(3, 18, 35)); d != Fired {
		t.Fatalf("d=%s want fired", d)
	}
}

func TestFirstTickAfterWindowDoesNotFire(t *testing.T) {
	t.Parallel()
	f := &fireRecorder{}
	s := newTestScheduler(t, f, nil)
	if d := s.Tick(context.Background(), at(3, 19, 0)); d != NotDue {
		t.Fatalf("d=%s", d)
	}
	if got := s.Next(); !got.Equal(at(4, 18, 0)) {
		t.Fatalf("next=%s", got)
	}
}

func TestTickFailuresDoNotStopScheduling(t *testing.T) {
	t.Parallel()
	f := &fireRecorder{panic: true}
	s := newTestScheduler(t, f, nil)
	ctx := context.Background()

	if d := s.Tick(ctx, at(3, 18, 0)); d != Failed {
		t.Fatalf("panic tick=%s", d)
	}
	f.panic = false
	f.err = errors.New("transport down")
	if d := s.Tick(ctx, at(4, 18, 0)); d != Failed {
		t.Fatalf("error tick=%s", d)
	}
	f.err = nil
	if d := s.Tick(ctx, at(5, 18, 0)); d != Fired {
		t.Fatalf("recovered tick=%s", d)
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	noop := func(context.Context, time.Time) error { return nil }

	if _, err := New(Config{At: "25:00"}, noop, logx.Nop(), nil); err == nil {
		t.Fatal("expected invalid hour error")
	}
	if _, err := New(Config{At: "18"}, noop, logx.Nop(), nil); err == nil {
		t.Fatal("expected format error")
	}
	if _, err := New(Config{At: "18:00", Timezone: "Mars/Olympus"}, noop, logx.Nop(), nil); err == nil {
		t.Fatal("expected timezone error")
	}
	if _, err := New(Config{At: "18:00"}, nil, logx.Nop(), nil); err == nil {
		t.Fatal("expected missing fire func error")
	}
	s, err := New(Config{At: "18:00", TickInterval: time.Hour}, noop, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.cfg.TickInterval != MaxTickInterval {
		t.Fatalf("tick=%s", s.cfg.TickInterval)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	f := &fireRecorder{}
	s, err := New(Config{At: "18:00", Timezone: "UTC", TickInterval: 5 * time.Millisecond}, f.fire, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var n atomic.Int32
	s.now = func() time.Time {
		// every call advances one day past the fire time
		return at(3, 18, 0).AddDate(0, 0, int(n.Add(1)-1))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	deadline := time.After(2 * time.Second)
	for f.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("scheduler never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestParseWeekdays(t *testing.T) {
	t.Parallel()
	got, err := ParseWeekdays([]string{"Friday", "sat", " SUNDAY "})
	if err != nil {
		t.Fatalf("ParseWeekdays: %v", err)
	}
	want := []time.Weekday{time.Friday, time.Saturday, time.Sunday}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	if _, err := ParseWeekdays([]string{"funday"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestNextAndExcluded(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, &fireRecorder{}, nil)

	s.Tick(context.Background(), at(3, 12, 0))
	if got := s.Next(); !got.Equal(at(3, 18, 0)) {
		t.Fatalf("next=%v", got)
	}
	s.Tick(context.Background(), at(3, 18, 0))
	if got := s.Next(); !got.Equal(at(4, 18, 0)) {
		t.Fatalf("next after fire=%v", got)
	}

	if s.Excluded(at(3, 18, 0)) || !s.Excluded(at(7, 18, 0)) || !s.Excluded(at(8, 9, 0)) {
		t.Fatal("only Friday and Saturday are excluded")
	}
}
