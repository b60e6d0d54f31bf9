package broadcast

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"pollrelay/internal/eventbus"
	"pollrelay/internal/transport"
	logx "pollrelay/pkg/logx"
)

type fakePollSender struct {
	mu    sync.Mutex
	fail  map[int64]error
	calls map[int64]int
	polls []transport.Poll
	opts  []transport.SendOptions
	delay time.Duration
}

func newFakePollSender() *fakePollSender {
	return &fakePollSender{fail: map[int64]error{}, calls: map[int64]int{}}
}

func (f *fakePollSender) SendPoll(ctx context.Context, to transport.ChatTarget, p transport.Poll, opt *transport.SendOptions) (transport.MessageRef, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return transport.MessageRef{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[to.ChatID]++
	if err := f.fail[to.ChatID]; err != nil {
		return transport.MessageRef{}, err
	}
	f.polls = append(f.polls, p)
	if opt != nil {
		f.opts = append(f.opts, *opt)
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.polls)}, nil
}

func testJob() Job {
	fired := time.Date(2024, time.June, 3, 18, 0, 0, 0, time.UTC)
	return NewJob(fired, PollConfig{
		QuestionSuffix: " 🏢🚶‍♂️?",
		Options:        []string{"office", "remote"},
		Anonymous:      true,
		Silent:         true,
	})
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	t.Parallel()
	s := newFakePollSender()
	s.fail[2] = errors.New("Forbidden: bot was blocked by the user")

	e := New(Config{Workers: 2, RatePerSec: 1000}, s, logx.Nop(), nil)
	rep := e.Broadcast(context.Background(), testJob(), []int64{1, 2, 3})

	if rep.Total != 3 || rep.Sent != 2 || rep.Failed != 1 {
		t.Fatalf("report=%+v", rep)
	}
	if len(rep.Failures) != 1 || rep.Failures[0].ChatID != 2 {
		t.Fatalf("failures=%+v", rep.Failures)
	}
	for _, id := range []int64{1, 2, 3} {
		if s.calls[id] != 1 {
			t.Fatalf("chat %d called %d times", id, s.calls[id])
		}
	}
}

func TestBroadcastSendsPollFlags(t *testing.T) {
	t.Parallel()
	s := newFakePollSender()
	e := New(Config{RatePerSec: 1000}, s, logx.Nop(), nil)
	e.Broadcast(context.Background(), testJob(), []int64{10})

	if len(s.polls) != 1 {
		t.Fatalf("polls=%d", len(s.polls))
	}
	p := s.polls[0]
	if p.Question != "Tuesday, 04 June 🏢🚶‍♂️?" {
		t.Fatalf("question=%q", p.Question)
	}
	if !p.Anonymous || p.MultipleAnswers {
		t.Fatalf("flags anonymous=%v multi=%v", p.Anonymous, p.MultipleAnswers)
	}
	if len(p.Options) != 2 {
		t.Fatalf("options=%v", p.Options)
	}
	if !s.opts[0].Silent {
		t.Fatal("expected silent send")
	}
}

func TestBroadcastRetriesBeforeFailing(t *testing.T) {
	t.Parallel()
	s := newFakePollSender()
	s.fail[5] = errors.New("timeout")
	e := New(Config{RatePerSec: 1000, RetryMax: 2}, s, logx.Nop(), nil)
	e.retry = constDelay(time.Millisecond)

	rep := e.Broadcast(context.Background(), testJob(), []int64{5})
	if rep.Failed != 1 {
		t.Fatalf("report=%+v", rep)
	}
	if s.calls[5] != 3 {
		t.Fatalf("calls=%d want 3", s.calls[5])
	}
}

func TestBroadcastPerSendTimeout(t *testing.T) {
	t.Parallel()
	s := newFakePollSender()
	s.delay = 200 * time.Millisecond
	e := New(Config{RatePerSec: 1000, SendTimeout: 10 * time.Millisecond}, s, logx.Nop(), nil)

	rep := e.Broadcast(context.Background(), testJob(), []int64{1, 2})
	if rep.Failed != 2 || rep.Sent != 0 {
		t.Fatalf("report=%+v", rep)
	}
	for _, f := range rep.Failures {
		if !errors.Is(f.Err, context.DeadlineExceeded) {
			t.Fatalf("err=%v", f.Err)
		}
	}
}

func TestBroadcastEmptyAndEvent(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	e := New(Config{}, newFakePollSender(), logx.Nop(), bus)
	rep := e.Broadcast(context.Background(), testJob(), nil)
	if rep.Total != 0 || rep.Sent != 0 || rep.Failed != 0 {
		t.Fatalf("report=%+v", rep)
	}
	ev := <-ch
	if ev.Type != EventFinished {
		t.Fatalf("event=%s", ev.Type)
	}
	if got, ok := ev.Data.(Report); !ok || got.JobID != rep.JobID {
		t.Fatalf("event data=%#v", ev.Data)
	}
}

func TestBroadcastManyDestinations(t *testing.T) {
	t.Parallel()
	s := newFakePollSender()
	var ids []int64
	for i := int64(1); i <= 50; i++ {
		ids = append(ids, i)
		if i%10 == 0 {
			s.fail[i] = errors.New("chat not found")
		}
	}
	e := New(Config{Workers: 8, RatePerSec: 10000}, s, logx.Nop(), nil)
	rep := e.Broadcast(context.Background(), testJob(), ids)
	if rep.Sent != 45 || rep.Failed != 5 {
		t.Fatalf("report=%+v", rep)
	}
	var failed []int64
	for _, f := range rep.Failures {
		failed = append(failed, f.ChatID)
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
	want := []int64{10, 20, 30, 40, 50}
	for i := range want {
		if failed[i] != want[i] {
			t.Fatalf("failed=%v", failed)
		}
	}
}

func TestQuestion(t *testing.T) {
	t.Parallel()
	cases := []struct {
		fired time.Time
		want  string
	}{
		{time.Date(2024, time.June, 6, 18, 0, 0, 0, time.UTC), "Friday, 07 June?"},
		{time.Date(2024, time.December, 31, 18, 0, 0, 0, time.UTC), "Wednesday, 01 January?"},
		{time.Date(2024, time.February, 28, 18, 0, 0, 0, time.UTC), "Thursday, 29 February?"},
	}
	for _, c := range cases {
		if got := Question(c.fired, "", "?"); got != c.want {
			t.Fatalf("Question(%s)=%q want %q", c.fired, got, c.want)
		}
	}
	if got := Question(cases[0].fired, "02.01", ""); got != "07.06" {
		t.Fatalf("custom layout=%q", got)
	}
}

func TestApplySwapsLimiter(t *testing.T) {
	t.Parallel()
	e := New(Config{RatePerSec: 5}, newFakePollSender(), logx.Nop(), nil)
	before := e.limiter
	e.Apply(Config{RatePerSec: 5, Workers: 9})
	if e.limiter != before || e.cfg.Workers != 9 {
		t.Fatal("limiter must be kept when rate is unchanged")
	}
	e.Apply(Config{RatePerSec: 7})
	if e.limiter == before {
		t.Fatal("limiter not replaced")
	}
}

type constDelay time.Duration

func (d constDelay) Delay(int) time.Duration { return time.Duration(d) }
