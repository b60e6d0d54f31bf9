package app

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pollrelay/internal/blobstore"
	"pollrelay/internal/config"
	"pollrelay/internal/eventbus"
	"pollrelay/internal/schedule"
	"pollrelay/internal/storage"
	kit "pollrelay/internal/transport"
	logx "pollrelay/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	out   chan<- kit.Update
	polls []int64
	texts []string
	menu  []kit.BotCommand
	fail  map[int64]bool
	delay time.Duration
}

func (f *fakeAdapter) Start(_ context.Context, out chan<- kit.Update) error {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) SendPoll(_ context.Context, to kit.ChatTarget, _ kit.Poll, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.polls = append(f.polls, to.ChatID)
	delay := f.delay
	f.mu.Unlock()
	time.Sleep(delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[to.ChatID] {
		return kit.MessageRef{}, errors.New("Forbidden: bot was blocked by the user")
	}
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	f.menu = cmds
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) push(t *testing.T, up kit.Update) {
	t.Helper()
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	if out == nil {
		t.Fatal("adapter not started")
	}
	out <- up
}

func (f *fakeAdapter) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.polls)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Telegram: config.TelegramConfig{Token: "x"},
		Registry: config.RegistryConfig{Path: filepath.Join(dir, "chats.txt")},
		Blob:     config.BlobConfig{Driver: "memory"},
		Storage:  &config.StorageConfig{Driver: "file", Path: filepath.Join(dir, "relay.db")},
		Schedule: config.ScheduleConfig{Timezone: "UTC"},
	}
	cfg.ApplyDefaults()
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, blob *blobstore.Memory) (*App, *fakeAdapter) {
	t.Helper()
	ad := &fakeAdapter{fail: map[int64]bool{}}
	a, err := New(Deps{Config: cfg, Adapter: ad, Blob: blob, Logger: logx.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.closeStore() })
	return a, ad
}

func TestFireBroadcastsOncePerDay(t *testing.T) {
	t.Parallel()
	blob := blobstore.NewMemory()
	blob.Set("chats.txt", []byte("100\n200\n300\n"))
	a, ad := newTestApp(t, testConfig(t), blob)
	ad.fail[200] = true
	ctx := context.Background()

	if err := a.Registry().Hydrate(ctx); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	// Monday 3 June 2024, 18:00 UTC
	firedAt := time.Date(2024, time.June, 3, 18, 0, 0, 0, time.UTC)
	if err := a.fire(ctx, firedAt); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if n := ad.pollCount(); n != 3 {
		t.Fatalf("polls=%d", n)
	}

	// a restart on the same day must not resend
	if err := a.fire(ctx, firedAt.Add(time.Minute)); err != nil {
		t.Fatalf("fire again: %v", err)
	}
	if n := ad.pollCount(); n != 3 {
		t.Fatalf("polls after same-day refire=%d", n)
	}

	got, err := a.Store().Recent(ctx, storage.Query{Limit: 10})
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].Kind != storage.KindBroadcast || got[0].OK != 2 || got[0].Fail != 1 {
		t.Fatalf("audit=%+v", got)
	}
	if !strings.Contains(got[0].Error, "blocked") {
		t.Fatalf("audit error=%q", got[0].Error)
	}
}

func TestFireWithoutStorage(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Storage = nil
	blob := blobstore.NewMemory()
	blob.Set("chats.txt", []byte("1\n"))
	a, ad := newTestApp(t, cfg, blob)
	ctx := context.Background()
	_ = a.Registry().Hydrate(ctx)

	at := time.Date(2024, time.June, 3, 18, 0, 0, 0, time.UTC)
	_ = a.fire(ctx, at)
	_ = a.fire(ctx, at)
	if n := ad.pollCount(); n != 2 {
		t.Fatalf("polls=%d", n)
	}
}

func TestSkipEventIsAudited(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, testConfig(t), blobstore.NewMemory())
	ctx := context.Background()
	sat := time.Date(2024, time.June, 8, 18, 0, 0, 0, time.UTC)

	a.onEvent(ctx, eventbus.Event{Type: schedule.EventSkipped, Time: sat, Data: "Saturday"})
	a.onEvent(ctx, eventbus.Event{Type: "registry.added", Time: sat, Data: int64(1)})

	got, err := a.Store().Recent(ctx, storage.Query{Limit: 10})
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].Kind != storage.KindSkip || got[0].Result != "Saturday" {
		t.Fatalf("audit=%+v", got)
	}
}

func TestStartHandlesCommandsAndStops(t *testing.T) {
	t.Parallel()
	blob := blobstore.NewMemory()
	blob.Set("chats.txt", []byte("100\n"))
	a, ad := newTestApp(t, testConfig(t), blob)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !a.Registry().Contains(100) {
		t.Fatal("registry not hydrated")
	}

	ad.push(t, kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ID: 1, ChatID: 42, FromID: 7, Text: "/settime"}})
	deadline := time.After(3 * time.Second)
	for !a.Registry().Contains(42) {
		select {
		case <-deadline:
			t.Fatal("subscribe not processed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := string(blob.LastPut()); got != "100\n42\n" {
		t.Fatalf("remote=%q", got)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestStartSurvivesHydrationFailure(t *testing.T) {
	t.Parallel()
	blob := blobstore.NewMemory()
	blob.FailGet(blobstore.ErrAccessDenied)
	a, _ := newTestApp(t, testConfig(t), blob)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if a.Registry().Len() != 0 {
		t.Fatalf("len=%d", a.Registry().Len())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Stop(ctx, StopSIGTERM)
}

func TestApplyConfigHotReload(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	a, _ := newTestApp(t, cfg, blobstore.NewMemory())

	next := *cfg
	next.Poll.Options = []string{"office", "home"}
	f := false
	next.Poll.Anonymous = &f
	next.Messages.Subscribed = "ok, {at}"
	a.applyConfig(&next)

	pc := a.PollConfig()
	if strings.Join(pc.Options, ",") != "office,home" || pc.Anonymous {
		t.Fatalf("poll=%+v", pc)
	}
	if !pc.Silent {
		t.Fatal("poll must stay silent by default")
	}
}

func TestNewRejectsMissingDeps(t *testing.T) {
	t.Parallel()
	if _, err := New(Deps{}); err == nil {
		t.Fatal("expected error without config")
	}
	if _, err := New(Deps{Config: testConfig(t)}); err == nil {
		t.Fatal("expected error without adapter")
	}
}

func TestStopWaitsForRunningBroadcastBeforeClosingStore(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	blob := blobstore.NewMemory()
	blob.Set("chats.txt", []byte("100\n"))
	a, ad := newTestApp(t, cfg, blob)
	ad.delay = 600 * time.Millisecond

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	firedAt := time.Date(2024, time.June, 3, 18, 0, 0, 0, time.UTC)
	fired := make(chan error, 1)
	go func() { fired <- a.fire(context.Background(), firedAt) }()
	// wait until the broadcast is inside SendPoll
	for ad.pollCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = a.Stop(stopCtx, StopSIGTERM)

	select {
	case err := <-fired:
		if err != nil {
			t.Fatalf("fire: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast did not finish")
	}
	// late work after shutdown is refused rather than touching a closed store
	if err := a.fire(context.Background(), firedAt.Add(time.Hour)); err != nil {
		t.Fatalf("fire after stop: %v", err)
	}
	if n := ad.pollCount(); n != 1 {
		t.Fatalf("polls=%d", n)
	}

	sc, _ := mapStorageConfig(cfg)
	st, err := storage.Open(sc, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	sent, err := st.SentOn(context.Background(), firedAt.Format(time.DateOnly))
	if err != nil || !sent {
		t.Fatalf("sent mark missing after shutdown: sent=%v err=%v", sent, err)
	}
	got, err := st.Recent(context.Background(), storage.Query{Kind: storage.KindBroadcast})
	if err != nil || len(got) != 1 || got[0].OK != 1 {
		t.Fatalf("audit=%+v err=%v", got, err)
	}
}

func TestMapRegistryConfigPushRetries(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	if got := mapRegistryConfig(cfg).PushRetries; got != config.DefaultPushRetries {
		t.Fatalf("default retries=%d", got)
	}
	zero := 0
	cfg.Registry.PushRetries = &zero
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := mapRegistryConfig(cfg).PushRetries; got != 0 {
		t.Fatalf("retries=%d, want inline retries disabled", got)
	}
}
