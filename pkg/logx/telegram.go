package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"pollrelay/internal/transport"
)

const (
	// maxTelegramBatch keeps a batched message under Telegram's 4096 limit.
	maxTelegramBatch = 3500
	defaultFlush     = time.Second
)

type telegramLine struct {
	to   transport.ChatTarget
	text string
}

// telegramSink is a zerolog LevelWriter that batches log lines into the log
// chat. Writers never block: when the queue is full the line is counted and
// the count is reported with the next batch.
type telegramSink struct {
	sender  transport.TextSender
	flush   time.Duration
	queue   chan telegramLine
	dropped atomic.Uint64

	mu       sync.Mutex
	chatID   int64
	threadID int
	limiter  *rate.Limiter
	rps      int
	minLevel zerolog.Level

	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newTelegramSink(sender transport.TextSender) *telegramSink {
	return &telegramSink{
		sender:   sender,
		flush:    defaultFlush,
		queue:    make(chan telegramLine, 256),
		minLevel: zerolog.WarnLevel,
	}
}

func (t *telegramSink) setTarget(chatID int64, threadID int) {
	t.mu.Lock()
	t.chatID = chatID
	if threadID != 0 {
		t.threadID = threadID
	}
	t.mu.Unlock()
}

func (t *telegramSink) configure(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	if cfg.ThreadID != 0 {
		t.threadID = cfg.ThreadID
	}
	if t.limiter == nil || rps != t.rps {
		t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
		t.rps = rps
	}
}

func (t *telegramSink) hasTarget() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chatID != 0
}

func (t *telegramSink) start() {
	t.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		t.mu.Lock()
		t.cancel = cancel
		t.mu.Unlock()
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.run(ctx)
		}()
	})
}

// stop flushes what is pending and waits for the worker.
func (t *telegramSink) stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		t.wg.Wait()
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.InfoLevel, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	to := transport.ChatTarget{ChatID: t.chatID, ThreadID: t.threadID}
	minLevel := t.minLevel
	t.mu.Unlock()

	if to.ChatID == 0 || t.sender == nil || level < minLevel {
		return len(p), nil
	}
	text := formatTelegramLine(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case t.queue <- telegramLine{to: to, text: text}:
	default:
		t.dropped.Add(1)
	}
	return len(p), nil
}

func (t *telegramSink) run(ctx context.Context) {
	var (
		batch  []string
		size   int
		to     transport.ChatTarget
		timer  *time.Timer
		timerC <-chan time.Time
	)
	flush := func(ctx context.Context) {
		if timer != nil {
			timer.Stop()
			timerC = nil
		}
		if len(batch) == 0 {
			return
		}
		if n := t.dropped.Swap(0); n > 0 {
			batch = append(batch, fmt.Sprintf("(%d log lines dropped)", n))
		}
		t.send(ctx, to, strings.Join(batch, "\n\n"))
		batch, size = batch[:0], 0
	}

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			flush(fctx)
			cancel()
			return
		case ln := <-t.queue:
			if len(batch) > 0 && (ln.to != to || size+len(ln.text) > maxTelegramBatch) {
				flush(ctx)
			}
			to = ln.to
			batch = append(batch, ln.text)
			size += len(ln.text) + 2
			if timerC == nil {
				timer = time.NewTimer(t.flush)
				timerC = timer.C
			}
		case <-timerC:
			flush(ctx)
		}
	}
}

func (t *telegramSink) send(ctx context.Context, to transport.ChatTarget, text string) {
	t.mu.Lock()
	lim := t.limiter
	t.mu.Unlock()
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return
		}
	}
	opt := &transport.SendOptions{DisablePreview: true, Silent: true}
	if _, err := t.sender.SendText(ctx, to, text, opt); err != nil {
		// the sink cannot log through itself
		fmt.Fprintf(Stderr(), "logx: telegram log delivery failed: %v\n", err)
	}
}

// formatTelegramLine renders one zerolog JSON line as "[LEVEL] message" followed by
// "- key=value" lines in key order.
func formatTelegramLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), maxTelegramBatch)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- " + k + "=")
		b.WriteString(truncate(fmt.Sprint(m[k]), 600))
	}
	return truncate(b.String(), maxTelegramBatch)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
