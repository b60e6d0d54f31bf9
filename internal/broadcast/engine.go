// Package broadcast fans one poll out to every subscribed chat.
//
// Each destination is sent independently: a failing chat is logged and counted in
// the Report but never stops the others. Sends are bounded by a worker limit, a
// shared rate limiter and a per-send timeout.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"pollrelay/internal/backoff"
	"pollrelay/internal/eventbus"
	"pollrelay/internal/transport"
	logx "pollrelay/pkg/logx"
)

const (
	EventFinished = "broadcast.finished"

	maxReportedFailures = 200
)

type Config struct {
	Workers     int
	RatePerSec  int
	SendTimeout time.Duration
	RetryMax    int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	return c
}

type Failure struct {
	ChatID int64
	Err    error
}

// Report summarizes one Broadcast call. Sent+Failed equals Total.
type Report struct {
	JobID    string
	Total    int
	Sent     int
	Failed   int
	Failures []Failure
	Took     time.Duration
}

type Engine struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	retry   backoff.Strategy

	sender transport.PollSender
	log    logx.Logger
	bus    eventbus.Bus
}

func New(cfg Config, sender transport.PollSender, log logx.Logger, bus eventbus.Bus) *Engine {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		retry:   backoff.NewExponential(200*time.Millisecond, 2*time.Second),
		sender:  sender,
		log:     log,
		bus:     bus,
	}
}

// Apply swaps the tuning knobs. Running broadcasts keep their snapshot.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.RatePerSec != e.cfg.RatePerSec {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	e.cfg = cfg
}

// Broadcast sends job.Poll to every destination and always returns a complete
// report. Cancelling ctx turns the remaining sends into failures.
func (e *Engine) Broadcast(ctx context.Context, job Job, destinations []int64) Report {
	start := time.Now()
	e.mu.Lock()
	cfg := e.cfg
	lim := e.limiter
	e.mu.Unlock()

	log := e.log.With(logx.String("job", job.ID))
	rep := Report{JobID: job.ID, Total: len(destinations)}
	log.Info("broadcast started", logx.Int("total", rep.Total), logx.String("question", job.Poll.Question))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(cfg.Workers)
	for _, id := range destinations {
		g.Go(func() error {
			err := e.sendOne(ctx, cfg, lim, job, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Failed++
				if len(rep.Failures) < maxReportedFailures {
					rep.Failures = append(rep.Failures, Failure{ChatID: id, Err: err})
				}
				log.Warn("poll send failed", logx.ChatID(id), logx.Err(err))
				return nil
			}
			rep.Sent++
			return nil
		})
	}
	_ = g.Wait()
	rep.Took = time.Since(start)

	fields := []logx.Field{
		logx.Int("total", rep.Total),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Duration("dur", rep.Took),
	}
	if rep.Failed > 0 {
		log.Warn("broadcast finished with failures", fields...)
	} else {
		log.Info("broadcast finished", fields...)
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: EventFinished, Data: rep})
	}
	return rep
}

func (e *Engine) sendOne(ctx context.Context, cfg Config, lim *rate.Limiter, job Job, chatID int64) error {
	if e.sender == nil {
		return errors.New("broadcast: no poll sender")
	}
	to := transport.ChatTarget{ChatID: chatID}
	return backoff.Retry(ctx, cfg.RetryMax, e.retry, func(ctx context.Context) error {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}
		sendCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
		_, err := e.sender.SendPoll(sendCtx, to, job.Poll, &job.Send)
		return err
	}, func(attempt int, delay time.Duration, err error) {
		e.log.Debug("poll send retry scheduled", logx.String("job", job.ID), logx.ChatID(chatID), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
	})
}
