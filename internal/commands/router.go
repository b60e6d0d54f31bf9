package commands

import (
	"context"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"pollrelay/internal/runtime/supervisor"
	"pollrelay/internal/transport"
	logx "pollrelay/pkg/logx"
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	// Hidden commands are routed but left out of help and the bot menu.
	Hidden  bool
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Update  transport.Update
	Message *transport.Message
	Chat    transport.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger
}

type Router struct {
	mu       sync.RWMutex
	byName   map[string]*Command
	ordered  []Command
	botName  string
	fallback time.Duration

	sender transport.TextSender
	log    logx.Logger

	jobs chan func()
}

func NewRouter(sender transport.TextSender, log logx.Logger, defaultTimeout time.Duration) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		byName:   map[string]*Command{},
		sender:   sender,
		log:      log,
		fallback: defaultTimeout,
		jobs:     make(chan func(), 256),
	}
}

// SetBotName makes the router ignore "/cmd@otherbot" addressed to other bots.
func (r *Router) SetBotName(name string) {
	r.mu.Lock()
	r.botName = strings.TrimPrefix(strings.TrimSpace(name), "@")
	r.mu.Unlock()
}

// SetCommands replaces the command table. A help command is always injected.
func (r *Router) SetCommands(cmds []Command) {
	helper := Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "list commands",
		Handle: func(ctx context.Context, req *Request) error {
			_, err := r.sender.SendText(ctx, req.Chat, r.HelpText(), &transport.SendOptions{DisablePreview: true})
			return err
		},
	}
	cmds = append(append([]Command(nil), cmds...), helper)

	byName := map[string]*Command{}
	ordered := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := sanitizeCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		cc := c
		cc.Name = name
		if _, dup := byName[name]; dup {
			r.log.Warn("duplicate command ignored", logx.String("cmd", name))
			continue
		}
		byName[name] = &cc
		ordered = append(ordered, cc)
		for _, a := range c.Aliases {
			a = sanitizeCommand(a)
			if a == "" {
				continue
			}
			if _, exists := byName[a]; exists {
				continue
			}
			byName[a] = &cc
		}
	}

	r.mu.Lock()
	r.byName = byName
	r.ordered = ordered
	r.mu.Unlock()
}

// Commands returns the registered commands in registration order.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Command(nil), r.ordered...)
}

func (r *Router) HelpText() string {
	cmds := r.Commands()
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range cmds {
		if c.Hidden {
			continue
		}
		b.WriteString("/" + c.Name)
		if c.Description != "" {
			b.WriteString(" - " + c.Description)
		}
		if len(c.Aliases) > 0 {
			b.WriteString(" (also /" + strings.Join(c.Aliases, ", /") + ")")
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// MenuCommands returns the visible commands as Telegram menu entries, sorted by name.
func (r *Router) MenuCommands() []transport.BotCommand {
	cmds := r.Commands()
	out := make([]transport.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		if c.Hidden {
			continue
		}
		desc := strings.TrimSpace(c.Description)
		if desc == "" {
			desc = c.Name
		}
		out = append(out, transport.BotCommand{Command: c.Name, Description: desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// PublishMenu pushes MenuCommands to the transport when it supports menus.
func (r *Router) PublishMenu(ctx context.Context) error {
	up, ok := r.sender.(transport.CommandMenuUpdater)
	if !ok {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return up.UpdateMenuCommands(cctx, r.MenuCommands())
}

// Handle routes one update synchronously. Non-command messages and unknown
// commands are ignored.
func (r *Router) Handle(ctx context.Context, up transport.Update) error {
	h, req, ok := r.resolve(up)
	if !ok {
		return nil
	}
	return h(ctx, req)
}

func (r *Router) resolve(up transport.Update) (HandlerFunc, *Request, bool) {
	if up.Kind != transport.UpdateMessage || up.Message == nil {
		return nil, nil, false
	}
	msg := up.Message
	name, bot, args, ok := parseCommand(msg.Text)
	if !ok {
		return nil, nil, false
	}

	r.mu.RLock()
	cmd := r.byName[name]
	self := r.botName
	r.mu.RUnlock()
	if bot != "" && self != "" && !strings.EqualFold(bot, self) {
		return nil, nil, false
	}
	if cmd == nil {
		r.log.Debug("unknown command ignored", logx.String("cmd", name), logx.ChatID(msg.ChatID))
		return nil, nil, false
	}

	rid := newReqID()
	req := &Request{
		Update:  up,
		Message: msg,
		Chat:    transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.ChatID(msg.ChatID),
			logx.String("cmd", cmd.Name),
		),
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.fallback
	}
	return instrument(cmd.Handle, timeout), req, true
}

// DispatchLoop consumes updates and runs matched commands on a bounded worker
// pool until ctx is done or updates is closed.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	workers := max(runtime.NumCPU(), 2)
	sup := supervisor.NewSupervisor(ctx, supervisor.WithLogger(r.log.With(logx.Comp("commands.workers"))))
	r.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(r.jobs)))

	for i := range workers {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			h, req, ok := r.resolve(up)
			if !ok {
				continue
			}
			select {
			case r.jobs <- func() { _ = h(ctx, req) }:
			default:
				_, _ = r.sender.SendText(ctx, req.Chat, "busy, try again", nil)
			}
		}
	}
}
