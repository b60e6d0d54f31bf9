// Package commands turns chat commands into registry mutations and replies.
package commands

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"pollrelay/internal/registry"
	"pollrelay/internal/storage"
	"pollrelay/internal/transport"
	logx "pollrelay/pkg/logx"
)

// Membership is the registry surface the handlers need.
type Membership interface {
	Contains(id int64) bool
	Add(ctx context.Context, id int64) (registry.AddResult, error)
	Remove(ctx context.Context, id int64) (registry.RemoveResult, error)
}

// Calendar reports upcoming fire times.
type Calendar interface {
	Next() time.Time
	Excluded(t time.Time) bool
}

// Recorder persists audit entries. Optional.
type Recorder interface {
	Append(ctx context.Context, e storage.AuditEntry) error
}

// History reads the audit trail back. A Recorder that also implements it
// lets /status report the last broadcast.
type History interface {
	Recent(ctx context.Context, q storage.Query) ([]storage.AuditEntry, error)
}

// StaticText is a fixed reply. "{name}" expands to the sender's display name.
type StaticText struct {
	Text        string
	ParseMode   string
	Description string
}

type Options struct {
	// At is the configured daily time, used in replies.
	At                 string
	SubscribeAliases   []string
	UnsubscribeAliases []string
	Static             map[string]StaticText
}

type Handlers struct {
	reg    Membership
	cal    Calendar
	audit  Recorder
	sender transport.TextSender
	log    logx.Logger
	opts   Options

	msgs atomic.Pointer[Messages]
}

func NewHandlers(reg Membership, cal Calendar, audit Recorder, sender transport.TextSender, log logx.Logger, opts Options, msgs Messages) *Handlers {
	if log.IsZero() {
		log = logx.Nop()
	}
	if len(opts.SubscribeAliases) == 0 {
		opts.SubscribeAliases = []string{"settime", "subscribe"}
	}
	if len(opts.UnsubscribeAliases) == 0 {
		opts.UnsubscribeAliases = []string{"stop", "unsubscribe"}
	}
	h := &Handlers{reg: reg, cal: cal, audit: audit, sender: sender, log: log, opts: opts}
	h.SetMessages(msgs)
	return h
}

// SetMessages swaps reply templates; safe during hot reload.
func (h *Handlers) SetMessages(m Messages) {
	m = m.withDefaults()
	h.msgs.Store(&m)
}

func (h *Handlers) messages() Messages { return *h.msgs.Load() }

// Commands builds the command table for a Router.
func (h *Handlers) Commands() []Command {
	cmds := []Command{
		{
			Name:        h.opts.SubscribeAliases[0],
			Aliases:     h.opts.SubscribeAliases[1:],
			Description: "subscribe this chat to the daily poll",
			Handle:      h.Subscribe,
		},
		{
			Name:        h.opts.UnsubscribeAliases[0],
			Aliases:     h.opts.UnsubscribeAliases[1:],
			Description: "stop posting the poll here",
			Handle:      h.Unsubscribe,
		},
		{
			Name:        "status",
			Description: "show subscription status",
			Handle:      h.Status,
		},
	}
	names := make([]string, 0, len(h.opts.Static))
	for name := range h.opts.Static {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := h.opts.Static[name]
		desc := st.Description
		if desc == "" {
			desc = name
		}
		cmds = append(cmds, Command{Name: name, Description: desc, Handle: h.static(st)})
	}
	return cmds
}

func (h *Handlers) vars(req *Request) map[string]string {
	v := map[string]string{
		"at":          h.opts.At,
		"subscribe":   h.opts.SubscribeAliases[0],
		"unsubscribe": h.opts.UnsubscribeAliases[0],
	}
	if req != nil && req.Message != nil {
		v["name"] = displayName(req.Message)
	}
	if h.cal != nil {
		v["next"] = h.nextFire().Format("Monday, 02 January 15:04 MST")
	}
	return v
}

func (h *Handlers) Subscribe(ctx context.Context, req *Request) error {
	res, err := h.reg.Add(ctx, req.Chat.ChatID)
	if err != nil {
		h.record(ctx, req, storage.KindSubscribe, "error", err.Error())
		h.reply(ctx, req, h.messages().Failure, 0)
		return err
	}
	h.record(ctx, req, storage.KindSubscribe, res.String(), "")
	m := h.messages()
	text := m.Subscribed
	if res == registry.AlreadyPresent {
		text = m.AlreadySubscribed
	}
	h.reply(ctx, req, render(text, h.vars(req)), req.Message.ID)
	return nil
}

func (h *Handlers) Unsubscribe(ctx context.Context, req *Request) error {
	res, err := h.reg.Remove(ctx, req.Chat.ChatID)
	if err != nil {
		h.record(ctx, req, storage.KindUnsubscribe, "error", err.Error())
		h.reply(ctx, req, h.messages().Failure, 0)
		return err
	}
	h.record(ctx, req, storage.KindUnsubscribe, res.String(), "")
	m := h.messages()
	text := m.Unsubscribed
	if res == registry.NotPresent {
		text = m.NotSubscribed
	}
	h.reply(ctx, req, render(text, h.vars(req)), 0)
	return nil
}

func (h *Handlers) Status(ctx context.Context, req *Request) error {
	m := h.messages()
	vars := h.vars(req)
	if !h.reg.Contains(req.Chat.ChatID) {
		h.reply(ctx, req, render(m.StatusNotSubscribed, vars), 0)
		return nil
	}
	text := render(m.StatusSubscribed, vars)
	if last, ok := h.lastBroadcast(ctx, req); ok {
		vars["last"] = last.At.Format("Monday, 02 January 15:04 MST")
		vars["ok"] = strconv.Itoa(last.OK)
		vars["fail"] = strconv.Itoa(last.Fail)
		text += "\n" + render(m.StatusLastPoll, vars)
	}
	h.reply(ctx, req, text, 0)
	return nil
}

func (h *Handlers) lastBroadcast(ctx context.Context, req *Request) (storage.AuditEntry, bool) {
	hist, ok := h.audit.(History)
	if !ok {
		return storage.AuditEntry{}, false
	}
	got, err := hist.Recent(ctx, storage.Query{Limit: 1, Kind: storage.KindBroadcast})
	if err != nil {
		req.Logger.Warn("audit lookup failed", logx.Err(err))
		return storage.AuditEntry{}, false
	}
	if len(got) == 0 {
		return storage.AuditEntry{}, false
	}
	return got[0], true
}

func (h *Handlers) static(st StaticText) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		text := render(st.Text, map[string]string{"name": displayName(req.Message)})
		_, err := h.sender.SendText(ctx, req.Chat, text, &transport.SendOptions{ParseMode: st.ParseMode, DisablePreview: true})
		return err
	}
}

// nextFire skips excluded weekdays; it gives up after a week when every day is excluded.
func (h *Handlers) nextFire() time.Time {
	t := h.cal.Next()
	for range 7 {
		if !h.cal.Excluded(t) {
			return t
		}
		t = t.AddDate(0, 0, 1)
	}
	return t
}

func (h *Handlers) reply(ctx context.Context, req *Request, text string, replyTo int) {
	if h.sender == nil || strings.TrimSpace(text) == "" {
		return
	}
	if _, err := h.sender.SendText(ctx, req.Chat, text, &transport.SendOptions{ReplyTo: replyTo, DisablePreview: true}); err != nil {
		req.Logger.Warn("reply failed", logx.Err(err))
	}
}

func (h *Handlers) record(ctx context.Context, req *Request, kind, result, errText string) {
	if h.audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:      time.Now(),
		Kind:    kind,
		ChatID:  req.Chat.ChatID,
		ActorID: req.FromID,
		Result:  result,
		Error:   errText,
	}
	if err := h.audit.Append(context.WithoutCancel(ctx), e); err != nil {
		h.log.Warn("audit append failed", logx.String("kind", kind), logx.Err(err))
	}
}

func displayName(m *transport.Message) string {
	if m == nil {
		return ""
	}
	if n := strings.TrimSpace(m.FromName); n != "" {
		return n
	}
	if m.FromUsername != "" {
		return "@" + m.FromUsername
	}
	return "someone"
}
