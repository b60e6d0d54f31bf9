package adapter

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "pollrelay/internal/transport"
)

// textLimit stays under Telegram's 4096 character cap.
const textLimit = 4000

// splitTelegramText cuts s into chunks of at most limit runes, breaking after
// a newline when one falls in the last two thirds of the chunk.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for len(rs) > 0 {
		cut := min(limit, len(rs))
		if cut < len(rs) {
			if nl := lastNewline(rs[:cut]); nl >= limit/3 {
				cut = nl + 1
			}
		}
		out = append(out, strings.TrimRight(string(rs[:cut]), "\n"))
		rs = rs[cut:]
		for len(rs) > 0 && rs[0] == '\n' {
			rs = rs[1:]
		}
	}
	return out
}

func lastNewline(rs []rune) int {
	for i := len(rs) - 1; i > 0; i-- {
		if rs[i] == '\n' {
			return i
		}
	}
	return -1
}

func sendOptions(to kit.ChatTarget, opt *kit.SendOptions) *tele.SendOptions {
	so := &tele.SendOptions{ThreadID: to.ThreadID}
	if opt == nil {
		return so
	}
	so.ParseMode = opt.ParseMode
	so.DisableWebPagePreview = opt.DisablePreview
	so.DisableNotification = opt.Silent
	if opt.ReplyTo > 0 {
		so.ReplyTo = &tele.Message{ID: opt.ReplyTo, Chat: &tele.Chat{ID: to.ChatID}}
		so.AllowWithoutReply = true
	}
	return so
}

// send runs one Bot API call. telebot takes no context, so the call runs in
// its own goroutine and ctx only bounds how long we wait for it.
func (a *Adapter) send(ctx context.Context, to kit.ChatTarget, what any, so *tele.SendOptions) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	type result struct {
		msg *tele.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, what, so)
		done <- result{m, err}
	}()
	select {
	case <-ctx.Done():
		return kit.MessageRef{}, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return kit.MessageRef{}, r.err
		}
		return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: r.msg.ID}, nil
	}
}

// SendText sends text, split into several messages when it is too long. Only
// the first chunk replies to opt.ReplyTo; the returned ref is the first chunk.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, textLimit) {
		so := sendOptions(to, opt)
		if i > 0 {
			so.ReplyTo = nil
		}
		ref, err := a.send(ctx, to, chunk, so)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = ref
		}
	}
	return first, nil
}

// SendPoll posts a regular poll.
func (a *Adapter) SendPoll(ctx context.Context, to kit.ChatTarget, p kit.Poll, opt *kit.SendOptions) (kit.MessageRef, error) {
	poll := buildPoll(p)
	if len(poll.Options) < 2 {
		return kit.MessageRef{}, errors.New("telegram: poll needs at least two options")
	}
	return a.send(ctx, to, poll, sendOptions(to, opt))
}

func buildPoll(p kit.Poll) *tele.Poll {
	poll := &tele.Poll{
		Type:            tele.PollRegular,
		Question:        p.Question,
		Anonymous:       p.Anonymous,
		MultipleAnswers: p.MultipleAnswers,
	}
	for _, o := range p.Options {
		if o = strings.TrimSpace(o); o != "" {
			poll.AddOptions(o)
		}
	}
	return poll
}
