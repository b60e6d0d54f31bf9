package adapter

import (
	"context"
	"slices"

	tele "gopkg.in/telebot.v4"

	kit "pollrelay/internal/transport"
	logx "pollrelay/pkg/logx"
)

// Bot API limits for setMyCommands.
const (
	maxMenuCommands    = 100
	maxMenuDescription = 256
)

// UpdateMenuCommands publishes the bot command menu with setMyCommands. An
// unchanged list is not re-sent.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if a.menu != nil && slices.Equal(a.menu, cmds) {
		return nil
	}
	out := menuCommands(cmds)
	if err := a.bot.SetCommands(out); err != nil {
		return err
	}
	a.menu = slices.Clone(cmds)
	if a.menu == nil {
		a.menu = []kit.BotCommand{}
	}
	a.log.Info("menu commands updated", logx.Int("count", len(out)))
	return nil
}

func menuCommands(cmds []kit.BotCommand) []tele.Command {
	out := make([]tele.Command, 0, min(len(cmds), maxMenuCommands))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		desc := c.Description
		if desc == "" {
			desc = c.Command
		}
		if len(desc) > maxMenuDescription {
			desc = desc[:maxMenuDescription]
		}
		out = append(out, tele.Command{Text: c.Command, Description: desc})
		if len(out) == maxMenuCommands {
			break
		}
	}
	return out
}
