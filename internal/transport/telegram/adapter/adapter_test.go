package adapter

import (
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	kit "pollrelay/internal/transport"
	logx "pollrelay/pkg/logx"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()
	if got := splitTelegramText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitTelegramText(long, 10)
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("got %q", got)
	}
	got = splitTelegramText(strings.Repeat("x", 25), 10)
	if len(got) != 3 || len(got[2]) != 5 {
		t.Fatalf("got %q", got)
	}
}

func TestBuildPoll(t *testing.T) {
	t.Parallel()
	p := buildPoll(kit.Poll{Question: "Tuesday, 04 June?", Options: []string{"office", " ", "remote"}, Anonymous: true})
	if p.Type != tele.PollRegular || !p.Anonymous || p.MultipleAnswers {
		t.Fatalf("poll=%+v", p)
	}
	if len(p.Options) != 2 || p.Options[0].Text != "office" || p.Options[1].Text != "remote" {
		t.Fatalf("options=%+v", p.Options)
	}
}

func TestSendOptions(t *testing.T) {
	t.Parallel()
	so := sendOptions(kit.ChatTarget{ChatID: 5, ThreadID: 3}, &kit.SendOptions{Silent: true, ReplyTo: 9, ParseMode: "Markdown"})
	if !so.DisableNotification || so.ThreadID != 3 || so.ParseMode != "Markdown" {
		t.Fatalf("so=%+v", so)
	}
	if so.ReplyTo == nil || so.ReplyTo.ID != 9 {
		t.Fatalf("reply=%+v", so.ReplyTo)
	}
	if so := sendOptions(kit.ChatTarget{ChatID: 5}, nil); so.ReplyTo != nil || so.DisableNotification {
		t.Fatalf("defaults=%+v", so)
	}
}

func TestUpdateFromMessage(t *testing.T) {
	t.Parallel()
	up, ok := updateFromMessage(&tele.Message{
		ID:     7,
		Text:   "/settime",
		Chat:   &tele.Chat{ID: -100, Type: tele.ChatSuperGroup},
		Sender: &tele.User{ID: 42, Username: "ada", FirstName: "Ada", LastName: "Lovelace"},
	})
	if !ok {
		t.Fatal("expected update")
	}
	m := up.Message
	if m.ChatID != -100 || m.FromID != 42 || m.FromName != "Ada Lovelace" || !m.IsGroup || m.Text != "/settime" {
		t.Fatalf("msg=%+v", m)
	}
	if _, ok := updateFromMessage(nil); ok {
		t.Fatal("nil message must be ignored")
	}
}

func TestMenuCommands(t *testing.T) {
	t.Parallel()
	got := menuCommands([]kit.BotCommand{
		{Command: "settime", Description: "subscribe this chat"},
		{Command: ""},
		{Command: "status"},
		{Command: "long", Description: strings.Repeat("d", 300)},
	})
	if len(got) != 3 {
		t.Fatalf("got %+v", got)
	}
	if got[1].Description != "status" || len(got[2].Description) != 256 {
		t.Fatalf("got %+v", got)
	}
	many := make([]kit.BotCommand, 150)
	for i := range many {
		many[i] = kit.BotCommand{Command: "c"}
	}
	if n := len(menuCommands(many)); n != 100 {
		t.Fatalf("len=%d", n)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
	a, err := New(Config{Token: "123:abc", Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("New offline: %v", err)
	}
	if a.Username() != "" {
		t.Fatalf("offline username=%q", a.Username())
	}
}
