package commands

import "strings"

// Messages are the user-facing replies. Templates may use {at}, {next}, {name},
// {subscribe} and {unsubscribe}. StatusLastPoll also gets {last}, {ok} and {fail}.
type Messages struct {
	Subscribed          string
	AlreadySubscribed   string
	Unsubscribed        string
	NotSubscribed       string
	Failure             string
	StatusSubscribed    string
	StatusNotSubscribed string
	StatusLastPoll      string
}

func DefaultMessages() Messages {
	return Messages{
		Subscribed:          "Subscribed. The poll is posted here every day at {at}.",
		AlreadySubscribed:   "This chat is already subscribed. The poll is posted every day at {at}.",
		Unsubscribed:        "Unsubscribed. No more polls here. Send /{subscribe} to resume.",
		NotSubscribed:       "This chat is not subscribed. Send /{subscribe} to start receiving the poll.",
		Failure:             "Something went wrong, please try again later.",
		StatusSubscribed:    "Subscribed. Next poll: {next}.",
		StatusNotSubscribed: "Not subscribed. Send /{subscribe} to start.",
		StatusLastPoll:      "Last poll: {last}, {ok} delivered, {fail} failed.",
	}
}

// withDefaults fills empty fields from DefaultMessages.
func (m Messages) withDefaults() Messages {
	d := DefaultMessages()
	fill := func(dst *string, def string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = def
		}
	}
	fill(&m.Subscribed, d.Subscribed)
	fill(&m.AlreadySubscribed, d.AlreadySubscribed)
	fill(&m.Unsubscribed, d.Unsubscribed)
	fill(&m.NotSubscribed, d.NotSubscribed)
	fill(&m.Failure, d.Failure)
	fill(&m.StatusSubscribed, d.StatusSubscribed)
	fill(&m.StatusNotSubscribed, d.StatusNotSubscribed)
	fill(&m.StatusLastPoll, d.StatusLastPoll)
	return m
}

func render(tmpl string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(tmpl, "{") {
		return tmpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
