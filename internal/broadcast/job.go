package broadcast

import (
	"strings"
	"time"

	"pollrelay/internal/transport"
)

const DefaultDateLayout = "Monday, 02 January"

// PollConfig is the fixed poll template. It is owned by configuration.
type PollConfig struct {
	DateLayout      string
	QuestionSuffix  string
	Options         []string
	Anonymous       bool
	MultipleAnswers bool
	Silent          bool
}

// Job is one scheduled broadcast.
type Job struct {
	ID      string
	FiredAt time.Time
	Poll    transport.Poll
	Send    transport.SendOptions
}

// Question formats the day after firedAt with layout and appends suffix.
func Question(firedAt time.Time, layout, suffix string) string {
	if strings.TrimSpace(layout) == "" {
		layout = DefaultDateLayout
	}
	return firedAt.AddDate(0, 0, 1).Format(layout) + suffix
}

func NewJob(firedAt time.Time, pc PollConfig) Job {
	return Job{
		ID:      firedAt.Format("20060102-1504"),
		FiredAt: firedAt,
		Poll: transport.Poll{
			Question:        Question(firedAt, pc.DateLayout, pc.QuestionSuffix),
			Options:         append([]string(nil), pc.Options...),
			Anonymous:       pc.Anonymous,
			MultipleAnswers: pc.MultipleAnswers,
		},
		Send: transport.SendOptions{Silent: pc.Silent},
	}
}
