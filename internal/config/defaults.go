package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"pollrelay/internal/schedule"
)

const (
	DefaultAt             = "18:00"
	DefaultBucket         = "goofficebot"
	DefaultRegion         = "eu-west-2"
	DefaultRegistryPath   = "./data/chats_to_handle.txt"
	DefaultPushRetries    = 3
	DefaultQuestionSuffix = " 🏢🚶‍♂️?"
)

var (
	DefaultSkip        = []string{"friday", "saturday"}
	DefaultPollOptions = []string{"In the office", "Remote", "Day off"}
)

// ApplyDefaults fills omitted fields. It never overrides explicit values.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Schedule.At) == "" {
		c.Schedule.At = DefaultAt
	}
	if c.Schedule.Skip == nil {
		c.Schedule.Skip = append([]string(nil), DefaultSkip...)
	}
	if c.Poll.QuestionSuffix == "" {
		c.Poll.QuestionSuffix = DefaultQuestionSuffix
	}
	if len(c.Poll.Options) == 0 {
		c.Poll.Options = append([]string(nil), DefaultPollOptions...)
	}
	if c.Poll.Anonymous == nil {
		t := true
		c.Poll.Anonymous = &t
	}
	if c.Registry.PushRetries == nil {
		n := DefaultPushRetries
		c.Registry.PushRetries = &n
	}
	if strings.TrimSpace(c.Registry.Path) == "" {
		c.Registry.Path = DefaultRegistryPath
	}
	if strings.TrimSpace(c.Registry.Key) == "" {
		c.Registry.Key = filepath.Base(c.Registry.Path)
	}
	if strings.TrimSpace(c.Blob.Driver) == "" {
		c.Blob.Driver = "s3"
	}
	if strings.TrimSpace(c.Blob.Bucket) == "" {
		c.Blob.Bucket = DefaultBucket
	}
	if strings.TrimSpace(c.Blob.Region) == "" {
		c.Blob.Region = DefaultRegion
	}
	if len(c.Commands.SubscribeAliases) == 0 {
		c.Commands.SubscribeAliases = []string{"settime", "subscribe"}
	}
	if len(c.Commands.UnsubscribeAliases) == 0 {
		c.Commands.UnsubscribeAliases = []string{"stop", "unsubscribe"}
	}
}

// Validate checks the config without touching the network or filesystem.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required (or BOT_TOKEN)"))
	}
	if _, _, err := schedule.ParseClock(c.Schedule.At); err != nil {
		errs = append(errs, fmt.Errorf("schedule.at: %w", err))
	}
	if _, err := schedule.ParseWeekdays(c.Schedule.Skip); err != nil {
		errs = append(errs, fmt.Errorf("schedule.skip: %w", err))
	}
	if tz := strings.TrimSpace(c.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
		}
	}
	if n := len(c.Poll.Options); n < 2 || n > 10 {
		errs = append(errs, fmt.Errorf("poll.options: need 2..10 options, got %d", n))
	}
	if len(c.Schedule.Skip) >= 7 {
		if days, err := schedule.ParseWeekdays(c.Schedule.Skip); err == nil && distinct(days) == 7 {
			errs = append(errs, errors.New("schedule.skip excludes every weekday"))
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Blob.Driver)) {
	case "s3":
		if strings.TrimSpace(c.Blob.Bucket) == "" {
			errs = append(errs, errors.New("blob.bucket is required"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("blob.driver: unknown driver %q", c.Blob.Driver))
	}
	if c.Broadcast.Workers < 0 || c.Broadcast.RatePerSec < 0 || c.Broadcast.RetryMax < 0 {
		errs = append(errs, errors.New("broadcast: workers, rate_per_sec and retry_max must be >= 0"))
	}
	if c.Registry.PushRetries != nil && *c.Registry.PushRetries < 0 {
		errs = append(errs, errors.New("registry.push_retries must be >= 0"))
	}
	for _, d := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"schedule.tick_interval", c.Schedule.TickInterval},
		{"registry.resync_interval", c.Registry.ResyncInterval},
		{"blob.timeout", c.Blob.Timeout},
		{"broadcast.send_timeout", c.Broadcast.SendTimeout},
		{"commands.timeout", c.Commands.Timeout},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	for name, st := range c.Commands.Static {
		if strings.TrimSpace(st.Text) == "" {
			errs = append(errs, fmt.Errorf("commands.static.%s: text is required", name))
		}
	}
	return errors.Join(errs...)
}

func distinct(days []time.Weekday) int {
	seen := map[time.Weekday]struct{}{}
	for _, d := range days {
		seen[d] = struct{}{}
	}
	return len(seen)
}
