package app

import (
	"strings"
	"time"

	"pollrelay/internal/blobstore"
	"pollrelay/internal/broadcast"
	"pollrelay/internal/commands"
	"pollrelay/internal/config"
	"pollrelay/internal/registry"
	"pollrelay/internal/schedule"
	"pollrelay/internal/storage"
	telegram "pollrelay/internal/transport/telegram/adapter"
	logx "pollrelay/pkg/logx"
)

// The mappers below assume cfg passed config.Validate; invalid durations fall
// back to defaults instead of failing.

func mapTelegramConfig(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: config.Duration(cfg.Telegram.PollTimeout, 10*time.Second),
		APIURL:      cfg.Telegram.APIURL,
	}
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapBlobConfig(cfg *config.Config) blobstore.Config {
	b := cfg.Blob
	return blobstore.Config{
		Driver:    b.Driver,
		Bucket:    b.Bucket,
		Region:    b.Region,
		AccessKey: b.AccessKey,
		SecretKey: b.SecretKey,
		Endpoint:  b.Endpoint,
		PathStyle: b.PathStyle,
		Timeout:   config.Duration(b.Timeout, blobstore.DefaultTimeout),
	}
}

func mapRegistryConfig(cfg *config.Config) registry.Config {
	retries := config.DefaultPushRetries
	if cfg.Registry.PushRetries != nil {
		retries = *cfg.Registry.PushRetries
	}
	return registry.Config{
		Path:        cfg.Registry.Path,
		Key:         cfg.Registry.Key,
		PushRetries: retries,
	}
}

func mapScheduleConfig(cfg *config.Config) (schedule.Config, error) {
	skip, err := schedule.ParseWeekdays(cfg.Schedule.Skip)
	if err != nil {
		return schedule.Config{}, err
	}
	return schedule.Config{
		At:           cfg.Schedule.At,
		Skip:         skip,
		Timezone:     cfg.Schedule.Timezone,
		TickInterval: config.Duration(cfg.Schedule.TickInterval, schedule.DefaultTickInterval),
	}, nil
}

func mapPollConfig(cfg *config.Config) broadcast.PollConfig {
	p := cfg.Poll
	anon := true
	if p.Anonymous != nil {
		anon = *p.Anonymous
	}
	return broadcast.PollConfig{
		DateLayout:      p.DateLayout,
		QuestionSuffix:  p.QuestionSuffix,
		Options:         append([]string(nil), p.Options...),
		Anonymous:       anon,
		MultipleAnswers: p.MultipleAnswers,
		Silent:          !p.Loud,
	}
}

func mapBroadcastConfig(cfg *config.Config) broadcast.Config {
	b := cfg.Broadcast
	return broadcast.Config{
		Workers:     b.Workers,
		RatePerSec:  b.RatePerSec,
		SendTimeout: config.Duration(b.SendTimeout, 15*time.Second),
		RetryMax:    b.RetryMax,
	}
}

// mapStorageConfig returns enabled=false when storage is omitted or "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool) {
	if cfg.Storage == nil {
		return storage.Config{}, false
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: config.Duration(cfg.Storage.BusyTimeout, time.Second),
	}, true
}

func mapCommandOptions(cfg *config.Config) commands.Options {
	static := make(map[string]commands.StaticText, len(cfg.Commands.Static))
	for name, st := range cfg.Commands.Static {
		static[name] = commands.StaticText{Text: st.Text, ParseMode: st.ParseMode, Description: st.Description}
	}
	return commands.Options{
		At:                 cfg.Schedule.At,
		SubscribeAliases:   append([]string(nil), cfg.Commands.SubscribeAliases...),
		UnsubscribeAliases: append([]string(nil), cfg.Commands.UnsubscribeAliases...),
		Static:             static,
	}
}

func mapMessages(cfg *config.Config) commands.Messages {
	m := cfg.Messages
	return commands.Messages{
		Subscribed:          m.Subscribed,
		AlreadySubscribed:   m.AlreadySubscribed,
		Unsubscribed:        m.Unsubscribed,
		NotSubscribed:       m.NotSubscribed,
		Failure:             m.Failure,
		StatusSubscribed:    m.StatusSubscribed,
		StatusNotSubscribed: m.StatusNotSubscribed,
		StatusLastPoll:      m.StatusLastPoll,
	}
}
