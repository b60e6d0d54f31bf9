package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pollrelay/pkg/logx"
)

// hotSections are applied at runtime; every other section needs a restart.
var hotSections = map[string]bool{
	"logging":   true,
	"poll":      true,
	"messages":  true,
	"broadcast": true,
}

// SummarizeConfigChange returns the changed sections, safe log attrs (never
// secrets) and the subset of changed sections that only apply after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
		if !hotSections[section] {
			restart = append(restart, section)
		}
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		ot.APIURL != nt.APIURL || ot.LogChatID != nt.LogChatID {
		mark("telegram",
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Bool("telegram.log_chat_set", nt.LogChatID != 0),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		mark("schedule",
			logx.String("schedule.at", newCfg.Schedule.At),
			logx.Strings("schedule.skip", newCfg.Schedule.Skip),
			logx.String("schedule.timezone", newCfg.Schedule.Timezone),
		)
	}

	if !reflect.DeepEqual(oldCfg.Poll, newCfg.Poll) {
		anon := newCfg.Poll.Anonymous != nil && *newCfg.Poll.Anonymous
		mark("poll",
			logx.Int("poll.options", len(newCfg.Poll.Options)),
			logx.Bool("poll.anonymous", anon),
			logx.Bool("poll.multiple_answers", newCfg.Poll.MultipleAnswers),
		)
	}

	if !reflect.DeepEqual(oldCfg.Registry, newCfg.Registry) {
		mark("registry",
			logx.String("registry.path", newCfg.Registry.Path),
			logx.String("registry.key", newCfg.Registry.Key),
		)
	}

	ob, nb := oldCfg.Blob, newCfg.Blob
	if ob != nb {
		mark("blob",
			logx.String("blob.driver", nb.Driver),
			logx.String("blob.bucket", nb.Bucket),
			logx.String("blob.region", nb.Region),
			logx.Bool("blob.endpoint_set", strings.TrimSpace(nb.Endpoint) != ""),
			logx.Bool("blob.credentials_changed", ob.AccessKey != nb.AccessKey || ob.SecretKey != nb.SecretKey),
		)
	}

	if oldCfg.Broadcast != newCfg.Broadcast {
		mark("broadcast",
			logx.Int("broadcast.workers", newCfg.Broadcast.Workers),
			logx.Int("broadcast.rate_per_sec", newCfg.Broadcast.RatePerSec),
			logx.String("broadcast.send_timeout", newCfg.Broadcast.SendTimeout),
			logx.Int("broadcast.retry_max", newCfg.Broadcast.RetryMax),
		)
	}

	// Nil means disabled.
	var oldS, newS StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newS = *newCfg.Storage
	}
	if oldS != newS {
		mark("storage",
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Commands, newCfg.Commands) {
		mark("commands", logx.Int("commands.static", len(newCfg.Commands.Static)))
	}

	if oldCfg.Messages != newCfg.Messages {
		mark("messages")
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
