package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files (default ".env") into the
// process environment. Missing files are ignored; variables already set win.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		_ = godotenv.Load(f)
	}
}

// ApplyEnv overrides secrets and deployment settings from the environment.
// Environment values take precedence over the config file.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	setStr(&cfg.Telegram.Token, "BOT_TOKEN")
	setStr(&cfg.Blob.AccessKey, "AWS_ACCESS_KEY")
	setStr(&cfg.Blob.SecretKey, "AWS_SECRET_KEY")
	setStr(&cfg.Blob.Region, "AWS_REGION")
	setStr(&cfg.Blob.Bucket, "S3_BUCKET")
	setStr(&cfg.Blob.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.Registry.Path, "REGISTRY_PATH")
	setStr(&cfg.Schedule.At, "POLL_AT")
	setStr(&cfg.Schedule.Timezone, "TZ_NAME")
	setStr(&cfg.Logging.Level, "LOG_LEVEL")
	if v := getEnv("LOG_CHAT_ID", ""); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.LogChatID = id
		}
	}
	if v := getEnv("POLL_SKIP", ""); v != "" {
		cfg.Schedule.Skip = splitList(v)
	}
}

func setStr(dst *string, key string) {
	if v := getEnv(key, ""); v != "" {
		*dst = v
	}
}

func getEnv(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func splitList(s string) []string {
	out := []string{}
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
