package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Secret overrides. They win over the file so tokens can stay out of it.
const (
	EnvTelegramToken = "SCHEDBOT_TELEGRAM_TOKEN"
	EnvAPIToken      = "SCHEDBOT_API_TOKEN"
	EnvAPIURL        = "SCHEDBOT_API_URL"
	EnvRedisAddr     = "SCHEDBOT_REDIS_ADDR"
	EnvRedisPassword = "SCHEDBOT_REDIS_PASSWORD"
	EnvRedisDB       = "SCHEDBOT_REDIS_DB"
	EnvDBDSN         = "SCHEDBOT_DB_DSN"
	EnvOpsToken      = "SCHEDBOT_OPS_TOKEN"
)

// LoadDotEnv loads .env files into the process environment. Missing files
// are fine and existing variables are never overwritten.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ApplyEnv overlays the SCHEDBOT_* secrets onto cfg. lookup defaults to os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(EnvTelegramToken, &cfg.Telegram.Token)
	set(EnvAPIToken, &cfg.Timetable.Token)
	set(EnvAPIURL, &cfg.Timetable.BaseURL)
	set(EnvRedisAddr, &cfg.Cache.Redis.Addr)
	set(EnvRedisPassword, &cfg.Cache.Redis.Password)
	set(EnvDBDSN, &cfg.Storage.DSN)
	set(EnvOpsToken, &cfg.Ops.Token)
	if v, ok := lookup(EnvRedisDB); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.Cache.Redis.DB = n
		}
	}
}
