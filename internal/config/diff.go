package config

import (
	"reflect"
	"strings"

	logx "schedbot/pkg/logx"
)

// Summarize lists the sections that differ between two configs and returns
// log fields describing the new values. Secrets are reported as set/unset only.
func Summarize(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	fields := make([]logx.Field, 0, 16)
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.Bool("telegram.token_set", set(newCfg.Telegram.Token)),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.String("telegram.api_url", newCfg.Telegram.APIURL),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat", newCfg.Logging.Chat.Enabled),
		)
	}
	if oldCfg.Timetable != newCfg.Timetable {
		changed = append(changed, "timetable")
		fields = append(fields,
			logx.String("timetable.base_url", newCfg.Timetable.BaseURL),
			logx.Bool("timetable.token_set", set(newCfg.Timetable.Token)),
			logx.String("timetable.timeout", newCfg.Timetable.Timeout),
		)
	}
	if oldCfg.Cache != newCfg.Cache {
		changed = append(changed, "cache")
		fields = append(fields,
			logx.String("cache.ttl", newCfg.Cache.TTL),
			logx.String("cache.redis_addr", newCfg.Cache.Redis.Addr),
			logx.String("cache.sweep", newCfg.Cache.SweepEvery),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifications, newCfg.Notifications) {
		changed = append(changed, "notifications")
		fields = append(fields,
			logx.Bool("notifications.enabled", newCfg.Notifications.Enabled),
			logx.String("notifications.timezone", newCfg.Notifications.Timezone),
			logx.Strings("notifications.buckets", newCfg.Notifications.Buckets),
		)
	}
	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		fields = append(fields,
			logx.Any("delivery.rate_per_sec", newCfg.Delivery.RatePerSec),
			logx.String("delivery.min_gap", newCfg.Delivery.MinGap),
			logx.Int("delivery.queue_size", newCfg.Delivery.QueueSize),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		fields = append(fields,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
			logx.Bool("storage.dsn_set", set(newCfg.Storage.DSN)),
		)
	}
	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		fields = append(fields,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", set(newCfg.Ops.Token)),
		)
	}
	return changed, fields
}

// RestartOnly are sections that are read once at startup; changes to them
// are logged but take effect after a restart.
var RestartOnly = []string{"telegram", "timetable", "cache", "storage", "ops"}
