package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalid = errors.New("invalid config")

var sweepParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports every problem at once, wrapped in ErrInvalid.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add("telegram.token: required (or %s)", EnvTelegramToken)
	}
	if raw := strings.TrimSpace(cfg.Timetable.BaseURL); raw == "" {
		add("timetable.base_url: required (or %s)", EnvAPIURL)
	} else if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("timetable.base_url: %q is not an http(s) URL", raw)
	}

	p := &durations{}
	p.get("telegram.request_timeout", cfg.Telegram.RequestTimeout, 0)
	p.get("timetable.timeout", cfg.Timetable.Timeout, 0)
	p.get("timetable.connect_timeout", cfg.Timetable.ConnectTimeout, 0)
	p.get("cache.ttl", cfg.Cache.TTL, 0)
	p.get("cache.redis.dial_timeout", cfg.Cache.Redis.DialTimeout, 0)
	p.get("cache.redis.op_timeout", cfg.Cache.Redis.OpTimeout, 0)
	p.get("notifications.tick_timeout", cfg.Notifications.TickTimeout, 0)
	p.get("notifications.audit_retention", cfg.Notifications.AuditRetention, 0)
	p.get("delivery.min_gap", cfg.Delivery.MinGap, 0)
	p.get("delivery.send_timeout", cfg.Delivery.SendTimeout, 0)
	p.get("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	p.get("ops.read_timeout", cfg.Ops.ReadTimeout, 0)
	p.get("ops.write_timeout", cfg.Ops.WriteTimeout, 0)
	if p.err != nil {
		errs = append(errs, p.err)
	}

	if spec := strings.TrimSpace(cfg.Cache.SweepEvery); spec != "" && !strings.EqualFold(spec, "off") {
		if _, err := sweepParser.Parse(spec); err != nil {
			add("cache.sweep: %v", err)
		}
	}
	if cfg.Cache.LocalSize < 0 {
		add("cache.local_size: must be >= 0")
	}

	if tz := strings.TrimSpace(cfg.Notifications.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("notifications.timezone: %v", err)
		}
	}
	for i, b := range cfg.Notifications.Buckets {
		if _, err := time.Parse("15:04", strings.TrimSpace(b)); err != nil {
			add("notifications.buckets[%d]: %q is not HH:MM", i, b)
		}
	}

	if cfg.Delivery.QueueSize < 0 || cfg.Delivery.Burst < 0 || cfg.Delivery.ProgressEvery < 0 {
		add("delivery: queue_size, burst and progress_every must be >= 0")
	}
	switch pm := strings.TrimSpace(cfg.Delivery.ParseMode); pm {
	case "", "HTML", "Markdown", "MarkdownV2":
	default:
		add("delivery.parse_mode: unknown mode %q", pm)
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "none":
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add("storage.path: required for sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add("storage.dsn: required for postgres (or %s)", EnvDBDSN)
		}
	default:
		add("storage.driver: unknown driver %q", d)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
