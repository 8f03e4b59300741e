package app

import (
	"strings"
	"time"

	"schedbot/internal/cache"
	"schedbot/internal/config"
	"schedbot/internal/delivery"
	"schedbot/internal/notify"
	"schedbot/internal/ops"
	"schedbot/internal/storage"
	"schedbot/internal/timetable"
	telegram "schedbot/internal/transport/telegram/adapter"
	logx "schedbot/pkg/logx"
)

const defaultSweep = "@every 6h"

// Every mapper assumes cfg already passed config.Validate; parse errors are
// still returned so a bad hot reload keeps the previous settings.

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled,
			ChatID:     l.Chat.ChatID,
			ThreadID:   l.Chat.ThreadID,
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.request_timeout", cfg.Telegram.RequestTimeout, 15*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, APIURL: cfg.Telegram.APIURL, RequestTimeout: timeout}, nil
}

func mapTimetable(cfg *config.Config) (timetable.Config, error) {
	t := cfg.Timetable
	timeout, err := config.ParseDurationOrDefault("timetable.timeout", t.Timeout, 20*time.Second)
	if err != nil {
		return timetable.Config{}, err
	}
	connect, err := config.ParseDurationOrDefault("timetable.connect_timeout", t.ConnectTimeout, 5*time.Second)
	if err != nil {
		return timetable.Config{}, err
	}
	return timetable.Config{
		BaseURL:        t.BaseURL,
		Token:          t.Token,
		Unit:           t.Unit,
		Department:     t.Department,
		Timeout:        timeout,
		ConnectTimeout: connect,
	}, nil
}

// mapCache returns the cache TTL, the local size and the redis settings.
// redisOn is false when no address is configured.
func mapCache(cfg *config.Config) (ttl time.Duration, size int, rc cache.RedisConfig, redisOn bool, err error) {
	c := cfg.Cache
	if ttl, err = config.ParseDurationOrDefault("cache.ttl", c.TTL, cache.DefaultTTL); err != nil {
		return
	}
	size = c.LocalSize
	if size <= 0 {
		size = 1024
	}
	if c.Redis.Addr == "" {
		return
	}
	dial, err := config.ParseDurationOrDefault("cache.redis.dial_timeout", c.Redis.DialTimeout, 2*time.Second)
	if err != nil {
		return
	}
	op, err := config.ParseDurationOrDefault("cache.redis.op_timeout", c.Redis.OpTimeout, 500*time.Millisecond)
	if err != nil {
		return
	}
	prefix := c.Redis.Prefix
	if prefix == "" {
		prefix = "schedbot:"
	}
	rc = cache.RedisConfig{
		Addr:        c.Redis.Addr,
		Password:    c.Redis.Password,
		DB:          c.Redis.DB,
		Prefix:      prefix,
		DialTimeout: dial,
		OpTimeout:   op,
	}
	return ttl, size, rc, true, nil
}

func mapDelivery(cfg *config.Config) (delivery.Config, error) {
	d := cfg.Delivery
	gap, err := config.ParseDurationOrDefault("delivery.min_gap", d.MinGap, 50*time.Millisecond)
	if err != nil {
		return delivery.Config{}, err
	}
	send, err := config.ParseDurationOrDefault("delivery.send_timeout", d.SendTimeout, 15*time.Second)
	if err != nil {
		return delivery.Config{}, err
	}
	parseMode := d.ParseMode
	if parseMode == "" {
		parseMode = "HTML"
	}
	return delivery.Config{
		QueueSize:     d.QueueSize,
		RatePerSec:    d.RatePerSec,
		Burst:         d.Burst,
		MinGap:        gap,
		SendTimeout:   send,
		ParseMode:     parseMode,
		ProgressEvery: d.ProgressEvery,
	}, nil
}

func mapNotify(cfg *config.Config) (notify.Config, error) {
	n := cfg.Notifications
	tick, err := config.ParseDurationOrDefault("notifications.tick_timeout", n.TickTimeout, 10*time.Minute)
	if err != nil {
		return notify.Config{}, err
	}
	sweep := strings.TrimSpace(cfg.Cache.SweepEvery)
	switch {
	case sweep == "":
		sweep = defaultSweep
	case strings.EqualFold(sweep, "off"):
		sweep = ""
	}
	return notify.Config{
		Enabled:     n.Enabled,
		Timezone:    n.Timezone,
		Buckets:     append([]string(nil), n.Buckets...),
		Sweep:       sweep,
		TickTimeout: tick,
	}, nil
}

// mapAuditRetention defaults to 30 days.
func mapAuditRetention(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("notifications.audit_retention", cfg.Notifications.AuditRetention, 30*24*time.Hour)
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	s := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", s.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       s.Driver,
		Path:         s.Path,
		DSN:          s.DSN,
		BusyTimeout:  busy,
		MaxOpenConns: s.MaxOpenConns,
	}, nil
}

func mapOps(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	rt, err := config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("ops.write_timeout", o.WriteTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:      o.Enabled,
		Addr:         o.Addr,
		Token:        o.Token,
		EnablePprof:  o.Pprof,
		ReadTimeout:  rt,
		WriteTimeout: wt,
	}, nil
}
