package app

import (
	"context"
	"fmt"
	"time"

	"schedbot/internal/cache"
	"schedbot/internal/config"
	"schedbot/internal/delivery"
	"schedbot/internal/eventbus"
	"schedbot/internal/lookup"
	"schedbot/internal/notify"
	"schedbot/internal/ops"
	"schedbot/internal/storage"
	"schedbot/internal/timetable"
	telegram "schedbot/internal/transport/telegram/adapter"
	logx "schedbot/pkg/logx"
)

const openTimeout = 15 * time.Second

// New loads the config at cfgPath and wires every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.Manager, cfg *config.Config) (a *App, err error) {
	bootLog := logx.NewConsole("INFO")

	tgCfg, err := mapTelegram(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(tgCfg, bootLog.With(logx.Component("telegram")))
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogging(cfg), ad)
	log := root.With(logx.Component("app"))
	defer func() {
		if err != nil {
			_ = logSvc.Close()
		}
	}()

	bus := eventbus.New()

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, root)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
		defer func() {
			if err != nil {
				_ = store.Close()
			}
		}()
	}

	tiered, err := buildCache(ctx, cfg, root, log)
	if err != nil {
		return nil, err
	}

	ttCfg, err := mapTimetable(cfg)
	if err != nil {
		return nil, err
	}
	client, err := timetable.NewClient(ttCfg, root)
	if err != nil {
		return nil, err
	}

	ttl, _, _, _, _ := mapCache(cfg)
	lk := lookup.New(client, tiered, lookup.Options{TTL: ttl}, root)

	a = &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		cache:   tiered,
		lookup:  lk,
		adapter: ad,
	}

	dcfg, err := mapDelivery(cfg)
	if err != nil {
		return nil, err
	}
	ddeps := delivery.Deps{Sender: ad, Bus: bus}
	if store != nil {
		ddeps.Audit = store
		ddeps.OnPermanent = a.deactivate
	}
	a.deactivateOn.Store(cfg.Delivery.DeactivateOnPermanentOrDefault())
	a.disp = delivery.New(dcfg, ddeps, root)

	ncfg, err := mapNotify(cfg)
	if err != nil {
		return nil, err
	}
	retention, err := mapAuditRetention(cfg)
	if err != nil {
		return nil, err
	}
	a.retention.Store(int64(retention))
	ndeps := notify.Deps{Lookup: lk, Queue: a.disp, Bus: bus, Sweep: a.sweep}
	if store != nil {
		ndeps.Store = store
	}
	a.sched = notify.New(ncfg, ndeps, root)
	a.notifyOn = ncfg.Enabled
	// "tomorrow" and the bucket clock share one zone
	lk.SetLocation(a.sched.Location())

	ocfg, err := mapOps(cfg)
	if err != nil {
		return nil, err
	}
	odeps := ops.Deps{Lookup: lk, Cache: tiered, Dispatcher: a.disp, Runtime: a.runtimeSnapshot}
	if store != nil {
		odeps.Recipients = store
		odeps.Audit = store
		odeps.Scheduler = a.sched
	}
	a.ops = ops.New(ocfg, odeps, root)
	a.opsOn = ocfg.Enabled

	return a, nil
}

// buildCache assembles the two tiers. An unreachable Redis is logged and
// kept: the tiered cache degrades to local-only until it answers again.
func buildCache(ctx context.Context, cfg *config.Config, root, log logx.Logger) (*cache.Tiered[timetable.Response], error) {
	ttl, size, rc, redisOn, err := mapCache(cfg)
	if err != nil {
		return nil, err
	}
	opt := cache.Options[timetable.Response]{Size: size, DefaultTTL: ttl}
	if redisOn {
		rs, err := cache.NewRedisShared(rc)
		if err != nil {
			return nil, fmt.Errorf("cache.redis: %w", err)
		}
		if err := rs.Ping(ctx); err != nil {
			log.Warn("redis unreachable at startup; continuing with local cache", logx.String("addr", rc.Addr), logx.Err(err))
		} else {
			log.Info("shared cache enabled", logx.String("addr", rc.Addr))
		}
		opt.Shared = rs
	}
	return cache.New(opt, root)
}

// deactivate is the dispatcher's permanent-failure hook.
func (a *App) deactivate(ctx context.Context, chatID int64) {
	if !a.deactivateOn.Load() {
		return
	}
	n, err := a.store.DeactivateSubscriber(ctx, chatID)
	if err != nil {
		a.log.Warn("deactivate subscriber failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return
	}
	a.log.Info("subscriber deactivated after permanent failure", logx.Int64("chat_id", chatID), logx.Int64("preferences", n))
}

// sweep is the periodic maintenance pass: drop cached schedules so edits
// upstream show up, and prune old audit rows.
func (a *App) sweep(ctx context.Context) {
	removed := a.cache.InvalidateAll(ctx)
	var pruned int64
	if a.store != nil {
		if keep := time.Duration(a.retention.Load()); keep > 0 {
			n, err := a.store.PruneAudit(ctx, time.Now().Add(-keep))
			if err != nil {
				a.log.Warn("audit prune failed", logx.Err(err))
			}
			pruned = n
		}
	}
	a.log.Info("maintenance sweep", logx.Int("cache_removed", removed), logx.Int64("audit_pruned", pruned))
}
