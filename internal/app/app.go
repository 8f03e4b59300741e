// Package app is the composition root: it wires config, storage, cache,
// upstream client, dispatcher, scheduler and the ops API, runs them under
// one supervisor and shuts them down in order.
package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"schedbot/internal/cache"
	"schedbot/internal/config"
	"schedbot/internal/delivery"
	"schedbot/internal/eventbus"
	"schedbot/internal/lookup"
	"schedbot/internal/notify"
	"schedbot/internal/ops"
	"schedbot/internal/runtime/supervisor"
	"schedbot/internal/storage"
	"schedbot/internal/timetable"
	telegram "schedbot/internal/transport/telegram/adapter"
	logx "schedbot/pkg/logx"
	"schedbot/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store   storage.Store // nil when storage.driver is none
	cache   *cache.Tiered[timetable.Response]
	lookup  *lookup.Service
	disp    *delivery.Dispatcher
	sched   *notify.Scheduler
	ops     *ops.Server
	adapter *telegram.Adapter

	// only touched by Start and the reload loop
	notifyOn bool
	opsOn    bool

	deactivateOn atomic.Bool
	retention    atomic.Int64
}

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// runtimeSnapshot reports the goroutines of the app and dispatcher supervisors.
func (a *App) runtimeSnapshot() map[string]supervisor.Snapshot {
	out := map[string]supervisor.Snapshot{"app": a.sup.Snapshot()}
	if a.disp != nil {
		out["delivery"] = a.disp.Supervisor().Snapshot()
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log.With(logx.Component("supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	// reject reloads the components could not apply
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapDelivery(cfg); err != nil {
			return err
		}
		if _, err := mapNotify(cfg); err != nil {
			return err
		}
		_, err := mapAuditRetention(cfg)
		return err
	})

	a.disp.Start(a.sup.Context())

	if a.notifyOn {
		if err := a.startScheduler(a.sup.Context()); err != nil {
			return err
		}
	}
	if a.opsOn {
		if err := a.ops.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("ops: %w", err)
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		a.logEvents(c, events)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		systemd.Watchdog(c, a.log.With(logx.Component("systemd")), func() bool { return a.sup.Err() == nil })
	})

	if _, err := systemd.Ready(); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("app started",
		logx.Bool("notifications", a.notifyOn),
		logx.Bool("storage", a.store != nil),
		logx.Bool("ops", a.opsOn),
	)
	return nil
}

func (a *App) startScheduler(ctx context.Context) error {
	if a.store == nil {
		a.log.Warn("notifications enabled without storage; scheduler not started")
		return nil
	}
	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	return nil
}

// logEvents mirrors bus traffic at debug level and keeps the systemd status
// line current.
func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			if rep, ok := e.Data.(notify.TickReport); ok && e.Type == notify.EventTick {
				_, _ = systemd.Status(fmt.Sprintf("last tick %s: %d queued, %d skipped", rep.Bucket, rep.Enqueued, rep.Skipped))
			}
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.apply(ctx, last, next)
			last = next
		}
	}
}

// apply hot-applies logging, delivery and notification settings. Sections
// in config.RestartOnly are only reported.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	sections, fields := config.Summarize(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogging(next))

	if dcfg, err := mapDelivery(next); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dcfg)
		a.deactivateOn.Store(next.Delivery.DeactivateOnPermanentOrDefault())
	}
	if keep, err := mapAuditRetention(next); err == nil {
		a.retention.Store(int64(keep))
	}

	if ncfg, err := mapNotify(next); err != nil {
		a.log.Warn("invalid notifications config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(ncfg)
		a.lookup.SetLocation(a.sched.Location())
		switch {
		case a.notifyOn && !ncfg.Enabled:
			a.log.Info("notifications disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !a.notifyOn && ncfg.Enabled:
			a.log.Info("notifications enabled via config")
			if err := a.startScheduler(a.sup.Context()); err != nil {
				a.log.Error("scheduler start failed", logx.Err(err))
			}
		}
		a.notifyOn = ncfg.Enabled
	}

	for _, s := range sections {
		if slices.Contains(config.RestartOnly, s) {
			a.log.Warn("config section changed; restart required to apply", logx.String("section", s))
		}
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		a.stopStep(ctx, name, max, fn)
	}

	step("ops", 2*time.Second, func(c context.Context) error {
		if !a.opsOn {
			return nil
		}
		return a.ops.Stop(c)
	})
	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("dispatcher", 3*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("cache", time.Second, func(context.Context) error { return a.cache.Close() })
	step("storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})
	step("adapter", time.Second, func(context.Context) error { return a.adapter.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// stopStep bounds one shutdown step so a stuck component cannot stall the
// rest. fn must honour its context; a step that overruns is logged again
// when it finally returns.
func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		// never extend the caller's deadline
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
