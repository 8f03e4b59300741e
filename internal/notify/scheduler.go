// Package notify fires the daily notification buckets. Each bucket is its own
// cron entry; a tick lists the due preferences, renders tomorrow's schedule
// per group and hands one request per subscriber to the delivery queue.
package notify

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"schedbot/internal/delivery"
	"schedbot/internal/eventbus"
	"schedbot/internal/lookup"
	"schedbot/internal/storage"
	logx "schedbot/pkg/logx"
)

var (
	ErrUnknownBucket = errors.New("unknown bucket")
	ErrBusy          = errors.New("bucket tick already running")
)

// EventTick is published on the bus after every tick with a TickReport.
const EventTick = "notify.tick"

var DefaultBuckets = []string{"08:00", "12:00", "16:00", "20:00", "22:00"}

type Config struct {
	Enabled  bool
	Timezone string
	Buckets  []string
	// Sweep is a cron spec for the maintenance pass. Empty disables it.
	Sweep       string
	TickTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Buckets) == 0 {
		c.Buckets = slices.Clone(DefaultBuckets)
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = 10 * time.Minute
	}
	return c
}

// DueLister is the storage query behind a tick.
type DueLister interface {
	ListDue(ctx context.Context, notifyAt string) ([]storage.Due, error)
}

// Composer builds tomorrow's notification body for a group.
type Composer interface {
	Tomorrow(ctx context.Context, groupID, groupCode string, now time.Time) (string, lookup.Result, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, r delivery.Request) error
}

type Deps struct {
	Store  DueLister
	Lookup Composer
	Queue  Enqueuer
	Bus    eventbus.Bus
	// Sweep runs on Config.Sweep; typically cache invalidation and audit pruning.
	Sweep func(ctx context.Context)
}

type Scheduler struct {
	mu      sync.Mutex
	cfg     Config
	buckets []string
	loc     *time.Location
	deps    Deps
	log     logx.Logger
	now     func() time.Time
	parser  cron.Parser

	c         *cron.Cron
	runCtx    context.Context
	runCancel context.CancelFunc

	busyMu sync.Mutex
	busy   map[string]bool
}

func New(cfg Config, deps Deps, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		deps: deps,
		log:  log.With(logx.Component("notify")),
		now:  time.Now,
		// SecondOptional keeps 6-field sweep specs usable.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		busy:   map[string]bool{},
	}
	s.setConfigLocked(cfg)
	return s
}

func (s *Scheduler) setConfigLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	s.buckets = s.normalizeBuckets(cfg.Buckets)
	s.loc = s.loadLocation(cfg.Timezone)
}

func (s *Scheduler) normalizeBuckets(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, b := range raw {
		nb, err := storage.NormalizeClock(b)
		if err != nil {
			s.log.Warn("ignoring invalid bucket", logx.String("bucket", b), logx.Err(err))
			continue
		}
		if !slices.Contains(out, nb) {
			out = append(out, nb)
		}
	}
	slices.Sort(out)
	return out
}

func (s *Scheduler) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Location is the zone buckets fire in.
func (s *Scheduler) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Scheduler) Buckets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.buckets)
}

// Apply hot-applies config. Changes to timezone, buckets or the sweep spec
// re-register the cron entries.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cfg
	oldLoc, oldBuckets := s.loc, s.buckets
	s.setConfigLocked(cfg)
	if s.c == nil {
		return
	}
	if oldLoc.String() != s.loc.String() || !slices.Equal(oldBuckets, s.buckets) || old.Sweep != s.cfg.Sweep {
		s.restartLocked()
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	c, err := s.buildLocked()
	if err != nil {
		s.runCancel()
		return err
	}
	s.c = c
	c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Strings("buckets", s.buckets), logx.String("sweep", s.cfg.Sweep))
	return nil
}

func (s *Scheduler) buildLocked() (*cron.Cron, error) {
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, b := range s.buckets {
		h, m, err := parseHHMM(b)
		if err != nil {
			return nil, err
		}
		bucket := b
		if _, err := c.AddJob(fmt.Sprintf("%d %d * * *", m, h), cron.FuncJob(func() { s.fire(bucket) })); err != nil {
			return nil, fmt.Errorf("bucket %s: %w", bucket, err)
		}
	}
	if spec := strings.TrimSpace(s.cfg.Sweep); spec != "" && s.deps.Sweep != nil {
		if _, err := c.AddJob(spec, cron.FuncJob(s.sweep)); err != nil {
			return nil, fmt.Errorf("sweep %q: %w", spec, err)
		}
	}
	return c, nil
}

// restartLocked swaps the cron instance. Ticks of the old instance keep
// running; the busy guard stops them overlapping with the new one.
func (s *Scheduler) restartLocked() {
	s.c.Stop()
	c, err := s.buildLocked()
	if err != nil {
		// keep the previous entries rather than going silent
		s.log.Error("scheduler restart failed; keeping previous entries", logx.Err(err))
		s.c.Start()
		return
	}
	s.c = c
	c.Start()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()), logx.Strings("buckets", s.buckets))
}

// Stop prevents new ticks, waits for running ones until ctx expires and then
// cancels them.
func (s *Scheduler) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	c, cancel := s.c, s.runCancel
	s.c, s.runCancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	done := c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; cancelling running ticks")
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			s.log.Warn("ticks still running after cancel")
		}
	}
	cancel()
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Scheduler) fire(bucket string) {
	s.mu.Lock()
	base, timeout := s.runCtx, s.cfg.TickTimeout
	s.mu.Unlock()
	if base == nil {
		return
	}
	ctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()
	if _, err := s.RunNow(ctx, bucket); err != nil && !errors.Is(err, ErrBusy) {
		s.log.Error("bucket tick failed", logx.String("bucket", bucket), logx.Err(err))
	}
}

func (s *Scheduler) sweep() {
	s.mu.Lock()
	base := s.runCtx
	s.mu.Unlock()
	if base == nil {
		return
	}
	ctx, cancel := context.WithTimeout(base, time.Minute)
	defer cancel()
	start := time.Now()
	s.deps.Sweep(ctx)
	s.log.Debug("maintenance sweep finished", logx.Duration("took", time.Since(start)))
}

// RunNow runs one tick for a configured bucket. Concurrent runs of the same
// bucket are refused with ErrBusy.
func (s *Scheduler) RunNow(ctx context.Context, bucket string) (TickReport, error) {
	b, err := storage.NormalizeClock(bucket)
	if err != nil {
		return TickReport{}, fmt.Errorf("%w: %v", ErrUnknownBucket, err)
	}
	s.mu.Lock()
	known := slices.Contains(s.buckets, b)
	s.mu.Unlock()
	if !known {
		return TickReport{}, fmt.Errorf("%w: %s", ErrUnknownBucket, b)
	}

	s.busyMu.Lock()
	if s.busy[b] {
		s.busyMu.Unlock()
		return TickReport{}, ErrBusy
	}
	s.busy[b] = true
	s.busyMu.Unlock()
	defer func() {
		s.busyMu.Lock()
		delete(s.busy, b)
		s.busyMu.Unlock()
	}()

	return s.Tick(ctx, b)
}

// parseHHMM parses "HH:MM" into hour and minute.
func parseHHMM(v string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q (want HH:MM)", v)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid time %q (want HH:MM)", v)
	}
	return h, m, nil
}
