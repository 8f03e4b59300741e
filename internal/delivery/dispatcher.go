package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"schedbot/internal/eventbus"
	rtsup "schedbot/internal/runtime/supervisor"
	"schedbot/internal/storage"
	kit "schedbot/internal/transport"
	logx "schedbot/pkg/logx"
)

// Auditor receives a record of every finished broadcast.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Deps struct {
	Sender kit.Sender
	Bus    eventbus.Bus
	Audit  Auditor
	// OnPermanent runs asynchronously for recipients that can never be reached.
	OnPermanent func(ctx context.Context, chatID int64)
}

// Dispatcher is a bounded FIFO drained by a single loop into the outbound
// channel. Enqueue blocks while the queue is full and never drops.
//
// It is safe for concurrent use.
type Dispatcher struct {
	mu sync.Mutex

	cfg   Config
	deps  Deps
	log   logx.Logger
	pacer *Pacer

	queue     chan Request
	accepting bool
	running   bool
	stopCh    chan struct{}
	stopDone  chan struct{} // non-nil while stopping
	enqWG     sync.WaitGroup
	sup       *rtsup.Supervisor

	enqueued atomic.Uint64
	sent     atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64

	statusMu sync.RWMutex
	status   map[string]*JobStatus
}

func New(cfg Config, deps Deps, log logx.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:    cfg,
		deps:   deps,
		log:    log.With(logx.Component("delivery")),
		pacer:  NewPacer(cfg.RatePerSec, cfg.Burst, cfg.MinGap),
		queue:  make(chan Request, cfg.QueueSize),
		status: map[string]*JobStatus{},
	}
}

// Apply hot-applies pacing and reporting settings. Queue capacity is fixed at New.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	cfg.QueueSize = cap(d.queue)
	d.cfg = cfg
	d.mu.Unlock()
	d.pacer.Apply(cfg.RatePerSec, cfg.Burst, cfg.MinGap)
}

// SetPermanentHook replaces Deps.OnPermanent. Call before Start.
func (d *Dispatcher) SetPermanentHook(fn func(ctx context.Context, chatID int64)) {
	d.mu.Lock()
	d.deps.OnPermanent = fn
	d.mu.Unlock()
}

func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		d.mu.Lock()
	}
	if d.running {
		d.mu.Unlock()
		return
	}
	d.stopCh = make(chan struct{})
	d.accepting = true
	d.running = true
	d.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(d.log),
		rtsup.WithCancelOnError(false),
	)
	sup, q, stopCh := d.sup, d.queue, d.stopCh
	cfg := d.cfg
	d.mu.Unlock()

	sup.GoRestart("drain", func(c context.Context) error {
		d.drain(c, q, stopCh)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("drain loop exited unexpectedly")
	},
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second),
		rtsup.WithMaxRestarts(drainMaxRestarts),
	)

	d.log.Info("dispatcher started", logx.Int("queue_cap", cap(q)), logx.Duration("min_gap", cfg.MinGap), logx.Any("rate", cfg.RatePerSec))
}

// Stop stops intake and dequeuing. The in-flight send may finish until ctx
// expires; after that it is cancelled. Requests still queued are dropped and counted.
func (d *Dispatcher) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	d.stopDone = done
	d.accepting = false
	stopCh, sup := d.stopCh, d.sup
	d.mu.Unlock()

	close(stopCh)

	go func() {
		defer close(done)
		d.enqWG.Wait()
		_ = sup.Wait(context.Background())
		if n := d.dropQueued(); n > 0 {
			d.log.Warn("dropped queued requests on shutdown", logx.Int("count", n))
		}
		d.mu.Lock()
		d.running = false
		d.stopDone = nil
		d.sup = nil
		d.mu.Unlock()
		d.log.Info("dispatcher stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn("dispatcher stop timed out; cancelling in-flight send")
		sup.Cancel()
	}
}

// Enqueue adds r to the queue, blocking while it is full.
func (d *Dispatcher) Enqueue(ctx context.Context, r Request) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(r.Body) == "" {
		return ErrEmpty
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	if !d.accepting {
		d.mu.Unlock()
		return ErrStopped
	}
	q, stopCh := d.queue, d.stopCh
	d.enqWG.Add(1)
	d.mu.Unlock()
	defer d.enqWG.Done()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.EnqueuedAt = time.Now()

	select {
	case q <- r:
		d.enqueued.Add(1)
		return nil
	default:
	}

	d.log.Debug("queue full; enqueue waiting", logx.Int64("chat_id", r.Recipient), logx.Int("queue_cap", cap(q)))
	select {
	case q <- r:
		d.enqueued.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return ErrStopped
	}
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	return Stats{
		Enqueued: d.enqueued.Load(),
		Sent:     d.sent.Load(),
		Failed:   d.failed.Load(),
		Dropped:  d.dropped.Load(),
		QueueLen: len(d.queue),
		QueueCap: cap(d.queue),
		Running:  running,
	}
}

// Supervisor returns the dispatcher's supervisor (nil if not started).
func (d *Dispatcher) Supervisor() *rtsup.Supervisor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sup
}

// drainMaxRestarts bounds how often a panicking drain loop is brought back
// before the dispatcher's supervisor records it as failed.
const drainMaxRestarts = 10

func (d *Dispatcher) drain(ctx context.Context, q <-chan Request, stopCh <-chan struct{}) {
	for {
		// stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case r := <-q:
			d.deliver(ctx, r)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, r Request) {
	d.mu.Lock()
	cfg := d.cfg
	deps := d.deps
	d.mu.Unlock()

	// Each chunk of a long body is its own paced send.
	var err error
	for i, chunk := range SplitBody(r.Body, cfg.ChunkLimit, cfg.ParseMode) {
		if werr := d.pacer.Wait(ctx); werr != nil {
			if i == 0 {
				d.drop(r, werr)
				return
			}
			err = werr
			break
		}
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err = deps.Sender.SendText(sctx, kit.ChatTarget{ChatID: r.Recipient}, chunk, &kit.SendOptions{
			ParseMode:      cfg.ParseMode,
			DisablePreview: true,
		})
		cancel()
		d.pacer.Done()
		if err != nil {
			break
		}
	}

	now := time.Now()
	ev := Event{RequestID: r.ID, ChatID: r.Recipient, JobID: r.JobID, Source: r.Source, Waited: now.Sub(r.EnqueuedAt), At: now}
	if err == nil {
		d.sent.Add(1)
		d.log.Debug("delivered", logx.Int64("chat_id", r.Recipient), logx.String("source", r.Source), logx.Duration("waited", ev.Waited))
		d.publish(EventSent, ev)
		d.jobResult(r, nil)
		return
	}

	d.failed.Add(1)
	ev.Class = kit.FailureClass(err)
	ev.Error = err.Error()
	d.log.Warn("delivery failed", logx.Int64("chat_id", r.Recipient), logx.String("class", ev.Class), logx.String("source", r.Source), logx.Err(err))
	d.publish(EventFailed, ev)
	if errors.Is(err, kit.ErrPermanent) && deps.OnPermanent != nil {
		go d.runPermanentHook(deps.OnPermanent, r.Recipient)
	}
	d.jobResult(r, err)
}

func (d *Dispatcher) runPermanentHook(fn func(context.Context, int64), chatID int64) {
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("panic in permanent-failure hook", logx.Int64("chat_id", chatID), logx.Any("panic", rec))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fn(ctx, chatID)
}

func (d *Dispatcher) drop(r Request, cause error) {
	d.dropped.Add(1)
	ev := Event{RequestID: r.ID, ChatID: r.Recipient, JobID: r.JobID, Source: r.Source, At: time.Now()}
	if cause != nil {
		ev.Error = cause.Error()
	}
	d.publish(EventDropped, ev)
	d.jobDropped(r.JobID, 1)
}

func (d *Dispatcher) dropQueued() int {
	n := 0
	for {
		select {
		case r := <-d.queue:
			d.drop(r, ErrStopped)
			n++
		default:
			return n
		}
	}
}

func (d *Dispatcher) publish(typ string, ev Event) {
	if d.deps.Bus == nil {
		return
	}
	d.deps.Bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
