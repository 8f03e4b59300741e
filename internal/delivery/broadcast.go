package delivery

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"schedbot/internal/eventbus"
	"schedbot/internal/storage"
	logx "schedbot/pkg/logx"
)

// Broadcast queues body for every recipient through the regular queue and
// returns the job id at once. Progress is read with Job or from the bus.
func (d *Dispatcher) Broadcast(ctx context.Context, name string, recipients []int64, body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", ErrEmpty
	}
	if ctx != nil && ctx.Err() != nil {
		return "", ctx.Err()
	}
	d.mu.Lock()
	if !d.accepting || d.sup == nil {
		d.mu.Unlock()
		return "", ErrStopped
	}
	sup := d.sup
	d.mu.Unlock()

	now := time.Now()
	d.pruneStatus(now)
	id := uuid.NewString()
	st := &JobStatus{ID: id, Name: name, Total: len(recipients), CreatedAt: now, Running: true}
	d.statusMu.Lock()
	d.status[id] = st
	d.statusMu.Unlock()

	d.log.Info("broadcast job created", logx.String("job", id), logx.String("name", name), logx.Int("total", len(recipients)))
	if len(recipients) == 0 {
		d.jobDropped(id, 0)
		return id, nil
	}

	targets := append([]int64(nil), recipients...)
	sup.Go0("broadcast.feed", func(c context.Context) {
		d.feed(c, id, name, targets, body)
	})
	return id, nil
}

func (d *Dispatcher) feed(ctx context.Context, id, name string, targets []int64, body string) {
	for i, chatID := range targets {
		err := d.Enqueue(ctx, Request{Recipient: chatID, Body: body, JobID: id, Source: "broadcast:" + name})
		if err != nil {
			left := len(targets) - i
			d.log.Warn("broadcast feed interrupted", logx.String("job", id), logx.Int("left", left), logx.Err(err))
			d.jobDropped(id, left)
			return
		}
		d.statusMu.Lock()
		if st := d.status[id]; st != nil {
			st.Queued++
		}
		d.statusMu.Unlock()
	}
}

// Job returns a copy of the broadcast status.
func (d *Dispatcher) Job(id string) (JobStatus, bool) {
	d.statusMu.RLock()
	defer d.statusMu.RUnlock()
	st, ok := d.status[id]
	if !ok || st == nil {
		return JobStatus{}, false
	}
	cp := *st
	if len(st.Failures) > 0 {
		cp.Failures = append([]int64(nil), st.Failures...)
	}
	return cp, true
}

func (d *Dispatcher) jobResult(r Request, err error) {
	if r.JobID == "" {
		return
	}
	d.statusMu.Lock()
	st := d.status[r.JobID]
	if st == nil {
		d.statusMu.Unlock()
		return
	}
	if err == nil {
		st.Sent++
	} else {
		st.Failed++
		if len(st.Failures) < 200 {
			st.Failures = append(st.Failures, r.Recipient)
		}
	}
	snap, progress, done := d.settleLocked(st)
	d.statusMu.Unlock()

	d.report(snap, progress, done)
}

func (d *Dispatcher) jobDropped(id string, n int) {
	if id == "" {
		return
	}
	d.statusMu.Lock()
	st := d.status[id]
	if st == nil {
		d.statusMu.Unlock()
		return
	}
	st.Dropped += n
	snap, progress, done := d.settleLocked(st)
	d.statusMu.Unlock()

	d.report(snap, progress, done)
}

// settleLocked marks st done when every request reached a terminal state.
func (d *Dispatcher) settleLocked(st *JobStatus) (JobStatus, bool, bool) {
	d.mu.Lock()
	every := d.cfg.ProgressEvery
	d.mu.Unlock()

	finished := st.Finished()
	done := st.Running && finished >= st.Total
	if done {
		st.Running = false
		st.DoneAt = time.Now()
	}
	progress := !done && finished > 0 && every > 0 && finished%every == 0
	cp := *st
	cp.Failures = nil
	return cp, progress, done
}

func (d *Dispatcher) report(st JobStatus, progress, done bool) {
	switch {
	case done:
		d.publish0(EventBroadcastDone, st)
		fields := []logx.Field{
			logx.String("job", st.ID),
			logx.String("name", st.Name),
			logx.Int("total", st.Total),
			logx.Int("sent", st.Sent),
			logx.Int("failed", st.Failed),
			logx.Int("dropped", st.Dropped),
			logx.Duration("dur", st.DoneAt.Sub(st.CreatedAt)),
		}
		if st.Failed+st.Dropped > 0 {
			d.log.Warn("broadcast job finished with failures", fields...)
		} else {
			d.log.Info("broadcast job finished", fields...)
		}
		if d.deps.Audit != nil {
			go d.audit(st)
		}
	case progress:
		d.publish0(EventBroadcastProgress, st)
	}
}

func (d *Dispatcher) audit(st JobStatus) {
	meta, _ := json.Marshal(map[string]any{"dropped": st.Dropped, "total": st.Total})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := d.deps.Audit.AppendAudit(ctx, storage.AuditEntry{
		At:       st.DoneAt,
		Actor:    "dispatcher",
		Action:   "broadcast",
		Target:   st.Name,
		OK:       st.Sent,
		Fail:     st.Failed,
		TookMS:   st.DoneAt.Sub(st.CreatedAt).Milliseconds(),
		MetaJSON: string(meta),
	})
	if err != nil {
		d.log.Warn("broadcast audit write failed", logx.String("job", st.ID), logx.Err(err))
	}
}

func (d *Dispatcher) publish0(typ string, st JobStatus) {
	if d.deps.Bus == nil {
		return
	}
	d.deps.Bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: st})
}

// pruneStatus keeps the status map bounded by age and count. Running jobs are kept.
func (d *Dispatcher) pruneStatus(now time.Time) {
	d.mu.Lock()
	maxN, ttl := d.cfg.StatusMax, d.cfg.StatusTTL
	d.mu.Unlock()

	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	for id, st := range d.status {
		if !st.Running && now.Sub(st.CreatedAt) > ttl {
			delete(d.status, id)
		}
	}
	if len(d.status) <= maxN {
		return
	}
	done := make([]*JobStatus, 0, len(d.status))
	for _, st := range d.status {
		if !st.Running {
			done = append(done, st)
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].CreatedAt.Before(done[j].CreatedAt) })
	for _, st := range done {
		if len(d.status) <= maxN {
			return
		}
		delete(d.status, st.ID)
	}
}
