package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"schedbot/internal/delivery"
	"schedbot/internal/eventbus"
	"schedbot/internal/storage"
	logx "schedbot/pkg/logx"
)

// TickReport summarizes one bucket run. Matched == Enqueued + Skipped + Unsent.
type TickReport struct {
	Bucket   string        `json:"bucket"`
	Matched  int           `json:"matched"`
	Enqueued int           `json:"enqueued"`
	Skipped  int           `json:"skipped"`
	Empty    int           `json:"empty"`
	Unsent   int           `json:"unsent"`
	Took     time.Duration `json:"took"`
}

type composed struct {
	body  string
	empty bool
	err   error
}

// Tick notifies every subscriber due at bucket. Lookup failures and malformed
// rows skip the subscriber; only cancellation or a stopped queue end it early.
func (s *Scheduler) Tick(ctx context.Context, bucket string) (TickReport, error) {
	start := time.Now()
	rep := TickReport{Bucket: bucket}

	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()
	now := s.now().In(loc)

	due, err := s.deps.Store.ListDue(ctx, bucket)
	if err != nil {
		rep.Took = time.Since(start)
		return rep, fmt.Errorf("list due %s: %w", bucket, err)
	}
	rep.Matched = len(due)

	// one lookup per group per tick
	bodies := map[string]composed{}
	var cut error
	for i, d := range due {
		if err := validDue(d); err != nil {
			rep.Skipped++
			s.log.Warn("skipping malformed preference", logx.Int64("chat_id", d.ChatID), logx.String("bucket", bucket), logx.Err(err))
			continue
		}

		key := d.GroupID + "\x00" + d.GroupCode
		c, ok := bodies[key]
		if !ok {
			body, res, err := s.deps.Lookup.Tomorrow(ctx, d.GroupID, d.GroupCode, now)
			c = composed{body: body, empty: res.Empty, err: err}
			bodies[key] = c
		}
		if c.err != nil {
			if ctx.Err() != nil {
				rep.Unsent += len(due) - i
				cut = ctx.Err()
				break
			}
			rep.Skipped++
			s.log.Warn("skipping subscriber: schedule lookup failed",
				logx.Int64("chat_id", d.ChatID), logx.String("group", d.GroupID), logx.String("bucket", bucket), logx.Err(c.err))
			continue
		}

		err := s.deps.Queue.Enqueue(ctx, delivery.Request{Recipient: d.ChatID, Body: c.body, Source: "bucket:" + bucket})
		if err != nil {
			rep.Unsent += len(due) - i
			cut = err
			s.log.Warn("tick interrupted", logx.String("bucket", bucket), logx.Int("left", len(due)-i), logx.Err(err))
			break
		}
		rep.Enqueued++
		if c.empty {
			rep.Empty++
		}
	}

	rep.Took = time.Since(start)
	fields := []logx.Field{
		logx.String("bucket", bucket),
		logx.Int("matched", rep.Matched),
		logx.Int("enqueued", rep.Enqueued),
		logx.Int("skipped", rep.Skipped),
		logx.Int("empty", rep.Empty),
		logx.Duration("took", rep.Took),
	}
	if rep.Unsent > 0 {
		s.log.Warn("bucket tick cut short", append(fields, logx.Int("unsent", rep.Unsent))...)
	} else {
		s.log.Info("bucket tick done", fields...)
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: EventTick, Time: time.Now(), Data: rep})
	}

	return rep, cut
}

func validDue(d storage.Due) error {
	switch {
	case d.ChatID == 0:
		return errors.New("missing chat id")
	case strings.TrimSpace(d.GroupID) == "":
		return errors.New("missing group id")
	}
	return nil
}
