// Package lookup serves normalized schedules: cache, then upstream, then
// the normalizer. Scheduled notifications and on-demand callers share it.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"schedbot/internal/schedule"
	"schedbot/internal/timetable"
	logx "schedbot/pkg/logx"
)

// ErrUnavailable wraps upstream failures. Callers show a "try again later" reply.
var ErrUnavailable = errors.New("schedule temporarily unavailable")

// Fetcher is the upstream adapter.
type Fetcher interface {
	Fetch(ctx context.Context, q timetable.Query) (timetable.Response, error)
}

// Cache is the subset of cache.Tiered the service needs.
type Cache interface {
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(context.Context) (timetable.Response, error)) (timetable.Response, error)
}

type Result struct {
	Schedule schedule.Schedule
	Empty    bool
	Response timetable.Response
}

type Service struct {
	src   Fetcher
	cache Cache
	ttl   time.Duration
	loc   atomic.Pointer[time.Location]
	now   func() time.Time
	log   logx.Logger
}

type Options struct {
	TTL      time.Duration
	Location *time.Location
	Now      func() time.Time
}

// New wires the lookup path. cache may be nil, in which case every call hits upstream.
func New(src Fetcher, cache Cache, opt Options, log logx.Logger) *Service {
	if opt.Location == nil {
		opt.Location = time.Local
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		src:   src,
		cache: cache,
		ttl:   opt.TTL,
		now:   opt.Now,
		log:   log.With(logx.Component("lookup")),
	}
	s.loc.Store(opt.Location)
	return s
}

// SetLocation changes the zone used to resolve "tomorrow" and parity.
func (s *Service) SetLocation(loc *time.Location) {
	if loc != nil {
		s.loc.Store(loc)
	}
}

func (s *Service) Location() *time.Location { return s.loc.Load() }

func (s *Service) Lookup(ctx context.Context, q timetable.Query, hint *schedule.Subject) (Result, error) {
	if err := q.Validate(); err != nil {
		return Result{}, err
	}
	fetch := func(ctx context.Context) (timetable.Response, error) { return s.src.Fetch(ctx, q) }

	var (
		resp timetable.Response
		err  error
	)
	if s.cache != nil {
		resp, err = s.cache.GetOrFetch(ctx, q.Key(), s.ttl, fetch)
	} else {
		resp, err = fetch(ctx)
	}
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		s.log.Warn("schedule lookup failed", logx.String("subject", q.SubjectID), logx.String("kind", string(q.Kind)), logx.String("date", q.Date.String()), logx.Err(err))
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	sched, ok := schedule.Normalize(resp, hint, s.now().In(s.loc.Load()))
	return Result{Schedule: sched, Empty: !ok, Response: resp}, nil
}

// Tomorrow looks up the next calendar day after now for a group and returns
// the notification body for it.
func (s *Service) Tomorrow(ctx context.Context, groupID, groupCode string, now time.Time) (string, Result, error) {
	date := NextDay(now, s.loc.Load())
	res, err := s.Lookup(ctx, timetable.Query{
		Kind:      timetable.Group,
		SubjectID: groupID,
		Date:      timetable.Day(date),
	}, &schedule.Subject{Kind: timetable.Group, ID: groupID, Name: strings.TrimSpace(groupCode)})
	if err != nil {
		return "", Result{}, err
	}
	return schedule.TomorrowBody(res.Schedule, !res.Empty, date), res, nil
}

// NextDay is midnight of the day after now in loc.
func NextDay(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t := now.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
}

// UserMessage maps a lookup error to the text shown to a subscriber.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnavailable):
		return "Не удалось получить расписание. Попробуйте позже."
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Сервер расписания не отвечает. Попробуйте позже."
	default:
		return "Некорректный запрос расписания."
	}
}
