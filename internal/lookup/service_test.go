package lookup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedbot/internal/cache"
	"schedbot/internal/timetable"
	logx "schedbot/pkg/logx"
)

type fakeSource struct {
	mu      sync.Mutex
	queries []timetable.Query
	resp    timetable.Response
	err     error
}

func (f *fakeSource) Fetch(_ context.Context, q timetable.Query) (timetable.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.resp, f.err
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

var (
	msk   = time.FixedZone("MSK", 3*3600)
	group = timetable.GroupRef{ID: "101", Code: "305с11-4"}
)

func lesson(date, start string) timetable.Record {
	r := timetable.Record{Date: date, Start: start, End: "23:59", Subject: timetable.Subject{Title: "T" + start}}
	return r.WithGroups(group)
}

func newService(t *testing.T, src *fakeSource) *Service {
	t.Helper()
	c, err := cache.New(cache.Options[timetable.Response]{}, logx.Nop())
	require.NoError(t, err)
	return New(src, c, Options{TTL: time.Minute, Location: msk}, logx.Nop())
}

func TestLookupUsesCache(t *testing.T) {
	t.Parallel()
	src := &fakeSource{resp: timetable.Response{Records: []timetable.Record{lesson("20250304", "08:00")}}}
	svc := newService(t, src)

	q := timetable.Query{Kind: timetable.Group, SubjectID: "101"}
	for i := 0; i < 3; i++ {
		res, err := svc.Lookup(context.Background(), q, nil)
		require.NoError(t, err)
		assert.False(t, res.Empty)
		assert.Equal(t, "305с11-4", res.Schedule.Subject.Name)
	}
	assert.Equal(t, 1, src.Calls())
}

func TestLookupWrapsUpstreamFailure(t *testing.T) {
	t.Parallel()
	src := &fakeSource{err: &timetable.FetchError{Reason: "http_status:503"}}
	svc := newService(t, src)

	_, err := svc.Lookup(context.Background(), timetable.Query{Kind: timetable.Group, SubjectID: "101"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, timetable.ErrUpstream)
	assert.Equal(t, "Не удалось получить расписание. Попробуйте позже.", UserMessage(err))
}

func TestLookupRejectsInvalidQuery(t *testing.T) {
	t.Parallel()
	svc := newService(t, &fakeSource{})
	_, err := svc.Lookup(context.Background(), timetable.Query{Kind: timetable.Group}, nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnavailable))
}

func TestTomorrowQueriesNextDay(t *testing.T) {
	t.Parallel()
	src := &fakeSource{resp: timetable.Response{Records: []timetable.Record{lesson("20250305", "08:00")}}}
	svc := newService(t, src)

	// 22:30 UTC on the 3rd is already the 4th in MSK.
	now := time.Date(2025, 3, 3, 22, 30, 0, 0, time.UTC)
	body, res, err := svc.Tomorrow(context.Background(), "101", "305с11-4", now)
	require.NoError(t, err)
	assert.False(t, res.Empty)
	assert.Contains(t, body, "📅 Расписание на завтра:")

	require.Equal(t, 1, src.Calls())
	assert.Equal(t, "20250305", src.queries[0].Date.String())
}

func TestTomorrowEmptyIsNoClassesBody(t *testing.T) {
	t.Parallel()
	svc := newService(t, &fakeSource{})
	now := time.Date(2025, 3, 4, 9, 0, 0, 0, msk)

	body, res, err := svc.Tomorrow(context.Background(), "101", "305с11-4", now)
	require.NoError(t, err)
	assert.True(t, res.Empty)
	assert.Equal(t, "📅 На завтра (05.03.2025) занятий нет", body)
}

func TestNextDayCrossesMonth(t *testing.T) {
	t.Parallel()
	got := NextDay(time.Date(2025, 2, 28, 23, 0, 0, 0, msk), msk)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, msk), got)
	assert.Equal(t, "", UserMessage(nil))
}
