package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedbot/internal/cache"
	"schedbot/internal/delivery"
	"schedbot/internal/lookup"
	"schedbot/internal/notify"
	rtsup "schedbot/internal/runtime/supervisor"
	"schedbot/internal/schedule"
	"schedbot/internal/storage"
	"schedbot/internal/timetable"
	logx "schedbot/pkg/logx"
)

type fakeLookup struct {
	mu   sync.Mutex
	last timetable.Query
	hint *schedule.Subject
	res  lookup.Result
	err  error
}

func (f *fakeLookup) Lookup(_ context.Context, q timetable.Query, hint *schedule.Subject) (lookup.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last, f.hint = q, hint
	return f.res, f.err
}

func (f *fakeLookup) Location() *time.Location { return time.UTC }

type fakeCache struct{ removed int }

func (f *fakeCache) InvalidateAll(context.Context) int { return f.removed }
func (f *fakeCache) Stats() cache.Stats                 { return cache.Stats{LocalLen: 3} }

type fakeDispatcher struct {
	mu         sync.Mutex
	recipients []int64
	body       string
	jobs       map[string]delivery.JobStatus
	err        error
}

func (f *fakeDispatcher) Broadcast(_ context.Context, name string, recipients []int64, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.recipients, f.body = recipients, body
	return "job-1", nil
}

func (f *fakeDispatcher) Job(id string) (delivery.JobStatus, bool) {
	st, ok := f.jobs[id]
	return st, ok
}

func (f *fakeDispatcher) Stats() delivery.Stats { return delivery.Stats{Sent: 7, QueueCap: 16} }

type fakeRecipients []int64

func (f fakeRecipients) ListRecipients(context.Context) ([]int64, error) { return f, nil }

type fakeRunner struct{ err error }

func (f fakeRunner) RunNow(_ context.Context, bucket string) (notify.TickReport, error) {
	if f.err != nil {
		return notify.TickReport{}, f.err
	}
	return notify.TickReport{Bucket: bucket, Matched: 2, Enqueued: 2}, nil
}

func (fakeRunner) Buckets() []string { return notify.DefaultBuckets }

type fakeAudit struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (f *fakeAudit) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func do(t *testing.T, h http.Handler, method, target, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzAndStats(t *testing.T) {
	t.Parallel()
	s := New(Config{}, Deps{Dispatcher: &fakeDispatcher{}, Cache: &fakeCache{}, Scheduler: fakeRunner{}}, logx.Nop())
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.EqualValues(t, 7, got["delivery"].(map[string]any)["sent"])
	assert.EqualValues(t, 3, got["cache"].(map[string]any)["local_len"])
	assert.Len(t, got["buckets"], 5)
}

func TestStatsReportsSupervisedGoroutines(t *testing.T) {
	t.Parallel()
	sup := rtsup.NewSupervisor(context.Background())
	release := make(chan struct{})
	sup.Go0("drain", func(context.Context) { <-release })
	t.Cleanup(func() {
		close(release)
		_ = sup.Stop(context.Background())
	})
	require.Eventually(t, func() bool {
		g := sup.Snapshot().Goroutines
		return len(g) == 1 && g[0].Active == 1
	}, 2*time.Second, 5*time.Millisecond)

	s := New(Config{}, Deps{Runtime: func() map[string]rtsup.Snapshot {
		return map[string]rtsup.Snapshot{"delivery": sup.Snapshot()}
	}}, logx.Nop())

	rec := do(t, s.Handler(), http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	snap, ok := got.Runtime["delivery"]
	require.True(t, ok)
	require.Len(t, snap.Goroutines, 1)
	assert.Equal(t, "drain", snap.Goroutines[0].Name)
	assert.Equal(t, 1, snap.Goroutines[0].Active)
}

func TestTokenRequired(t *testing.T) {
	t.Parallel()
	h := New(Config{Token: "s3cret"}, Deps{}, logx.Nop()).Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/week", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/week", "", "Authorization", "Bearer nope").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/week", "", "Authorization", "Bearer s3cret").Code)
}

func TestScheduleLookup(t *testing.T) {
	t.Parallel()
	fl := &fakeLookup{res: lookup.Result{Empty: true}}
	h := New(Config{}, Deps{Lookup: fl}, logx.Nop()).Handler()

	rec := do(t, h, http.MethodGet, "/schedule?group=101&code=305c&date=20250304-20250305", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, schedule.NoScheduleText, rec.Body.String())
	assert.Equal(t, timetable.Group, fl.last.Kind)
	assert.True(t, fl.last.Date.IsRange())
	require.NotNil(t, fl.hint)
	assert.Equal(t, "305c", fl.hint.Name)

	rec = do(t, h, http.MethodGet, "/schedule?lecturer=77", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, timetable.Lecturer, fl.last.Kind)
	assert.Nil(t, fl.hint)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/schedule", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/schedule?group=1&date=xx", "").Code)
}

func TestScheduleUpstreamDown(t *testing.T) {
	t.Parallel()
	fl := &fakeLookup{err: lookup.ErrUnavailable}
	h := New(Config{}, Deps{Lookup: fl}, logx.Nop()).Handler()

	rec := do(t, h, http.MethodGet, "/schedule?group=101", "")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "Попробуйте позже")
}

func TestBroadcastLifecycle(t *testing.T) {
	t.Parallel()
	fd := &fakeDispatcher{jobs: map[string]delivery.JobStatus{"job-1": {ID: "job-1", Total: 3, Sent: 3}}}
	h := New(Config{}, Deps{Dispatcher: fd, Recipients: fakeRecipients{1, 2, 3}}, logx.Nop()).Handler()

	rec := do(t, h, http.MethodPost, "/broadcasts", `{"name":"exam","text":"hello"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created broadcastResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "job-1", created.ID)
	assert.Equal(t, 3, created.Recipients)
	assert.Equal(t, []int64{1, 2, 3}, fd.recipients)
	assert.Equal(t, "hello", fd.body)

	rec = do(t, h, http.MethodGet, "/broadcasts/job-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sent":3`)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/broadcasts/missing", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/broadcasts", `{"text":""}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/broadcasts", `{"text":"x","extra":1}`).Code)
}

func TestBroadcastWhenStopped(t *testing.T) {
	t.Parallel()
	fd := &fakeDispatcher{err: delivery.ErrStopped}
	h := New(Config{}, Deps{Dispatcher: fd, Recipients: fakeRecipients{1}}, logx.Nop()).Handler()
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, "/broadcasts", `{"text":"x"}`).Code)
}

func TestInvalidateAndRunBucketAreAudited(t *testing.T) {
	t.Parallel()
	fa := &fakeAudit{}
	h := New(Config{}, Deps{Cache: &fakeCache{removed: 4}, Scheduler: fakeRunner{}, Audit: fa}, logx.Nop()).Handler()

	rec := do(t, h, http.MethodPost, "/cache/invalidate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":4}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/buckets/20:00/run", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"enqueued":2`)

	require.Len(t, fa.entries, 2)
	assert.Equal(t, "cache.invalidate", fa.entries[0].Action)
	assert.Equal(t, "bucket.run", fa.entries[1].Action)
	assert.Equal(t, "ops", fa.entries[1].Actor)
}

func TestRunBucketErrors(t *testing.T) {
	t.Parallel()
	h := New(Config{}, Deps{Scheduler: fakeRunner{err: notify.ErrUnknownBucket}}, logx.Nop()).Handler()
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/buckets/09:00/run", "").Code)

	h = New(Config{}, Deps{Scheduler: fakeRunner{err: notify.ErrBusy}}, logx.Nop()).Handler()
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/buckets/08:00/run", "").Code)

	h = New(Config{}, Deps{}, logx.Nop()).Handler()
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, "/buckets/08:00/run", "").Code)
}

func TestPprofMountedOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	off := New(Config{}, Deps{}, logx.Nop()).Handler()
	assert.Equal(t, http.StatusNotFound, do(t, off, http.MethodGet, "/debug/pprof/", "").Code)

	on := New(Config{EnablePprof: true}, Deps{}, logx.Nop()).Handler()
	assert.Equal(t, http.StatusOK, do(t, on, http.MethodGet, "/debug/pprof/", "").Code)
}

func TestStartRefusesPublicAddr(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	require.ErrorIs(t, s.Start(context.Background()), ErrNotLoopback)

	assert.NoError(t, checkLoopback("localhost:80"))
	assert.NoError(t, checkLoopback("[::1]:80"))
	assert.Error(t, checkLoopback("nohost"))
}

func TestStartServeStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	require.NoError(t, s.Start(context.Background()))

	res, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}
