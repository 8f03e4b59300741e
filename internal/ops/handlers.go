package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"schedbot/internal/delivery"
	"schedbot/internal/lookup"
	"schedbot/internal/notify"
	rtsup "schedbot/internal/runtime/supervisor"
	"schedbot/internal/schedule"
	"schedbot/internal/storage"
	"schedbot/internal/timetable"
	logx "schedbot/pkg/logx"
)

type errorResponse struct {
	Error string `json:"error"`
}

type statsResponse struct {
	Uptime   string                    `json:"uptime"`
	Delivery *delivery.Stats           `json:"delivery,omitempty"`
	Cache    any                       `json:"cache,omitempty"`
	Buckets  []string                  `json:"buckets,omitempty"`
	Runtime  map[string]rtsup.Snapshot `json:"runtime,omitempty"`
}

type broadcastRequest struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type broadcastResponse struct {
	ID         string `json:"id"`
	Recipients int    `json:"recipients"`
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	render.Status(r, code)
	render.JSON(w, r, errorResponse{Error: msg})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	render.PlainText(w, r, "ok")
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	resp := statsResponse{}
	if !started.IsZero() {
		resp.Uptime = s.deps.Now().Sub(started).Truncate(time.Second).String()
	}
	if s.deps.Dispatcher != nil {
		st := s.deps.Dispatcher.Stats()
		resp.Delivery = &st
	}
	if s.deps.Cache != nil {
		resp.Cache = s.deps.Cache.Stats()
	}
	if s.deps.Scheduler != nil {
		resp.Buckets = s.deps.Scheduler.Buckets()
	}
	if s.deps.Runtime != nil {
		resp.Runtime = s.deps.Runtime()
	}
	render.JSON(w, r, resp)
}

func (s *Server) week(w http.ResponseWriter, r *http.Request) {
	now := s.deps.Now()
	if s.deps.Lookup != nil {
		now = now.In(s.deps.Lookup.Location())
	}
	render.PlainText(w, r, schedule.WeekText(now))
}

// schedule answers GET /schedule?group=ID[&code=CODE] or ?lecturer=ID, with
// an optional date=YYYYMMDD or YYYYMMDD-YYYYMMDD.
func (s *Server) schedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Lookup == nil {
		writeError(w, r, http.StatusServiceUnavailable, "lookup unavailable")
		return
	}
	qs := r.URL.Query()
	q := timetable.Query{Kind: timetable.Group, SubjectID: strings.TrimSpace(qs.Get("group"))}
	var hint *schedule.Subject
	if id := strings.TrimSpace(qs.Get("lecturer")); id != "" {
		q = timetable.Query{Kind: timetable.Lecturer, SubjectID: id}
	} else if code := strings.TrimSpace(qs.Get("code")); code != "" {
		hint = &schedule.Subject{Kind: timetable.Group, ID: q.SubjectID, Name: code}
	}
	if raw := qs.Get("date"); raw != "" {
		ds, err := timetable.ParseDateSpec(raw, s.deps.Lookup.Location())
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		q.Date = ds
	}
	if err := q.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.deps.Lookup.Lookup(r.Context(), q, hint)
	if err != nil {
		code := http.StatusBadGateway
		if !errors.Is(err, lookup.ErrUnavailable) {
			code = http.StatusGatewayTimeout
		}
		writeError(w, r, code, lookup.UserMessage(err))
		return
	}
	if res.Empty {
		render.PlainText(w, r, schedule.NoScheduleText)
		return
	}
	render.PlainText(w, r, schedule.Render(res.Schedule))
}

func (s *Server) invalidate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeError(w, r, http.StatusServiceUnavailable, "cache disabled")
		return
	}
	start := time.Now()
	n := s.deps.Cache.InvalidateAll(r.Context())
	s.log.Info("cache invalidated by operator", logx.Int("local_entries", n))
	s.audit(storage.AuditEntry{Action: "cache.invalidate", OK: n, TookMS: time.Since(start).Milliseconds()})
	render.JSON(w, r, map[string]int{"removed": n})
}

func (s *Server) createBroadcast(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil || s.deps.Recipients == nil {
		writeError(w, r, http.StatusServiceUnavailable, "broadcast unavailable")
		return
	}
	var req broadcastRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, r, http.StatusBadRequest, "text is required")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		req.Name = "ops"
	}

	recipients, err := s.deps.Recipients.ListRecipients(r.Context())
	if err != nil {
		s.log.Error("list recipients failed", logx.Err(err))
		writeError(w, r, http.StatusInternalServerError, "cannot list recipients")
		return
	}
	// the job outlives the request
	id, err := s.deps.Dispatcher.Broadcast(context.WithoutCancel(r.Context()), req.Name, recipients, req.Text)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, delivery.ErrStopped) {
			code = http.StatusServiceUnavailable
		}
		writeError(w, r, code, err.Error())
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, broadcastResponse{ID: id, Recipients: len(recipients)})
}

func (s *Server) getBroadcast(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil {
		writeError(w, r, http.StatusServiceUnavailable, "broadcast unavailable")
		return
	}
	st, ok := s.deps.Dispatcher.Job(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "unknown broadcast")
		return
	}
	render.JSON(w, r, st)
}

func (s *Server) runBucket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, r, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	bucket := chi.URLParam(r, "bucket")
	rep, err := s.deps.Scheduler.RunNow(r.Context(), bucket)
	switch {
	case errors.Is(err, notify.ErrUnknownBucket):
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, notify.ErrBusy):
		writeError(w, r, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.log.Warn("manual bucket run failed", logx.String("bucket", bucket), logx.Err(err))
		render.Status(r, http.StatusInternalServerError)
	}
	s.audit(storage.AuditEntry{Action: "bucket.run", Target: rep.Bucket, OK: rep.Enqueued, Fail: rep.Skipped + rep.Unsent, TookMS: rep.Took.Milliseconds()})
	render.JSON(w, r, rep)
}

func (s *Server) audit(e storage.AuditEntry) {
	if s.deps.Audit == nil {
		return
	}
	e.At = s.deps.Now()
	e.Actor = "ops"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.deps.Audit.AppendAudit(ctx, e); err != nil {
		s.log.Warn("audit write failed", logx.String("action", e.Action), logx.Err(err))
	}
}
