package timetable

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SubjectKind distinguishes group schedules from lecturer schedules.
type SubjectKind string

const (
	Group    SubjectKind = "group"
	Lecturer SubjectKind = "lecturer"
)

const dateLayout = "20060102"

// DateSpec is a single day (To zero or equal to From) or an inclusive range.
// The zero DateSpec means "no date": the upstream picks its own default.
type DateSpec struct {
	From time.Time
	To   time.Time
}

func Day(t time.Time) DateSpec { return DateSpec{From: t} }

func Range(from, to time.Time) DateSpec { return DateSpec{From: from, To: to} }

func (d DateSpec) IsZero() bool { return d.From.IsZero() }

// IsRange reports whether the spec covers more than one calendar day.
func (d DateSpec) IsRange() bool {
	return !d.From.IsZero() && !d.To.IsZero() && d.To.Format(dateLayout) != d.From.Format(dateLayout)
}

// String renders the upstream "date" parameter: YYYYMMDD or YYYYMMDD-YYYYMMDD.
func (d DateSpec) String() string {
	if d.IsZero() {
		return ""
	}
	if d.IsRange() {
		return d.From.Format(dateLayout) + "-" + d.To.Format(dateLayout)
	}
	return d.From.Format(dateLayout)
}

// ParseDateSpec parses the String() form back into a DateSpec.
func ParseDateSpec(s string, loc *time.Location) (DateSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DateSpec{}, nil
	}
	if loc == nil {
		loc = time.Local
	}
	from, to, isRange := strings.Cut(s, "-")
	f, err := time.ParseInLocation(dateLayout, from, loc)
	if err != nil {
		return DateSpec{}, fmt.Errorf("date %q: %w", s, err)
	}
	if !isRange {
		return Day(f), nil
	}
	tt, err := time.ParseInLocation(dateLayout, to, loc)
	if err != nil {
		return DateSpec{}, fmt.Errorf("date %q: %w", s, err)
	}
	if tt.Before(f) {
		return DateSpec{}, fmt.Errorf("date %q: range end before start", s)
	}
	return Range(f, tt), nil
}

// Query identifies one upstream lookup. It is a value; build a new one per request.
type Query struct {
	Kind      SubjectKind
	SubjectID string
	Date      DateSpec
}

func (q Query) Validate() error {
	if q.Kind != Group && q.Kind != Lecturer {
		return fmt.Errorf("unknown subject kind %q", q.Kind)
	}
	id := strings.TrimSpace(q.SubjectID)
	if id == "" {
		return errors.New("subject id is required")
	}
	if strings.ContainsAny(id, "/?#") {
		return fmt.Errorf("subject id %q contains path characters", id)
	}
	return nil
}

// Key is the cache key for the query: kind:subject:date.
func (q Query) Key() string {
	return string(q.Kind) + ":" + strings.TrimSpace(q.SubjectID) + ":" + q.Date.String()
}
