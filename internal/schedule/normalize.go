package schedule

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"schedbot/internal/timetable"
)

const recordDateLayout = "20060102"

type slotKey struct {
	date, start, end, title, typ, week string
}

// Normalize groups resp into days. For group subjects only lessons that list
// the group code are kept. Records sharing a slot are merged. ok is false
// when nothing remains; that is a normal "no classes" outcome.
func Normalize(resp timetable.Response, hint *Subject, now time.Time) (Schedule, bool) {
	subj, resolved := ResolveSubject(resp, hint)
	out := Schedule{Subject: subj, CurrentParity: WeekParity(now)}
	if !resolved && subj.Kind == timetable.Group && subj.ID != "" {
		// the hinted group is not in any record
		return out, false
	}

	filter := subj.Kind == timetable.Group && subj.Name != ""

	byDate := map[string]*Day{}
	slots := map[slotKey]int{}

	for _, r := range resp.Records {
		if filter && !r.HasGroupCode(subj.Name) {
			continue
		}
		date, err := time.Parse(recordDateLayout, strings.TrimSpace(r.Date))
		if err != nil {
			continue
		}
		d, ok := byDate[r.Date]
		if !ok {
			d = &Day{Date: date, Weekday: WeekdayLabel(date)}
			byDate[r.Date] = d
		}

		k := slotKey{r.Date, r.Start, r.End, r.Subject.Title, r.Type, r.Week}
		if i, ok := slots[k]; ok {
			mergeInto(&d.Lessons[i], r)
			continue
		}
		slots[k] = len(d.Lessons)
		d.Lessons = append(d.Lessons, lessonFrom(r))
	}

	if len(byDate) == 0 {
		return out, false
	}

	out.Days = make([]Day, 0, len(byDate))
	for _, d := range byDate {
		sort.SliceStable(d.Lessons, func(i, j int) bool {
			return clockMinutes(d.Lessons[i].Start) < clockMinutes(d.Lessons[j].Start)
		})
		out.Days = append(out.Days, *d)
	}
	sort.Slice(out.Days, func(i, j int) bool { return out.Days[i].Date.Before(out.Days[j].Date) })
	return out, true
}

func lessonFrom(r timetable.Record) Lesson {
	l := Lesson{
		Number:     r.Number.Int(),
		Start:      strings.TrimSpace(r.Start),
		End:        strings.TrimSpace(r.End),
		Title:      strings.TrimSpace(r.Subject.Title),
		Type:       r.Type,
		TypeLabel:  TypeLabel(r.Type),
		Parity:     parseParity(strings.TrimSpace(r.Week)),
		Room:       strings.TrimSpace(r.Room.Title),
		Building:   strings.TrimSpace(r.Building.Code),
		Address:    strings.TrimSpace(r.Building.Address),
		Commentary: strings.TrimSpace(r.Commentary),
	}
	mergeInto(&l, timetable.Record{Lecturers: r.Lecturers, GroupsRaw: r.GroupsRaw})
	return l
}

func mergeInto(l *Lesson, r timetable.Record) {
	for _, lec := range r.Lecturers {
		l.Lecturers = appendUnique(l.Lecturers, strings.TrimSpace(lec.Name))
	}
	for _, g := range r.Groups() {
		l.Groups = appendUnique(l.Groups, strings.TrimSpace(g.Code))
	}
	if room := strings.TrimSpace(r.Room.Title); room != "" && l.Room != room && !containsPart(l.Room, room) {
		if l.Room == "" {
			l.Room = room
		} else {
			l.Room += ", " + room
		}
	}
	if l.Commentary == "" {
		l.Commentary = strings.TrimSpace(r.Commentary)
	}
	if l.Number == 0 {
		l.Number = r.Number.Int()
	}
}

func appendUnique(xs []string, v string) []string {
	if v == "" {
		return xs
	}
	for _, x := range xs {
		if x == v {
			return xs
		}
	}
	return append(xs, v)
}

func containsPart(joined, v string) bool {
	for _, p := range strings.Split(joined, ", ") {
		if p == v {
			return true
		}
	}
	return false
}

// clockMinutes parses H:MM or HH:MM; unparsable times sort last.
func clockMinutes(s string) int {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 1 << 20
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil {
		return 1 << 20
	}
	return hh*60 + mm
}
