package schedule

import (
	"strings"

	"schedbot/internal/timetable"
)

// ResolveSubject decides who resp describes. The upstream payload does not
// say which of several co-located groups was requested, so the order is:
// the caller's hint, then the request URL, then the first record's first group.
//
// A group hint whose ID matches no group in resp is returned unresolved
// (no Name, ok false) rather than replaced by another group.
func ResolveSubject(resp timetable.Response, hint *Subject) (Subject, bool) {
	if hint != nil {
		if s, ok := fromHint(resp, *hint); ok {
			return s, true
		}
		if hint.Kind == timetable.Group && hint.ID != "" {
			return Subject{Kind: timetable.Group, ID: hint.ID}, false
		}
	}
	if s, ok := fromURL(resp); ok {
		return s, true
	}
	for _, r := range resp.Records {
		for _, g := range r.Groups() {
			if g.Code != "" {
				return Subject{Kind: timetable.Group, ID: g.ID.String(), Name: g.Code}, true
			}
		}
	}
	return Subject{}, false
}

func fromHint(resp timetable.Response, h Subject) (Subject, bool) {
	switch h.Kind {
	case timetable.Lecturer:
		if h.Name == "" {
			h.Name = lecturerName(resp, h.ID)
		}
		return h, h.ID != "" || h.Name != ""
	case timetable.Group:
		if h.Name != "" {
			return h, true
		}
		if code := groupCode(resp, h.ID); code != "" {
			h.Name = code
			return h, true
		}
	}
	return Subject{}, false
}

func fromURL(resp timetable.Response) (Subject, bool) {
	u := strings.TrimSpace(resp.URL)
	if u == "" {
		return Subject{}, false
	}
	if strings.Contains(u, "/lecturers/") {
		id := lastSegment(u)
		if id == "" {
			return Subject{}, false
		}
		return Subject{Kind: timetable.Lecturer, ID: id, Name: lecturerName(resp, id)}, true
	}
	id := lastSegment(u)
	if code := groupCode(resp, id); code != "" {
		return Subject{Kind: timetable.Group, ID: id, Name: code}, true
	}
	return Subject{}, false
}

func lastSegment(u string) string {
	u = strings.TrimRight(u, "/")
	if i := strings.LastIndex(u, "/"); i >= 0 {
		return u[i+1:]
	}
	return u
}

func groupCode(resp timetable.Response, id string) string {
	if id == "" {
		return ""
	}
	for _, r := range resp.Records {
		for _, g := range r.Groups() {
			if g.ID.String() == id {
				return g.Code
			}
		}
	}
	return ""
}

func lecturerName(resp timetable.Response, id string) string {
	if id == "" {
		return ""
	}
	for _, r := range resp.Records {
		for _, l := range r.Lecturers {
			if l.ID.String() == id {
				return l.Name
			}
		}
	}
	return ""
}
