package timetable

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// FlexString accepts a JSON string or number and keeps its textual form.
// The upstream is inconsistent about ids and lesson numbers.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string { return string(f) }

func (f FlexString) Int() int {
	n, _ := strconv.Atoi(string(f))
	return n
}

type Subject struct {
	Title string `json:"subjectTitle"`
}

type LecturerRef struct {
	ID   FlexString `json:"lecturerId,omitempty"`
	Name string     `json:"lecturerName"`
}

type GroupRef struct {
	ID   FlexString `json:"groupId"`
	Code string     `json:"groupCode"`
}

type groupWrapper struct {
	Group GroupRef `json:"lessonGroup"`
}

type Room struct {
	Title string `json:"roomTitle"`
}

type Building struct {
	Code    string `json:"buildingCode"`
	Address string `json:"buildingAddress"`
}

// Record is one lesson as the upstream reports it. Dates are YYYYMMDD,
// times HH:MM. Week is the upstream parity label ("Красная"/"Синяя") or empty.
type Record struct {
	Date       string         `json:"lessonDate"`
	Start      string         `json:"lessonTimeStart"`
	End        string         `json:"lessonTimeEnd"`
	Number     FlexString     `json:"lessonNum"`
	Subject    Subject        `json:"lessonSubject"`
	Type       string         `json:"lessonSubjectType"`
	Week       string         `json:"lessonWeek"`
	Lecturers  []LecturerRef  `json:"lessonLecturers"`
	GroupsRaw  []groupWrapper `json:"lessonGroups"`
	Room       Room           `json:"lessonRoom"`
	Building   Building       `json:"lessonBuilding"`
	Commentary string         `json:"lessonCommentary"`
}

// Groups flattens the nested lessonGroups list.
func (r Record) Groups() []GroupRef {
	out := make([]GroupRef, 0, len(r.GroupsRaw))
	for _, g := range r.GroupsRaw {
		out = append(out, g.Group)
	}
	return out
}

// HasGroupCode reports whether code is one of the record's groups.
func (r Record) HasGroupCode(code string) bool {
	for _, g := range r.GroupsRaw {
		if g.Group.Code == code {
			return true
		}
	}
	return false
}

// WithGroups returns a copy of r carrying the given groups. Test and fixture helper.
func (r Record) WithGroups(groups ...GroupRef) Record {
	r.GroupsRaw = make([]groupWrapper, 0, len(groups))
	for _, g := range groups {
		r.GroupsRaw = append(r.GroupsRaw, groupWrapper{Group: g})
	}
	return r
}

// Response is the outcome of one Fetch. Zero records is a valid result.
type Response struct {
	// URL is the resolved request URL without query parameters.
	URL     string   `json:"url"`
	Records []Record `json:"records"`
	// FellBack reports that the dateless retry produced this response.
	FellBack bool `json:"fell_back,omitempty"`
}

func (r Response) Empty() bool { return len(r.Records) == 0 }

type payload struct {
	Schedule *struct {
		Records []Record `json:"records"`
	} `json:"schedule"`
}
