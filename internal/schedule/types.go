package schedule

import (
	"time"

	"schedbot/internal/timetable"
)

// Parity is the academic week colour. Odd ISO weeks are red.
type Parity int

const (
	ParityUnknown Parity = iota
	ParityOdd
	ParityEven
)

func (p Parity) String() string {
	switch p {
	case ParityOdd:
		return "Красная"
	case ParityEven:
		return "Синяя"
	default:
		return ""
	}
}

// Mark is the emoji used in rendered output.
func (p Parity) Mark() string {
	switch p {
	case ParityOdd:
		return "🔴"
	case ParityEven:
		return "🔵"
	default:
		return ""
	}
}

func parseParity(s string) Parity {
	switch s {
	case "Красная":
		return ParityOdd
	case "Синяя":
		return ParityEven
	default:
		return ParityUnknown
	}
}

// WeekParity returns the parity of t's ISO week.
func WeekParity(t time.Time) Parity {
	_, w := t.ISOWeek()
	if w%2 == 1 {
		return ParityOdd
	}
	return ParityEven
}

// Subject is who a schedule was requested for. Name is the group code or
// the lecturer name; it may be empty for lecturers the payload does not name.
type Subject struct {
	Kind timetable.SubjectKind
	ID   string
	Name string
}

func (s Subject) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

type Lesson struct {
	Number     int
	Start      string
	End        string
	Title      string
	Type       string
	TypeLabel  string
	Parity     Parity
	Lecturers  []string
	Groups     []string
	Room       string
	Building   string
	Address    string
	Commentary string
}

type Day struct {
	Date    time.Time
	Weekday string
	Lessons []Lesson
}

// Schedule is derived from a timetable.Response; build a new one per call.
type Schedule struct {
	Subject       Subject
	Days          []Day
	CurrentParity Parity
}

func (s Schedule) LessonCount() int {
	n := 0
	for _, d := range s.Days {
		n += len(d.Lessons)
	}
	return n
}

var weekdays = map[time.Weekday]string{
	time.Monday:    "Понедельник",
	time.Tuesday:   "Вторник",
	time.Wednesday: "Среда",
	time.Thursday:  "Четверг",
	time.Friday:    "Пятница",
	time.Saturday:  "Суббота",
	time.Sunday:    "Воскресенье",
}

var lessonTypes = map[string]string{
	"лек.":  "Лекция",
	"пр.з.": "Практика",
	"лаб.":  "Лабораторная",
}

// TypeLabel maps an upstream lesson type code to its display label.
func TypeLabel(code string) string {
	if l, ok := lessonTypes[code]; ok {
		return l
	}
	if code == "" {
		return "Занятие"
	}
	return code
}

func WeekdayLabel(t time.Time) string { return weekdays[t.Weekday()] }
