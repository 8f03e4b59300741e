package schedule

import (
	"fmt"
	"html"
	"strings"
	"time"

	"schedbot/internal/timetable"
)

const dayRule = "━━━━━━━━━━━━━━━━━━━━━"

// NoScheduleText is shown for on-demand lookups that came back empty.
const NoScheduleText = "Расписание отсутствует"

// Render formats s as Telegram HTML.
func Render(s Schedule) string {
	if len(s.Days) == 0 {
		return NoScheduleText
	}
	var b strings.Builder
	b.WriteString("<b>📅 РАСПИСАНИЕ ")
	b.WriteString(html.EscapeString(headerSubject(s.Subject)))
	b.WriteString("</b>\n\n")

	showGroups := s.Subject.Kind != timetable.Group
	for _, d := range s.Days {
		fmt.Fprintf(&b, "<b>📆 %s (%s)</b>\n%s\n", d.Date.Format("02.01.2006"), d.Weekday, dayRule)
		for _, l := range d.Lessons {
			renderLesson(&b, l, showGroups)
		}
	}

	if mark := s.CurrentParity.Mark(); mark != "" {
		fmt.Fprintf(&b, "\n<i>Текущая неделя: %s %s</i>", mark, s.CurrentParity)
	}
	return b.String()
}

func headerSubject(s Subject) string {
	switch {
	case s.Kind == timetable.Lecturer:
		return "преподавателя " + s.Label()
	case s.Label() != "":
		return "группы " + s.Label()
	default:
		return ""
	}
}

func renderLesson(b *strings.Builder, l Lesson, showGroups bool) {
	esc := html.EscapeString
	if l.Number > 0 {
		fmt.Fprintf(b, "<b>%d пара</b>\n", l.Number)
	}
	fmt.Fprintf(b, "🕒 <b>%s-%s</b> | %s\n", esc(l.Start), esc(l.End), esc(l.Title))
	b.WriteString("📝 " + esc(l.TypeLabel))
	if mark := l.Parity.Mark(); mark != "" {
		b.WriteString(" | " + mark)
	}
	b.WriteString("\n")
	if len(l.Lecturers) > 0 {
		b.WriteString("👨‍🏫 " + esc(strings.Join(l.Lecturers, ", ")) + "\n")
	}
	if showGroups {
		b.WriteString("Группы: " + esc(strings.Join(l.Groups, ", ")) + "\n")
	}
	b.WriteString("📍 " + esc(Location(l)) + "\n")
	if l.Commentary != "" {
		b.WriteString("💬 " + esc(l.Commentary) + "\n")
	}
	b.WriteString("\n")
}

// Location renders the room line: room and building, else the address.
func Location(l Lesson) string {
	switch {
	case l.Room != "" && l.Building != "":
		loc := "ауд. " + l.Room + ", корпус " + l.Building
		if l.Address != "" {
			loc += " (" + l.Address + ")"
		}
		return loc
	case l.Address != "":
		return l.Address
	default:
		return "Место не указано"
	}
}

// TomorrowBody is the scheduled notification text for date.
func TomorrowBody(s Schedule, ok bool, date time.Time) string {
	if !ok || len(s.Days) == 0 {
		return fmt.Sprintf("📅 На завтра (%s) занятий нет", date.Format("02.01.2006"))
	}
	return "📅 Расписание на завтра:\n\n" + Render(s)
}

// WeekText is the reply for "which week is it".
func WeekText(now time.Time) string {
	p := WeekParity(now)
	return fmt.Sprintf("Сейчас идёт %s %s неделя", p.Mark(), p)
}
