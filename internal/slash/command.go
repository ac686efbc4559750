// Package slash parses task commands typed into note rows and runs them
// against the task collaborator.
//
//	/task <title> [@assignee] [!priority] [due <phrase>] [#tag]
//
// Optional parts keep that relative order. Text that starts with /task but
// does not fully parse is not a command and stays in the row as typed.
package slash

import (
	"regexp"
	"strings"
	"time"

	"github.com/dohr-michael/huddle/internal/tasks"
)

var commandRe = regexp.MustCompile(
	`^/task\s+(?P<title>.+?)` +
		`(?:\s+@(?P<assignee>\S+))?` +
		`(?:\s+!(?P<priority>\S+))?` +
		`(?:\s+due\s+(?P<due>.+?))?` +
		`(?:\s+#(?P<tag>\S+))?\s*$`)

var (
	titleIdx    = commandRe.SubexpIndex("title")
	assigneeIdx = commandRe.SubexpIndex("assignee")
	priorityIdx = commandRe.SubexpIndex("priority")
	dueIdx      = commandRe.SubexpIndex("due")
	tagIdx      = commandRe.SubexpIndex("tag")
)

// Command is a parsed /task line.
type Command struct {
	Title    string
	Assignee string // mention token without "@"
	Priority tasks.TaskPriority
	Due      string // normalized due phrase, resolved by DueDate
	Tag      string
}

// TryExtract parses text as a task command. It has no side effects.
func TryExtract(text string) (Command, bool) {
	m := commandRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return Command{}, false
	}

	cmd := Command{
		Title:    strings.TrimSpace(m[titleIdx]),
		Assignee: m[assigneeIdx],
		Tag:      m[tagIdx],
	}
	if cmd.Title == "" || strings.ContainsAny(cmd.Title[:1], "@!#") {
		return Command{}, false
	}
	if p := m[priorityIdx]; p != "" {
		pr, ok := tasks.ParsePriority(p)
		if !ok {
			return Command{}, false
		}
		cmd.Priority = pr
	}
	if d := m[dueIdx]; d != "" {
		phrase, ok := normalizeDue(d)
		if !ok {
			return Command{}, false
		}
		cmd.Due = phrase
	}
	return cmd, true
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func normalizeDue(s string) (string, bool) {
	phrase := strings.Join(strings.Fields(strings.ToLower(s)), " ")
	switch phrase {
	case "today", "tomorrow", "next week":
		return phrase, true
	}
	if _, ok := weekdays[phrase]; ok {
		return phrase, true
	}
	if _, err := time.Parse(time.DateOnly, phrase); err == nil {
		return phrase, true
	}
	return "", false
}

// DueDate resolves the due phrase against now, as YYYY-MM-DD. Weekday names
// mean the next such day after today; "next week" means next Monday.
func (c Command) DueDate(now time.Time) string {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch c.Due {
	case "":
		return ""
	case "today":
		return day.Format(time.DateOnly)
	case "tomorrow":
		return day.AddDate(0, 0, 1).Format(time.DateOnly)
	case "next week":
		return nextWeekday(day, time.Monday).Format(time.DateOnly)
	}
	if wd, ok := weekdays[c.Due]; ok {
		return nextWeekday(day, wd).Format(time.DateOnly)
	}
	return c.Due
}

func nextWeekday(day time.Time, wd time.Weekday) time.Time {
	delta := (int(wd) - int(day.Weekday()) + 7) % 7
	if delta == 0 {
		delta = 7
	}
	return day.AddDate(0, 0, delta)
}
