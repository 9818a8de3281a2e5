// Package render formats lectures, dashboards, and command results as
// line-oriented text for the terminal.
package render

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/smileynet/attend/internal/api"
)

// Status label colors.
var statusColors = map[api.LectureStatus]lipgloss.AdaptiveColor{
	api.StatusUpcoming:   {Light: "4", Dark: "12"}, // blue
	api.StatusAttended:   {Light: "2", Dark: "10"}, // green
	api.StatusMissed:     {Light: "1", Dark: "9"},  // red
	api.StatusSummarized: {Light: "5", Dark: "13"}, // magenta
}

var dimColor = lipgloss.AdaptiveColor{Light: "240", Dark: "245"}

// Printer writes formatted output to w.
type Printer struct {
	w     io.Writer
	color bool
	loc   *time.Location
}

// Option configures a Printer.
type Option func(*Printer)

// WithColor forces colored output on or off, overriding TTY detection.
func WithColor(on bool) Option {
	return func(p *Printer) { p.color = on }
}

// WithLocation sets the zone lecture times are shown in. Default time.Local.
func WithLocation(loc *time.Location) Option {
	return func(p *Printer) { p.loc = loc }
}

// New returns a Printer that colors status labels only when w is a terminal.
func New(w io.Writer, opts ...Option) *Printer {
	p := &Printer{w: w, color: isTTY(w), loc: time.Local}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// isTTY reports whether w is connected to a terminal.
func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// StatusBadge returns the status label, colored when the printer is.
func (p *Printer) StatusBadge(s api.LectureStatus) string {
	label := string(s)
	if label == "" {
		label = "unknown"
	}
	if !p.color {
		return "[" + label + "]"
	}
	c, ok := statusColors[s]
	if !ok {
		c = dimColor
	}
	return lipgloss.NewStyle().Foreground(c).Render(label)
}

func (p *Printer) dim(s string) string {
	if !p.color {
		return s
	}
	return lipgloss.NewStyle().Foreground(dimColor).Render(s)
}

func (p *Printer) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, format, args...)
}

// Week prints the lectures of the Sunday-based week starting at weekStart,
// grouped by local day. Days without lectures are omitted.
func (p *Printer) Week(weekStart time.Time, lectures []api.Lecture) {
	start := weekStart.In(p.loc)
	end := start.AddDate(0, 0, 6)
	p.printf("Week of %s - %s\n", start.Format("Mon 2 Jan"), end.Format("Mon 2 Jan 2006"))

	byDay := make(map[string][]api.Lecture)
	for _, l := range lectures {
		day := l.StartDT.In(p.loc).Format("2006-01-02")
		byDay[day] = append(byDay[day], l)
	}
	if len(lectures) == 0 {
		p.printf("  No lectures this week.\n")
		return
	}

	for d := 0; d < 7; d++ {
		day := start.AddDate(0, 0, d)
		ls := byDay[day.Format("2006-01-02")]
		if len(ls) == 0 {
			continue
		}
		sortByStart(ls)
		p.printf("\n%s\n", day.Format("Monday 2 Jan"))
		for _, l := range ls {
			p.lectureLine("  ", l)
		}
	}
}

// Lectures prints lectures in start order, one per line with the date.
func (p *Printer) Lectures(lectures []api.Lecture) {
	if len(lectures) == 0 {
		p.printf("No lectures.\n")
		return
	}
	ls := append([]api.Lecture(nil), lectures...)
	sortByStart(ls)
	for _, l := range ls {
		p.lectureLine(l.StartDT.In(p.loc).Format("Mon 2006-01-02 "), l)
	}
}

func (p *Printer) lectureLine(prefix string, l api.Lecture) {
	start := l.StartDT.In(p.loc).Format("15:04")
	end := l.EndDT.In(p.loc).Format("15:04")
	name := l.CourseName
	if name == "" {
		name = l.Course
	}
	line := fmt.Sprintf("%s%s-%s  %-20s %s", prefix, start, end, name, p.StatusBadge(l.Status))
	if l.Location != "" {
		line += "  @ " + l.Location
	}
	p.printf("%s  %s\n", line, p.dim(l.ID))
}

func sortByStart(ls []api.Lecture) {
	sort.SliceStable(ls, func(i, j int) bool { return ls[i].StartDT.Before(ls[j].StartDT) })
}

// Dashboard prints one line per course with its attendance percentage and
// status counts.
func (p *Printer) Dashboard(d api.Dashboard) {
	if len(d.Courses) == 0 {
		p.printf("No courses yet. Import a timetable to get started.\n")
		return
	}
	width := 0
	for _, c := range d.Courses {
		width = max(width, len(c.Name))
	}
	for _, c := range d.Courses {
		counts := make(map[api.LectureStatus]int)
		for _, l := range c.Lectures {
			counts[l.Status]++
		}
		p.printf("%-*s %5.1f%%  %s\n", width, c.Name, c.Percentage, p.countSummary(counts))
	}
}

func (p *Printer) countSummary(counts map[api.LectureStatus]int) string {
	var parts []string
	for _, s := range []api.LectureStatus{api.StatusAttended, api.StatusSummarized, api.StatusMissed, api.StatusUpcoming} {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	if len(parts) == 0 {
		return p.dim("no lectures")
	}
	return strings.Join(parts, ", ")
}

// Courses prints one course per line.
func (p *Printer) Courses(courses []api.Course) {
	if len(courses) == 0 {
		p.printf("No courses.\n")
		return
	}
	for _, c := range courses {
		p.printf("%-24s %s  %s\n", c.Name, c.ColorHex, p.dim(c.ID))
	}
}

// Marked reports the result of an attendance toggle.
func (p *Printer) Marked(lectureID string, a api.Attendance) {
	s := api.StatusMissed
	if a.Attended {
		s = api.StatusAttended
	}
	p.printf("Marked %s %s\n", lectureID, p.StatusBadge(s))
}

// NoteUploaded reports an uploaded note.
func (p *Printer) NoteUploaded(lectureID string, a api.Attendance) {
	p.printf("Uploaded note for %s: %s\n", lectureID, a.NoteUpload)
}

// Summary prints a lecture summary.
func (p *Printer) Summary(lectureID, summary string) {
	p.printf("Summary for %s:\n%s\n", lectureID, strings.TrimRight(summary, "\n"))
}

// Imported reports a timetable import and the week to look at next.
func (p *Printer) Imported(res api.ImportResult, week time.Time) {
	from := week.In(p.loc)
	p.printf("Created %d lectures. See the week of %s (attend week --week %s).\n",
		res.Created, from.Format("Mon 2 Jan 2006"), from.Format("2006-01-02"))
}
