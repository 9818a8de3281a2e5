// Package timetable turns a recurring class schedule entered in local time
// into the weekly slots the import endpoint expects.
package timetable

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smileynet/attend/internal/api"
)

const (
	dateLayout  = "2006-01-02"
	clockLayout = "15:04"
)

// Sentinel errors for caller-checkable conditions.
var (
	ErrBadDate          = errors.New("timetable: invalid date")
	ErrBadTime          = errors.New("timetable: invalid time")
	ErrBadWeekday       = errors.New("timetable: invalid weekday")
	ErrNoDays           = errors.New("timetable: no weekdays selected")
	ErrDateOrder        = errors.New("timetable: start date is after end date")
	ErrTimeOrder        = errors.New("timetable: end time is not after start time")
	ErrNoMatchingDates  = errors.New("timetable: no selected weekday falls in the date range")
	ErrSpansUTCMidnight = errors.New("timetable: class spans midnight UTC")
)

// Form is a recurring schedule in the user's local time.
type Form struct {
	Course    string // course name
	Location  string
	StartDate string // YYYY-MM-DD
	EndDate   string // YYYY-MM-DD
	StartTime string // HH:MM
	EndTime   string // HH:MM
	Days      []time.Weekday
	Zone      *time.Location // nil means time.Local
}

func (f Form) zone() *time.Location {
	if f.Zone == nil {
		return time.Local
	}
	return f.Zone
}

// BuildSlots returns one slot per selected weekday. Times are converted to
// the UTC wall clock; when that conversion moves the class to another UTC
// day, the weekday and date range move with it.
func BuildSlots(f Form) ([]api.Slot, error) {
	start, end, err := f.dateRange()
	if err != nil {
		return nil, err
	}
	if len(f.Days) == 0 {
		return nil, ErrNoDays
	}
	startMin, err := parseClock(f.StartTime)
	if err != nil {
		return nil, err
	}
	endMin, err := parseClock(f.EndTime)
	if err != nil {
		return nil, err
	}
	if endMin <= startMin {
		return nil, fmt.Errorf("%w: %s-%s", ErrTimeOrder, f.StartTime, f.EndTime)
	}
	if len(datesInRange(start, end, f.Days)) == 0 {
		return nil, ErrNoMatchingDates
	}

	var slots []api.Slot
	for _, day := range dedupe(f.Days) {
		first := firstOnOrAfter(start, day)
		startUTC := atClock(first, startMin).UTC()
		endUTC := atClock(first, endMin).UTC()

		shift := dayShift(first, startUTC)
		if dayShift(first, endUTC) != shift {
			return nil, fmt.Errorf("%w: %s %s-%s", ErrSpansUTCMidnight, day, f.StartTime, f.EndTime)
		}

		slots = append(slots, api.Slot{
			Course:    f.Course,
			Weekday:   weekdayName(startUTC.Weekday()),
			StartTime: startUTC.Format(clockLayout),
			EndTime:   endUTC.Format(clockLayout),
			FromDate:  start.AddDate(0, 0, shift).Format(dateLayout),
			ToDate:    end.AddDate(0, 0, shift).Format(dateLayout),
			Location:  f.Location,
		})
	}
	return slots, nil
}

// atClock returns the wall-clock time minutes past midnight on d's date in
// d's zone.
func atClock(d time.Time, minutes int) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), minutes/60, minutes%60, 0, 0, d.Location())
}

// DatesInRange lists the local dates (YYYY-MM-DD) in the form's range that
// fall on a selected weekday.
func DatesInRange(f Form) ([]string, error) {
	start, end, err := f.dateRange()
	if err != nil {
		return nil, err
	}
	return datesInRange(start, end, f.Days), nil
}

func (f Form) dateRange() (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(dateLayout, f.StartDate, f.zone())
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrBadDate, f.StartDate)
	}
	end, err := time.ParseInLocation(dateLayout, f.EndDate, f.zone())
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrBadDate, f.EndDate)
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s > %s", ErrDateOrder, f.StartDate, f.EndDate)
	}
	return start, end, nil
}

func datesInRange(start, end time.Time, days []time.Weekday) []string {
	want := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		want[d] = true
	}
	var out []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if want[d.Weekday()] {
			out = append(out, d.Format(dateLayout))
		}
	}
	return out
}

func firstOnOrAfter(d time.Time, day time.Weekday) time.Time {
	return d.AddDate(0, 0, (int(day)-int(d.Weekday())+7)%7)
}

// dayShift is the number of calendar days between local midnight and the
// UTC date of t.
func dayShift(localMidnight, t time.Time) int {
	ly, lm, ld := localMidnight.Date()
	uy, um, ud := t.Date()
	l := time.Date(ly, lm, ld, 0, 0, 0, 0, time.UTC)
	u := time.Date(uy, um, ud, 0, 0, 0, 0, time.UTC)
	return int(u.Sub(l).Hours() / 24)
}

func parseClock(s string) (int, error) {
	t, err := time.Parse(clockLayout, s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadTime, s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func dedupe(days []time.Weekday) []time.Weekday {
	seen := make(map[time.Weekday]bool, len(days))
	var out []time.Weekday
	for _, d := range days {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

// weekdayName returns the backend's three-letter weekday ("Mon".."Sun").
func weekdayName(d time.Weekday) string {
	return d.String()[:3]
}

// ParseWeekday accepts a weekday name or its three-letter prefix, in any case.
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) >= 3 {
		for d := time.Sunday; d <= time.Saturday; d++ {
			name := strings.ToLower(d.String())
			if strings.HasPrefix(name, s) {
				return d, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrBadWeekday, s)
}

// ParseDays parses a comma-separated weekday list such as "mon,wed,fri".
func ParseDays(s string) ([]time.Weekday, error) {
	var days []time.Weekday
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		d, err := ParseWeekday(part)
		if err != nil {
			return nil, err
		}
		days = append(days, d)
	}
	return days, nil
}

// WeekStart returns midnight of the Sunday starting t's week, in t's location.
func WeekStart(t time.Time) time.Time {
	y, m, d := t.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return midnight.AddDate(0, 0, -int(midnight.Weekday()))
}

// WeekRange returns the first and last dates (YYYY-MM-DD) of the Sunday-based
// week containing t.
func WeekRange(t time.Time) (from, to string) {
	start := WeekStart(t)
	return start.Format(dateLayout), start.AddDate(0, 0, 6).Format(dateLayout)
}
