package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// LectureStatus is the display status of a lecture.
type LectureStatus string

const (
	StatusUpcoming   LectureStatus = "upcoming"
	StatusMissed     LectureStatus = "missed"
	StatusAttended   LectureStatus = "attended"
	StatusSummarized LectureStatus = "summarized"
)

// Lecture is one scheduled occurrence of a course.
type Lecture struct {
	ID         string        `json:"id"`
	Course     string        `json:"course"`
	CourseName string        `json:"course_name"`
	StartDT    time.Time     `json:"start_dt"`
	EndDT      time.Time     `json:"end_dt"`
	Location   string        `json:"location"`
	Attended   *bool         `json:"attended"`
	Status     LectureStatus `json:"status"`
	Summary    string        `json:"summary,omitempty"`
}

// Attendance is the caller's attendance record for a lecture.
type Attendance struct {
	ID         string `json:"id"`
	Lecture    string `json:"lecture"`
	Attended   bool   `json:"attended"`
	NoteUpload string `json:"note_upload,omitempty"`
	Summary    string `json:"summary,omitempty"`
}

// Course is a course owned by the caller.
type Course struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ColorHex string `json:"color_hex"`
}

// CourseDashboard is a course with its lectures and attendance percentage.
type CourseDashboard struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ColorHex   string    `json:"color_hex"`
	Lectures   []Lecture `json:"lectures"`
	Percentage float64   `json:"percentage"`
}

// Dashboard is the aggregate returned by the dashboard endpoint.
type Dashboard struct {
	Courses []CourseDashboard `json:"courses"`
}

// Slot is one weekly recurrence to import. Times are UTC wall-clock "HH:MM";
// dates are "YYYY-MM-DD".
type Slot struct {
	Course    string `json:"course"` // name; the backend creates it if missing
	Weekday   string `json:"weekday"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	FromDate  string `json:"from_date"`
	ToDate    string `json:"to_date"`
	Location  string `json:"location"`
}

// ImportResult reports what a timetable import created.
type ImportResult struct {
	Created        int        `json:"created"`
	FirstLectureDT *time.Time `json:"first_lecture_dt,omitempty"`
}

// UnmarshalJSON accepts the summary object or the bare array of created
// lectures. For an array the first element's start is the first lecture.
func (r *ImportResult) UnmarshalJSON(data []byte) error {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		var created []struct {
			StartDT *time.Time `json:"start_dt"`
		}
		if err := json.Unmarshal(trimmed, &created); err != nil {
			return err
		}
		*r = ImportResult{Created: len(created)}
		if len(created) > 0 {
			r.FirstLectureDT = created[0].StartDT
		}
		return nil
	}
	type summary ImportResult
	var sum summary
	if err := json.Unmarshal(data, &sum); err != nil {
		return err
	}
	*r = ImportResult(sum)
	return nil
}

// Registration is a new account request.
type Registration struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	Password2 string `json:"password2"`
}

// DecodeList decodes a list payload that the server may return either as a
// plain JSON array or as a paginated object with a "results" array.
func DecodeList[T any](data []byte) ([]T, error) {
	var items []T
	if err := json.Unmarshal(data, &items); err == nil {
		return items, nil
	}
	var page struct {
		Results *[]T `json:"results"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("api: decoding list: %w", err)
	}
	if page.Results == nil {
		return nil, fmt.Errorf("api: decoding list: payload is neither an array nor an object with results")
	}
	return *page.Results, nil
}

// DecodeLectures decodes a cached or fetched lectures payload.
func DecodeLectures(data []byte) ([]Lecture, error) {
	return DecodeList[Lecture](data)
}

// DecodeDashboard decodes a cached or fetched dashboard payload.
func DecodeDashboard(data []byte) (Dashboard, error) {
	var d Dashboard
	if err := json.Unmarshal(data, &d); err != nil {
		return Dashboard{}, fmt.Errorf("api: decoding dashboard: %w", err)
	}
	return d, nil
}
