// Package attendance applies attendance mutations to the query cache.
// Toggle patches every cached lectures payload before the server answers
// and rolls the patch back if the server rejects it.
package attendance

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/smileynet/attend/internal/api"
	"github.com/smileynet/attend/internal/querycache"
	"github.com/smileynet/attend/internal/timetable"
)

// Backend is the subset of the API client the service calls.
// *api.Client satisfies it.
type Backend interface {
	LecturesRaw(ctx context.Context, from, to string) ([]byte, error)
	DashboardRaw(ctx context.Context) ([]byte, error)
	ToggleAttendance(ctx context.Context, lectureID string, attended bool) (api.Attendance, error)
	EnsureAttendance(ctx context.Context, lectureID string) (api.Attendance, error)
	UploadNote(ctx context.Context, attendanceID, filename string, r io.Reader) (api.Attendance, error)
	Summarize(ctx context.Context, attendanceID string) (string, error)
	ImportTimetable(ctx context.Context, slots []api.Slot) (api.ImportResult, error)
}

// Service runs reads and mutations against the backend through a cache.
type Service struct {
	backend Backend
	cache   *querycache.Cache
	log     zerolog.Logger
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. The default discards output.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithClock overrides the time source used for status derivation.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service.
func NewService(backend Backend, cache *querycache.Cache, opts ...Option) *Service {
	s := &Service{
		backend: backend,
		cache:   cache,
		log:     zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Toggle sets the attendance flag for a lecture. Every cached lectures
// payload is patched before the request is sent; if the request fails the
// payloads are restored exactly. The lectures and dashboard families are
// invalidated either way.
func (s *Service) Toggle(ctx context.Context, lectureID string, attended bool) (api.Attendance, error) {
	s.cache.Cancel(querycache.FamilyLectures)
	snapshots := s.cache.Entries(querycache.FamilyLectures)

	now := s.now()
	for _, e := range snapshots {
		patched, changed, err := PatchLectures(e.Data, lectureID, attended, now)
		if err != nil {
			s.log.Warn().Err(err).Str("key", e.Key.String()).Msg("skipping unreadable cache entry")
			continue
		}
		if changed {
			s.cache.Set(e.Key, patched)
		}
	}
	defer s.invalidate(querycache.FamilyLectures, querycache.FamilyDashboard)

	a, err := s.backend.ToggleAttendance(ctx, lectureID, attended)
	if err != nil {
		for _, e := range snapshots {
			s.cache.Restore(e)
		}
		s.log.Debug().Err(err).Str("lecture", lectureID).Int("entries", len(snapshots)).Msg("rolled back attendance patch")
		return api.Attendance{}, fmt.Errorf("attendance: toggling %s: %w", lectureID, err)
	}
	s.log.Debug().Str("lecture", lectureID).Bool("attended", attended).Msg("attendance confirmed")
	return a, nil
}

// Lectures returns the lectures payload for a date range, served from the
// cache while fresh.
func (s *Service) Lectures(ctx context.Context, from, to string) ([]api.Lecture, error) {
	data, err := s.cache.Fetch(ctx, querycache.Lectures(from, to), func(ctx context.Context) ([]byte, error) {
		return s.backend.LecturesRaw(ctx, from, to)
	})
	if err != nil {
		return nil, err
	}
	return api.DecodeLectures(data)
}

// Dashboard returns the dashboard, served from the cache while fresh.
func (s *Service) Dashboard(ctx context.Context) (api.Dashboard, error) {
	data, err := s.cache.Fetch(ctx, querycache.Dashboard(), s.backend.DashboardRaw)
	if err != nil {
		return api.Dashboard{}, err
	}
	return api.DecodeDashboard(data)
}

// UploadNote attaches a note to the caller's attendance row for a lecture,
// creating the row if needed.
func (s *Service) UploadNote(ctx context.Context, lectureID, filename string, r io.Reader) (api.Attendance, error) {
	row, err := s.backend.EnsureAttendance(ctx, lectureID)
	if err != nil {
		return api.Attendance{}, fmt.Errorf("attendance: resolving row for %s: %w", lectureID, err)
	}
	a, err := s.backend.UploadNote(ctx, row.ID, filename, r)
	if err != nil {
		return api.Attendance{}, fmt.Errorf("attendance: uploading note for %s: %w", lectureID, err)
	}
	s.invalidate(querycache.FamilyLectures, querycache.FamilyDashboard, querycache.FamilyAttendances)
	return a, nil
}

// Summarize requests a summary of the lecture's uploaded note.
func (s *Service) Summarize(ctx context.Context, lectureID string) (string, error) {
	row, err := s.backend.EnsureAttendance(ctx, lectureID)
	if err != nil {
		return "", fmt.Errorf("attendance: resolving row for %s: %w", lectureID, err)
	}
	summary, err := s.backend.Summarize(ctx, row.ID)
	if err != nil {
		return "", fmt.Errorf("attendance: summarizing %s: %w", lectureID, err)
	}
	s.invalidate(querycache.FamilyLectures, querycache.FamilyDashboard, querycache.FamilyAttendances)
	return summary, nil
}

// Import creates lectures from timetable slots and returns the start of the
// week to show next: the week of the first created lecture when the server
// reports one, otherwise the current week.
func (s *Service) Import(ctx context.Context, slots []api.Slot) (api.ImportResult, time.Time, error) {
	res, err := s.backend.ImportTimetable(ctx, slots)
	if err != nil {
		return api.ImportResult{}, time.Time{}, fmt.Errorf("attendance: importing timetable: %w", err)
	}
	s.invalidate(querycache.FamilyLectures, querycache.FamilyDashboard)

	focus := s.now()
	if res.FirstLectureDT != nil {
		focus = res.FirstLectureDT.In(focus.Location())
	}
	return res, timetable.WeekStart(focus), nil
}

func (s *Service) invalidate(families ...string) {
	for _, f := range families {
		s.cache.Invalidate(f)
	}
}
