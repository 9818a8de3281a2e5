// Package api is a typed client for the attendance backend's REST endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/smileynet/attend/internal/credentials"
)

// maxBody bounds how much of any response is read.
const maxBody = 16 << 20

// Doer sends authenticated requests. *authhttp.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client calls the backend. Token issuance and refresh go through the bare
// HTTP client; everything else goes through the authenticated Doer.
type Client struct {
	baseURL *url.URL
	auth    Doer
	bare    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBareClient sets the unauthenticated HTTP client used for login,
// refresh, registration, and ping.
func WithBareClient(hc *http.Client) Option {
	return func(c *Client) { c.bare = hc }
}

// New creates a Client for the API rooted at baseURL (e.g. "https://host/api").
// auth may be nil until SetDoer is called; only unauthenticated calls work then.
func New(baseURL string, auth Doer, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("api: parsing base URL: %w", err)
	}
	c := &Client{baseURL: u, auth: auth, bare: http.DefaultClient}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SetDoer sets the authenticated transport. The authenticated client needs
// Refresh from this Client, so the two are wired after construction.
func (c *Client) SetDoer(d Doer) {
	c.auth = d
}

// Login exchanges a username and password for a token pair.
func (c *Client) Login(ctx context.Context, username, password string) (credentials.Pair, error) {
	var p credentials.Pair
	body := map[string]string{"username": username, "password": password}
	if err := c.call(ctx, c.bare, http.MethodPost, "token/", nil, body, &p); err != nil {
		return credentials.Pair{}, err
	}
	if p.Access == "" || p.Refresh == "" {
		return credentials.Pair{}, fmt.Errorf("api: login response is missing tokens")
	}
	return p, nil
}

// Refresh exchanges a refresh token for a new access token.
// It has the signature of authhttp.RefreshFunc.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (string, error) {
	var out struct {
		Access string `json:"access"`
	}
	if err := c.call(ctx, c.bare, http.MethodPost, "token/refresh/", nil, map[string]string{"refresh": refreshToken}, &out); err != nil {
		return "", err
	}
	return out.Access, nil
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, r Registration) error {
	return c.call(ctx, c.bare, http.MethodPost, "register/", nil, r, nil)
}

// Ping checks that the backend is reachable.
func (c *Client) Ping(ctx context.Context) error {
	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.call(ctx, c.bare, http.MethodGet, "ping/", nil, nil, &out); err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("api: ping: backend reported not ok")
	}
	return nil
}

// LecturesRaw returns the raw lectures payload for a date range. Empty bounds
// are omitted from the query.
func (c *Client) LecturesRaw(ctx context.Context, from, to string) ([]byte, error) {
	q := url.Values{}
	if from != "" {
		q.Set("from", from)
	}
	if to != "" {
		q.Set("to", to)
	}
	return c.raw(ctx, http.MethodGet, "lectures/", q)
}

// ToggleAttendance sets the caller's attendance flag for a lecture.
func (c *Client) ToggleAttendance(ctx context.Context, lectureID string, attended bool) (Attendance, error) {
	if err := checkID(lectureID); err != nil {
		return Attendance{}, err
	}
	var a Attendance
	err := c.call(ctx, c.auth, http.MethodPost, "lectures/"+lectureID+"/attendance/", nil, map[string]bool{"attended": attended}, &a)
	return a, err
}

// Attendances lists the caller's attendance rows for a lecture.
func (c *Client) Attendances(ctx context.Context, lectureID string) ([]Attendance, error) {
	if err := checkID(lectureID); err != nil {
		return nil, err
	}
	data, err := c.raw(ctx, http.MethodGet, "attendances/", url.Values{"lecture_id": {lectureID}})
	if err != nil {
		return nil, err
	}
	return DecodeList[Attendance](data)
}

// CreateAttendance creates the caller's attendance row for a lecture.
func (c *Client) CreateAttendance(ctx context.Context, lectureID string) (Attendance, error) {
	if err := checkID(lectureID); err != nil {
		return Attendance{}, err
	}
	var a Attendance
	err := c.call(ctx, c.auth, http.MethodPost, "attendances/", nil, map[string]string{"lecture": lectureID}, &a)
	return a, err
}

// EnsureAttendance returns the caller's attendance row for a lecture,
// creating it if none exists. If the server ignores the lecture filter,
// the row matching lectureID is preferred over the first row.
func (c *Client) EnsureAttendance(ctx context.Context, lectureID string) (Attendance, error) {
	rows, err := c.Attendances(ctx, lectureID)
	if err != nil {
		return Attendance{}, err
	}
	for _, r := range rows {
		if r.Lecture == lectureID {
			return r, nil
		}
	}
	if len(rows) > 0 {
		return rows[0], nil
	}
	return c.CreateAttendance(ctx, lectureID)
}

// UploadNote attaches a note file to an attendance row.
func (c *Client) UploadNote(ctx context.Context, attendanceID, filename string, r io.Reader) (Attendance, error) {
	if err := checkID(attendanceID); err != nil {
		return Attendance{}, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("note_upload", filename)
	if err != nil {
		return Attendance{}, fmt.Errorf("api: building upload: %w", err)
	}
	if _, err := io.Copy(fw, r); err != nil {
		return Attendance{}, fmt.Errorf("api: reading note: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Attendance{}, fmt.Errorf("api: building upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.resolve("attendances/"+attendanceID+"/", nil), &buf)
	if err != nil {
		return Attendance{}, fmt.Errorf("api: building request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	data, err := c.do(c.auth, req)
	if err != nil {
		return Attendance{}, err
	}
	var a Attendance
	if err := json.Unmarshal(data, &a); err != nil {
		return Attendance{}, fmt.Errorf("api: decoding upload response: %w", err)
	}
	return a, nil
}

// Summarize asks the backend for an AI summary of an attendance row's note.
// The backend returns the stored summary if one already exists.
func (c *Client) Summarize(ctx context.Context, attendanceID string) (string, error) {
	if err := checkID(attendanceID); err != nil {
		return "", err
	}
	var out struct {
		Summary string `json:"summary"`
	}
	if err := c.call(ctx, c.auth, http.MethodPost, "summarize/", nil, map[string]string{"attendance_id": attendanceID}, &out); err != nil {
		return "", err
	}
	return out.Summary, nil
}

// ImportTimetable creates lectures for every date matched by the slots.
func (c *Client) ImportTimetable(ctx context.Context, slots []Slot) (ImportResult, error) {
	var res ImportResult
	err := c.call(ctx, c.auth, http.MethodPost, "schedule/import/", nil, slots, &res)
	return res, err
}

// DashboardRaw returns the raw dashboard payload.
func (c *Client) DashboardRaw(ctx context.Context) ([]byte, error) {
	return c.raw(ctx, http.MethodGet, "dashboard/", nil)
}

// Courses lists the caller's courses.
func (c *Client) Courses(ctx context.Context) ([]Course, error) {
	data, err := c.raw(ctx, http.MethodGet, "courses/", nil)
	if err != nil {
		return nil, err
	}
	return DecodeList[Course](data)
}

// raw performs an authenticated request without a body and returns the response bytes.
func (c *Client) raw(ctx context.Context, method, path string, q url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path, q), nil)
	if err != nil {
		return nil, fmt.Errorf("api: building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(c.auth, req)
}

// call sends an optional JSON body through d and decodes a JSON response into out.
func (c *Client) call(ctx context.Context, d Doer, method, path string, q url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: encoding %s body: %w", path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path, q), body)
	if err != nil {
		return fmt.Errorf("api: building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	data, err := c.do(d, req)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("api: decoding %s response: %w", path, err)
	}
	return nil
}

func (c *Client) do(d Doer, req *http.Request) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("api: no transport configured for %s", req.URL.Path)
	}
	resp, err := d.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("api: reading %s response: %w", req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newError(req.Method, req.URL.Path, resp.StatusCode, data)
	}
	return data, nil
}

func (c *Client) resolve(path string, q url.Values) string {
	u := c.baseURL.ResolveReference(&url.URL{Path: path})
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func checkID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
