package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/golang-jwt/jwt/v5"

	"github.com/smileynet/attend/internal/api"
	"github.com/smileynet/attend/internal/querycache"
	"github.com/smileynet/attend/internal/timetable"
)

// errExitCalled is a sentinel used to catch kong's os.Exit calls in tests.
var errExitCalled = errors.New("exit called")

const lectureID = "7d8f2b6e-3c3a-4b8e-9a55-0f1f6a3c9e10"

func TestFeature_CommandParsing(t *testing.T) {
	t.Run("version flag prints version commit and date", func(t *testing.T) {
		// Given: a CLI parser with version, commit, and date fields
		var cli CLI
		var buf bytes.Buffer
		k, err := kong.New(&cli,
			kong.Vars{"version": "v1.0.0 abc1234 2026-01-01T00:00:00Z"},
			kong.Writers(&buf, &buf),
			kong.Exit(func(int) { panic(errExitCalled) }),
		)
		if err != nil {
			t.Fatal(err)
		}

		// When: --version flag is passed
		defer func() {
			r := recover()
			if r == nil {
				t.Fatal("expected panic from --version flag")
			}
			err, ok := r.(error)
			if !ok || !errors.Is(err, errExitCalled) {
				panic(r)
			}

			// Then: version, commit, and date are all present in output
			for _, want := range []string{"v1.0.0", "abc1234", "2026-01-01T00:00:00Z"} {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("version output = %q, want to contain %q", buf.String(), want)
				}
			}
		}()

		k.Parse([]string{"--version"}) //nolint:errcheck // --version triggers panic via Exit hook
	})

	t.Run("no args shows usage and errors", func(t *testing.T) {
		var cli CLI
		k, err := kong.New(&cli, kong.Vars{"version": "test"})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := k.Parse([]string{}); err == nil {
			t.Fatal("expected error when no command provided")
		}
	})

	t.Run("mark parses lecture ID and --missed", func(t *testing.T) {
		// Given: a CLI parser
		var cli CLI
		k, err := kong.New(&cli, kong.Vars{"version": "test"})
		if err != nil {
			t.Fatal(err)
		}

		// When: mark is invoked with an ID and --missed
		kctx, err := k.Parse([]string{"mark", lectureID, "--missed"})
		if err != nil {
			t.Fatal(err)
		}

		// Then: the command, ID, and flag are parsed
		if kctx.Command() != "mark <lecture-id>" {
			t.Errorf("command = %q, want %q", kctx.Command(), "mark <lecture-id>")
		}
		if cli.Mark.LectureID != lectureID || !cli.Mark.Missed {
			t.Errorf("mark = %+v", cli.Mark)
		}
	})

	t.Run("import requires its schedule flags", func(t *testing.T) {
		var cli CLI
		k, err := kong.New(&cli, kong.Vars{"version": "test"})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := k.Parse([]string{"import", "--course", "c1"}); err == nil {
			t.Fatal("expected error for missing --from/--to/--start/--end/--days")
		}

		cli = CLI{}
		k, err = kong.New(&cli, kong.Vars{"version": "test"})
		if err != nil {
			t.Fatal(err)
		}
		_, err = k.Parse([]string{"import", "--course", "c1", "--from", "2026-09-07", "--to", "2026-12-14",
			"--start", "09:00", "--end", "10:30", "--days", "mon,wed", "--location", "Hall B"})
		if err != nil {
			t.Fatal(err)
		}
		if cli.Import.CourseName != "c1" || cli.Import.Days != "mon,wed" || cli.Import.Location != "Hall B" {
			t.Errorf("import = %+v", cli.Import)
		}
	})

	t.Run("global api url flag", func(t *testing.T) {
		var cli CLI
		k, err := kong.New(&cli, kong.Vars{"version": "test"})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := k.Parse([]string{"--api-url", "https://example.test/api", "ping"}); err != nil {
			t.Fatal(err)
		}
		if cli.APIURL != "https://example.test/api" {
			t.Errorf("api-url = %q", cli.APIURL)
		}
	})
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitSuccess},
		{"not logged in", fmt.Errorf("week: %w", errNotLoggedIn), exitSession},
		{"401", fmt.Errorf("mark: %w", &api.Error{Status: http.StatusUnauthorized}), exitSession},
		{"400", fmt.Errorf("mark: %w", &api.Error{Status: http.StatusBadRequest}), exitAPI},
		{"transport", fmt.Errorf("ping: %w", &url.Error{Op: "Get", URL: "http://x", Err: errors.New("refused")}), exitAPI},
		{"validation", fmt.Errorf("import: %w", timetable.ErrNoDays), exitUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

// fakeBackend is a minimal attendance API keyed on bearer tokens.
type fakeBackend struct {
	mu         sync.Mutex
	valid      string // access token accepted by protected endpoints
	refreshed  string // access token returned by refresh; "" makes refresh fail
	refreshes  int
	toggles    []bool
	lectures   string
	authHeader []string
}

func (f *fakeBackend) handler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/token/", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		f.mu.Lock()
		defer f.mu.Unlock()
		if in["password"] != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"detail":"No active account found with the given credentials"}`)
			return
		}
		_, _ = io.WriteString(w, `{"access":"`+f.valid+`","refresh":"R"}`)
	})
	mux.HandleFunc("POST /api/token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.refreshes++
		if f.refreshed == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"detail":"Token is invalid or expired"}`)
			return
		}
		f.valid = f.refreshed
		_, _ = io.WriteString(w, `{"access":"`+f.refreshed+`"}`)
	})
	mux.HandleFunc("GET /api/ping/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"ok":true}`)
	})
	protected := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			f.mu.Lock()
			f.authHeader = append(f.authHeader, r.Header.Get("Authorization"))
			ok := r.Header.Get("Authorization") == "Bearer "+f.valid
			f.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = io.WriteString(w, `{"detail":"Given token not valid for any token type"}`)
				return
			}
			h(w, r)
		}
	}
	mux.HandleFunc("GET /api/lectures/", protected(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, f.lectures)
	}))
	mux.HandleFunc("POST /api/lectures/{id}/attendance/", protected(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]bool
		_ = json.NewDecoder(r.Body).Decode(&in)
		f.mu.Lock()
		f.toggles = append(f.toggles, in["attended"])
		f.mu.Unlock()
		_, _ = fmt.Fprintf(w, `{"id":"a1","lecture":%q,"attended":%t}`, r.PathValue("id"), in["attended"])
	}))
	return mux
}

// setup starts a fake backend and points a fresh workspace at it.
func setup(t *testing.T, f *fakeBackend) string {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	t.Setenv("ATTEND_API_URL", srv.URL+"/api")
	t.Setenv("ATTEND_CREDENTIALS", "file")
	t.Setenv("ATTEND_LOG_LEVEL", "")
	t.Setenv("ATTEND_CACHE_PATH", "")
	t.Setenv("ATTEND_PASSWORD", "")
	os.Unsetenv("ATTEND_PASSWORD")
	return dir
}

func runCLI(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code = run(append([]string{"--plain"}, args...), &out, &errOut)
	return code, out.String(), errOut.String()
}

func weekLectures() string {
	return `[{"id":"` + lectureID + `","course_name":"CS 601","start_dt":"2026-10-13T12:00:00Z","end_dt":"2026-10-13T13:30:00Z","attended":false,"status":"missed"}]`
}

func TestFeature_LoginWeekMark(t *testing.T) {
	f := &fakeBackend{valid: "A1", lectures: weekLectures()}
	dir := setup(t, f)

	// Given: a logged-in session
	code, out, errOut := runCLI(t, "login", "ada", "--password", "pw")
	if code != exitSuccess {
		t.Fatalf("login exit = %d, stderr = %s", code, errOut)
	}
	if !strings.Contains(out, "Logged in as ada") {
		t.Errorf("login output = %q", out)
	}
	creds, err := os.ReadFile(filepath.Join(dir, ".attend", "credentials.json"))
	if err != nil {
		t.Fatalf("credentials file: %v", err)
	}
	if !strings.Contains(string(creds), `"A1"`) || !strings.Contains(string(creds), `"R"`) {
		t.Errorf("credentials = %s", creds)
	}

	// When: the week is listed
	code, out, errOut = runCLI(t, "week", "--week", "2026-10-14")

	// Then: the lecture is shown with its status and the payload is cached
	if code != exitSuccess {
		t.Fatalf("week exit = %d, stderr = %s", code, errOut)
	}
	for _, want := range []string{"Week of Sun 11 Oct", "CS 601", "[missed]", lectureID} {
		if !strings.Contains(out, want) {
			t.Errorf("week output missing %q:\n%s", want, out)
		}
	}
	cache, err := os.ReadFile(filepath.Join(dir, ".attend", "cache.json"))
	if err != nil {
		t.Fatalf("cache file: %v", err)
	}
	if !strings.Contains(string(cache), "from=2026-10-11\\u0026to=2026-10-17") && !strings.Contains(string(cache), "from=2026-10-11&to=2026-10-17") {
		t.Errorf("cache missing week key:\n%s", cache)
	}

	// When: the lecture is marked attended
	code, out, errOut = runCLI(t, "mark", lectureID)
	if code != exitSuccess {
		t.Fatalf("mark exit = %d, stderr = %s", code, errOut)
	}

	// Then: the backend received the toggle and the result is printed
	f.mu.Lock()
	toggles := f.toggles
	f.mu.Unlock()
	if len(toggles) != 1 || !toggles[0] {
		t.Errorf("toggles = %v, want [true]", toggles)
	}
	if !strings.Contains(out, "Marked "+lectureID+" [attended]") {
		t.Errorf("mark output = %q", out)
	}
}

func TestFeature_RefreshOnExpiredToken(t *testing.T) {
	f := &fakeBackend{valid: "A1", refreshed: "A2", lectures: weekLectures()}
	setup(t, f)

	if code, _, errOut := runCLI(t, "login", "ada", "--password", "pw"); code != exitSuccess {
		t.Fatalf("login: %s", errOut)
	}

	// Given: the server stops accepting the stored access token
	f.mu.Lock()
	f.valid = "rotated"
	f.mu.Unlock()

	// When: a protected command runs
	code, out, errOut := runCLI(t, "lectures", "--from", "2026-10-11", "--to", "2026-10-17")

	// Then: one refresh happens and the request is replayed with the new token
	if code != exitSuccess {
		t.Fatalf("lectures exit = %d, stderr = %s", code, errOut)
	}
	f.mu.Lock()
	refreshes, last := f.refreshes, f.authHeader[len(f.authHeader)-1]
	f.mu.Unlock()
	if refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", refreshes)
	}
	if !strings.Contains(out, "CS 601") {
		t.Errorf("lectures output = %q", out)
	}
	if last != "Bearer A2" {
		t.Errorf("replayed Authorization = %q, want Bearer A2", last)
	}
}

func TestFeature_SessionExpired(t *testing.T) {
	f := &fakeBackend{valid: "A1", lectures: weekLectures()}
	dir := setup(t, f)

	if code, _, errOut := runCLI(t, "login", "ada", "--password", "pw"); code != exitSuccess {
		t.Fatalf("login: %s", errOut)
	}

	// Given: the access token is rejected and refresh fails
	f.mu.Lock()
	f.valid = "rotated"
	f.mu.Unlock()

	// When: a protected command runs
	code, _, errOut := runCLI(t, "week", "--week", "2026-10-14")

	// Then: the session is torn down and the exit code says so
	if code != exitSession {
		t.Errorf("exit = %d, want %d", code, exitSession)
	}
	if !strings.Contains(errOut, "Session expired") {
		t.Errorf("stderr = %q", errOut)
	}
	if _, err := os.Stat(filepath.Join(dir, ".attend", "credentials.json")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("credentials file should be removed, stat err = %v", err)
	}

	// And: the next command reports that no session exists
	code, _, errOut = runCLI(t, "dashboard")
	if code != exitSession || !strings.Contains(errOut, "not logged in") {
		t.Errorf("dashboard exit = %d, stderr = %q", code, errOut)
	}
}

func TestFeature_SessionExpiredDuringMarkDropsCache(t *testing.T) {
	f := &fakeBackend{valid: "A1", lectures: weekLectures()}
	dir := setup(t, f)
	cachePath := filepath.Join(dir, ".attend", "cache.json")

	// Given: a session with the week's lectures cached on disk
	if code, _, errOut := runCLI(t, "login", "ada", "--password", "pw"); code != exitSuccess {
		t.Fatalf("login: %s", errOut)
	}
	if code, _, errOut := runCLI(t, "week", "--week", "2026-10-14"); code != exitSuccess {
		t.Fatalf("week: %s", errOut)
	}
	before := querycache.New()
	if err := before.Load(cachePath); err != nil {
		t.Fatal(err)
	}
	if len(before.Entries(querycache.FamilyLectures)) == 0 {
		t.Fatal("week did not cache lectures")
	}

	// And: the access token is rejected and refresh fails
	f.mu.Lock()
	f.valid = "rotated"
	f.mu.Unlock()

	// When: a mark fails because the session ended
	code, _, errOut := runCLI(t, "mark", lectureID)

	// Then: the rolled-back lectures are not written back to disk
	if code != exitSession {
		t.Errorf("mark exit = %d, want %d (stderr = %q)", code, exitSession, errOut)
	}
	after := querycache.New()
	if err := after.Load(cachePath); err != nil {
		t.Fatal(err)
	}
	if got := after.Entries(querycache.FamilyLectures); len(got) != 0 {
		t.Errorf("cache still holds %d lectures entries from the expired session", len(got))
	}
	if got := after.Entries(querycache.FamilyDashboard); len(got) != 0 {
		t.Errorf("cache still holds %d dashboard entries", len(got))
	}
}

func TestFeature_LoginRejected(t *testing.T) {
	setup(t, &fakeBackend{valid: "A1"})

	code, _, errOut := runCLI(t, "login", "ada", "--password", "wrong")
	if code != exitSession {
		t.Errorf("exit = %d, want %d", code, exitSession)
	}
	if !strings.Contains(errOut, "No active account") {
		t.Errorf("stderr = %q", errOut)
	}
}

func TestFeature_ImportDryRun(t *testing.T) {
	setup(t, &fakeBackend{})

	// Given: no session, a dry run needs no backend
	code, out, errOut := runCLI(t, "import", "--course", "c1",
		"--from", "2026-09-01", "--to", "2026-09-14",
		"--start", "09:00", "--end", "10:30", "--days", "mon,wed", "--dry-run")

	// Then: the matching dates are listed
	if code != exitSuccess {
		t.Fatalf("exit = %d, stderr = %s", code, errOut)
	}
	if !strings.Contains(out, "4 lectures: 2026-09-02 2026-09-07 2026-09-09 2026-09-14") {
		t.Errorf("output = %q", out)
	}
}

func TestFeature_ImportValidation(t *testing.T) {
	setup(t, &fakeBackend{})

	code, _, errOut := runCLI(t, "import", "--course", "c1",
		"--from", "2026-09-14", "--to", "2026-09-01",
		"--start", "09:00", "--end", "10:30", "--days", "mon")
	if code != exitUsage {
		t.Errorf("exit = %d, want %d", code, exitUsage)
	}
	if !strings.Contains(errOut, "start date is after end date") {
		t.Errorf("stderr = %q", errOut)
	}
}

func TestFeature_Whoami(t *testing.T) {
	f := &fakeBackend{}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":    "42",
		"token_type": "access",
		"exp":        time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC).Unix(),
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	f.valid = signed
	setup(t, f)

	if code, _, errOut := runCLI(t, "login", "ada", "--password", "pw"); code != exitSuccess {
		t.Fatalf("login: %s", errOut)
	}

	code, out, errOut := runCLI(t, "whoami")
	if code != exitSuccess {
		t.Fatalf("exit = %d, stderr = %s", code, errOut)
	}
	if !strings.Contains(out, "user: 42") || !strings.Contains(out, "access token expires:") {
		t.Errorf("whoami output = %q", out)
	}
	if strings.Contains(out, "expired;") {
		t.Errorf("token should not be reported expired: %q", out)
	}
}

func TestFeature_PingAndConfigErrors(t *testing.T) {
	setup(t, &fakeBackend{})

	code, out, _ := runCLI(t, "ping")
	if code != exitSuccess || !strings.HasPrefix(out, "ok ") {
		t.Errorf("ping exit = %d, out = %q", code, out)
	}

	// Given: a project config with an unknown field
	if err := os.MkdirAll(".attend", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(".attend", "config.yaml"), []byte("api:\n  bogus: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Then: commands fail with the usage/config exit code
	code, _, errOut := runCLI(t, "ping")
	if code != exitUsage || !strings.Contains(errOut, "config") {
		t.Errorf("exit = %d, stderr = %q", code, errOut)
	}
}

func TestFeature_Logout(t *testing.T) {
	f := &fakeBackend{valid: "A1", lectures: weekLectures()}
	dir := setup(t, f)

	runCLI(t, "login", "ada", "--password", "pw")
	runCLI(t, "week", "--week", "2026-10-14")

	code, out, _ := runCLI(t, "logout")
	if code != exitSuccess || !strings.Contains(out, "Logged out") {
		t.Fatalf("logout exit = %d, out = %q", code, out)
	}
	if _, err := os.Stat(filepath.Join(dir, ".attend", "credentials.json")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("credentials should be removed, stat err = %v", err)
	}
	cache, _ := os.ReadFile(filepath.Join(dir, ".attend", "cache.json"))
	if strings.Contains(string(cache), "lectures") {
		t.Errorf("cache should be emptied:\n%s", cache)
	}
}
