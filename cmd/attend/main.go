package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"github.com/smileynet/attend/internal/api"
	"github.com/smileynet/attend/internal/credentials"
	"github.com/smileynet/attend/internal/timetable"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// CLI is the top-level command structure for attend.
type CLI struct {
	Version kong.VersionFlag `help:"Show version." short:"V"`
	Verbose bool             `help:"Log requests and cache activity to stderr." short:"v"`
	Plain   bool             `help:"Never color output."`
	APIURL  string           `name:"api-url" help:"Backend API base URL (overrides config)." env:"ATTEND_API_URL"`

	Login     LoginCmd     `cmd:"" help:"Log in and store a session."`
	Logout    LogoutCmd    `cmd:"" help:"Forget the stored session and cached data."`
	Signup    SignupCmd    `cmd:"" help:"Create an account."`
	Whoami    WhoamiCmd    `cmd:"" help:"Show the logged-in user."`
	Ping      PingCmd      `cmd:"" help:"Check that the backend is reachable."`
	Week      WeekCmd      `cmd:"" help:"Show a week of lectures."`
	Lectures  LecturesCmd  `cmd:"" help:"List lectures in a date range."`
	Mark      MarkCmd      `cmd:"" help:"Mark a lecture attended (or missed)."`
	Note      NoteCmd      `cmd:"" help:"Upload a note file for a lecture."`
	Summarize SummarizeCmd `cmd:"" help:"Summarize the uploaded note of a lecture."`
	Import    ImportCmd    `cmd:"" help:"Import a recurring class timetable."`
	Dashboard DashboardCmd `cmd:"" help:"Show attendance per course."`
	Courses   CoursesCmd   `cmd:"" help:"List courses."`
}

// --- Session commands ---

// LoginCmd exchanges a username and password for a token pair.
type LoginCmd struct {
	Username string `arg:"" help:"Account username."`
	Password string `help:"Account password." env:"ATTEND_PASSWORD" required:""`
}

// Run executes the login command.
func (c *LoginCmd) Run(ctx context.Context, a *App) error {
	pair, err := a.api.Login(ctx, c.Username, c.Password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := credentials.Save(ctx, a.store, pair); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	a.dropCache()
	_, _ = fmt.Fprintf(a.out, "Logged in as %s\n", c.Username)
	return nil
}

// LogoutCmd clears the stored session.
type LogoutCmd struct{}

// Run executes the logout command.
func (c *LogoutCmd) Run(ctx context.Context, a *App) error {
	if err := credentials.Clear(ctx, a.store); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	a.dropCache()
	_, _ = fmt.Fprintln(a.out, "Logged out")
	return nil
}

// SignupCmd registers a new account.
type SignupCmd struct {
	Username string `arg:"" help:"Account username."`
	Email    string `help:"Email address." required:""`
	Password string `help:"Account password." env:"ATTEND_PASSWORD" required:""`
}

// Run executes the signup command.
func (c *SignupCmd) Run(ctx context.Context, a *App) error {
	err := a.api.Register(ctx, api.Registration{
		Username:  c.Username,
		Email:     c.Email,
		Password:  c.Password,
		Password2: c.Password,
	})
	if err != nil {
		return fmt.Errorf("signup: %w", err)
	}
	_, _ = fmt.Fprintf(a.out, "Account %s created. Log in with: attend login %s\n", c.Username, c.Username)
	return nil
}

// WhoamiCmd prints what the stored access token says about the session.
type WhoamiCmd struct{}

// Run executes the whoami command.
func (c *WhoamiCmd) Run(ctx context.Context, a *App) error {
	pair, err := credentials.Load(ctx, a.store)
	if err != nil {
		return fmt.Errorf("whoami: %w", err)
	}
	if pair.Access == "" {
		return fmt.Errorf("whoami: %w", errNotLoggedIn)
	}
	id, err := credentials.Inspect(pair.Access)
	if err != nil {
		return fmt.Errorf("whoami: %w", err)
	}

	user := id.UserID
	if user == "" {
		user = "(unknown)"
	}
	_, _ = fmt.Fprintf(a.out, "user: %s\n", user)
	if tok := pair.Token(); !tok.Expiry.IsZero() {
		note := ""
		if !tok.Valid() {
			note = " (expired; refreshed on next request)"
		}
		_, _ = fmt.Fprintf(a.out, "access token expires: %s%s\n", tok.Expiry.Local().Format(time.RFC3339), note)
	}
	if pair.Refresh == "" {
		_, _ = fmt.Fprintln(a.out, "no refresh token stored")
	}
	return nil
}

// PingCmd checks backend reachability.
type PingCmd struct{}

// Run executes the ping command.
func (c *PingCmd) Run(ctx context.Context, a *App) error {
	if err := a.api.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	_, _ = fmt.Fprintf(a.out, "ok %s\n", a.cfg.API.BaseURL)
	return nil
}

// --- Lecture commands ---

// WeekCmd shows the Sunday-based week containing a date.
type WeekCmd struct {
	Week string `help:"Any date in the week to show (YYYY-MM-DD). Defaults to today."`
}

// Run executes the week command.
func (c *WeekCmd) Run(ctx context.Context, a *App) error {
	if err := a.requireLogin(ctx); err != nil {
		return err
	}
	day := a.now()
	if c.Week != "" {
		d, err := parseDate(c.Week)
		if err != nil {
			return fmt.Errorf("week: %w", err)
		}
		day = d
	}
	from, to := timetable.WeekRange(day)
	lectures, err := a.svc.Lectures(ctx, from, to)
	if err != nil {
		return fmt.Errorf("week: %w", err)
	}
	a.printer.Week(timetable.WeekStart(day), lectures)
	return nil
}

// LecturesCmd lists lectures between two dates.
type LecturesCmd struct {
	From string `help:"First date (YYYY-MM-DD)." required:""`
	To   string `help:"Last date (YYYY-MM-DD)." required:""`
}

// Run executes the lectures command.
func (c *LecturesCmd) Run(ctx context.Context, a *App) error {
	if err := a.requireLogin(ctx); err != nil {
		return err
	}
	from, err := parseDate(c.From)
	if err != nil {
		return fmt.Errorf("lectures: %w", err)
	}
	to, err := parseDate(c.To)
	if err != nil {
		return fmt.Errorf("lectures: %w", err)
	}
	if from.After(to) {
		return fmt.Errorf("lectures: --from %s is after --to %s", c.From, c.To)
	}
	lectures, err := a.svc.Lectures(ctx, c.From, c.To)
	if err != nil {
		return fmt.Errorf("lectures: %w", err)
	}
	a.printer.Lectures(lectures)
	return nil
}

// MarkCmd toggles a lecture's attendance flag.
type MarkCmd struct {
	LectureID string `arg:"" help:"Lecture ID."`
	Missed    bool   `help:"Mark as not attended."`
}

// Run executes the mark command.
func (c *MarkCmd) Run(ctx context.Context, a *App) error {
	if err := a.requireLogin(ctx); err != nil {
		return err
	}
	att, err := a.svc.Toggle(ctx, c.LectureID, !c.Missed)
	if err != nil {
		return fmt.Errorf("mark: %w", err)
	}
	a.printer.Marked(c.LectureID, att)
	return nil
}

// NoteCmd uploads a note file for a lecture.
type NoteCmd struct {
	LectureID string `arg:"" help:"Lecture ID."`
	File      string `arg:"" help:"Note file to upload." type:"existingfile"`
}

// Run executes the note command.
func (c *NoteCmd) Run(ctx context.Context, a *App) error {
	if err := a.requireLogin(ctx); err != nil {
		return err
	}
	f, err := os.Open(c.File)
	if err != nil {
		return fmt.Errorf("note: %w", err)
	}
	defer f.Close()

	att, err := a.svc.UploadNote(ctx, c.LectureID, filepath.Base(c.File), f)
	if err != nil {
		return fmt.Errorf("note: %w", err)
	}
	a.printer.NoteUploaded(c.LectureID, att)
	return nil
}

// SummarizeCmd asks the backend to summarize a lecture's note.
type SummarizeCmd struct {
	LectureID string `arg:"" help:"Lecture ID."`
}

// Run executes the summarize command.
func (c *SummarizeCmd) Run(ctx context.Context, a *App) error {
	if err := a.requireLogin(ctx); err != nil {
		return err
	}
	summary, err := a.svc.Summarize(ctx, c.LectureID)
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}
	a.printer.Summary(c.LectureID, summary)
	return nil
}

// ImportCmd creates lectures from a recurring schedule entered in local time.
type ImportCmd struct {
	CourseName string `name:"course" help:"Course name. A course with this name is created if none exists." required:""`
	From       string `help:"First date of the term (YYYY-MM-DD)." required:""`
	To         string `help:"Last date of the term (YYYY-MM-DD)." required:""`
	Start      string `help:"Class start time (HH:MM, local)." required:""`
	End        string `help:"Class end time (HH:MM, local)." required:""`
	Days       string `help:"Weekdays, comma-separated (e.g. mon,wed)." required:""`
	Location   string `help:"Room or address."`
	DryRun     bool   `help:"Print the slots and matching dates without importing."`
}

// Run executes the import command.
func (c *ImportCmd) Run(ctx context.Context, a *App) error {
	days, err := timetable.ParseDays(c.Days)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	form := timetable.Form{
		Course:    c.CourseName,
		Location:  c.Location,
		StartDate: c.From,
		EndDate:   c.To,
		StartTime: c.Start,
		EndTime:   c.End,
		Days:      days,
	}
	slots, err := timetable.BuildSlots(form)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}

	if c.DryRun {
		dates, err := timetable.DatesInRange(form)
		if err != nil {
			return fmt.Errorf("import: %w", err)
		}
		for _, s := range slots {
			_, _ = fmt.Fprintf(a.out, "%s %s-%s UTC  %s..%s\n", s.Weekday, s.StartTime, s.EndTime, s.FromDate, s.ToDate)
		}
		_, _ = fmt.Fprintf(a.out, "%d lectures: %s\n", len(dates), strings.Join(dates, " "))
		return nil
	}

	if err := a.requireLogin(ctx); err != nil {
		return err
	}
	res, week, err := a.svc.Import(ctx, slots)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	a.printer.Imported(res, week)
	return nil
}

// --- Overview commands ---

// DashboardCmd prints attendance per course.
type DashboardCmd struct{}

// Run executes the dashboard command.
func (c *DashboardCmd) Run(ctx context.Context, a *App) error {
	if err := a.requireLogin(ctx); err != nil {
		return err
	}
	d, err := a.svc.Dashboard(ctx)
	if err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	a.printer.Dashboard(d)
	return nil
}

// CoursesCmd lists the caller's courses.
type CoursesCmd struct{}

// Run executes the courses command.
func (c *CoursesCmd) Run(ctx context.Context, a *App) error {
	if err := a.requireLogin(ctx); err != nil {
		return err
	}
	courses, err := a.api.Courses(ctx)
	if err != nil {
		return fmt.Errorf("courses: %w", err)
	}
	a.printer.Courses(courses)
	return nil
}

const (
	exitSuccess = 0
	exitUsage   = 1
	exitSession = 2
	exitAPI     = 3
)

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	if errors.Is(err, errNotLoggedIn) || errors.Is(err, api.ErrUnauthorized) {
		return exitSession
	}
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return exitAPI
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return exitAPI
	}
	return exitUsage
}

// run parses args and executes the selected command. It returns the exit code.
func run(args []string, stdout, stderr io.Writer) int {
	loadDotEnv(newLogger(stderr, "", false))

	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("attend"),
		kong.Description("Track lecture attendance from the terminal."),
		kong.UsageOnError(),
		kong.Vars{"version": version + " " + commit + " " + date},
		kong.Writers(stdout, stderr),
	)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %s\n", err)
		return exitUsage
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %s\n", err)
		return exitUsage
	}

	cfg, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %s\n", err)
		return exitUsage
	}
	if cli.APIURL != "" {
		cfg.API.BaseURL = cli.APIURL
	}
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %s\n", err)
		return exitUsage
	}
	log := newLogger(stderr, cfg.Log.Level, cli.Verbose)

	store, closeStore, err := newStore(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %s\n", err)
		return exitUsage
	}
	var color *bool
	if cli.Plain {
		off := false
		color = &off
	}
	app, err := newApp(cfg, store, stdout, stderr, log, color)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %s\n", err)
		return exitUsage
	}
	if closeStore != nil {
		app.closers = append(app.closers, closeStore)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	err = kctx.Run(app)
	if cerr := app.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("shutdown")
	}
	if err != nil {
		if !app.sessionExpired || !errors.Is(err, api.ErrUnauthorized) {
			_, _ = fmt.Fprintf(stderr, "error: %s\n", err)
		}
		return exitCode(err)
	}
	return exitSuccess
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
