package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/smileynet/attend/internal/api"
	"github.com/smileynet/attend/internal/attendance"
	"github.com/smileynet/attend/internal/authhttp"
	"github.com/smileynet/attend/internal/config"
	"github.com/smileynet/attend/internal/credentials"
	"github.com/smileynet/attend/internal/querycache"
	"github.com/smileynet/attend/internal/render"
)

// errNotLoggedIn is returned by commands that need a session when none is stored.
var errNotLoggedIn = errors.New("not logged in (run: attend login <username>)")

// App holds the wiring shared by every command.
type App struct {
	cfg     *config.Config
	out     io.Writer
	errOut  io.Writer
	store   credentials.Store
	api     *api.Client
	auth    *authhttp.Client
	cache   *querycache.Cache
	svc     *attendance.Service
	printer *render.Printer
	now     func() time.Time
	closers []func() error

	sessionExpired bool
}

// loadDotEnv copies variables from ./.env into the environment without
// overriding ones already set. A missing file is not an error.
func loadDotEnv(log zerolog.Logger) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("could not load .env file")
	}
}

// loadConfig loads layered config from user and project paths with env overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadLayered(
		os.ExpandEnv("$HOME/.config/attend/config.yaml"),
		".attend/config.yaml",
	)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the stderr console logger. verbose forces debug level.
func newLogger(w io.Writer, level string, verbose bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}
	if verbose {
		lvl = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}).
		Level(lvl).
		With().Timestamp().Logger()
}

// newStore opens the configured credential backend.
func newStore(cfg *config.Config) (credentials.Store, func() error, error) {
	switch cfg.Credentials.Backend {
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr: cfg.Credentials.RedisAddr,
			DB:   cfg.Credentials.RedisDB,
		})
		return credentials.NewRedisStore(rdb, cfg.Credentials.RedisPrefix), rdb.Close, nil
	case config.BackendMemory:
		return credentials.NewMemoryStore(), nil, nil
	case config.BackendFile:
		return credentials.NewFileStore(cfg.Credentials.Path), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown credentials backend %q", cfg.Credentials.Backend)
}

// newApp wires the API client, the refreshing transport, the cache, and the
// attendance service from cfg.
func newApp(cfg *config.Config, store credentials.Store, out, errOut io.Writer, log zerolog.Logger, color *bool) (*App, error) {
	a := &App{
		cfg:    cfg,
		out:    out,
		errOut: errOut,
		store:  store,
		now:    time.Now,
	}

	hc := &http.Client{Timeout: cfg.API.Timeout}
	client, err := api.New(cfg.API.BaseURL, nil, api.WithBareClient(hc))
	if err != nil {
		return nil, err
	}
	a.api = client
	a.auth = authhttp.New(store, client.Refresh,
		authhttp.WithHTTPClient(hc),
		authhttp.WithLogger(log.With().Str("component", "authhttp").Logger()),
		authhttp.WithSessionExpiredHook(a.onSessionExpired),
	)
	client.SetDoer(a.auth)

	a.cache = querycache.New(querycache.WithStaleAfter(cfg.Cache.StaleAfter))
	if cfg.Cache.Path != "" {
		if err := a.cache.Load(cfg.Cache.Path); err != nil {
			log.Warn().Err(err).Str("path", cfg.Cache.Path).Msg("ignoring unreadable cache")
		}
	}
	a.svc = attendance.NewService(client, a.cache,
		attendance.WithLogger(log.With().Str("component", "attendance").Logger()))

	var opts []render.Option
	if color != nil {
		opts = append(opts, render.WithColor(*color))
	}
	a.printer = render.New(out, opts...)
	return a, nil
}

// onSessionExpired runs after a failed refresh has cleared the stored
// credentials. Cached data belongs to the old session and is dropped.
func (a *App) onSessionExpired() {
	a.sessionExpired = true
	a.dropCache()
	_, _ = fmt.Fprintln(a.errOut, "Session expired. Log in again with: attend login <username>")
}

func (a *App) dropCache() {
	for _, f := range []string{querycache.FamilyLectures, querycache.FamilyDashboard, querycache.FamilyAttendances} {
		a.cache.Remove(f)
	}
}

// requireLogin fails fast when no session is stored.
func (a *App) requireLogin(ctx context.Context) error {
	ok, err := credentials.LoggedIn(ctx, a.store)
	if err != nil {
		return fmt.Errorf("reading credentials: %w", err)
	}
	if !ok {
		return errNotLoggedIn
	}
	return nil
}

// Close persists the cache and releases backend connections. After a
// session ends nothing from it is persisted, including entries a failed
// mutation restored after the expiry hook ran.
func (a *App) Close() error {
	if a.sessionExpired {
		a.dropCache()
	}
	var errs []error
	if a.cfg.Cache.Path != "" {
		if err := a.cache.Save(a.cfg.Cache.Path); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// parseDate parses YYYY-MM-DD in the local zone.
func parseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(s), time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return t, nil
}
