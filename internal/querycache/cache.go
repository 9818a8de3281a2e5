// Package querycache stores raw API response payloads keyed by query
// descriptors, grouped into families that can be invalidated or cancelled
// as a unit.
package querycache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Query families.
const (
	FamilyLectures    = "lectures"
	FamilyDashboard   = "dashboard"
	FamilyAttendances = "attendances"
)

// ErrCancelled is returned by Fetch when its family was cancelled while the
// fetch was in flight. The fetched payload is discarded.
var ErrCancelled = errors.New("querycache: query cancelled")

// Key identifies one cached query. Params is a canonical encoding of the
// query parameters; two keys are the same query iff both fields match.
type Key struct {
	Family string `json:"family"`
	Params string `json:"params"`
}

// String renders the key for logs.
func (k Key) String() string {
	if k.Params == "" {
		return k.Family
	}
	return k.Family + "?" + k.Params
}

// Lectures is the key for lectures listed in a date range (YYYY-MM-DD).
func Lectures(from, to string) Key {
	return Key{Family: FamilyLectures, Params: "from=" + from + "&to=" + to}
}

// Dashboard is the key for the dashboard snapshot.
func Dashboard() Key {
	return Key{Family: FamilyDashboard}
}

// Attendances is the key for the caller's attendance rows for a lecture.
func Attendances(lectureID string) Key {
	return Key{Family: FamilyAttendances, Params: "lecture_id=" + lectureID}
}

// Entry is a cached payload.
type Entry struct {
	Key       Key       `json:"key"`
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
	Stale     bool      `json:"stale"`
}

// Cache is safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	entries    map[Key]*Entry
	inflight   map[string]map[*inflightQuery]struct{}
	staleAfter time.Duration
	now        func() time.Time
}

type inflightQuery struct {
	cancel    context.CancelFunc
	cancelled bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithStaleAfter sets how long a payload is served without refetching.
// Zero means entries are always refetched by Fetch.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Cache) { c.staleAfter = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:  make(map[Key]*Entry),
		inflight: make(map[string]map[*inflightQuery]struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a copy of the payload cached under key.
func (c *Cache) Get(key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return clone(e.Data), true
}

// Set stores data under key as a fresh entry.
func (c *Cache) Set(key Key, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, data)
}

func (c *Cache) setLocked(key Key, data []byte) {
	c.entries[key] = &Entry{Key: key, Data: clone(data), UpdatedAt: c.now()}
}

// Restore puts a previously snapshotted entry back exactly as it was,
// including its timestamp and staleness.
func (c *Cache) Restore(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.Data = clone(e.Data)
	c.entries[e.Key] = &e
}

// Entries returns copies of every entry in family, ordered by key.
func (c *Cache) Entries(family string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Entry
	for k, e := range c.entries {
		if k.Family != family {
			continue
		}
		cp := *e
		cp.Data = clone(e.Data)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Params < out[j].Key.Params })
	return out
}

// Invalidate marks every entry in family stale so the next Fetch refetches.
// Payloads stay readable through Get until replaced.
func (c *Cache) Invalidate(family string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if k.Family == family {
			e.Stale = true
		}
	}
}

// Remove deletes every entry in family.
func (c *Cache) Remove(family string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.Family == family {
			delete(c.entries, k)
		}
	}
}

// Cancel aborts in-flight Fetch calls in family. Their results are not
// written to the cache, so a response that was already on the wire cannot
// overwrite a write made after Cancel returns.
func (c *Cache) Cancel(family string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for q := range c.inflight[family] {
		q.cancelled = true
		q.cancel()
	}
	delete(c.inflight, family)
}

// Fetch returns the payload for key, calling fn when the entry is missing,
// stale, or older than the stale-after window.
func (c *Cache) Fetch(ctx context.Context, key Key, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.freshLocked(e) {
		data := clone(e.Data)
		c.mu.Unlock()
		return data, nil
	}
	qctx, cancel := context.WithCancel(ctx)
	q := &inflightQuery{cancel: cancel}
	if c.inflight[key.Family] == nil {
		c.inflight[key.Family] = make(map[*inflightQuery]struct{})
	}
	c.inflight[key.Family][q] = struct{}{}
	c.mu.Unlock()

	data, err := fn(qctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	defer cancel()
	delete(c.inflight[key.Family], q)
	if q.cancelled {
		return nil, ErrCancelled
	}
	if err != nil {
		return nil, err
	}
	c.setLocked(key, data)
	return clone(data), nil
}

func (c *Cache) freshLocked(e *Entry) bool {
	if e.Stale || c.staleAfter <= 0 {
		return false
	}
	return c.now().Sub(e.UpdatedAt) < c.staleAfter
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
