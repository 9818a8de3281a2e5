// Package authhttp wraps an http.Client with bearer authentication and a
// single coordinated access-token refresh on 401 responses.
//
// Every request is signed with the stored access token. When a response is
// 401 and a refresh token is stored, the first such request starts a refresh;
// requests that fail while it is in flight queue behind it instead of issuing
// their own. When the refresh settles, each request is replayed once with the
// new token, or fails with its original 401 if the refresh failed. A failed
// refresh ends the session: both tokens are deleted and the session-expired
// hook runs.
package authhttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/smileynet/attend/internal/credentials"
)

// HeaderRequestID carries a per-request identifier for server-side correlation.
const HeaderRequestID = "X-Request-ID"

// maxErrorBody bounds how much of a 401 body is kept for handing back to callers.
const maxErrorBody = 1 << 20

// ErrEmptyToken is returned by a refresh that succeeded without a token.
var ErrEmptyToken = errors.New("authhttp: refresh returned an empty access token")

// errRefreshFailed resolves queued requests when the in-flight refresh fails.
var errRefreshFailed = errors.New("authhttp: token refresh failed")

// RefreshFunc exchanges a refresh token for a new access token. It must not
// send its request through the Client it is registered with.
type RefreshFunc func(ctx context.Context, refreshToken string) (string, error)

// Client signs requests with the stored access token and recovers from
// expired tokens. It is safe for concurrent use.
type Client struct {
	http      *http.Client
	store     credentials.Store
	refresh   RefreshFunc
	onExpired func()
	log       zerolog.Logger
	requestID func() string

	mu         sync.Mutex
	refreshing bool
	waiters    []chan outcome
}

// outcome is what a queued request receives when the refresh settles.
type outcome struct {
	token string
	ok    bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSessionExpiredHook sets a function run once per failed refresh, after
// the stored credentials are cleared.
func WithSessionExpiredHook(fn func()) Option {
	return func(c *Client) { c.onExpired = fn }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithRequestIDFunc overrides request ID generation.
func WithRequestIDFunc(fn func() string) Option {
	return func(c *Client) { c.requestID = fn }
}

// New creates a Client reading tokens from store and refreshing with refresh.
func New(store credentials.Store, refresh RefreshFunc, opts ...Option) *Client {
	c := &Client{
		http:      http.DefaultClient,
		store:     store,
		refresh:   refresh,
		log:       zerolog.Nop(),
		requestID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req, signing it with the current access token. A 401 response is
// recovered from at most once per call. Any response that is not recovered,
// including the final 401, is returned unchanged for the caller to handle.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := bufferBody(req); err != nil {
		return nil, err
	}
	ctx := req.Context()

	access, _, err := c.store.Get(ctx, credentials.KeyAccess)
	if err != nil {
		return nil, fmt.Errorf("authhttp: reading access token: %w", err)
	}
	resp, err := c.send(req, access)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	refresh, _, err := c.store.Get(ctx, credentials.KeyRefresh)
	if err != nil {
		c.log.Warn().Err(err).Msg("reading refresh token")
		return resp, nil
	}
	if refresh == "" {
		return resp, nil
	}

	original, err := bufferResponse(resp)
	if err != nil {
		return nil, err
	}

	token, err := c.awaitToken(ctx, refresh)
	if errors.Is(err, errRefreshFailed) {
		return original, nil
	}
	if err != nil {
		return nil, err
	}

	c.log.Debug().Str("method", req.Method).Str("path", req.URL.Path).Msg("replaying after token refresh")
	return c.send(req, token)
}

// awaitToken joins the in-flight refresh, or starts one if none is running.
func (c *Client) awaitToken(ctx context.Context, refresh string) (string, error) {
	c.mu.Lock()
	if c.refreshing {
		ch := make(chan outcome, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()

		select {
		case o := <-ch:
			if !o.ok {
				return "", errRefreshFailed
			}
			return o.token, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	c.refreshing = true
	c.mu.Unlock()

	return c.runRefresh(ctx, refresh)
}

// runRefresh performs the single refresh call and settles the queue.
// The refreshing flag is cleared on every exit path, including a panicking
// RefreshFunc, so later 401s can start a fresh attempt.
func (c *Client) runRefresh(ctx context.Context, refresh string) (string, error) {
	settled := false
	defer func() {
		if !settled {
			c.settle(outcome{})
		}
	}()

	// A caller giving up must not tear down the whole session.
	rctx := context.WithoutCancel(ctx)

	token, err := c.refresh(rctx, refresh)
	if err == nil && token == "" {
		err = ErrEmptyToken
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("token refresh failed, ending session")
		settled = true
		c.settle(outcome{})
		if cerr := credentials.Clear(rctx, c.store); cerr != nil {
			c.log.Error().Err(cerr).Msg("clearing credentials")
		}
		if c.onExpired != nil {
			c.onExpired()
		}
		return "", errRefreshFailed
	}

	if err := c.store.Set(rctx, credentials.KeyAccess, token); err != nil {
		// The token is still good for this process.
		c.log.Error().Err(err).Msg("persisting refreshed access token")
	}
	c.log.Debug().Msg("access token refreshed")
	settled = true
	c.settle(outcome{token: token, ok: true})
	return token, nil
}

// settle clears the refreshing flag and resolves queued requests in arrival order.
func (c *Client) settle(o outcome) {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.refreshing = false
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- o
	}
}

// send issues one attempt of req signed with access (unsigned if empty).
func (c *Client) send(req *http.Request, access string) (*http.Response, error) {
	r := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("authhttp: rewinding request body: %w", err)
		}
		r.Body = body
	}
	if access != "" {
		(&oauth2.Token{AccessToken: access, TokenType: "Bearer"}).SetAuthHeader(r)
	} else {
		r.Header.Del("Authorization")
	}
	if r.Header.Get(HeaderRequestID) == "" {
		r.Header.Set(HeaderRequestID, c.requestID())
	}

	resp, err := c.http.Do(r)
	if err != nil {
		c.log.Debug().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		return nil, err
	}
	c.log.Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", resp.StatusCode).
		Str("request_id", r.Header.Get(HeaderRequestID)).
		Msg("request")
	return resp, nil
}

// bufferBody makes the request body replayable.
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return fmt.Errorf("authhttp: reading request body: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	req.Body, _ = req.GetBody()
	return nil
}

// bufferResponse reads and closes resp.Body, replacing it with an in-memory
// copy so the response can still be handed back after a replay attempt.
func bufferResponse(resp *http.Response) (*http.Response, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("authhttp: reading 401 body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}
