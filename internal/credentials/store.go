// Package credentials persists the session's access and refresh tokens.
//
// Absence of the access key is the logged-out state. Stores are keyed by
// plain strings; KeyAccess and KeyRefresh are the only keys the client uses.
package credentials

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// Storage keys for the session tokens.
const (
	KeyAccess  = "access"
	KeyRefresh = "refresh"
)

// ErrInvalidKey indicates an empty key was passed to a Store.
var ErrInvalidKey = errors.New("credentials: invalid key")

// Store is a durable key-value store for session tokens.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key, replacing any existing value.
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Pair is the token pair issued at login.
type Pair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Token converts the pair to an oauth2 bearer token. Expiry is read from the
// access token's exp claim when it parses as a JWT.
func (p Pair) Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  p.Access,
		RefreshToken: p.Refresh,
		TokenType:    "Bearer",
	}
	if id, err := Inspect(p.Access); err == nil {
		tok.Expiry = id.Expiry
	}
	return tok
}

// Save stores both tokens of a freshly issued pair.
func Save(ctx context.Context, s Store, p Pair) error {
	if err := s.Set(ctx, KeyAccess, p.Access); err != nil {
		return fmt.Errorf("credentials: saving access token: %w", err)
	}
	if err := s.Set(ctx, KeyRefresh, p.Refresh); err != nil {
		return fmt.Errorf("credentials: saving refresh token: %w", err)
	}
	return nil
}

// Load returns the stored pair. Missing keys yield empty strings.
func Load(ctx context.Context, s Store) (Pair, error) {
	access, _, err := s.Get(ctx, KeyAccess)
	if err != nil {
		return Pair{}, fmt.Errorf("credentials: reading access token: %w", err)
	}
	refresh, _, err := s.Get(ctx, KeyRefresh)
	if err != nil {
		return Pair{}, fmt.Errorf("credentials: reading refresh token: %w", err)
	}
	return Pair{Access: access, Refresh: refresh}, nil
}

// Clear deletes both tokens. Both deletes are attempted even if the first fails.
func Clear(ctx context.Context, s Store) error {
	return errors.Join(s.Delete(ctx, KeyAccess), s.Delete(ctx, KeyRefresh))
}

// LoggedIn reports whether an access token is stored.
func LoggedIn(ctx context.Context, s Store) (bool, error) {
	v, ok, err := s.Get(ctx, KeyAccess)
	if err != nil {
		return false, err
	}
	return ok && v != "", nil
}

func checkKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return nil
}
