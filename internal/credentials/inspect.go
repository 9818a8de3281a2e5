package credentials

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNotJWT indicates the access token is not a parseable JWT.
var ErrNotJWT = errors.New("credentials: access token is not a JWT")

// Identity is what the client can learn from its own access token without
// contacting the server. The signature is NOT verified.
type Identity struct {
	UserID string
	Expiry time.Time
}

// Expired reports whether the token's exp claim is at or before now.
// Tokens without an exp claim never expire.
func (id Identity) Expired(now time.Time) bool {
	return !id.Expiry.IsZero() && !now.Before(id.Expiry)
}

// Inspect decodes the claims of a SimpleJWT-style access token.
func Inspect(access string) (Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrNotJWT, err)
	}

	var id Identity
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.Expiry = exp.Time
	}
	switch v := claims["user_id"].(type) {
	case string:
		id.UserID = v
	case float64:
		id.UserID = fmt.Sprintf("%.0f", v)
	}
	if id.UserID == "" {
		if sub, err := claims.GetSubject(); err == nil {
			id.UserID = sub
		}
	}
	return id, nil
}
