// Package authz models the time-boxed re-authorization grant required for
// privileged terminal operations such as voiding an order. The grant is an
// explicit value threaded through parameters, never module-level state.
package authz

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// DefaultWindow is how long a re-authorization grant stays valid.
const DefaultWindow = 5 * time.Minute

// ClaimGrantedUntil is the JWT claim carrying the grant expiry (unix seconds).
const ClaimGrantedUntil = "reauth_until"

// Window is a re-authorization grant.
type Window struct {
	GrantedUntil time.Time
}

// Valid reports whether the grant covers now.
func (w Window) Valid(now time.Time) bool {
	return now.Before(w.GrantedUntil)
}

// Grant issues a window starting at now.
func Grant(now time.Time, d time.Duration) Window {
	if d <= 0 {
		d = DefaultWindow
	}
	return Window{GrantedUntil: now.Add(d)}
}

// FromClaims extracts the window from JWT claims. A missing or malformed
// claim yields an already-expired window.
func FromClaims(claims jwt.MapClaims) Window {
	v, ok := claims[ClaimGrantedUntil]
	if !ok {
		return Window{}
	}
	switch t := v.(type) {
	case float64:
		return Window{GrantedUntil: time.Unix(int64(t), 0)}
	case int64:
		return Window{GrantedUntil: time.Unix(t, 0)}
	default:
		return Window{}
	}
}
