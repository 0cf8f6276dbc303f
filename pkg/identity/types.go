// Package identity carries the authenticated principal of a packaging run.
// Token acquisition protocols live elsewhere; this package only deals with
// the resulting principal and token shapes, caches them, and moves them
// through request contexts.
package identity

import (
	"context"
	"errors"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// SafetyMargin is subtracted from a token's lifetime when judging whether a
// cached result can still be handed out.
const SafetyMargin = 60 * time.Second

// ErrInsufficientScope is returned when a token does not grant the
// requested scopes.
var ErrInsufficientScope = errors.New("token does not cover requested scopes")

// Principal is the authenticated subject.
type Principal struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"displayName"`
	Email       string            `json:"email,omitempty"`
	Roles       []string          `json:"roles,omitempty"`
	Claims      map[string]string `json:"claims,omitempty"`
}

// HasAnyRole reports whether the principal holds at least one of roles.
func (p Principal) HasAnyRole(roles ...string) bool {
	if len(roles) == 0 || len(p.Roles) == 0 {
		return false
	}
	return mapset.NewSet(p.Roles...).ContainsAny(roles...)
}

// Token is an access token and its grant.
type Token struct {
	Value     string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt"`
	Scopes    []string  `json:"scopes,omitempty"`
}

// Covers reports whether the token grants every scope in scopes.
func (t Token) Covers(scopes []string) bool {
	if len(scopes) == 0 {
		return true
	}
	return mapset.NewSet(t.Scopes...).Contains(scopes...)
}

// Result pairs a principal with the token that authenticated it.
type Result struct {
	Principal Principal `json:"principal"`
	Token     Token     `json:"token"`
}

// ValidFor reports whether the result may be reused at now for the given
// scopes: the token must outlive now+SafetyMargin and cover every scope.
func (r Result) ValidFor(now time.Time, scopes []string) bool {
	if !r.Token.ExpiresAt.After(now.Add(SafetyMargin)) {
		return false
	}
	return r.Token.Covers(scopes)
}

// Provider acquires an identity for the requested scopes.
type Provider interface {
	Acquire(ctx context.Context, scopes []string) (*Result, error)
}
