package domain

import (
	"context"
	"time"
)

// Credential is an authenticated identity issued by the identity provider.
// It is immutable once issued and replaced wholesale on refresh.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	SubjectID    string
}

// Session wraps the current credential. A session is either fully present or
// absent (nil pointer); nothing else in the system holds a partially
// populated session.
type Session struct {
	Credential Credential
	IssuedAt   time.Time
}

// Valid reports whether the session's credential is still usable at the given
// instant, keeping a safety margin before the actual expiry.
func (s *Session) Valid(now time.Time, margin time.Duration) bool {
	if s == nil {
		return false
	}
	return s.Credential.ExpiresAt.After(now.Add(margin))
}

// IdentityProvider is the external auth backend contract. Implementations
// live in internal/identity; tests substitute hand-written fakes.
type IdentityProvider interface {
	SignIn(ctx context.Context, identifier, secret string) (*Credential, error)

	// RefreshCredential exchanges a refresh token for a fresh credential.
	// A revoked or invalid refresh token is a terminal failure; callers must
	// treat it as loss of the session.
	RefreshCredential(ctx context.Context, refreshToken string) (*Credential, error)

	// SignOut invalidates the credential on the provider side. Best effort;
	// local state is cleared regardless of the outcome.
	SignOut(ctx context.Context, accessToken string) error

	// CurrentSession returns the provider's persisted session, or (nil, nil)
	// when none exists.
	CurrentSession(ctx context.Context) (*Credential, error)
}
