package auth

import (
	"time"

	"dotracing/game"
)

// Credentials is the authenticate request payload.
type Credentials struct {
	Token   string       `json:"token"`
	Profile game.Profile `json:"profile"`
}

// Session is the per-connection identity state. It is owned by exactly one
// connection and never shared.
type Session struct {
	Profile       *game.Profile
	TokenExpiry   *time.Time
	CurrentGameID string
}

// Authenticate verifies the token and, on success, stores the profile and
// token expiry. The profile id is always the identity provider's user id.
func (s *Session) Authenticate(v *Verifier, creds Credentials) (*Claim, error) {
	claim, err := v.Verify(creds.Token)
	if err != nil {
		return nil, err
	}

	profile := creds.Profile
	if profile.UserID == "" {
		profile.UserID = claim.Subject
	}
	profile.ID = profile.UserID
	expiry := claim.ExpiresAt

	s.Profile = &profile
	s.TokenExpiry = &expiry
	return claim, nil
}

// IsAuthenticated reports whether a token expiry is held and still ahead of now.
func (s *Session) IsAuthenticated(now time.Time) bool {
	return s.TokenExpiry != nil && s.TokenExpiry.After(now)
}

func (s *Session) Unauthenticate() {
	s.Profile = nil
	s.TokenExpiry = nil
}

// ProfileID returns the authenticated profile id or "".
func (s *Session) ProfileID() string {
	if s.Profile == nil {
		return ""
	}
	return s.Profile.ID
}
