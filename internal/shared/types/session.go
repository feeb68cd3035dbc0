package types

import "time"

// Session is the serialized credential blob shared with every UI surface.
// The coordinator only reads and writes it; its refresh semantics belong to
// the identity provider.
type Session struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token,omitempty"`
	TokenType    string       `json:"token_type,omitempty"`
	ExpiresAt    int64        `json:"expires_at,omitempty"` // unix seconds
	User         *SessionUser `json:"user,omitempty"`
}

// SessionUser is the subset of the provider's user object the UI renders.
type SessionUser struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email,omitempty"`
}

// Authenticated reports whether the session carries a bearer credential.
func (s *Session) Authenticated() bool {
	return s != nil && s.AccessToken != ""
}

// Expired reports whether the credential is past its expiry, when known.
func (s *Session) Expired(now time.Time) bool {
	return s != nil && s.ExpiresAt > 0 && !now.Before(time.Unix(s.ExpiresAt, 0))
}
