package authcore

import (
	"strings"
	"time"
)

// Role determines what a user may do in the blog API.
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleModerator || r == RoleAdmin
}

// Provider identifies an external OAuth identity provider. The set is a
// closed enum: adding a provider means adding a constant here and a client in
// the oauth2 package.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderGitHub Provider = "github"
	ProviderApple  Provider = "apple"
)

// KnownProviders returns all supported providers.
func KnownProviders() []Provider {
	return []Provider{ProviderGoogle, ProviderGitHub, ProviderApple}
}

// Known reports whether p is a supported provider.
func (p Provider) Known() bool {
	return p == ProviderGoogle || p == ProviderGitHub || p == ProviderApple
}

// LinkedIdentity associates a user with one external provider's subject id.
// A user holds at most one entry per provider; each (provider, subject id)
// pair belongs to at most one user across the whole store.
type LinkedIdentity struct {
	Provider    Provider  `json:"provider"`
	SubjectID   string    `json:"subject_id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	LinkedAt    time.Time `json:"linked_at"`
}

// RefreshToken is one entry of a user's server-side refresh token list,
// newest last, capped at Config.RefreshTokenCap entries.
type RefreshToken struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Device    string    `json:"device,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
}

// Expired reports whether the entry's expiry has passed.
func (t RefreshToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// User is the root identity record, persisted as one document per user.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"` // unique, case-normalized
	Name  string `json:"name"`

	// PasswordHash is empty for OAuth-only accounts. It is never exposed
	// through View().
	PasswordHash string `json:"password_hash,omitempty"`

	LinkedIdentities []LinkedIdentity `json:"linked_identities,omitempty"`

	Role       Role `json:"role"`
	IsVerified bool `json:"is_verified"`
	IsActive   bool `json:"is_active"`

	RefreshTokens []RefreshToken `json:"refresh_tokens,omitempty"`

	// Lockout bookkeeping. LockUntil in the future means the account is
	// locked; LockUntil in the past is stale and reset lazily on the next
	// attempt.
	LoginAttempts int        `json:"login_attempts"`
	LockUntil     *time.Time `json:"lock_until,omitempty"`

	LastLogin         *time.Time `json:"last_login,omitempty"`
	PasswordChangedAt *time.Time `json:"password_changed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasPassword reports whether the user can authenticate with a password.
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// Identity returns the linked identity for the given provider, or nil.
func (u *User) Identity(p Provider) *LinkedIdentity {
	for i := range u.LinkedIdentities {
		if u.LinkedIdentities[i].Provider == p {
			return &u.LinkedIdentities[i]
		}
	}
	return nil
}

// Locked reports whether the account is locked as of now. A lock whose
// expiry has passed does not count; clearing it is the caller's job.
func (u *User) Locked(now time.Time) bool {
	return u.LockUntil != nil && now.Before(*u.LockUntil)
}

// HasRefreshToken reports whether token is present in the user's current
// refresh token list.
func (u *User) HasRefreshToken(token string) bool {
	for _, t := range u.RefreshTokens {
		if t.Token == token {
			return true
		}
	}
	return false
}

// View returns the external projection of the user: everything a caller may
// see, with PasswordHash and RefreshTokens stripped.
func (u *User) View() *UserView {
	return &UserView{
		ID:         u.ID,
		Email:      u.Email,
		Name:       u.Name,
		Role:       u.Role,
		IsVerified: u.IsVerified,
		IsActive:   u.IsActive,
		Providers:  u.linkedProviders(),
		LastLogin:  u.LastLogin,
		CreatedAt:  u.CreatedAt,
	}
}

func (u *User) linkedProviders() []Provider {
	if len(u.LinkedIdentities) == 0 {
		return nil
	}
	out := make([]Provider, 0, len(u.LinkedIdentities))
	for _, li := range u.LinkedIdentities {
		out = append(out, li.Provider)
	}
	return out
}

// UserView is what the HTTP layer returns to callers.
type UserView struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	Name       string     `json:"name"`
	Role       Role       `json:"role"`
	IsVerified bool       `json:"is_verified"`
	IsActive   bool       `json:"is_active"`
	Providers  []Provider `json:"providers,omitempty"`
	LastLogin  *time.Time `json:"last_login,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NormalizeEmail lowercases and trims an email address so lookups and the
// uniqueness constraint are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
