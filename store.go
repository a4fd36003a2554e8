package authcore

import "time"

// UserStore persists user records in a document database: one document per
// user, keyed by id, with secondary uniqueness on the normalized email and on
// each (provider, subject id) pair.
//
// Mutations are expressed as per-field or per-array operations rather than
// whole-document saves, so implementations can translate them into atomic
// increments and array updates where the backing store supports them. That is
// a best-effort guard against concurrent logins from multiple devices, not
// linearizable consistency: two racing failed logins may both observe the
// same attempt count, which still triggers the lock and is acceptable.
type UserStore interface {
	// CreateUser inserts a new user document. Returns ErrDuplicateEmail if
	// the email is taken and ErrDuplicateIdentity if any linked identity is
	// already claimed.
	CreateUser(user *User) error

	// GetUserByID retrieves a user by id. Returns ErrUserNotFound.
	GetUserByID(id string) (*User, error)

	// GetUserByEmail retrieves a user by normalized email. Returns
	// ErrUserNotFound.
	GetUserByEmail(email string) (*User, error)

	// GetUserByIdentity retrieves the user owning (provider, subjectID).
	// Returns ErrUserNotFound.
	GetUserByIdentity(provider Provider, subjectID string) (*User, error)

	// UpdatePassword sets the password hash and passwordChangedAt.
	UpdatePassword(userID, passwordHash string, changedAt time.Time) error

	// SetVerified marks the user's email as verified.
	SetVerified(userID string) error

	// SetActive toggles the account's active flag.
	SetActive(userID string, active bool) error

	// SaveLinkedIdentity adds link to the user, replacing any existing entry
	// for the same provider. Returns ErrDuplicateIdentity if the (provider,
	// subject id) pair belongs to a different user.
	SaveLinkedIdentity(userID string, link LinkedIdentity) error

	// RemoveLinkedIdentity removes the entry for the given provider.
	RemoveLinkedIdentity(userID string, provider Provider) error

	// AppendRefreshToken appends token to the user's list, evicting the
	// oldest entries so the list never exceeds cap.
	AppendRefreshToken(userID string, token RefreshToken, cap int) error

	// RemoveRefreshToken removes the entry whose Token equals token. Removing
	// an absent token is not an error.
	RemoveRefreshToken(userID string, token string) error

	// ReplaceRefreshTokens overwrites the user's refresh token list, used for
	// lazy pruning of expired entries and for revoke-all.
	ReplaceRefreshTokens(userID string, tokens []RefreshToken) error

	// RecordLoginFailure atomically increments the failed-attempt counter and
	// returns the new value.
	RecordLoginFailure(userID string) (attempts int, err error)

	// LockAccount sets lockUntil.
	LockAccount(userID string, until time.Time) error

	// ResetLockout clears lockUntil and zeroes the attempt counter.
	ResetLockout(userID string) error

	// RecordLoginSuccess resets the lockout state and stamps lastLogin.
	RecordLoginSuccess(userID string, at time.Time) error
}

// TokenKind discriminates server-side single-use tokens.
type TokenKind string

const (
	TokenKindEmailVerification TokenKind = "email_verification"
	TokenKindPasswordReset     TokenKind = "password_reset"
)

// Default expiries for single-use tokens.
const (
	TokenExpiryEmailVerification = 24 * time.Hour
	TokenExpiryPasswordReset     = time.Hour
)

// AuthToken is a single-use verification or password reset token.
type AuthToken struct {
	Token     string    `json:"token"`
	Kind      TokenKind `json:"kind"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token's expiry has passed.
func (t *AuthToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// TokenStore persists single-use tokens. Expired tokens are treated as
// absent; implementations may delete them opportunistically on read.
type TokenStore interface {
	// CreateToken mints and persists a new token.
	CreateToken(userID, email string, kind TokenKind, ttl time.Duration) (*AuthToken, error)

	// GetToken retrieves a live token. Returns ErrInvalidToken for unknown or
	// expired tokens.
	GetToken(token string) (*AuthToken, error)

	// DeleteToken removes a token; deleting an absent token is not an error.
	DeleteToken(token string) error

	// DeleteUserTokens removes all of a user's tokens of the given kind.
	DeleteUserTokens(userID string, kind TokenKind) error
}
