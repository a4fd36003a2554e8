package authcore

import "errors"

// Stable error kinds surfaced to callers. The HTTP layer maps each kind to a
// status code; the messages are deliberately generic so nothing about the
// store or the failing factor leaks out.
var (
	// ErrDuplicateEmail means the email is already registered.
	ErrDuplicateEmail = errors.New("email already registered")

	// ErrDuplicateIdentity means the (provider, subject id) pair is already
	// linked to a different user.
	ErrDuplicateIdentity = errors.New("identity already linked to another account")

	// ErrInvalidCredentials covers both unknown email and wrong password;
	// callers cannot tell which factor failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAccountLocked means too many consecutive failed logins; the lock
	// expires on its own.
	ErrAccountLocked = errors.New("account temporarily locked")

	// ErrAccountInactive means the account has been deactivated.
	ErrAccountInactive = errors.New("account is deactivated")

	// ErrInvalidToken covers every token failure, from bad signature and
	// expiry to wrong type claim and revocation, without distinguishing them.
	ErrInvalidToken = errors.New("invalid token")

	// ErrAssertionIncomplete means an OAuth assertion arrived without an
	// email and none could be derived.
	ErrAssertionIncomplete = errors.New("identity assertion missing email")

	// ErrIdentityNotLinked means an unlink was requested for a provider the
	// user has no link for.
	ErrIdentityNotLinked = errors.New("provider is not linked to this account")

	// ErrLastCredential means an unlink would leave the account with neither
	// a password nor any linked identity.
	ErrLastCredential = errors.New("cannot remove the last sign-in method")

	// ErrUserNotFound is returned by stores and by operations addressing a
	// user by id.
	ErrUserNotFound = errors.New("user not found")

	// ErrAuthentication covers every failure of request authentication:
	// missing or malformed header, invalid token, unknown or inactive user,
	// stale token after a password change.
	ErrAuthentication = errors.New("authentication required")

	// ErrProviderDisabled means the OAuth provider is not enabled in the
	// orchestrator's configuration.
	ErrProviderDisabled = errors.New("provider is not enabled")

	// ErrValidation is the kind wrapped by every field-level AuthError.
	ErrValidation = errors.New("validation failed")
)

// Error codes carried by AuthError for field-level validation failures.
const (
	ErrCodeMissingField = "missing_field"
	ErrCodeInvalidEmail = "invalid_email"
	ErrCodeWeakPassword = "weak_password"
	ErrCodeLongPassword = "password_too_long"
)

// AuthError is a structured validation failure with a stable machine code
// and the offending field. It unwraps to ErrValidation so callers can match
// the whole class with errors.Is.
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (e *AuthError) Error() string { return e.Message }

func (e *AuthError) Unwrap() error { return ErrValidation }

// NewAuthError creates an AuthError with the given code, message and field.
func NewAuthError(code, message, field string) *AuthError {
	return &AuthError{Code: code, Message: message, Field: field}
}
