package authcore

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"regexp"
	"time"

	"github.com/rs/xid"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// Device is per-request client metadata recorded alongside refresh tokens so
// users can tell their sessions apart.
type Device struct {
	Name      string // typically the User-Agent
	IPAddress string
}

// Session is the success payload of every credential flow: the user's
// external view plus a fresh token pair.
type Session struct {
	User         *UserView `json:"user"`
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in"`
	RefreshToken string    `json:"refresh_token,omitempty"`
}

// SendEmail lets hosts plug in their own delivery for verification and
// password reset mail.
type SendEmail interface {
	SendVerificationEmail(to string, verificationLink string) error
	SendPasswordResetEmail(to string, resetLink string) error
}

// ConsoleEmailSender is a development implementation that logs emails.
type ConsoleEmailSender struct{}

func (c *ConsoleEmailSender) SendVerificationEmail(to string, verificationLink string) error {
	log.Printf("\n=== EMAIL: Verification ===")
	log.Printf("To: %s", to)
	log.Printf("Body: Please verify your email by clicking: %s", verificationLink)
	log.Printf("===========================\n")
	return nil
}

func (c *ConsoleEmailSender) SendPasswordResetEmail(to string, resetLink string) error {
	log.Printf("\n=== EMAIL: Password Reset ===")
	log.Printf("To: %s", to)
	log.Printf("Body: Reset your password by clicking: %s", resetLink)
	log.Printf("==============================\n")
	return nil
}

// Sessions composes the store, hasher, token issuer, lockout guard and
// account linker into the flows the HTTP layer exposes. All operations are
// request-scoped; the only state between requests lives in the store.
type Sessions struct {
	Store   UserStore
	Hasher  *Hasher
	Tokens  *TokenIssuer
	Lockout *LockoutGuard
	Linker  *Linker
	Config  *Config

	// Optional email verification / password reset plumbing, skipped when
	// unset.
	EmailSender SendEmail
	TokenStore  TokenStore
	BaseURL     string
}

// NewSessions wires a Sessions from a store and config. The config is
// defaulted in place.
func NewSessions(store UserStore, cfg *Config) *Sessions {
	cfg.EnsureDefaults()
	return &Sessions{
		Store:  store,
		Hasher: NewHasher(cfg.BcryptCost),
		Tokens: NewTokenIssuer(cfg),
		Lockout: &LockoutGuard{
			Store:     store,
			Threshold: cfg.LockoutThreshold,
			Duration:  cfg.LockoutDuration,
		},
		Linker: &Linker{Store: store},
		Config: cfg,
	}
}

// Register creates a password account and logs it in. Fails with a
// field-level AuthError for malformed input and with ErrDuplicateEmail when
// the email is taken. No partial state survives a failure: if tokens cannot
// be issued the whole registration fails.
func (s *Sessions) Register(email, password, name string, dev Device) (*Session, error) {
	if err := s.validateRegistration(email, password, name); err != nil {
		return nil, err
	}
	hash, err := s.Hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	u := &User{
		ID:           xid.New().String(),
		Email:        NormalizeEmail(email),
		Name:         name,
		PasswordHash: hash,
		Role:         RoleUser,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Store.CreateUser(u); err != nil {
		return nil, err
	}

	s.sendVerificationEmail(u)

	return s.openSession(u, dev)
}

// Login authenticates a password credential. Unknown email and wrong
// password surface identically as ErrInvalidCredentials; a locked account
// rejects even the correct password with ErrAccountLocked.
func (s *Sessions) Login(email, password string, dev Device) (*Session, error) {
	u, err := s.Store.GetUserByEmail(NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	now := time.Now()
	if err := s.Lockout.Check(u, now); err != nil {
		return nil, err
	}

	if !u.HasPassword() || !s.Hasher.Verify(u.PasswordHash, password) {
		// RecordFailure returns ErrAccountLocked when this failure crossed
		// the threshold, ErrInvalidCredentials otherwise.
		return nil, s.Lockout.RecordFailure(u, now)
	}

	if !u.IsActive {
		return nil, ErrAccountInactive
	}

	if err := s.Lockout.RecordSuccess(u, now); err != nil {
		return nil, err
	}
	u.LastLogin = &now

	return s.openSession(u, dev)
}

// Refresh exchanges a live refresh token for a new access token. The refresh
// token itself is not rotated. A token that verifies but is no longer in the
// user's list (logged out, or evicted by the cap) fails as ErrInvalidToken,
// indistinguishable from a tampered one. Expired entries are pruned lazily
// as a side effect.
func (s *Sessions) Refresh(refreshToken string) (*Session, error) {
	userID, err := s.Tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, err
	}
	u, err := s.Store.GetUserByID(userID)
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, ErrAccountInactive
	}

	now := time.Now()
	live := u.RefreshTokens[:0:0]
	for _, t := range u.RefreshTokens {
		if !t.Expired(now) {
			live = append(live, t)
		}
	}
	if len(live) != len(u.RefreshTokens) {
		if err := s.Store.ReplaceRefreshTokens(u.ID, live); err != nil {
			slog.Warn("pruning expired refresh tokens", "user", u.ID, "error", err)
		}
		u.RefreshTokens = live
	}

	if !u.HasRefreshToken(refreshToken) {
		return nil, fmt.Errorf("%w: token revoked", ErrInvalidToken)
	}

	access, err := s.Tokens.IssueAccess(u.ID, u.Role)
	if err != nil {
		return nil, err
	}
	return &Session{
		User:         u.View(),
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.Tokens.AccessTTL().Seconds()),
		RefreshToken: refreshToken,
	}, nil
}

// Logout requires a valid access token and revokes the supplied refresh
// token if it is present. Revocation is best effort: an absent token or a
// failed removal still reads as success to the caller, but the removal is
// attempted for real.
func (s *Sessions) Logout(accessToken, refreshToken string) error {
	claims, err := s.Tokens.VerifyAccess(accessToken)
	if err != nil {
		return err
	}
	if refreshToken != "" {
		if err := s.Store.RemoveRefreshToken(claims.UserID, refreshToken); err != nil {
			slog.Warn("revoking refresh token on logout", "user", claims.UserID, "error", err)
		}
	}
	return nil
}

// Authenticate resolves an access token to its user for a protected request.
// Every failure (malformed or expired token, unknown or inactive user, or a
// token issued before the user's last password change) surfaces uniformly
// as ErrAuthentication.
func (s *Sessions) Authenticate(accessToken string) (*User, error) {
	claims, err := s.Tokens.VerifyAccess(accessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	u, err := s.Store.GetUserByID(claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if !u.IsActive {
		return nil, fmt.Errorf("%w: account inactive", ErrAuthentication)
	}
	if u.PasswordChangedAt != nil && claims.IssuedAt.Before(*u.PasswordChangedAt) {
		return nil, fmt.Errorf("%w: token predates password change", ErrAuthentication)
	}
	return u, nil
}

// OAuthCallback handles a provider assertion after the external OAuth
// exchange: resolve-or-create the user via the linker, then the tail of
// Login, issuing a token pair and stamping lastLogin, but skipping the password and
// lockout checks entirely, since no password was presented.
func (s *Sessions) OAuthCallback(a *Assertion, dev Device) (*Session, error) {
	if !s.Config.Providers.Enabled(a.Provider) {
		return nil, ErrProviderDisabled
	}
	u, err := s.Linker.Resolve(a)
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, ErrAccountInactive
	}

	now := time.Now()
	if err := s.Store.RecordLoginSuccess(u.ID, now); err != nil {
		return nil, err
	}
	u.LastLogin = &now

	return s.openSession(u, dev)
}

// ChangePassword sets a new password after verifying the current one (when
// one is set; an OAuth-only account may add a password without a current
// value). All refresh tokens are revoked and passwordChangedAt is stamped so
// outstanding access tokens go stale immediately.
func (s *Sessions) ChangePassword(userID, current, newPassword string) error {
	u, err := s.Store.GetUserByID(userID)
	if err != nil {
		return err
	}
	if u.HasPassword() && !s.Hasher.Verify(u.PasswordHash, current) {
		return ErrInvalidCredentials
	}
	if err := s.validatePassword(newPassword); err != nil {
		return err
	}
	hash, err := s.Hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	now := time.Now()
	if err := s.Store.UpdatePassword(userID, hash, now); err != nil {
		return err
	}
	if err := s.Store.ReplaceRefreshTokens(userID, nil); err != nil {
		slog.Warn("revoking sessions after password change", "user", userID, "error", err)
	}
	return nil
}

// Unlink removes an OAuth link from the account, refusing to strand it
// without any sign-in method.
func (s *Sessions) Unlink(userID string, provider Provider) error {
	return s.Linker.Unlink(userID, provider)
}

// RequestEmailVerification re-sends the verification email for an account
// that has not verified yet. Like RequestPasswordReset it does not reveal
// whether the email exists.
func (s *Sessions) RequestEmailVerification(email string) error {
	if s.TokenStore == nil || s.EmailSender == nil {
		return fmt.Errorf("email verification not configured")
	}
	u, err := s.Store.GetUserByEmail(NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		return err
	}
	if u.IsVerified {
		return nil
	}
	s.sendVerificationEmail(u)
	return nil
}

// VerifyEmail consumes a single-use verification token and marks the user's
// email verified.
func (s *Sessions) VerifyEmail(token string) error {
	if s.TokenStore == nil {
		return fmt.Errorf("email verification not configured")
	}
	at, err := s.TokenStore.GetToken(token)
	if err != nil {
		return err
	}
	if at.Kind != TokenKindEmailVerification {
		return fmt.Errorf("%w: wrong token kind", ErrInvalidToken)
	}
	if err := s.Store.SetVerified(at.UserID); err != nil {
		return err
	}
	if err := s.TokenStore.DeleteToken(token); err != nil {
		slog.Warn("deleting verification token", "error", err)
	}
	return nil
}

// RequestPasswordReset mints a reset token and mails a link. It succeeds
// regardless of whether the email exists, so callers cannot probe the user
// base.
func (s *Sessions) RequestPasswordReset(email string) error {
	if s.TokenStore == nil || s.EmailSender == nil {
		return fmt.Errorf("password reset not configured")
	}
	u, err := s.Store.GetUserByEmail(NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		return err
	}
	token, err := s.TokenStore.CreateToken(u.ID, u.Email, TokenKindPasswordReset, TokenExpiryPasswordReset)
	if err != nil {
		slog.Warn("creating reset token", "error", err)
		return nil
	}
	resetLink := fmt.Sprintf("%s/auth/reset-password?token=%s", s.BaseURL, token.Token)
	if err := s.EmailSender.SendPasswordResetEmail(u.Email, resetLink); err != nil {
		slog.Warn("sending reset email", "error", err)
	}
	return nil
}

// ResetPassword consumes a single-use reset token and sets the new password,
// revoking every outstanding session.
func (s *Sessions) ResetPassword(token, newPassword string) error {
	if s.TokenStore == nil {
		return fmt.Errorf("password reset not configured")
	}
	at, err := s.TokenStore.GetToken(token)
	if err != nil {
		return err
	}
	if at.Kind != TokenKindPasswordReset {
		return fmt.Errorf("%w: wrong token kind", ErrInvalidToken)
	}
	if err := s.validatePassword(newPassword); err != nil {
		return err
	}
	hash, err := s.Hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := s.Store.UpdatePassword(at.UserID, hash, time.Now()); err != nil {
		return err
	}
	if err := s.Store.ReplaceRefreshTokens(at.UserID, nil); err != nil {
		slog.Warn("revoking sessions after password reset", "user", at.UserID, "error", err)
	}
	if err := s.TokenStore.DeleteToken(token); err != nil {
		slog.Warn("deleting reset token", "error", err)
	}
	return nil
}

// openSession issues a fresh token pair for u and appends the refresh token
// to the user's capped list.
func (s *Sessions) openSession(u *User, dev Device) (*Session, error) {
	access, err := s.Tokens.IssueAccess(u.ID, u.Role)
	if err != nil {
		return nil, err
	}
	refresh, err := s.Tokens.IssueRefresh(u.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	entry := RefreshToken{
		Token:     refresh,
		CreatedAt: now,
		ExpiresAt: now.Add(s.Tokens.RefreshTTL()),
		Device:    dev.Name,
		IPAddress: dev.IPAddress,
	}
	if err := s.Store.AppendRefreshToken(u.ID, entry, s.Config.RefreshTokenCap); err != nil {
		return nil, err
	}

	return &Session{
		User:         u.View(),
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.Tokens.AccessTTL().Seconds()),
		RefreshToken: refresh,
	}, nil
}

func (s *Sessions) validateRegistration(email, password, name string) error {
	if email == "" {
		return NewAuthError(ErrCodeMissingField, "email is required", "email")
	}
	if !emailRegex.MatchString(email) {
		return NewAuthError(ErrCodeInvalidEmail, "invalid email format", "email")
	}
	if name == "" {
		return NewAuthError(ErrCodeMissingField, "name is required", "name")
	}
	return s.validatePassword(password)
}

func (s *Sessions) validatePassword(password string) error {
	if len(password) < s.Config.MinPasswordLength {
		return NewAuthError(ErrCodeWeakPassword,
			fmt.Sprintf("password must be at least %d characters", s.Config.MinPasswordLength), "password")
	}
	if len(password) > maxPasswordBytes {
		return NewAuthError(ErrCodeLongPassword,
			fmt.Sprintf("password must be %d bytes or fewer", maxPasswordBytes), "password")
	}
	return nil
}

// sendVerificationEmail mints a verification token and mails the link, best
// effort; registration never fails because mail could not be sent.
func (s *Sessions) sendVerificationEmail(u *User) {
	if s.EmailSender == nil || s.TokenStore == nil || s.BaseURL == "" {
		return
	}
	token, err := s.TokenStore.CreateToken(u.ID, u.Email, TokenKindEmailVerification, TokenExpiryEmailVerification)
	if err != nil {
		slog.Warn("creating verification token", "error", err)
		return
	}
	link := fmt.Sprintf("%s/auth/verify-email?token=%s", s.BaseURL, token.Token)
	if err := s.EmailSender.SendVerificationEmail(u.Email, link); err != nil {
		slog.Warn("sending verification email", "error", err)
	}
}
