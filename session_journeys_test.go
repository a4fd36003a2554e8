package authcore_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	ac "github.com/inkstream/authcore"
	"github.com/inkstream/authcore/stores/fs"
)

// =============================================================================
// Session Journey Tests
// These tests drive complete credential flows against the fs store, the same
// way a deployment composes the pieces.
// =============================================================================

func setupSessions(t *testing.T) *ac.Sessions {
	t.Helper()
	store, err := fs.NewUserStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	cfg := &ac.Config{
		AccessTokenSecret:  "test-access-secret-1234",
		RefreshTokenSecret: "test-refresh-secret-1234",
		BcryptCost:         4, // keep hashing fast in tests
		Providers:          ac.Providers{Google: true, GitHub: true, Apple: true},
	}
	return ac.NewSessions(store, cfg)
}

func testDevice() ac.Device {
	return ac.Device{Name: "go-test/1.0", IPAddress: "127.0.0.1"}
}

func register(t *testing.T, s *ac.Sessions, email, password string) *ac.Session {
	t.Helper()
	sess, err := s.Register(email, password, "Test User", testDevice())
	if err != nil {
		t.Fatalf("Register(%s) failed: %v", email, err)
	}
	return sess
}

// =============================================================================
// Journey 1: Register, authenticate, refresh, logout
// =============================================================================

func TestJourney_RegisterLoginRefreshLogout(t *testing.T) {
	s := setupSessions(t)

	sess := register(t, s, "alice@example.com", "correct-horse")
	if sess.AccessToken == "" || sess.RefreshToken == "" {
		t.Fatal("Expected a full token pair from registration")
	}
	if sess.User.Email != "alice@example.com" {
		t.Errorf("Expected normalized email, got %q", sess.User.Email)
	}
	if sess.ExpiresIn != 900 {
		t.Errorf("Expected 15 minute access expiry, got %d", sess.ExpiresIn)
	}

	// The access token authenticates protected requests.
	u, err := s.Authenticate(sess.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if u.Email != "alice@example.com" {
		t.Errorf("Authenticated wrong user: %s", u.Email)
	}

	// A fresh login issues a second session.
	login, err := s.Login("alice@example.com", "correct-horse", testDevice())
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if login.User.LastLogin == nil {
		t.Error("Expected lastLogin to be stamped")
	}

	// Refresh returns a new access token but keeps the refresh token.
	refreshed, err := s.Refresh(login.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if refreshed.RefreshToken != login.RefreshToken {
		t.Error("Refresh should not rotate the refresh token")
	}
	if _, err := s.Authenticate(refreshed.AccessToken); err != nil {
		t.Errorf("Refreshed access token rejected: %v", err)
	}

	// Logout revokes the refresh token; further refreshes fail.
	if err := s.Logout(refreshed.AccessToken, login.RefreshToken); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := s.Refresh(login.RefreshToken); !errors.Is(err, ac.ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken after logout, got %v", err)
	}
}

func TestJourney_EmailIsNormalized(t *testing.T) {
	s := setupSessions(t)
	register(t, s, "  Bob@Example.COM ", "some-password")

	if _, err := s.Login("bob@example.com", "some-password", testDevice()); err != nil {
		t.Errorf("Login with normalized email failed: %v", err)
	}
	if _, err := s.Register("BOB@example.com", "other-password", "Bob", testDevice()); !errors.Is(err, ac.ErrDuplicateEmail) {
		t.Errorf("Expected ErrDuplicateEmail, got %v", err)
	}
}

func TestRegister_Validation(t *testing.T) {
	s := setupSessions(t)

	cases := []struct {
		name     string
		email    string
		password string
		userName string
		code     string
	}{
		{"missing email", "", "longenough", "A", ac.ErrCodeMissingField},
		{"bad email", "not-an-email", "longenough", "A", ac.ErrCodeInvalidEmail},
		{"short password", "a@b.com", "short", "A", ac.ErrCodeWeakPassword},
		{"long password", "a@b.com", strings.Repeat("x", 80), "A", ac.ErrCodeLongPassword},
		{"missing name", "a@b.com", "longenough", "", ac.ErrCodeMissingField},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Register(tc.email, tc.password, tc.userName, testDevice())
			var ae *ac.AuthError
			if !errors.As(err, &ae) {
				t.Fatalf("Expected AuthError, got %v", err)
			}
			if ae.Code != tc.code {
				t.Errorf("Expected code %s, got %s", tc.code, ae.Code)
			}
		})
	}
}

// =============================================================================
// Journey 2: Failed logins and lockout
// =============================================================================

func TestJourney_LockoutAfterRepeatedFailures(t *testing.T) {
	s := setupSessions(t)
	register(t, s, "carol@example.com", "right-password")

	// Unknown email and wrong password look identical to the caller.
	if _, err := s.Login("nobody@example.com", "whatever", testDevice()); !errors.Is(err, ac.ErrInvalidCredentials) {
		t.Errorf("Unknown email: expected ErrInvalidCredentials, got %v", err)
	}

	for i := 0; i < 4; i++ {
		if _, err := s.Login("carol@example.com", "wrong", testDevice()); !errors.Is(err, ac.ErrInvalidCredentials) {
			t.Fatalf("Attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}

	// The fifth failure crosses the threshold.
	if _, err := s.Login("carol@example.com", "wrong", testDevice()); !errors.Is(err, ac.ErrAccountLocked) {
		t.Fatalf("Expected ErrAccountLocked on fifth failure, got %v", err)
	}

	// Even the correct password is refused while locked.
	if _, err := s.Login("carol@example.com", "right-password", testDevice()); !errors.Is(err, ac.ErrAccountLocked) {
		t.Errorf("Expected ErrAccountLocked with correct password, got %v", err)
	}
}

func TestJourney_ExpiredLockClearsOnNextAttempt(t *testing.T) {
	s := setupSessions(t)
	sess := register(t, s, "dave@example.com", "right-password")

	// Simulate a lock that expired an hour ago.
	past := time.Now().Add(-time.Hour)
	if err := s.Store.LockAccount(sess.User.ID, past); err != nil {
		t.Fatalf("LockAccount failed: %v", err)
	}
	if _, err := s.Store.RecordLoginFailure(sess.User.ID); err != nil {
		t.Fatalf("RecordLoginFailure failed: %v", err)
	}

	login, err := s.Login("dave@example.com", "right-password", testDevice())
	if err != nil {
		t.Fatalf("Login after expired lock failed: %v", err)
	}

	u, err := s.Store.GetUserByID(login.User.ID)
	if err != nil {
		t.Fatalf("GetUserByID failed: %v", err)
	}
	if u.LoginAttempts != 0 || u.LockUntil != nil {
		t.Errorf("Expected lockout state cleared, got attempts=%d lockUntil=%v", u.LoginAttempts, u.LockUntil)
	}
}

func TestJourney_SuccessfulLoginResetsCounter(t *testing.T) {
	s := setupSessions(t)
	register(t, s, "erin@example.com", "right-password")

	for i := 0; i < 3; i++ {
		s.Login("erin@example.com", "wrong", testDevice())
	}
	if _, err := s.Login("erin@example.com", "right-password", testDevice()); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	// The counter starts over: 4 more failures do not lock.
	for i := 0; i < 4; i++ {
		if _, err := s.Login("erin@example.com", "wrong", testDevice()); !errors.Is(err, ac.ErrInvalidCredentials) {
			t.Fatalf("Attempt %d after reset: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}
}

func TestLogin_InactiveAccount(t *testing.T) {
	s := setupSessions(t)
	sess := register(t, s, "frank@example.com", "right-password")

	if err := s.Store.SetActive(sess.User.ID, false); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	if _, err := s.Login("frank@example.com", "right-password", testDevice()); !errors.Is(err, ac.ErrAccountInactive) {
		t.Errorf("Expected ErrAccountInactive, got %v", err)
	}
	if _, err := s.Refresh(sess.RefreshToken); !errors.Is(err, ac.ErrAccountInactive) {
		t.Errorf("Refresh: expected ErrAccountInactive, got %v", err)
	}
}

// =============================================================================
// Journey 3: Refresh token list cap and pruning
// =============================================================================

// Two sessions opened back to back within the same second must stay
// independent: distinct refresh tokens, and logging one device out leaves the
// other's session alive.
func TestJourney_SameSecondSessionsStayIndependent(t *testing.T) {
	s := setupSessions(t)

	laptop := register(t, s, "fred@example.com", "right-password")
	phone, err := s.Login("fred@example.com", "right-password", testDevice())
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if laptop.RefreshToken == phone.RefreshToken {
		t.Fatal("Sessions opened in the same second share a refresh token")
	}

	if err := s.Logout(laptop.AccessToken, laptop.RefreshToken); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := s.Refresh(laptop.RefreshToken); !errors.Is(err, ac.ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for the logged-out session, got %v", err)
	}
	if _, err := s.Refresh(phone.RefreshToken); err != nil {
		t.Errorf("Second device's session died with the first's logout: %v", err)
	}
}

func TestJourney_RefreshTokenCap(t *testing.T) {
	s := setupSessions(t)
	first := register(t, s, "gina@example.com", "right-password")

	// Five further logins push the registration session out of the capped
	// list.
	var last *ac.Session
	for i := 0; i < 5; i++ {
		// Spacing the CreatedAt stamps keeps eviction order deterministic.
		time.Sleep(5 * time.Millisecond)
		var err error
		last, err = s.Login("gina@example.com", "right-password", testDevice())
		if err != nil {
			t.Fatalf("Login %d failed: %v", i+1, err)
		}
	}

	u, err := s.Store.GetUserByID(first.User.ID)
	if err != nil {
		t.Fatalf("GetUserByID failed: %v", err)
	}
	if len(u.RefreshTokens) != 5 {
		t.Fatalf("Expected 5 refresh tokens, got %d", len(u.RefreshTokens))
	}
	if u.HasRefreshToken(first.RefreshToken) {
		t.Error("Oldest refresh token should have been evicted")
	}

	// The evicted token still verifies as a JWT but is refused.
	if _, err := s.Refresh(first.RefreshToken); !errors.Is(err, ac.ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for evicted token, got %v", err)
	}
	if _, err := s.Refresh(last.RefreshToken); err != nil {
		t.Errorf("Newest refresh token rejected: %v", err)
	}
}

func TestRefresh_PrunesExpiredEntries(t *testing.T) {
	s := setupSessions(t)
	sess := register(t, s, "hank@example.com", "right-password")

	// Plant a long-dead entry alongside the live one.
	dead := ac.RefreshToken{
		Token:     "dead-token",
		CreatedAt: time.Now().Add(-30 * 24 * time.Hour),
		ExpiresAt: time.Now().Add(-23 * 24 * time.Hour),
	}
	if err := s.Store.AppendRefreshToken(sess.User.ID, dead, s.Config.RefreshTokenCap); err != nil {
		t.Fatalf("AppendRefreshToken failed: %v", err)
	}

	if _, err := s.Refresh(sess.RefreshToken); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	u, err := s.Store.GetUserByID(sess.User.ID)
	if err != nil {
		t.Fatalf("GetUserByID failed: %v", err)
	}
	if u.HasRefreshToken("dead-token") {
		t.Error("Expected expired entry to be pruned during refresh")
	}
	if !u.HasRefreshToken(sess.RefreshToken) {
		t.Error("Live refresh token should survive pruning")
	}
}

// =============================================================================
// Journey 4: Password change invalidates outstanding tokens
// =============================================================================

func TestJourney_ChangePasswordRevokesSessions(t *testing.T) {
	s := setupSessions(t)
	sess := register(t, s, "iris@example.com", "old-password")

	if err := s.ChangePassword(sess.User.ID, "wrong", "new-password-1"); !errors.Is(err, ac.ErrInvalidCredentials) {
		t.Fatalf("Expected ErrInvalidCredentials for wrong current password, got %v", err)
	}
	if err := s.ChangePassword(sess.User.ID, "old-password", "new-password-1"); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}

	// Refresh tokens are gone.
	if _, err := s.Refresh(sess.RefreshToken); !errors.Is(err, ac.ErrInvalidToken) {
		t.Errorf("Expected refresh to fail after password change, got %v", err)
	}

	// The old password no longer works, the new one does.
	if _, err := s.Login("iris@example.com", "old-password", testDevice()); !errors.Is(err, ac.ErrInvalidCredentials) {
		t.Errorf("Old password: expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := s.Login("iris@example.com", "new-password-1", testDevice()); err != nil {
		t.Errorf("New password rejected: %v", err)
	}
}

func TestAuthenticate_StaleTokenAfterPasswordChange(t *testing.T) {
	s := setupSessions(t)
	sess := register(t, s, "judy@example.com", "old-password")

	// Stamp the change strictly after the token's issued-at second.
	changedAt := time.Now().Add(2 * time.Second)
	if err := s.Store.UpdatePassword(sess.User.ID, sess.User.ID, changedAt); err != nil {
		t.Fatalf("UpdatePassword failed: %v", err)
	}

	if _, err := s.Authenticate(sess.AccessToken); !errors.Is(err, ac.ErrAuthentication) {
		t.Errorf("Expected ErrAuthentication for stale token, got %v", err)
	}
}

// =============================================================================
// Journey 5: OAuth sign-in, linking and unlinking
// =============================================================================

func googleAssertion(email, subject string) *ac.Assertion {
	return &ac.Assertion{
		Provider:      ac.ProviderGoogle,
		SubjectID:     subject,
		Email:         email,
		DisplayName:   "Google User",
		AvatarURL:     "https://example.com/avatar.png",
		EmailVerified: true,
	}
}

func TestJourney_OAuthFirstVisitCreatesUser(t *testing.T) {
	s := setupSessions(t)

	sess, err := s.OAuthCallback(googleAssertion("kate@gmail.com", "goog-123"), testDevice())
	if err != nil {
		t.Fatalf("OAuthCallback failed: %v", err)
	}
	if sess.User.Email != "kate@gmail.com" {
		t.Errorf("Wrong email: %s", sess.User.Email)
	}
	if len(sess.User.Providers) != 1 || sess.User.Providers[0] != ac.ProviderGoogle {
		t.Fatalf("Expected google in providers, got %v", sess.User.Providers)
	}
	if sess.User.LastLogin == nil {
		t.Error("Expected lastLogin stamped on OAuth sign-in")
	}

	// Second visit resolves to the same account.
	again, err := s.OAuthCallback(googleAssertion("kate@gmail.com", "goog-123"), testDevice())
	if err != nil {
		t.Fatalf("Second OAuthCallback failed: %v", err)
	}
	if again.User.ID != sess.User.ID {
		t.Errorf("Expected same user, got %s and %s", sess.User.ID, again.User.ID)
	}

	// The OAuth-only account has no password to log in with.
	if _, err := s.Login("kate@gmail.com", "anything", testDevice()); !errors.Is(err, ac.ErrInvalidCredentials) {
		t.Errorf("Expected ErrInvalidCredentials for passwordless account, got %v", err)
	}
}

func TestJourney_OAuthLinksToExistingPasswordAccount(t *testing.T) {
	s := setupSessions(t)
	registered := register(t, s, "luke@example.com", "password-123")

	sess, err := s.OAuthCallback(&ac.Assertion{
		Provider:      ac.ProviderGitHub,
		SubjectID:     "gh-42",
		Email:         "luke@example.com",
		DisplayName:   "lukehub",
		EmailVerified: true,
	}, testDevice())
	if err != nil {
		t.Fatalf("OAuthCallback failed: %v", err)
	}
	if sess.User.ID != registered.User.ID {
		t.Fatal("Expected the provider identity to attach to the existing account")
	}
	if len(sess.User.Providers) != 1 || sess.User.Providers[0] != ac.ProviderGitHub {
		t.Fatalf("Expected github in providers, got %v", sess.User.Providers)
	}
	if !sess.User.IsVerified {
		t.Error("Verified provider email should mark the account verified")
	}

	// Password login keeps working alongside the link.
	if _, err := s.Login("luke@example.com", "password-123", testDevice()); err != nil {
		t.Errorf("Password login after linking failed: %v", err)
	}
}

func TestJourney_OAuthSkipsLockout(t *testing.T) {
	s := setupSessions(t)
	register(t, s, "mia@example.com", "password-123")

	// Lock the account via password failures.
	for i := 0; i < 5; i++ {
		s.Login("mia@example.com", "wrong", testDevice())
	}
	if _, err := s.Login("mia@example.com", "password-123", testDevice()); !errors.Is(err, ac.ErrAccountLocked) {
		t.Fatalf("Expected account locked, got %v", err)
	}

	// A provider assertion carries no password, so the lock does not apply.
	if _, err := s.OAuthCallback(googleAssertion("mia@example.com", "goog-mia"), testDevice()); err != nil {
		t.Errorf("OAuth sign-in should bypass the lockout, got %v", err)
	}
}

func TestOAuthCallback_IncompleteAssertion(t *testing.T) {
	s := setupSessions(t)

	cases := []*ac.Assertion{
		{Provider: ac.ProviderGoogle, SubjectID: "", Email: "a@b.com"},
		{Provider: ac.ProviderGoogle, SubjectID: "sub-1", Email: ""},
	}
	for _, a := range cases {
		if _, err := s.OAuthCallback(a, testDevice()); !errors.Is(err, ac.ErrAssertionIncomplete) {
			t.Errorf("Expected ErrAssertionIncomplete, got %v", err)
		}
	}
}

func TestOAuthCallback_DisabledProvider(t *testing.T) {
	s := setupSessions(t)
	s.Config.Providers.Apple = false

	a := &ac.Assertion{Provider: ac.ProviderApple, SubjectID: "apl-1", Email: "n@example.com"}
	if _, err := s.OAuthCallback(a, testDevice()); !errors.Is(err, ac.ErrProviderDisabled) {
		t.Errorf("Expected ErrProviderDisabled, got %v", err)
	}
}

func TestJourney_UnlinkGuardsLastCredential(t *testing.T) {
	s := setupSessions(t)

	// OAuth-only account: the sole link cannot be removed.
	sess, err := s.OAuthCallback(googleAssertion("nora@gmail.com", "goog-nora"), testDevice())
	if err != nil {
		t.Fatalf("OAuthCallback failed: %v", err)
	}
	if err := s.Unlink(sess.User.ID, ac.ProviderGoogle); !errors.Is(err, ac.ErrLastCredential) {
		t.Fatalf("Expected ErrLastCredential, got %v", err)
	}
	if err := s.Unlink(sess.User.ID, ac.ProviderGitHub); !errors.Is(err, ac.ErrIdentityNotLinked) {
		t.Errorf("Expected ErrIdentityNotLinked, got %v", err)
	}

	// Adding a password frees the link for removal.
	if err := s.ChangePassword(sess.User.ID, "", "fresh-password"); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}
	if err := s.Unlink(sess.User.ID, ac.ProviderGoogle); err != nil {
		t.Fatalf("Unlink after adding password failed: %v", err)
	}

	u, err := s.Store.GetUserByID(sess.User.ID)
	if err != nil {
		t.Fatalf("GetUserByID failed: %v", err)
	}
	if len(u.LinkedIdentities) != 0 {
		t.Errorf("Expected no linked identities, got %d", len(u.LinkedIdentities))
	}
}
