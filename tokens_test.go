package authcore_test

import (
	"errors"
	"testing"
	"time"

	ac "github.com/inkstream/authcore"
)

func testIssuer() *ac.TokenIssuer {
	cfg := (&ac.Config{
		AccessTokenSecret:  "access-secret-aaaaaaaa",
		RefreshTokenSecret: "refresh-secret-bbbbbbb",
	}).EnsureDefaults()
	return ac.NewTokenIssuer(cfg)
}

func TestTokenIssuer_AccessRoundTrip(t *testing.T) {
	issuer := testIssuer()

	token, err := issuer.IssueAccess("user-1", ac.RoleModerator)
	if err != nil {
		t.Fatalf("IssueAccess failed: %v", err)
	}
	claims, err := issuer.VerifyAccess(token)
	if err != nil {
		t.Fatalf("VerifyAccess failed: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Errorf("Wrong user ID: %s", claims.UserID)
	}
	if claims.Role != ac.RoleModerator {
		t.Errorf("Wrong role: %s", claims.Role)
	}
	if claims.IssuedAt.IsZero() {
		t.Error("Expected issued-at to be populated")
	}
}

func TestTokenIssuer_RefreshRoundTrip(t *testing.T) {
	issuer := testIssuer()

	token, err := issuer.IssueRefresh("user-2")
	if err != nil {
		t.Fatalf("IssueRefresh failed: %v", err)
	}
	userID, err := issuer.VerifyRefresh(token)
	if err != nil {
		t.Fatalf("VerifyRefresh failed: %v", err)
	}
	if userID != "user-2" {
		t.Errorf("Wrong user ID: %s", userID)
	}
}

// The two token families sign with different secrets and carry a type claim,
// so neither can stand in for the other.
func TestTokenIssuer_TypesAreNotInterchangeable(t *testing.T) {
	issuer := testIssuer()

	access, _ := issuer.IssueAccess("user-3", ac.RoleUser)
	refresh, _ := issuer.IssueRefresh("user-3")

	if _, err := issuer.VerifyAccess(refresh); !errors.Is(err, ac.ErrInvalidToken) {
		t.Errorf("Refresh token accepted as access token: %v", err)
	}
	if _, err := issuer.VerifyRefresh(access); !errors.Is(err, ac.ErrInvalidToken) {
		t.Errorf("Access token accepted as refresh token: %v", err)
	}
}

// Tokens carry a unique jti, so two sessions opened for the same user within
// the same second still get distinct token strings.
func TestTokenIssuer_TokensAreUnique(t *testing.T) {
	issuer := testIssuer()

	r1, err := issuer.IssueRefresh("user-6")
	if err != nil {
		t.Fatalf("IssueRefresh failed: %v", err)
	}
	r2, err := issuer.IssueRefresh("user-6")
	if err != nil {
		t.Fatalf("IssueRefresh failed: %v", err)
	}
	if r1 == r2 {
		t.Error("Back-to-back refresh tokens for one user should differ")
	}

	a1, _ := issuer.IssueAccess("user-6", ac.RoleUser)
	a2, _ := issuer.IssueAccess("user-6", ac.RoleUser)
	if a1 == a2 {
		t.Error("Back-to-back access tokens for one user should differ")
	}
}

func TestTokenIssuer_RejectsForeignSignature(t *testing.T) {
	issuer := testIssuer()
	other := ac.NewTokenIssuer((&ac.Config{
		AccessTokenSecret:  "completely-different-1",
		RefreshTokenSecret: "completely-different-2",
	}).EnsureDefaults())

	token, _ := other.IssueAccess("user-4", ac.RoleUser)
	if _, err := issuer.VerifyAccess(token); !errors.Is(err, ac.ErrInvalidToken) {
		t.Errorf("Token with wrong signature accepted: %v", err)
	}
}

func TestTokenIssuer_RejectsGarbage(t *testing.T) {
	issuer := testIssuer()

	for _, garbage := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := issuer.VerifyAccess(garbage); !errors.Is(err, ac.ErrInvalidToken) {
			t.Errorf("VerifyAccess(%q): expected ErrInvalidToken, got %v", garbage, err)
		}
	}
}

func TestTokenIssuer_ExpiredAccessToken(t *testing.T) {
	cfg := (&ac.Config{
		AccessTokenSecret:  "access-secret-aaaaaaaa",
		RefreshTokenSecret: "refresh-secret-bbbbbbb",
	}).EnsureDefaults()
	cfg.AccessTokenTTL = -time.Minute
	issuer := ac.NewTokenIssuer(cfg)

	token, err := issuer.IssueAccess("user-5", ac.RoleUser)
	if err != nil {
		t.Fatalf("IssueAccess failed: %v", err)
	}
	if _, err := issuer.VerifyAccess(token); !errors.Is(err, ac.ErrInvalidToken) {
		t.Errorf("Expired token accepted: %v", err)
	}
}

func TestGenerateSecureToken(t *testing.T) {
	a := ac.GenerateSecureToken()
	b := ac.GenerateSecureToken()
	if len(a) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(a))
	}
	if a == b {
		t.Error("Two generated tokens should differ")
	}
}
