package authcore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/xid"
)

// Token type discriminator values embedded in the "type" claim. The claim is
// a second guard on top of the split secrets: even if the two secrets were
// ever configured to the same value, a refresh token still fails access
// verification.
const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// tokenClaims is the payload of both token classes. Role is only set on
// access tokens.
type tokenClaims struct {
	jwt.RegisteredClaims
	TokenType string `json:"type"`
	Role      Role   `json:"role,omitempty"`
}

// AccessClaims is what access token verification yields.
type AccessClaims struct {
	UserID   string
	Role     Role
	IssuedAt time.Time
}

// TokenIssuer creates and validates the two bearer token classes: short-lived
// access tokens and long-lived refresh tokens, HS256-signed with independent
// secrets.
type TokenIssuer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
}

// NewTokenIssuer builds a TokenIssuer from the config. Call
// cfg.EnsureDefaults() first.
func NewTokenIssuer(cfg *Config) *TokenIssuer {
	return &TokenIssuer{
		accessSecret:  []byte(cfg.AccessTokenSecret),
		refreshSecret: []byte(cfg.RefreshTokenSecret),
		accessTTL:     cfg.AccessTokenTTL,
		refreshTTL:    cfg.RefreshTokenTTL,
		issuer:        cfg.Issuer,
	}
}

// AccessTTL returns the configured access token lifetime.
func (s *TokenIssuer) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (s *TokenIssuer) RefreshTTL() time.Duration { return s.refreshTTL }

// IssueAccess signs a new access token for the user. The role claim rides
// along so resource handlers can authorize without a store round trip.
func (s *TokenIssuer) IssueAccess(userID string, role Role) (string, error) {
	return s.sign(s.accessSecret, tokenClaims{
		RegisteredClaims: s.registered(userID, s.accessTTL),
		TokenType:        tokenTypeAccess,
		Role:             role,
	})
}

// IssueRefresh signs a new refresh token for the user.
func (s *TokenIssuer) IssueRefresh(userID string) (string, error) {
	return s.sign(s.refreshSecret, tokenClaims{
		RegisteredClaims: s.registered(userID, s.refreshTTL),
		TokenType:        tokenTypeRefresh,
	})
}

// VerifyAccess validates an access token and returns its claims. Every
// failure (bad signature, expiry, wrong algorithm, wrong type claim,
// missing subject) comes back as ErrInvalidToken; the wrapped cause is for
// logs only.
func (s *TokenIssuer) VerifyAccess(token string) (*AccessClaims, error) {
	claims, err := s.parse(s.accessSecret, token, tokenTypeAccess)
	if err != nil {
		return nil, err
	}
	issuedAt := time.Time{}
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}
	return &AccessClaims{
		UserID:   claims.Subject,
		Role:     claims.Role,
		IssuedAt: issuedAt,
	}, nil
}

// VerifyRefresh validates a refresh token and returns the subject user id,
// under conditions symmetric to VerifyAccess.
func (s *TokenIssuer) VerifyRefresh(token string) (string, error) {
	claims, err := s.parse(s.refreshSecret, token, tokenTypeRefresh)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// registered stamps a unique jti alongside the timing claims. Without it two
// tokens minted for the same user within one second are byte-identical, so
// the per-device refresh token bookkeeping could not tell sessions apart.
func (s *TokenIssuer) registered(userID string, ttl time.Duration) jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		ID:        xid.New().String(),
		Subject:   userID,
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (s *TokenIssuer) sign(secret []byte, claims tokenClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

func (s *TokenIssuer) parse(secret []byte, tokenStr, wantType string) (*tokenClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&tokenClaims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: malformed claims", ErrInvalidToken)
	}
	if claims.TokenType != wantType {
		return nil, fmt.Errorf("%w: wrong token type %q", ErrInvalidToken, claims.TokenType)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// GenerateSecureToken returns a cryptographically secure random token for
// server-side single-use tokens (email verification, password reset).
func GenerateSecureToken() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}
