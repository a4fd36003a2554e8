package authcore

import (
	"os"
	"strings"
	"time"
)

// Default policy constants. All of them are configurable through Config; the
// values mirror what the blog API has always shipped with.
const (
	DefaultAccessTokenTTL   = 15 * time.Minute
	DefaultRefreshTokenTTL  = 7 * 24 * time.Hour
	DefaultLockoutThreshold = 5
	DefaultLockoutDuration  = time.Hour
	DefaultRefreshTokenCap  = 5
	DefaultBcryptCost       = 12
	DefaultMinPasswordLen   = 8
)

// Providers toggles each OAuth provider explicitly. The zero value disables
// all of them; hosts opt in per provider at construction time.
type Providers struct {
	Google bool
	GitHub bool
	Apple  bool
}

// Enabled reports whether the given provider is switched on.
func (p Providers) Enabled(provider Provider) bool {
	switch provider {
	case ProviderGoogle:
		return p.Google
	case ProviderGitHub:
		return p.GitHub
	case ProviderApple:
		return p.Apple
	}
	return false
}

// Config carries the process-wide auth configuration. It is loaded once at
// startup and treated as read-only afterwards.
type Config struct {
	// Optional name used as the JWT issuer prefix.
	AppName string

	// Independent signing secrets for the two token classes. Splitting them
	// keeps a leaked refresh token from ever verifying as an access token.
	AccessTokenSecret  string
	RefreshTokenSecret string

	// JWT issuer claim. Defaults to "<AppName>-Issuer".
	Issuer string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// Lockout policy: LockoutThreshold consecutive failures lock the account
	// for LockoutDuration.
	LockoutThreshold int
	LockoutDuration  time.Duration

	// RefreshTokenCap bounds the per-user refresh token list; appending
	// beyond the cap evicts the oldest entry.
	RefreshTokenCap int

	BcryptCost        int
	MinPasswordLength int

	Providers Providers
}

// EnsureDefaults fills in every unset field and returns the config for
// chaining. Secrets fall back to environment variables and finally to fixed
// development values; production hosts must set their own.
func (c *Config) EnsureDefaults() *Config {
	if c.AppName == "" {
		c.AppName = "Inkstream"
	}
	if c.Issuer == "" {
		c.Issuer = c.AppName + "-Issuer"
	}
	if c.AccessTokenSecret == "" {
		c.AccessTokenSecret = strings.TrimSpace(os.Getenv("AUTHCORE_ACCESS_TOKEN_SECRET"))
		if c.AccessTokenSecret == "" {
			c.AccessTokenSecret = "DevAccessTokenSecret1234"
		}
	}
	if c.RefreshTokenSecret == "" {
		c.RefreshTokenSecret = strings.TrimSpace(os.Getenv("AUTHCORE_REFRESH_TOKEN_SECRET"))
		if c.RefreshTokenSecret == "" {
			c.RefreshTokenSecret = "DevRefreshTokenSecret123"
		}
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.LockoutThreshold <= 0 {
		c.LockoutThreshold = DefaultLockoutThreshold
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = DefaultLockoutDuration
	}
	if c.RefreshTokenCap <= 0 {
		c.RefreshTokenCap = DefaultRefreshTokenCap
	}
	if c.BcryptCost <= 0 {
		c.BcryptCost = DefaultBcryptCost
	}
	if c.MinPasswordLength <= 0 {
		c.MinPasswordLength = DefaultMinPasswordLen
	}
	return c
}
