package oauth2

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/inkstream/authcore"
)

// AppleProvider signs users in with Sign in with Apple. Apple differs from
// the other providers in two ways: the callback arrives as a form_post, and
// there is no userinfo endpoint. The identity comes from the id_token
// returned alongside the access token, plus a user JSON blob Apple includes
// only on the very first authorization.
type AppleProvider struct {
	*BaseProvider
}

func NewAppleProvider(clientID, clientSecret, callbackURL string, handle HandleAssertionFunc) *AppleProvider {
	if clientID == "" {
		clientID = os.Getenv("OAUTH2_APPLE_CLIENT_ID")
	}
	if clientSecret == "" {
		clientSecret = os.Getenv("OAUTH2_APPLE_CLIENT_SECRET")
	}
	if callbackURL == "" {
		callbackURL = os.Getenv("OAUTH2_APPLE_CALLBACK_URL")
	}

	a := &AppleProvider{
		BaseProvider: newBaseProvider(clientID, clientSecret, callbackURL, handle),
	}
	a.config.Endpoint = oauth2.Endpoint{
		AuthURL:  "https://appleid.apple.com/auth/authorize",
		TokenURL: "https://appleid.apple.com/auth/token",
	}
	a.config.Scopes = []string{"name", "email"}
	a.mux.HandleFunc("/callback/", a.handleCallback)
	return a
}

func (a *AppleProvider) handleCallback(w http.ResponseWriter, r *http.Request) {
	// Apple posts the callback as a form, so ParseForm before checking
	// state.
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed callback", http.StatusBadRequest)
		return
	}
	if !a.checkState(w, r) {
		return
	}
	token, err := a.config.Exchange(a.exchangeContext(), r.FormValue("code"))
	if err != nil {
		a.failAuth(w, r, fmt.Errorf("code exchange: %w", err))
		return
	}

	idToken, _ := token.Extra("id_token").(string)
	if idToken == "" {
		a.failAuth(w, r, fmt.Errorf("no id_token in apple response"))
		return
	}
	assertion, err := a.parseIdentity(idToken, r.FormValue("user"))
	if err != nil {
		a.failAuth(w, r, err)
		return
	}
	a.HandleAssertion(w, r, assertion)
}

// parseIdentity reads the claims out of the id_token. The token just arrived
// over Apple's own TLS channel in the code exchange, so the signature is not
// re-verified here.
func (a *AppleProvider) parseIdentity(idToken, userJSON string) (*authcore.Assertion, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return nil, fmt.Errorf("parsing apple id_token: %w", err)
	}

	sub, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	verified := emailVerifiedClaim(claims["email_verified"])

	assertion := &authcore.Assertion{
		Provider:      authcore.ProviderApple,
		SubjectID:     sub,
		Email:         email,
		EmailVerified: verified,
	}

	// Only present on the user's first authorization.
	if userJSON != "" {
		var user struct {
			Name struct {
				FirstName string `json:"firstName"`
				LastName  string `json:"lastName"`
			} `json:"name"`
		}
		if err := json.Unmarshal([]byte(userJSON), &user); err == nil {
			name := user.Name.FirstName
			if user.Name.LastName != "" {
				if name != "" {
					name += " "
				}
				name += user.Name.LastName
			}
			assertion.DisplayName = name
		}
	}
	return assertion, nil
}

// emailVerifiedClaim handles Apple sending email_verified as either a bool
// or the string "true".
func emailVerifiedClaim(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val == "true"
	}
	return false
}
