// Package oauth2 implements the browser-facing half of the provider login
// flows: redirect to the provider, verify the state cookie, exchange the
// code, fetch the user's identity and hand it to the application as an
// Assertion. The application half (linking, token issuance) lives in the
// root package.
package oauth2

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/inkstream/authcore"
)

const stateCookieName = "oauthstate"

// HandleAssertionFunc receives the verified provider identity at the end of
// a callback. AuthHandler.HandleAssertion in the root package has this
// shape.
type HandleAssertionFunc func(w http.ResponseWriter, r *http.Request, a *authcore.Assertion)

// BaseProvider carries the pieces every provider shares. Concrete providers
// embed it and fill in the endpoint, scopes and identity fetch.
type BaseProvider struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string

	// AuthFailureURL is where a failed callback redirects. Defaults to "/".
	AuthFailureURL string

	// HTTPClient is injectable for tests; nil means http.DefaultClient.
	HTTPClient *http.Client

	HandleAssertion HandleAssertionFunc

	config oauth2.Config
	mux    *http.ServeMux
}

func newBaseProvider(clientID, clientSecret, callbackURL string, handle HandleAssertionFunc) *BaseProvider {
	b := &BaseProvider{
		ClientID:        clientID,
		ClientSecret:    clientSecret,
		CallbackURL:     callbackURL,
		AuthFailureURL:  "/",
		HandleAssertion: handle,
		mux:             http.NewServeMux(),
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
		},
	}
	b.mux.HandleFunc("/{$}", b.handleRedirect)
	return b
}

// ServeHTTP lets a provider be mounted under a path prefix, e.g.
// /auth/google/ serving both the redirect and /auth/google/callback/.
func (b *BaseProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mux.ServeHTTP(w, r)
}

// SetHTTPClient injects the client used for identity fetches and the code
// exchange. Tests point this at an httptest server's client.
func (b *BaseProvider) SetHTTPClient(client *http.Client) {
	b.HTTPClient = client
}

// SetTokenURL overrides the code exchange endpoint, for tests.
func (b *BaseProvider) SetTokenURL(url string) {
	b.config.Endpoint.TokenURL = url
}

func (b *BaseProvider) httpClient() *http.Client {
	if b.HTTPClient != nil {
		return b.HTTPClient
	}
	return http.DefaultClient
}

// exchangeContext carries the injected HTTP client into the oauth2 library's
// code exchange.
func (b *BaseProvider) exchangeContext() context.Context {
	ctx := context.Background()
	if b.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, b.HTTPClient)
	}
	return ctx
}

// handleRedirect starts the flow: drop a random state cookie and send the
// browser to the provider's consent page.
func (b *BaseProvider) handleRedirect(w http.ResponseWriter, r *http.Request) {
	state := setStateCookie(w)
	http.Redirect(w, r, b.config.AuthCodeURL(state), http.StatusFound)
}

// checkState verifies the callback's state parameter against the cookie set
// at redirect time and clears the cookie. Returns false after writing the
// error response itself.
func (b *BaseProvider) checkState(w http.ResponseWriter, r *http.Request) bool {
	cookie, _ := r.Cookie(stateCookieName)
	if cookie == nil {
		http.Error(w, "missing oauth state", http.StatusBadRequest)
		return false
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookieName, Path: "/", MaxAge: -1})
	if r.FormValue("state") != cookie.Value {
		http.Error(w, "invalid oauth state", http.StatusBadRequest)
		return false
	}
	return true
}

func (b *BaseProvider) failAuth(w http.ResponseWriter, r *http.Request, err error) {
	slog.Info("oauth callback failed", "error", err)
	http.Redirect(w, r, b.AuthFailureURL, http.StatusTemporaryRedirect)
}

func setStateCookie(w http.ResponseWriter) string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		slog.Error("generating oauth state", "error", err)
	}
	state := base64.URLEncoding.EncodeToString(buf)
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		Expires:  time.Now().Add(10 * time.Minute),
		HttpOnly: true,
	})
	return state
}
