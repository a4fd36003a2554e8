package oauth2

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/inkstream/authcore"
)

// GoogleProvider signs users in with their Google account.
type GoogleProvider struct {
	*BaseProvider

	// UserInfoURL is overridable for tests.
	UserInfoURL string
}

func NewGoogleProvider(clientID, clientSecret, callbackURL string, handle HandleAssertionFunc) *GoogleProvider {
	if clientID == "" {
		clientID = os.Getenv("OAUTH2_GOOGLE_CLIENT_ID")
	}
	if clientSecret == "" {
		clientSecret = os.Getenv("OAUTH2_GOOGLE_CLIENT_SECRET")
	}
	if callbackURL == "" {
		callbackURL = os.Getenv("OAUTH2_GOOGLE_CALLBACK_URL")
	}

	g := &GoogleProvider{
		BaseProvider: newBaseProvider(clientID, clientSecret, callbackURL, handle),
		UserInfoURL:  "https://www.googleapis.com/oauth2/v2/userinfo",
	}
	g.config.Endpoint = google.Endpoint
	g.config.Scopes = []string{
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
	}
	g.mux.HandleFunc("/callback/", g.handleCallback)
	return g
}

func (g *GoogleProvider) handleCallback(w http.ResponseWriter, r *http.Request) {
	if !g.checkState(w, r) {
		return
	}
	token, err := g.config.Exchange(g.exchangeContext(), r.FormValue("code"))
	if err != nil {
		g.failAuth(w, r, fmt.Errorf("code exchange: %w", err))
		return
	}
	assertion, err := g.fetchIdentity(token)
	if err != nil {
		g.failAuth(w, r, err)
		return
	}
	g.HandleAssertion(w, r, assertion)
}

// fetchIdentity pulls the userinfo document and maps it to an Assertion.
func (g *GoogleProvider) fetchIdentity(token *oauth2.Token) (*authcore.Assertion, error) {
	req, err := http.NewRequest("GET", g.UserInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := g.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching google userinfo: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading google userinfo: %w", err)
	}

	var info struct {
		ID            string `json:"id"`
		Email         string `json:"email"`
		VerifiedEmail bool   `json:"verified_email"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("parsing google userinfo: %w", err)
	}

	return &authcore.Assertion{
		Provider:      authcore.ProviderGoogle,
		SubjectID:     info.ID,
		Email:         info.Email,
		DisplayName:   info.Name,
		AvatarURL:     info.Picture,
		EmailVerified: info.VerifiedEmail,
	}, nil
}
