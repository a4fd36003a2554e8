package oauth2

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/inkstream/authcore"
)

// GitHubProvider signs users in with their GitHub account. GitHub hides the
// email on many profiles, so a second call to the emails endpoint finds the
// primary verified address when the profile omits it.
type GitHubProvider struct {
	*BaseProvider

	// UserInfoURL is overridable for tests. The emails endpoint is derived
	// from it.
	UserInfoURL string
}

func NewGitHubProvider(clientID, clientSecret, callbackURL string, handle HandleAssertionFunc) *GitHubProvider {
	if clientID == "" {
		clientID = strings.TrimSpace(os.Getenv("OAUTH2_GITHUB_CLIENT_ID"))
	}
	if clientSecret == "" {
		clientSecret = strings.TrimSpace(os.Getenv("OAUTH2_GITHUB_CLIENT_SECRET"))
	}
	if callbackURL == "" {
		callbackURL = strings.TrimSpace(os.Getenv("OAUTH2_GITHUB_CALLBACK_URL"))
	}

	g := &GitHubProvider{
		BaseProvider: newBaseProvider(clientID, clientSecret, callbackURL, handle),
		UserInfoURL:  "https://api.github.com/user",
	}
	g.config.Endpoint = github.Endpoint
	g.config.Scopes = []string{"read:user", "user:email"}
	g.mux.HandleFunc("/callback/", g.handleCallback)
	return g
}

func (g *GitHubProvider) handleCallback(w http.ResponseWriter, r *http.Request) {
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

func (g *GitHubProvider) fetchIdentity(token *oauth2.Token) (*authcore.Assertion, error) {
	var profile struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := g.getJSON(token, g.UserInfoURL, &profile); err != nil {
		return nil, err
	}

	email := profile.Email
	verified := email != ""
	if email == "" {
		primary, err := g.primaryEmail(token)
		if err != nil {
			return nil, err
		}
		email = primary
		verified = primary != ""
	}

	name := profile.Name
	if name == "" {
		name = profile.Login
	}

	return &authcore.Assertion{
		Provider:      authcore.ProviderGitHub,
		SubjectID:     strconv.FormatInt(profile.ID, 10),
		Email:         email,
		DisplayName:   name,
		AvatarURL:     profile.AvatarURL,
		EmailVerified: verified,
	}, nil
}

// primaryEmail fetches the primary verified address from the user/emails
// endpoint.
func (g *GitHubProvider) primaryEmail(token *oauth2.Token) (string, error) {
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := g.getJSON(token, g.UserInfoURL+"/emails", &emails); err != nil {
		return "", err
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, nil
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email, nil
		}
	}
	return "", nil
}

func (g *GitHubProvider) getJSON(token *oauth2.Token, url string, dst any) error {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading github response: %w", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("parsing github response: %w", err)
	}
	return nil
}
