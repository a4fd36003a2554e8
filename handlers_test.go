package authcore_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	ac "github.com/inkstream/authcore"
	"github.com/inkstream/authcore/stores/fs"
)

type testServer struct {
	*httptest.Server
	Sessions *ac.Sessions
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	userStore, err := fs.NewUserStore(dir)
	if err != nil {
		t.Fatalf("Failed to create user store: %v", err)
	}
	tokenStore, err := fs.NewTokenStore(dir)
	if err != nil {
		t.Fatalf("Failed to create token store: %v", err)
	}

	sessions := ac.NewSessions(userStore, &ac.Config{
		AccessTokenSecret:  "test-access-secret-1234",
		RefreshTokenSecret: "test-refresh-secret-1234",
		BcryptCost:         4,
		Providers:          ac.Providers{Google: true},
	})
	sessions.TokenStore = tokenStore
	sessions.EmailSender = &ac.ConsoleEmailSender{}
	sessions.BaseURL = "http://test.local"

	server := httptest.NewServer(ac.NewAuthHandler(sessions).Router())
	t.Cleanup(server.Close)
	return &testServer{Server: server, Sessions: sessions}
}

func (s *testServer) postJSON(t *testing.T, path string, body map[string]any, headers ...string) (*http.Response, map[string]any) {
	t.Helper()
	return s.doJSON(t, "POST", path, body, headers...)
}

func (s *testServer) doJSON(t *testing.T, method, path string, body map[string]any, headers ...string) (*http.Response, map[string]any) {
	t.Helper()
	payload, _ := json.Marshal(body)
	req, err := http.NewRequest(method, s.URL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (s *testServer) registerUser(t *testing.T, email, password string) map[string]any {
	t.Helper()
	resp, body := s.postJSON(t, "/register", map[string]any{
		"email": email, "password": password, "name": "Test User",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Register returned %d: %v", resp.StatusCode, body)
	}
	return body
}

func TestHandler_RegisterAndLogin(t *testing.T) {
	s := setupServer(t)

	body := s.registerUser(t, "alice@example.com", "correct-horse")
	if body["access_token"] == "" || body["refresh_token"] == "" {
		t.Fatalf("Expected token pair, got %v", body)
	}
	user := body["user"].(map[string]any)
	if _, leaked := user["password_hash"]; leaked {
		t.Error("Response leaked the password hash")
	}
	if user["email"] != "alice@example.com" {
		t.Errorf("Wrong email in response: %v", user["email"])
	}

	resp, _ := s.postJSON(t, "/register", map[string]any{
		"email": "alice@example.com", "password": "other-password", "name": "Imposter",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Duplicate register: expected 409, got %d", resp.StatusCode)
	}

	resp, _ = s.postJSON(t, "/login", map[string]any{
		"email": "alice@example.com", "password": "correct-horse",
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Login: expected 200, got %d", resp.StatusCode)
	}
}

func TestHandler_ValidationErrors(t *testing.T) {
	s := setupServer(t)

	resp, body := s.postJSON(t, "/register", map[string]any{
		"email": "bob@example.com", "password": "short", "name": "Bob",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", resp.StatusCode)
	}
	if body["code"] != ac.ErrCodeWeakPassword {
		t.Errorf("Expected code %s, got %v", ac.ErrCodeWeakPassword, body["code"])
	}
	if body["field"] != "password" {
		t.Errorf("Expected field password, got %v", body["field"])
	}
}

func TestHandler_LoginFailuresAndLockout(t *testing.T) {
	s := setupServer(t)
	s.registerUser(t, "carol@example.com", "right-password")

	for i := 0; i < 4; i++ {
		resp, _ := s.postJSON(t, "/login", map[string]any{
			"email": "carol@example.com", "password": "wrong",
		})
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("Attempt %d: expected 401, got %d", i+1, resp.StatusCode)
		}
	}

	resp, _ := s.postJSON(t, "/login", map[string]any{
		"email": "carol@example.com", "password": "wrong",
	})
	if resp.StatusCode != http.StatusLocked {
		t.Errorf("Fifth failure: expected 423, got %d", resp.StatusCode)
	}

	resp, _ = s.postJSON(t, "/login", map[string]any{
		"email": "carol@example.com", "password": "right-password",
	})
	if resp.StatusCode != http.StatusLocked {
		t.Errorf("Locked account with right password: expected 423, got %d", resp.StatusCode)
	}
}

func TestHandler_RefreshFlow(t *testing.T) {
	s := setupServer(t)
	body := s.registerUser(t, "dave@example.com", "right-password")

	resp, refreshed := s.postJSON(t, "/refresh", map[string]any{
		"refresh_token": body["refresh_token"],
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Refresh: expected 200, got %d", resp.StatusCode)
	}
	if refreshed["access_token"] == "" {
		t.Error("Expected a new access token")
	}

	resp, _ = s.postJSON(t, "/refresh", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Missing token: expected 400, got %d", resp.StatusCode)
	}

	resp, _ = s.postJSON(t, "/refresh", map[string]any{"refresh_token": "bogus"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Bogus token: expected 401, got %d", resp.StatusCode)
	}
}

func TestHandler_ProtectedRoutes(t *testing.T) {
	s := setupServer(t)
	body := s.registerUser(t, "erin@example.com", "right-password")
	bearer := fmt.Sprintf("Bearer %v", body["access_token"])

	resp, _ := s.doJSON(t, "GET", "/me", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("No token: expected 401, got %d", resp.StatusCode)
	}

	resp, me := s.doJSON(t, "GET", "/me", nil, "Authorization", bearer)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("With token: expected 200, got %d", resp.StatusCode)
	}
	if me["email"] != "erin@example.com" {
		t.Errorf("Wrong user: %v", me["email"])
	}

	// Change the password through the API, then the new credential works.
	resp, _ = s.doJSON(t, "PUT", "/password", map[string]any{
		"current_password": "right-password", "new_password": "brand-new-pass",
	}, "Authorization", bearer)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Change password: expected 204, got %d", resp.StatusCode)
	}
	resp, _ = s.postJSON(t, "/login", map[string]any{
		"email": "erin@example.com", "password": "brand-new-pass",
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Login with new password: expected 200, got %d", resp.StatusCode)
	}
}

func TestHandler_UnlinkUnknownProvider(t *testing.T) {
	s := setupServer(t)
	body := s.registerUser(t, "frank@example.com", "right-password")
	bearer := fmt.Sprintf("Bearer %v", body["access_token"])

	resp, _ := s.doJSON(t, "DELETE", "/links/myspace", nil, "Authorization", bearer)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Unknown provider: expected 404, got %d", resp.StatusCode)
	}

	resp, _ = s.doJSON(t, "DELETE", "/links/google", nil, "Authorization", bearer)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Unlinked provider: expected 404, got %d", resp.StatusCode)
	}
}

func TestHandler_PasswordResetJourney(t *testing.T) {
	s := setupServer(t)
	reg := s.registerUser(t, "gina@example.com", "old-password")
	userID := reg["user"].(map[string]any)["id"].(string)

	// The endpoint never reveals whether the email exists.
	resp, _ := s.postJSON(t, "/forgot-password", map[string]any{"email": "nobody@example.com"})
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Unknown email: expected 204, got %d", resp.StatusCode)
	}
	resp, _ = s.postJSON(t, "/forgot-password", map[string]any{"email": "gina@example.com"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", resp.StatusCode)
	}

	// Fish the token out of the store the way the email link would carry it.
	token, err := s.Sessions.TokenStore.CreateToken(userID, "gina@example.com",
		ac.TokenKindPasswordReset, ac.TokenExpiryPasswordReset)
	if err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}

	resp, _ = s.postJSON(t, "/reset-password", map[string]any{
		"token": token.Token, "new_password": "reset-password-1",
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Reset: expected 204, got %d", resp.StatusCode)
	}

	// The token is single use.
	resp, _ = s.postJSON(t, "/reset-password", map[string]any{
		"token": token.Token, "new_password": "reset-password-2",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Reused token: expected 401, got %d", resp.StatusCode)
	}

	resp, _ = s.postJSON(t, "/login", map[string]any{
		"email": "gina@example.com", "password": "reset-password-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Login after reset: expected 200, got %d", resp.StatusCode)
	}
}

func TestHandler_EmailVerificationJourney(t *testing.T) {
	s := setupServer(t)
	reg := s.registerUser(t, "hank@example.com", "some-password")
	userID := reg["user"].(map[string]any)["id"].(string)

	token, err := s.Sessions.TokenStore.CreateToken(userID, "hank@example.com",
		ac.TokenKindEmailVerification, ac.TokenExpiryEmailVerification)
	if err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}

	resp, err := http.Get(s.URL + "/verify-email?token=" + token.Token)
	if err != nil {
		t.Fatalf("GET /verify-email failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Verify: expected 200, got %d", resp.StatusCode)
	}

	u, err := s.Sessions.Store.GetUserByID(userID)
	if err != nil {
		t.Fatalf("GetUserByID failed: %v", err)
	}
	if !u.IsVerified {
		t.Error("Expected the account to be verified")
	}
}
