package authcore_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	ac "github.com/inkstream/authcore"
)

func TestMiddleware_CookieCredential(t *testing.T) {
	s := setupSessions(t)
	sess := register(t, s, "cookie@example.com", "password-123")

	mid := &ac.Middleware{Sessions: s}
	handler := mid.RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := ac.UserFromContext(r.Context())
		w.Write([]byte(u.Email))
	}))

	req := httptest.NewRequest("GET", "/protected", nil)
	req.AddCookie(&http.Cookie{Name: "authcore_access_token", Value: sess.AccessToken})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 via cookie, got %d", rr.Code)
	}
	if rr.Body.String() != "cookie@example.com" {
		t.Errorf("Wrong user: %s", rr.Body.String())
	}
}

func TestMiddleware_ExtractUserIsOptional(t *testing.T) {
	s := setupSessions(t)

	mid := &ac.Middleware{Sessions: s}
	handler := mid.ExtractUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ac.UserFromContext(r.Context()) != nil {
			t.Error("Expected no user on anonymous request")
		}
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("Anonymous request should pass, got %d", rr.Code)
	}
}

func TestMiddleware_RequireRole(t *testing.T) {
	s := setupSessions(t)
	sess := register(t, s, "role@example.com", "password-123")

	mid := &ac.Middleware{Sessions: s}
	admin := mid.RequireRole(ac.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	rr := httptest.NewRecorder()
	admin.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("Regular user hitting admin route: expected 403, got %d", rr.Code)
	}

	anyUser := mid.RequireRole(ac.RoleUser, ac.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rr = httptest.NewRecorder()
	anyUser.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("Matching role: expected 200, got %d", rr.Code)
	}
}
