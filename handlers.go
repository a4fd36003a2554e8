package authcore

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alexedwards/scs/v2"
	"github.com/gorilla/mux"
)

// AuthHandler exposes the session flows over HTTP. API clients talk JSON
// with Bearer tokens; the optional scs session manager additionally keeps a
// server-side session for browser flows (OAuth redirects in particular).
type AuthHandler struct {
	Sessions *Sessions
	Session  *scs.SessionManager
	Mid      *Middleware
}

func NewAuthHandler(sessions *Sessions) *AuthHandler {
	return &AuthHandler{
		Sessions: sessions,
		Mid:      &Middleware{Sessions: sessions},
	}
}

// Router mounts every auth route on a fresh gorilla router. Callers mount it
// under a prefix of their choosing, typically /auth.
func (h *AuthHandler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/register", h.HandleRegister).Methods("POST")
	r.HandleFunc("/login", h.HandleLogin).Methods("POST")
	r.HandleFunc("/refresh", h.HandleRefresh).Methods("POST")
	r.HandleFunc("/logout", h.HandleLogout).Methods("POST")
	r.HandleFunc("/forgot-password", h.HandleForgotPassword).Methods("POST")
	r.HandleFunc("/reset-password", h.HandleResetPassword).Methods("POST")
	r.HandleFunc("/verify-email", h.HandleVerifyEmail).Methods("GET")
	r.HandleFunc("/resend-verification", h.HandleResendVerification).Methods("POST")

	r.Handle("/me", h.Mid.RequireUser(http.HandlerFunc(h.HandleMe))).Methods("GET")
	r.Handle("/password", h.Mid.RequireUser(http.HandlerFunc(h.HandleChangePassword))).Methods("PUT")
	r.Handle("/links/{provider}", h.Mid.RequireUser(http.HandlerFunc(h.HandleUnlink))).Methods("DELETE")
	return r
}

// HandleRegister handles POST /register.
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	sess, err := h.Sessions.Register(req.Email, req.Password, req.Name, deviceFromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}
	h.rememberWebSession(r, sess.User.ID)
	writeJSON(w, http.StatusCreated, sess)
}

// HandleLogin handles POST /login.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	sess, err := h.Sessions.Login(req.Email, req.Password, deviceFromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}
	h.rememberWebSession(r, sess.User.ID)
	writeJSON(w, http.StatusOK, sess)
}

// HandleRefresh handles POST /refresh.
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.RefreshToken == "" {
		writeError(w, NewAuthError(ErrCodeMissingField, "refresh_token is required", "refresh_token"))
		return
	}
	sess, err := h.Sessions.Refresh(req.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// HandleLogout handles POST /logout. The access token comes from the
// Authorization header; the refresh token to revoke rides in the body.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	// A bodyless logout is fine, it just revokes nothing.
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if err := h.Sessions.Logout(bearerToken(r), req.RefreshToken); err != nil {
		writeError(w, err)
		return
	}
	h.forgetWebSession(r)
	w.WriteHeader(http.StatusNoContent)
}

// HandleMe handles GET /me behind RequireUser.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	u := UserFromContext(r.Context())
	writeJSON(w, http.StatusOK, u.View())
}

// HandleChangePassword handles PUT /password behind RequireUser.
func (h *AuthHandler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	u := UserFromContext(r.Context())
	if err := h.Sessions.ChangePassword(u.ID, req.CurrentPassword, req.NewPassword); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleUnlink handles DELETE /links/{provider} behind RequireUser.
func (h *AuthHandler) HandleUnlink(w http.ResponseWriter, r *http.Request) {
	provider := Provider(mux.Vars(r)["provider"])
	if !provider.Known() {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown provider"})
		return
	}
	u := UserFromContext(r.Context())
	if err := h.Sessions.Unlink(u.ID, provider); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleForgotPassword handles POST /forgot-password. Always 204 so the
// endpoint cannot be used to enumerate accounts.
func (h *AuthHandler) HandleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if err := h.Sessions.RequestPasswordReset(req.Email); err != nil {
		slog.Error("password reset request", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleResetPassword handles POST /reset-password.
func (h *AuthHandler) HandleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if err := h.Sessions.ResetPassword(req.Token, req.NewPassword); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleVerifyEmail handles GET /verify-email?token=...
func (h *AuthHandler) HandleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, NewAuthError(ErrCodeMissingField, "token is required", "token"))
		return
	}
	if err := h.Sessions.VerifyEmail(token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verified": true})
}

// HandleResendVerification handles POST /resend-verification. Like
// forgot-password it always answers 204.
func (h *AuthHandler) HandleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if err := h.Sessions.RequestEmailVerification(req.Email); err != nil {
		slog.Error("verification resend", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAssertion finishes an OAuth flow once a provider has handed back a
// verified identity. It matches the callback signature the oauth2 package
// expects, so providers can be pointed straight at it.
func (h *AuthHandler) HandleAssertion(w http.ResponseWriter, r *http.Request, a *Assertion) {
	sess, err := h.Sessions.OAuthCallback(a, deviceFromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}
	h.rememberWebSession(r, sess.User.ID)
	writeJSON(w, http.StatusOK, sess)
}

func (h *AuthHandler) rememberWebSession(r *http.Request, userID string) {
	if h.Session != nil {
		h.Session.Put(r.Context(), "userID", userID)
	}
}

func (h *AuthHandler) forgetWebSession(r *http.Request) {
	if h.Session != nil {
		if err := h.Session.Destroy(r.Context()); err != nil {
			slog.Warn("destroying web session", "error", err)
		}
	}
}

// ============================================================================
// Response helpers
// ============================================================================

// decodeJSON reads the request body into dst, writing a 400 itself on
// failure so callers can just return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// writeError maps domain errors onto HTTP statuses. Credential failures map
// to the same 401 body whatever the underlying cause.
func writeError(w http.ResponseWriter, err error) {
	var ae *AuthError
	if errors.As(err, &ae) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": ae.Message,
			"code":  ae.Code,
			"field": ae.Field,
		})
		return
	}

	status := http.StatusInternalServerError
	message := "internal error"
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		status, message = http.StatusUnauthorized, "invalid email or password"
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrAuthentication):
		status, message = http.StatusUnauthorized, "authentication required"
	case errors.Is(err, ErrAccountLocked):
		status, message = http.StatusLocked, "account temporarily locked"
	case errors.Is(err, ErrAccountInactive):
		status, message = http.StatusForbidden, "account is deactivated"
	case errors.Is(err, ErrDuplicateEmail):
		status, message = http.StatusConflict, "email already registered"
	case errors.Is(err, ErrDuplicateIdentity):
		status, message = http.StatusConflict, "identity already linked to another account"
	case errors.Is(err, ErrLastCredential):
		status, message = http.StatusConflict, "cannot remove the only sign-in method"
	case errors.Is(err, ErrAssertionIncomplete):
		status, message = http.StatusUnprocessableEntity, "provider did not supply the required identity fields"
	case errors.Is(err, ErrIdentityNotLinked):
		status, message = http.StatusNotFound, "identity not linked"
	case errors.Is(err, ErrProviderDisabled):
		status, message = http.StatusNotFound, "provider not enabled"
	case errors.Is(err, ErrUserNotFound):
		status, message = http.StatusNotFound, "user not found"
	default:
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]any{"error": message})
}

// deviceFromRequest captures the client metadata recorded with refresh
// tokens.
func deviceFromRequest(r *http.Request) Device {
	return Device{Name: r.UserAgent(), IPAddress: clientIP(r)}
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// clientIP extracts the client IP, preferring proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
