// Package server exposes the session and identity core over HTTP: the
// refresh and logout endpoints, the OAuth login flow, and the middleware
// protected routes authenticate with.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/heraldhq/herald/internal/auth/oauth"
	"github.com/heraldhq/herald/internal/auth/session"
)

const (
	accessTokenCookie  = "accessToken"
	refreshTokenCookie = "refreshToken"

	// maxBodyBytes bounds auth request bodies; a refresh token is well
	// under a kilobyte.
	maxBodyBytes = 4 << 10
	// maxTokenLen rejects absurd tokens before they reach the service.
	maxTokenLen = 2048
)

// Handlers carries the auth endpoints' dependencies.
type Handlers struct {
	sessions   *session.Service
	linker     *oauth.Linker
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewHandlers wires the auth endpoints. The TTLs size cookie lifetimes to
// match the tokens they carry.
func NewHandlers(sessions *session.Service, linker *oauth.Linker, accessTTL, refreshTTL time.Duration) *Handlers {
	return &Handlers{
		sessions:   sessions,
		linker:     linker,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// Refresh handles POST /auth/refresh: consumes a refresh token (body
// field or cookie), rotates it and returns a new pair. Any validation
// failure is a 401; the caller must re-authenticate.
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	// An empty body is allowed; the token then comes from the cookie.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.RefreshToken == "" {
		if cookie, err := r.Cookie(refreshTokenCookie); err == nil {
			req.RefreshToken = cookie.Value
		}
	}
	if req.RefreshToken == "" || len(req.RefreshToken) > maxTokenLen {
		writeError(w, http.StatusBadRequest, "refreshToken is required")
		return
	}

	pair, err := h.sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "refresh failed")
		return
	}

	h.setSessionCookies(w, pair)
	writeJSON(w, http.StatusOK, map[string]string{
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
	})
}

// Logout handles POST /auth/logout. Invalidation is best effort: the
// cookies are always cleared and the response is always 200, even when
// the store write fails, so the browser session ends regardless.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(refreshTokenCookie); err == nil && cookie.Value != "" && len(cookie.Value) <= maxTokenLen {
		if err := h.sessions.Revoke(r.Context(), cookie.Value); err != nil {
			log.Printf("⚠️ Logout invalidation failed: %v", err)
		}
	}
	h.clearSessionCookies(w)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Login handles GET /auth/{provider}/login and GET /auth/login: starts
// the OAuth flow and redirects to the provider's consent page. The bare
// form uses the provider marked default in the config.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	if providerID == "" {
		providerID = h.linker.DefaultProvider()
	}
	authURL, err := h.linker.Initiate(providerID)
	if err != nil {
		switch {
		case errors.Is(err, oauth.ErrUnknownProvider):
			writeError(w, http.StatusNotFound, "unknown provider")
		case errors.Is(err, oauth.ErrProviderDisabled):
			writeError(w, http.StatusForbidden, "provider disabled")
		default:
			writeError(w, http.StatusInternalServerError, "could not start login")
		}
		return
	}
	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// Callback handles GET /auth/{provider}/callback: completes the OAuth
// flow, links the identity to a local user, issues a session and sends
// the browser back to the dashboard.
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "code and state are required")
		return
	}

	user, err := h.linker.HandleCallback(r.Context(), providerID, code, state)
	if err != nil {
		log.Printf("⚠️ OAuth callback failed for provider %s: %v", providerID, err)
		switch {
		case errors.Is(err, oauth.ErrUnknownProvider):
			writeError(w, http.StatusNotFound, "unknown provider")
		case errors.Is(err, oauth.ErrProviderDisabled):
			writeError(w, http.StatusForbidden, "provider disabled")
		case errors.Is(err, oauth.ErrStateMismatch):
			writeError(w, http.StatusBadRequest, "state mismatch")
		case errors.Is(err, oauth.ErrEmailInUse):
			writeError(w, http.StatusConflict, "email already linked to another account")
		default:
			writeError(w, http.StatusBadGateway, "login with provider failed")
		}
		return
	}

	pair, err := h.sessions.Issue(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not start session")
		return
	}
	h.setSessionCookies(w, pair)
	http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
}

// Me handles GET /auth/me behind RequireUser: the verified-user contract
// collaborating route handlers consume.
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":    user.ID,
		"email": user.Email,
		"name":  user.Name,
		"role":  user.Role,
	})
}

func (h *Handlers) setSessionCookies(w http.ResponseWriter, pair session.Pair) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessTokenCookie,
		Value:    pair.AccessToken,
		Path:     "/",
		MaxAge:   int(h.accessTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshTokenCookie,
		Value:    pair.RefreshToken,
		Path:     "/",
		MaxAge:   int(h.refreshTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handlers) clearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{accessTokenCookie, refreshTokenCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
