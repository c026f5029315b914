package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/heraldhq/herald/internal/auth/oauth"
	"github.com/heraldhq/herald/internal/auth/session"
	"github.com/heraldhq/herald/internal/auth/token"
	"github.com/heraldhq/herald/internal/config"
	"github.com/heraldhq/herald/internal/db/models"
	"gorm.io/gorm"
)

type testStack struct {
	db       *gorm.DB
	sessions *session.Service
	srv      *httptest.Server
	provider *httptest.Server
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	// In-memory sqlite is per-connection; pin the pool to one.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.User{}, &models.RefreshToken{}, &models.OAuthConnection{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	codec, err := token.NewCodec(token.Config{
		SigningKey: []byte("test-signing-key"),
		AccessTTL:  15 * time.Minute,
		Issuer:     "herald-test",
	})
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	sessions := session.NewService(db, codec, session.NewStore(db), 24*time.Hour)

	// Minimal fake OAuth provider: token exchange plus userinfo.
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"provider-at","refresh_token":"provider-rt","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"remote-1","email":"dev@example.com","name":"Dev User"}`)
	})
	provider := httptest.NewServer(mux)
	t.Cleanup(provider.Close)

	linker := oauth.NewLinker(db, []config.ProviderConfig{{
		ID:           "github",
		Name:         "GitHub",
		ClientID:     "cid",
		ClientSecret: "cs",
		AuthURL:      provider.URL + "/auth",
		TokenURL:     provider.URL + "/token",
		UserInfoURL:  provider.URL + "/userinfo",
		RedirectURL:  "http://localhost/auth/github/callback",
		TrustEmail:   true,
		Default:      true,
	}}, 5*time.Second)

	handlers := NewHandlers(sessions, linker, 15*time.Minute, 24*time.Hour)
	srv := httptest.NewServer(NewRouter(handlers, sessions))
	t.Cleanup(srv.Close)

	return &testStack{db: db, sessions: sessions, srv: srv, provider: provider}
}

func (ts *testStack) issueSession(t *testing.T, userID string) session.Pair {
	t.Helper()
	user := &models.User{ID: userID, Email: userID + "@example.com", Role: models.RoleMember}
	if err := ts.db.Create(user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	pair, err := ts.sessions.Issue(context.Background(), user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return pair
}

// noRedirectClient keeps redirects observable.
func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func TestRefreshEndpoint_RotatesPair(t *testing.T) {
	ts := newTestStack(t)
	pair := ts.issueSession(t, "u1")

	body, _ := json.Marshal(map[string]string{"refreshToken": pair.RefreshToken})
	resp, err := http.Post(ts.srv.URL+"/auth/refresh", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post refresh: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var rotated struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rotated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rotated.AccessToken == "" || rotated.RefreshToken == pair.RefreshToken {
		t.Fatalf("expected a rotated pair, got %+v", rotated)
	}

	// Replaying the consumed token is a 401.
	resp2, err := http.Post(ts.srv.URL+"/auth/refresh", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post refresh again: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 on reuse, got %d", resp2.StatusCode)
	}
}

func TestRefreshEndpoint_FallsBackToCookie(t *testing.T) {
	ts := newTestStack(t)
	pair := ts.issueSession(t, "u1")

	req, _ := http.NewRequest(http.MethodPost, ts.srv.URL+"/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: "refreshToken", Value: pair.RefreshToken})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post refresh: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 via cookie, got %d", resp.StatusCode)
	}
}

func TestRefreshEndpoint_BadInput(t *testing.T) {
	ts := newTestStack(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "malformed json", body: "{not json", want: http.StatusBadRequest},
		{name: "missing token", body: "{}", want: http.StatusBadRequest},
		{name: "oversized token", body: fmt.Sprintf(`{"refreshToken":%q}`, strings.Repeat("x", 4096)), want: http.StatusBadRequest},
		{name: "unknown token", body: `{"refreshToken":"nope.nope"}`, want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.srv.URL+"/auth/refresh", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}
}

func TestLogout_BestEffortAndIdempotent(t *testing.T) {
	ts := newTestStack(t)
	pair := ts.issueSession(t, "u1")

	logout := func() *http.Response {
		req, _ := http.NewRequest(http.MethodPost, ts.srv.URL+"/auth/logout", nil)
		req.AddCookie(&http.Cookie{Name: "refreshToken", Value: pair.RefreshToken})
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post logout: %v", err)
		}
		return resp
	}

	resp := logout()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || !out.Success {
		t.Fatalf("expected {success:true}, got %+v err %v", out, err)
	}

	// Both cookies cleared.
	cleared := 0
	for _, c := range resp.Cookies() {
		if (c.Name == "accessToken" || c.Name == "refreshToken") && c.Value == "" && c.MaxAge < 0 {
			cleared++
		}
	}
	if cleared != 2 {
		t.Fatalf("expected both session cookies cleared, got %d", cleared)
	}

	// The refresh token no longer works.
	body, _ := json.Marshal(map[string]string{"refreshToken": pair.RefreshToken})
	refreshResp, err := http.Post(ts.srv.URL+"/auth/refresh", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post refresh: %v", err)
	}
	defer refreshResp.Body.Close()
	if refreshResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", refreshResp.StatusCode)
	}

	// Logging out again is still a 200.
	resp2 := logout()
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected idempotent logout 200, got %d", resp2.StatusCode)
	}
}

func TestLogin_RedirectsToProvider(t *testing.T) {
	ts := newTestStack(t)
	client := noRedirectClient()

	resp, err := client.Get(ts.srv.URL + "/auth/github/login")
	if err != nil {
		t.Fatalf("get login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", resp.StatusCode)
	}
	location := resp.Header.Get("Location")
	if !strings.HasPrefix(location, ts.provider.URL+"/auth") || !strings.Contains(location, "state=") {
		t.Fatalf("unexpected redirect target %q", location)
	}

	resp2, err := client.Get(ts.srv.URL + "/auth/nope/login")
	if err != nil {
		t.Fatalf("get login: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown provider, got %d", resp2.StatusCode)
	}
}

func TestLogin_BareFormUsesDefaultProvider(t *testing.T) {
	ts := newTestStack(t)
	client := noRedirectClient()

	resp, err := client.Get(ts.srv.URL + "/auth/login")
	if err != nil {
		t.Fatalf("get login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307 via default provider, got %d", resp.StatusCode)
	}
	if location := resp.Header.Get("Location"); !strings.HasPrefix(location, ts.provider.URL+"/auth") {
		t.Fatalf("unexpected redirect target %q", location)
	}
}

func TestCallback_IssuesSessionAndMeWorks(t *testing.T) {
	ts := newTestStack(t)
	client := noRedirectClient()

	// Initiate to obtain a state bound to this flow.
	loginResp, err := client.Get(ts.srv.URL + "/auth/github/login")
	if err != nil {
		t.Fatalf("get login: %v", err)
	}
	loginResp.Body.Close()
	authURL, err := url.Parse(loginResp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	state := authURL.Query().Get("state")

	resp, err := client.Get(ts.srv.URL + "/auth/github/callback?code=any&state=" + state)
	if err != nil {
		t.Fatalf("get callback: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307 to dashboard, got %d", resp.StatusCode)
	}

	var access *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "accessToken" && c.Value != "" {
			access = c
		}
	}
	if access == nil {
		t.Fatal("callback did not set an access cookie")
	}

	// The cookie authenticates /auth/me.
	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/auth/me", nil)
	req.AddCookie(access)
	meResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get me: %v", err)
	}
	defer meResp.Body.Close()
	if meResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /auth/me, got %d", meResp.StatusCode)
	}
	var me map[string]string
	if err := json.NewDecoder(meResp.Body).Decode(&me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me["email"] != "dev@example.com" || me["role"] != models.RoleMember {
		t.Fatalf("unexpected me payload: %v", me)
	}
}

func TestCallback_StateMismatchIs400(t *testing.T) {
	ts := newTestStack(t)
	client := noRedirectClient()

	resp, err := client.Get(ts.srv.URL + "/auth/github/callback?code=any&state=bogus")
	if err != nil {
		t.Fatalf("get callback: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestRequireUser_Rejections(t *testing.T) {
	ts := newTestStack(t)

	// No token at all.
	resp, err := http.Get(ts.srv.URL + "/auth/me")
	if err != nil {
		t.Fatalf("get me: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	// Garbage bearer token.
	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/auth/me", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get me: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", resp2.StatusCode)
	}
}

func TestRequireUser_BearerHeaderWorks(t *testing.T) {
	ts := newTestStack(t)
	pair := ts.issueSession(t, "u1")

	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get me: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
