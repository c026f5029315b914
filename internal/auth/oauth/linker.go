// Package oauth drives the authorization-code flow against configured
// providers and links remote identities to local users.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/heraldhq/herald/internal/config"
	"github.com/heraldhq/herald/internal/db/models"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

var (
	// ErrStateMismatch means the callback state was absent, expired,
	// already used, or issued for a different provider.
	ErrStateMismatch = errors.New("oauth state mismatch")
	// ErrExchangeFailed means the code-for-token exchange failed.
	ErrExchangeFailed = errors.New("oauth code exchange failed")
	// ErrUserInfoFailed means the remote userinfo fetch failed or
	// returned an unusable identity.
	ErrUserInfoFailed = errors.New("oauth userinfo fetch failed")
	// ErrEmailInUse means a first-time identity from a provider without
	// trust_email carries an email some local account already owns.
	// Failing beats silently merging two accounts.
	ErrEmailInUse = errors.New("email already linked to another account")
)

// Linker resolves OAuth callbacks to local users. Identity resolution
// order: existing connection by (provider, remote id), then an existing
// user with the same email (only for providers marked trust_email), then
// a newly created user. A connection, once created, is never reassigned
// to a different user.
type Linker struct {
	db        *gorm.DB
	providers map[string]*Provider
	states    *stateStore
	timeout   time.Duration
	now       func() time.Time
}

// NewLinker builds a linker over the configured provider table. timeout
// bounds every remote call (exchange, userinfo, provider refresh).
func NewLinker(db *gorm.DB, entries []config.ProviderConfig, timeout time.Duration) *Linker {
	return &Linker{
		db:        db,
		providers: buildProviders(entries),
		states:    newStateStore(),
		timeout:   timeout,
		now:       time.Now,
	}
}

// WithClock replaces the linker clock for deterministic tests.
func (l *Linker) WithClock(now func() time.Time) *Linker {
	l.now = now
	l.states.now = now
	return l
}

// Initiate starts a flow against providerID, returning the URL to
// redirect the user to. The embedded state is remembered for the
// callback.
func (l *Linker) Initiate(providerID string) (string, error) {
	p, err := l.provider(providerID)
	if err != nil {
		return "", err
	}
	state, err := l.states.Issue(providerID)
	if err != nil {
		return "", err
	}
	return p.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// userInfo is the subset of the provider's userinfo payload herald needs.
// Providers disagree on the id field name; OIDC-style endpoints use sub.
type userInfo struct {
	ID    string `json:"id"`
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (u userInfo) remoteID() string {
	if u.ID != "" {
		return u.ID
	}
	return u.Sub
}

// HandleCallback completes a flow: validates state, exchanges the code,
// fetches the remote identity and links it to a local user. Either the
// connection is fully created/updated or nothing changes.
func (l *Linker) HandleCallback(ctx context.Context, providerID, code, state string) (*models.User, error) {
	p, err := l.provider(providerID)
	if err != nil {
		return nil, err
	}
	if !l.states.Consume(state, providerID) {
		return nil, ErrStateMismatch
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	info, err := l.fetchUserInfo(ctx, p, tok)
	if err != nil {
		return nil, err
	}

	return l.link(ctx, p, info, tok)
}

func (l *Linker) fetchUserInfo(ctx context.Context, p *Provider, tok *oauth2.Token) (userInfo, error) {
	client := p.oauth.Client(ctx, tok)
	// The request must carry ctx itself; the client only uses it for
	// token refresh, so a bare Get would have no deadline.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.UserInfoURL, nil)
	if err != nil {
		return userInfo{}, fmt.Errorf("%w: %v", ErrUserInfoFailed, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return userInfo{}, fmt.Errorf("%w: %v", ErrUserInfoFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return userInfo{}, fmt.Errorf("%w: status %d", ErrUserInfoFailed, resp.StatusCode)
	}
	var info userInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return userInfo{}, fmt.Errorf("%w: %v", ErrUserInfoFailed, err)
	}
	if info.remoteID() == "" || info.Email == "" {
		return userInfo{}, fmt.Errorf("%w: incomplete identity", ErrUserInfoFailed)
	}
	info.Email = strings.ToLower(strings.TrimSpace(info.Email))
	return info, nil
}

// link applies the identity-linking policy inside one transaction.
func (l *Linker) link(ctx context.Context, p *Provider, info userInfo, tok *oauth2.Token) (*models.User, error) {
	var user models.User
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conn models.OAuthConnection
		err := tx.Where("provider = ? AND provider_user_id = ?", p.ID, info.remoteID()).First(&conn).Error
		switch {
		case err == nil:
			// Known identity: refresh stored provider tokens, keep the
			// existing user.
			conn.ProviderEmail = info.Email
			conn.AccessToken = tok.AccessToken
			if tok.RefreshToken != "" {
				conn.RefreshToken = tok.RefreshToken
			}
			conn.ExpiresAt = tok.Expiry
			conn.LastLoginAt = l.now()
			if err := tx.Save(&conn).Error; err != nil {
				return err
			}
			return tx.First(&user, "id = ?", conn.UserID).Error

		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := l.resolveUser(tx, p, info, &user); err != nil {
				return err
			}
			conn = models.OAuthConnection{
				ID:             uuid.New().String(),
				UserID:         user.ID,
				Provider:       p.ID,
				ProviderUserID: info.remoteID(),
				ProviderEmail:  info.Email,
				AccessToken:    tok.AccessToken,
				RefreshToken:   tok.RefreshToken,
				ExpiresAt:      tok.Expiry,
				LastLoginAt:    l.now(),
			}
			return tx.Create(&conn).Error

		default:
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// resolveUser finds or creates the local user for a first-time identity.
// Email matching is opt-in per provider: it merges accounts whenever two
// providers return the same address, so it is only safe for providers
// that verify addresses.
func (l *Linker) resolveUser(tx *gorm.DB, p *Provider, info userInfo, user *models.User) error {
	err := tx.Where("email = ?", info.Email).First(user).Error
	if err == nil {
		if p.TrustEmail {
			return nil
		}
		return ErrEmailInUse
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	*user = models.User{
		ID:    uuid.New().String(),
		Email: info.Email,
		Name:  info.Name,
		Role:  models.RoleMember,
	}
	if err := tx.Create(user).Error; err != nil {
		return err
	}
	log.Printf("👤 Created user %s via %s login", info.Email, p.ID)
	return nil
}
