package oauth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/heraldhq/herald/internal/db/models"
	"golang.org/x/oauth2"
)

// ErrProviderTokenRevoked means the provider permanently rejected the
// stored refresh token; the user must log in through the provider again.
var ErrProviderTokenRevoked = errors.New("provider refresh token revoked")

// ProviderToken returns a live access token for the provider APIs behind
// conn, refreshing and persisting the stored pair when it is expired or
// about to expire.
func (l *Linker) ProviderToken(ctx context.Context, conn *models.OAuthConnection) (string, error) {
	if conn.AccessToken != "" && conn.ExpiresAt.After(l.now().Add(time.Minute)) {
		return conn.AccessToken, nil
	}
	if err := l.RefreshConnection(ctx, conn); err != nil {
		return "", err
	}
	return conn.AccessToken, nil
}

// RefreshConnection exchanges the stored provider refresh token for a new
// pair and persists it. Permanent provider rejections (revoked or expired
// grants) clear the stored tokens so later calls fail fast.
func (l *Linker) RefreshConnection(ctx context.Context, conn *models.OAuthConnection) error {
	p, err := l.provider(conn.Provider)
	if err != nil {
		return err
	}
	if conn.RefreshToken == "" {
		return ErrProviderTokenRevoked
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	source := p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: conn.RefreshToken})
	newToken, err := source.Token()
	if err != nil {
		if isPermanentRefreshError(err) {
			conn.AccessToken = ""
			conn.RefreshToken = ""
			conn.ExpiresAt = time.Time{}
			if saveErr := l.db.WithContext(ctx).Save(conn).Error; saveErr != nil {
				return saveErr
			}
			log.Printf("🔒 Provider tokens for connection %s revoked, re-login required", conn.ID)
			return fmt.Errorf("%w: %v", ErrProviderTokenRevoked, err)
		}
		return fmt.Errorf("refresh provider token: %w", err)
	}

	conn.AccessToken = newToken.AccessToken
	conn.ExpiresAt = newToken.Expiry
	// Persist a rotated provider refresh token when one is returned.
	if newToken.RefreshToken != "" && newToken.RefreshToken != conn.RefreshToken {
		conn.RefreshToken = newToken.RefreshToken
	}
	return l.db.WithContext(ctx).Save(conn).Error
}

// isPermanentRefreshError distinguishes revoked/expired grants from
// transient provider failures.
func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
