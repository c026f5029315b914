// Package session issues, refreshes and revokes herald sessions. A
// session is an access token (short-lived JWT) paired with a refresh
// token (long-lived, store-backed, single use per rotation).
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/heraldhq/herald/internal/auth/token"
	"github.com/heraldhq/herald/internal/db/models"
	"gorm.io/gorm"
)

var (
	// ErrMalformed means the presented refresh token has the wrong shape.
	ErrMalformed = errors.New("refresh token malformed")
	// ErrUserNotFound means an access token verified but its subject no
	// longer exists. Bounded residual risk: the subject must have been
	// deleted within the access-token TTL.
	ErrUserNotFound = errors.New("user not found")
)

// Pair is one issued session: the access token plus the wire form of its
// refresh token.
type Pair struct {
	AccessToken  string
	RefreshToken string
}

// Service orchestrates the token codec and the refresh store.
type Service struct {
	db         *gorm.DB
	codec      *token.Codec
	store      *Store
	refreshTTL time.Duration
	now        func() time.Time
}

// NewService builds a session service. refreshTTL bounds how long a
// session can go without re-authentication.
func NewService(db *gorm.DB, codec *token.Codec, store *Store, refreshTTL time.Duration) *Service {
	return &Service{
		db:         db,
		codec:      codec,
		store:      store,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// WithClock replaces the service clock for deterministic tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Issue starts a new session for user: one persisted refresh record and a
// matching access token.
func (s *Service) Issue(ctx context.Context, user *models.User) (Pair, error) {
	return s.issuePair(ctx, user.ID, nil)
}

// Refresh validates and rotates the presented refresh token and issues a
// new pair. The presented token is single use: after a successful rotation
// any replay of it fails with ErrInvalidated.
func (s *Service) Refresh(ctx context.Context, presented string) (Pair, error) {
	id, secret, err := parseRefreshToken(presented)
	if err != nil {
		return Pair{}, err
	}

	rec, err := s.store.Find(ctx, id)
	if err != nil {
		return Pair{}, err
	}
	if rec.TokenHash != hashSecret(secret) {
		// Right id, wrong secret: no such token as far as the caller
		// is concerned.
		return Pair{}, ErrNotFound
	}
	if rec.Invalidated {
		log.Printf("⚠️ Refresh token reuse detected for user %s (token %s)", rec.UserID, rec.ID)
		return Pair{}, ErrInvalidated
	}
	if s.now().After(rec.ExpiresAt) {
		return Pair{}, ErrExpired
	}

	return s.issuePair(ctx, rec.UserID, rec)
}

// Revoke invalidates the presented refresh token. Idempotent: revoking an
// already-invalid or unknown token is a no-op, so logout never fails on a
// stale cookie.
func (s *Service) Revoke(ctx context.Context, presented string) error {
	id, _, err := parseRefreshToken(presented)
	if err != nil {
		return err
	}
	return s.store.Invalidate(ctx, id)
}

// ValidateRequest verifies an access token and loads its user. This is
// the single contract protected routes consume.
func (s *Service) ValidateRequest(ctx context.Context, access string) (*models.User, error) {
	userID, err := s.codec.Verify(access)
	if err != nil {
		return nil, err
	}
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// StartCleanupLoop deletes expired refresh records on a fixed interval
// until ctx is done.
func (s *Service) StartCleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.store.DeleteExpired(ctx, s.now())
				if err != nil {
					log.Printf("⚠️ Refresh token cleanup failed: %v", err)
					continue
				}
				if n > 0 {
					log.Printf("🧹 Deleted %d expired refresh tokens", n)
				}
			}
		}
	}()
	log.Printf("🔄 Refresh token cleanup loop started (interval: %s)", interval)
}

// issuePair creates the next refresh record, rotating the presented one
// when set, and signs a matching access token.
func (s *Service) issuePair(ctx context.Context, userID string, rotated *models.RefreshToken) (Pair, error) {
	secret, err := newRefreshSecret()
	if err != nil {
		return Pair{}, err
	}
	next := &models.RefreshToken{
		ID:        uuid.New().String(),
		UserID:    userID,
		TokenHash: hashSecret(secret),
		ExpiresAt: s.now().Add(s.refreshTTL),
		CreatedAt: s.now(),
	}

	if rotated != nil {
		err = s.store.Rotate(ctx, rotated.ID, rotated.TokenHash, next)
		if errors.Is(err, ErrInvalidated) {
			// Lost the rotation race: the token was consumed between
			// the pre-check and the guarded update.
			log.Printf("⚠️ Refresh token reuse detected for user %s (token %s)", userID, rotated.ID)
		}
	} else {
		err = s.store.Create(ctx, next)
	}
	if err != nil {
		return Pair{}, err
	}

	access, err := s.codec.Issue(userID)
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		AccessToken:  access,
		RefreshToken: formatRefreshToken(next.ID, secret),
	}, nil
}

// Wire form of a refresh token: "<record id>.<secret>". Only the hash of
// the secret is persisted.

func formatRefreshToken(id, secret string) string {
	return id + "." + secret
}

func parseRefreshToken(presented string) (id, secret string, err error) {
	id, secret, ok := strings.Cut(presented, ".")
	if !ok || id == "" || secret == "" {
		return "", "", ErrMalformed
	}
	return id, secret, nil
}

func newRefreshSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate refresh secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
