package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heraldhq/herald/internal/db/models"
	"gorm.io/gorm"
)

var (
	// ErrNotFound means no refresh-token record matches the presented token.
	ErrNotFound = errors.New("refresh token not found")
	// ErrInvalidated means the record was already rotated or revoked.
	// Reuse of a rotated token lands here and is treated as a security
	// event by the service, not a soft failure.
	ErrInvalidated = errors.New("refresh token invalidated")
	// ErrExpired means the record's expiry has passed.
	ErrExpired = errors.New("refresh token expired")
)

// Store persists refresh-token records.
type Store struct {
	db *gorm.DB
}

// NewStore wraps db in a refresh-token store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Create inserts a fresh record.
func (s *Store) Create(ctx context.Context, rec *models.RefreshToken) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

// Find loads a record by id.
func (s *Store) Find(ctx context.Context, id string) (*models.RefreshToken, error) {
	var rec models.RefreshToken
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Rotate invalidates the record identified by (id, presentedHash) and
// inserts next as its replacement, in one transaction. The guarded UPDATE
// only matches a live record holding the presented hash, so of any number
// of concurrent rotations on the same token exactly one commits; the rest
// get ErrInvalidated.
func (s *Store) Rotate(ctx context.Context, id, presentedHash string, next *models.RefreshToken) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.RefreshToken{}).
			Where("id = ? AND token_hash = ? AND invalidated = ?", id, presentedHash, false).
			Updates(map[string]interface{}{"invalidated": true, "replaced_by_id": next.ID})
		if res.Error != nil {
			return fmt.Errorf("rotate refresh token: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrInvalidated
		}
		return tx.Create(next).Error
	})
}

// Invalidate marks the record revoked. Idempotent: invalidating an
// already-invalid or unknown record is a no-op.
func (s *Store) Invalidate(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&models.RefreshToken{}).
		Where("id = ?", id).
		Update("invalidated", true).Error
}

// DeleteExpired removes records whose expiry precedes before, returning
// the number deleted. Invalidated records past expiry go too; lineage is
// only needed while a session could still be live.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at < ?", before).
		Delete(&models.RefreshToken{})
	return res.RowsAffected, res.Error
}
