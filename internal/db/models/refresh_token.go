package models

import "time"

// RefreshToken is the persisted half of a session. The wire token is
// "<id>.<secret>"; only the SHA-256 hex of the secret is stored, so a
// database leak does not yield usable tokens.
//
// Exactly one non-invalidated, non-expired record exists per live session.
// Rotation invalidates the presented record and inserts a replacement,
// with ReplacedByID keeping the lineage for audit.
type RefreshToken struct {
	ID           string `gorm:"primaryKey"` // UUID
	UserID       string `gorm:"not null;index"`
	TokenHash    string `gorm:"uniqueIndex;not null;size:64"`
	Invalidated  bool   `gorm:"default:false"`
	ReplacedByID *string
	ExpiresAt    time.Time `gorm:"not null"`
	CreatedAt    time.Time
}
