package models

import "time"

// OAuthConnection links one local User to one remote identity at one
// provider. The (Provider, ProviderUserID) pair is unique: the same remote
// identity always resolves to the same local user and is never reassigned.
//
// The provider's own access/refresh tokens are stored opaquely so the
// application can call the provider's APIs on the user's behalf later.
type OAuthConnection struct {
	ID             string `gorm:"primaryKey"` // UUID
	UserID         string `gorm:"not null;index"`
	Provider       string `gorm:"not null;uniqueIndex:idx_provider_identity,priority:1"`
	ProviderUserID string `gorm:"not null;uniqueIndex:idx_provider_identity,priority:2"`
	ProviderEmail  string // snapshot at last login

	AccessToken  string `gorm:"type:text"`
	RefreshToken string `gorm:"type:text"`
	ExpiresAt    time.Time

	LastLoginAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
