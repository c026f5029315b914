package models

import "time"

// Role values assignable to a User.
const (
	RoleAdmin  = "ADMIN"
	RoleMember = "MEMBER"
)

// User is the root identity record. Refresh tokens and OAuth connections
// hang off it and are removed with it.
type User struct {
	ID        string `gorm:"primaryKey"` // UUID
	Email     string `gorm:"uniqueIndex"`
	Name      string
	Role      string `gorm:"default:MEMBER"`
	CreatedAt time.Time
	UpdatedAt time.Time

	RefreshTokens    []RefreshToken    `gorm:"constraint:OnDelete:CASCADE"`
	OAuthConnections []OAuthConnection `gorm:"constraint:OnDelete:CASCADE"`
}
