package db

import (
	"crypto/rand"
	"encoding/hex"
	"log"

	"github.com/glebarez/sqlite"
	"github.com/heraldhq/herald/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const signingKeySetting = "session_signing_key"

// InitDB opens the SQLite database and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&models.User{},
		&models.RefreshToken{},
		&models.OAuthConnection{},
		&models.Setting{},
	); err != nil {
		return nil, err
	}

	return db, nil
}

// EnsureSigningKey returns the configured signing key, or a key generated
// on first run and persisted in settings so sessions survive restarts.
func EnsureSigningKey(db *gorm.DB, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	var setting models.Setting
	if err := db.Where("key = ?", signingKeySetting).First(&setting).Error; err == nil {
		return setting.Value, nil
	}

	keyBytes := make([]byte, 32)
	rand.Read(keyBytes)
	key := hex.EncodeToString(keyBytes)

	if err := db.Create(&models.Setting{Key: signingKeySetting, Value: key}).Error; err != nil {
		return "", err
	}
	log.Printf("🔑 Generated new session signing key (persisted to settings)")
	return key, nil
}
