package services

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ritrovo-app/ritrovo-backend/internal/database"
	"github.com/ritrovo-app/ritrovo-backend/internal/models"
)

const displayNameCacheTTL = 6 * time.Hour

// GetUserByID retrieves the public profile row for a user
func GetUserByID(userID string) (*models.User, error) {
	parsedID, err := uuid.Parse(userID)
	if err != nil {
		return nil, err
	}

	var u models.User
	err = database.PostgresDB.QueryRow(`
		SELECT id, username, display_name, created_at, is_active
		FROM users WHERE id = $1 AND is_active = TRUE
	`, parsedID).Scan(&u.ID, &u.Username, &u.DisplayName, &u.CreatedAt, &u.IsActive)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // User not found or inactive
		}
		return nil, err
	}

	return &u, nil
}

// GetDisplayNameByID retrieves a user's display name, cached in Redis so the
// message-history enrichment path doesn't hammer Postgres.
func GetDisplayNameByID(userID string) (string, error) {
	cacheKey := CacheKey("display_name", userID)
	if name, found, _ := Cache.GetString(cacheKey); found {
		return name, nil
	}

	parsedID, err := uuid.Parse(userID)
	if err != nil {
		return "", err
	}

	var displayName string
	err = database.PostgresDB.QueryRow(`
		SELECT display_name FROM users WHERE id = $1 AND is_active = TRUE
	`, parsedID).Scan(&displayName)

	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil // User not found or inactive
		}
		return "", err
	}

	Cache.SetStringWithTTL(cacheKey, displayName, displayNameCacheTTL)
	return displayName, nil
}

// InvalidateDisplayName drops the cached display name (profile update)
func InvalidateDisplayName(userID string) {
	Cache.Delete(CacheKey("display_name", userID))
}

// GetUserIDByUsername retrieves user ID by username
func GetUserIDByUsername(username string) (string, error) {
	var userID uuid.UUID
	err := database.PostgresDB.QueryRow(`
		SELECT id FROM users WHERE LOWER(username) = $1 AND is_active = TRUE
	`, strings.ToLower(strings.TrimSpace(username))).Scan(&userID)

	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}

	return userID.String(), nil
}

// ProfileService adapts the package-level profile lookups to the interface the
// chat store and engine consume.
type ProfileService struct{}

func (ProfileService) GetDisplayName(ctx context.Context, userID string) (string, error) {
	return GetDisplayNameByID(userID)
}
