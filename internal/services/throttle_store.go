package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ritrovo-app/ritrovo-backend/internal/database"
)

const (
	// AlertStateKeyPrefix is the Redis key prefix for per-user alert bookkeeping
	AlertStateKeyPrefix = "alert_state:"
	// AlertStateTTL bounds how long alert bookkeeping outlives an idle user
	AlertStateTTL = 30 * 24 * time.Hour
)

// RedisThrottleStore persists the per-conversation last-alerted timestamps a
// user's engine uses to avoid re-ringing for already-notified messages after
// a reconnect. Best effort: a lost map only risks one duplicate alert per
// conversation.
type RedisThrottleStore struct{}

func (RedisThrottleStore) LoadLastAlerted(ctx context.Context, userID string) (map[string]time.Time, error) {
	val, err := database.RedisClient.Get(ctx, AlertStateKeyPrefix+userID).Result()
	if err != nil {
		return nil, nil // Missing key or Redis hiccup: start fresh
	}
	var state map[string]time.Time
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return nil, err
	}
	return state, nil
}

func (RedisThrottleStore) SaveLastAlerted(ctx context.Context, userID string, state map[string]time.Time) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return database.RedisClient.Set(ctx, AlertStateKeyPrefix+userID, data, AlertStateTTL).Err()
}
