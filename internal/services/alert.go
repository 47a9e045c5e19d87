package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ritrovo-app/ritrovo-backend/internal/database"
	"github.com/ritrovo-app/ritrovo-backend/internal/models"
)

// AlertChannelForUser is the Redis pub/sub channel a user's connected clients
// listen on for throttled new-message alerts.
func AlertChannelForUser(userID string) string {
	return "alerts:user:" + userID
}

// AlertPayload is the wire form of one alert publication.
type AlertPayload struct {
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name,omitempty"`
	Preview        string    `json:"preview"`
	Timestamp      time.Time `json:"timestamp"`
}

// RedisAlerter delivers engine alerts by publishing them to the user's alert
// channel. Any connected gateway (this instance or another) picks them up and
// forwards them to the client, which plays the sound.
type RedisAlerter struct{}

func (RedisAlerter) Alert(ctx context.Context, userID string, msg models.Message) error {
	payload := AlertPayload{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Preview:        msg.Text,
		Timestamp:      msg.Timestamp,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return database.RedisClient.Publish(ctx, AlertChannelForUser(userID), data).Err()
}
