package store

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ritrovo-app/ritrovo-backend/internal/models"
)

// Live delivery: every mutation publishes a small JSON event to Redis; the
// stream methods subscribe first, then read the Mongo snapshot, so nothing can
// fall between snapshot and subscription. Consumers de-duplicate by id.

const (
	messageChannelPrefix = "convo:msg:"
	userChannelPrefix    = "convo:user:"
	cursorChannelPrefix  = "convo:cursor:"

	maxSubscriberBackoff = 30 * time.Second
	streamBuffer         = 16
)

type liveEvent struct {
	Kind     string          `json:"kind"` // "message", "summary", "cursor"
	Message  *models.Message `json:"message,omitempty"`
	LastRead *time.Time      `json:"last_read,omitempty"`
}

func messageChannel(conversationID string) string {
	return messageChannelPrefix + conversationID
}

func userChannel(userID string) string {
	return userChannelPrefix + userID
}

func cursorChannel(userID, conversationID string) string {
	return cursorChannelPrefix + userID + ":" + conversationID
}

func (s *MongoStore) publishMessage(ctx context.Context, msg *models.Message) {
	data, err := json.Marshal(liveEvent{Kind: "message", Message: msg})
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, messageChannel(msg.ConversationID), data).Err(); err != nil {
		log.Printf("store: publish message event failed for %s: %v", msg.ConversationID, err)
	}
}

func (s *MongoStore) publishSummaryPoke(ctx context.Context, userIDs []string) {
	data, err := json.Marshal(liveEvent{Kind: "summary"})
	if err != nil {
		return
	}
	for _, uid := range userIDs {
		if uid == "" || uid == models.SystemSenderID {
			continue
		}
		if err := s.rdb.Publish(ctx, userChannel(uid), data).Err(); err != nil {
			log.Printf("store: publish summary poke failed for %s: %v", uid, err)
		}
	}
}

func (s *MongoStore) publishCursor(ctx context.Context, userID, conversationID string, at time.Time) {
	data, err := json.Marshal(liveEvent{Kind: "cursor", LastRead: &at})
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, cursorChannel(userID, conversationID), data).Err(); err != nil {
		log.Printf("store: publish cursor event failed for %s/%s: %v", userID, conversationID, err)
	}
}

func (s *MongoStore) StreamMessagesSince(ctx context.Context, conversationID string, since time.Time) (<-chan []models.Message, error) {
	out := make(chan []models.Message, streamBuffer)
	pubsub := s.rdb.Subscribe(ctx, messageChannel(conversationID))

	go func() {
		defer close(out)
		defer pubsub.Close()

		snapshot, err := s.fetchMessagesSince(ctx, conversationID, since)
		if err != nil {
			// Degraded, not fatal: the live feed below still works and the
			// conversation simply contributes nothing until it catches up.
			log.Printf("store: initial message snapshot failed for %s: %v", conversationID, err)
		} else if len(snapshot) > 0 {
			select {
			case out <- snapshot:
			case <-ctx.Done():
				return
			}
		}

		backoff := time.Second
		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				time.Sleep(backoff)
				backoff *= 2
				if backoff > maxSubscriberBackoff {
					backoff = maxSubscriberBackoff
				}
				continue
			}
			backoff = time.Second

			var ev liveEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil || ev.Message == nil {
				continue
			}
			// Strictly-after semantics: replays at or before the cursor are
			// dropped here, not re-counted downstream.
			if !ev.Message.Timestamp.After(since) {
				continue
			}
			select {
			case out <- []models.Message{*ev.Message}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (s *MongoStore) StreamConversationsForUser(ctx context.Context, userID string) (<-chan []models.Conversation, error) {
	out := make(chan []models.Conversation, streamBuffer)
	pubsub := s.rdb.Subscribe(ctx, userChannel(userID))

	emit := func() bool {
		convs, err := s.ListConversationsForUser(ctx, userID)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("store: conversation list fetch failed for %s: %v", userID, err)
			}
			return true // stale-but-valid: keep the stream alive
		}
		select {
		case out <- convs:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(out)
		defer pubsub.Close()

		if !emit() {
			return
		}

		backoff := time.Second
		for {
			_, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				time.Sleep(backoff)
				backoff *= 2
				if backoff > maxSubscriberBackoff {
					backoff = maxSubscriberBackoff
				}
				continue
			}
			backoff = time.Second

			// Any poke means the membership set or a summary changed;
			// re-read the full set (the engine's diff is idempotent).
			if !emit() {
				return
			}
		}
	}()

	return out, nil
}

func (s *MongoStore) WatchReadCursor(ctx context.Context, userID, conversationID string) (<-chan time.Time, error) {
	out := make(chan time.Time, streamBuffer)
	pubsub := s.rdb.Subscribe(ctx, cursorChannel(userID, conversationID))

	go func() {
		defer close(out)
		defer pubsub.Close()

		if at, ok, err := s.ReadReadCursor(ctx, userID, conversationID); err == nil && ok {
			select {
			case out <- at:
			case <-ctx.Done():
				return
			}
		}

		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				time.Sleep(time.Second)
				continue
			}
			var ev liveEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil || ev.LastRead == nil {
				continue
			}
			select {
			case out <- *ev.LastRead:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// fetchMessagesSince returns messages strictly after since, oldest first.
func (s *MongoStore) fetchMessagesSince(ctx context.Context, conversationID string, since time.Time) ([]models.Message, error) {
	filter := bson.M{"conversation_id": conversationID}
	if !since.IsZero() {
		filter["timestamp"] = bson.M{"$gt": since.UTC()}
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})

	cur, err := s.messages().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var msgs []models.Message
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
