package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ritrovo-app/ritrovo-backend/internal/models"
)

const (
	conversationsCollection = "conversations"
	messagesCollection      = "conversation_messages"
	readCursorsCollection   = "read_cursors"

	// MaxPageSize caps a single history fetch.
	MaxPageSize     = 100
	DefaultPageSize = 50
)

var (
	ErrNotParticipant = errors.New("user is not a participant of this conversation")
	ErrNotFound       = errors.New("conversation not found")
	ErrEmptyMessage   = errors.New("message has no content")
)

// MongoStore is the production ConversationStore: documents in MongoDB, live
// delivery over Redis pub/sub.
type MongoStore struct {
	db       *mongo.Database
	rdb      *redis.Client
	profiles ProfileLookup
}

func NewMongoStore(db *mongo.Database, rdb *redis.Client, profiles ProfileLookup) *MongoStore {
	return &MongoStore{db: db, rdb: rdb, profiles: profiles}
}

func (s *MongoStore) conversations() *mongo.Collection {
	return s.db.Collection(conversationsCollection)
}

func (s *MongoStore) messages() *mongo.Collection {
	return s.db.Collection(messagesCollection)
}

func (s *MongoStore) cursors() *mongo.Collection {
	return s.db.Collection(readCursorsCollection)
}

// EnsureIndexes configures the indexes pagination and cursor lookups rely on.
// Called on startup from main after Mongo has connected.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.messages().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "conversation_id", Value: 1},
			{Key: "timestamp", Value: -1},
			{Key: "_id", Value: -1},
		},
		Options: options.Index().SetName("idx_conversation_timestamp"),
	})
	if err != nil {
		return err
	}

	_, err = s.conversations().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "participants", Value: 1}},
		Options: options.Index().SetName("idx_participants"),
	})
	if err != nil {
		return err
	}

	_, err = s.cursors().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "user_id", Value: 1},
			{Key: "conversation_id", Value: 1},
		},
		Options: options.Index().SetName("idx_user_conversation").SetUnique(true),
	})
	return err
}

// GetConversation loads a single conversation document.
func (s *MongoStore) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.conversations().FindOne(ctx, bson.M{"_id": conversationID}).Decode(&conv)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *MongoStore) GetOrCreateConversation(ctx context.Context, a, b string) (*models.Conversation, error) {
	if a == b {
		return nil, errors.New("cannot open a conversation with yourself")
	}
	id := models.PairConversationID(a, b)

	conv, err := s.GetConversation(ctx, id)
	if err == nil {
		// Revive a chat the requester previously removed; the peer's deletion
		// flag is left alone.
		if conv.DeletedFor(a) {
			_, err = s.conversations().UpdateOne(ctx,
				bson.M{"_id": id},
				bson.M{"$pull": bson.M{"deleted_by": a}})
			if err != nil {
				return nil, err
			}
			conv.DeletedBy = without(conv.DeletedBy, a)
			s.publishSummaryPoke(ctx, conv.Participants)
		}
		return conv, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	participants := []string{a, b}
	if participants[0] > participants[1] {
		participants[0], participants[1] = participants[1], participants[0]
	}
	conv = &models.Conversation{
		ID:           id,
		Kind:         models.ConversationPrivate,
		Participants: participants,
		CreatedBy:    a,
		CreatedAt:    time.Now().UTC(),
	}
	if _, err := s.conversations().InsertOne(ctx, conv); err != nil {
		// Lost a creation race: the canonical id guarantees a single document,
		// so just read the winner.
		if mongo.IsDuplicateKeyError(err) {
			return s.GetConversation(ctx, id)
		}
		return nil, err
	}
	s.publishSummaryPoke(ctx, participants)
	return conv, nil
}

func (s *MongoStore) CreateGroup(ctx context.Context, name, createdBy string, memberIDs []string, photoURL string) (*models.Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("group name is required")
	}

	members := []string{createdBy}
	seen := map[string]struct{}{createdBy: {}}
	for _, id := range memberIDs {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}

	conv := &models.Conversation{
		ID:           uuid.NewString(),
		Kind:         models.ConversationGroup,
		Participants: members,
		Name:         name,
		PhotoURL:     photoURL,
		CreatedBy:    createdBy,
		CreatedAt:    time.Now().UTC(),
	}
	if _, err := s.conversations().InsertOne(ctx, conv); err != nil {
		return nil, err
	}
	s.publishSummaryPoke(ctx, members)

	creator := s.displayName(ctx, createdBy)
	if _, err := s.SendMessage(ctx, conv.ID, models.SystemSenderID,
		fmt.Sprintf("%s created the group", creator), models.MessageTypeSystem, models.MessagePayload{}); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *MongoStore) AddMember(ctx context.Context, conversationID, actorID, userID string) error {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Kind != models.ConversationGroup {
		return errors.New("members can only be added to groups")
	}
	if !conv.HasParticipant(actorID) {
		return ErrNotParticipant
	}
	if conv.HasParticipant(userID) {
		return nil
	}

	_, err = s.conversations().UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$addToSet": bson.M{"participants": userID}})
	if err != nil {
		return err
	}
	s.publishSummaryPoke(ctx, append(conv.Participants, userID))

	actor, added := s.displayName(ctx, actorID), s.displayName(ctx, userID)
	_, err = s.SendMessage(ctx, conversationID, models.SystemSenderID,
		fmt.Sprintf("%s added %s to the group", actor, added), models.MessageTypeSystem, models.MessagePayload{})
	return err
}

func (s *MongoStore) RemoveMember(ctx context.Context, conversationID, actorID, userID string) error {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Kind != models.ConversationGroup {
		return errors.New("members can only be removed from groups")
	}
	if !conv.HasParticipant(actorID) {
		return ErrNotParticipant
	}
	if !conv.HasParticipant(userID) {
		return nil
	}

	_, err = s.conversations().UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$pull": bson.M{"participants": userID}})
	if err != nil {
		return err
	}
	// Poke the removed member too so their list drops the group.
	s.publishSummaryPoke(ctx, conv.Participants)

	var text string
	if actorID == userID {
		text = fmt.Sprintf("%s left the group", s.displayName(ctx, userID))
	} else {
		text = fmt.Sprintf("%s removed %s from the group", s.displayName(ctx, actorID), s.displayName(ctx, userID))
	}
	_, err = s.SendMessage(ctx, conversationID, models.SystemSenderID, text, models.MessageTypeSystem, models.MessagePayload{})
	return err
}

func (s *MongoStore) DeleteConversationFor(ctx context.Context, conversationID, userID string) error {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Kind == models.ConversationGroup {
		return s.RemoveMember(ctx, conversationID, userID, userID)
	}
	if !conv.HasParticipant(userID) {
		return ErrNotParticipant
	}
	_, err = s.conversations().UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$addToSet": bson.M{"deleted_by": userID}})
	if err != nil {
		return err
	}
	s.publishSummaryPoke(ctx, []string{userID})
	return nil
}

func (s *MongoStore) SendMessage(ctx context.Context, conversationID, senderID, text string, typ models.MessageType, payload models.MessagePayload) (*models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" && payload.ImageURL == "" && payload.PostRef == "" {
		return nil, ErrEmptyMessage
	}

	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if senderID != models.SystemSenderID && !conv.HasParticipant(senderID) {
		return nil, ErrNotParticipant
	}
	if typ == "" {
		typ = models.MessageTypeText
	}

	msg := &models.Message{
		ID:             primitive.NewObjectID(),
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderName:     s.displayName(ctx, senderID),
		Text:           text,
		Type:           typ,
		ImageURL:       payload.ImageURL,
		PostRef:        payload.PostRef,
		Timestamp:      time.Now().UTC(),
	}
	if _, err := s.messages().InsertOne(ctx, msg); err != nil {
		return nil, err
	}

	// Denormalize the preview and revive the chat for anyone who had removed
	// it: a new message makes a private conversation live again for both.
	_, err = s.conversations().UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{
			"last_message": models.LastMessage{
				SenderID:  msg.SenderID,
				Text:      msg.Text,
				Timestamp: msg.Timestamp,
			},
			"deleted_by": []string{},
		}})
	if err != nil {
		return nil, err
	}

	s.publishMessage(ctx, msg)
	s.publishSummaryPoke(ctx, conv.Participants)
	return msg, nil
}

func (s *MongoStore) FetchLatestMessages(ctx context.Context, conversationID string, limit int) (*models.MessagePage, error) {
	limit = clampPageSize(limit)
	cur, err := s.messages().Find(ctx,
		bson.M{"conversation_id": conversationID},
		pageFindOptions(limit))
	if err != nil {
		return nil, err
	}
	return s.decodePage(ctx, cur, limit)
}

func (s *MongoStore) FetchMessagesBefore(ctx context.Context, conversationID string, limit int, cursor models.PageCursor) (*models.MessagePage, error) {
	limit = clampPageSize(limit)
	oid, err := primitive.ObjectIDFromHex(cursor.ID)
	if err != nil {
		return nil, fmt.Errorf("bad page cursor: %w", err)
	}

	// Strictly-older-than-cursor with the same (timestamp, _id) tie-break
	// ordering the pages use, so boundary duplicates cannot appear.
	filter := bson.M{
		"conversation_id": conversationID,
		"$or": bson.A{
			bson.M{"timestamp": bson.M{"$lt": cursor.Timestamp.UTC()}},
			bson.M{"timestamp": cursor.Timestamp.UTC(), "_id": bson.M{"$lt": oid}},
		},
	}
	cur, err := s.messages().Find(ctx, filter, pageFindOptions(limit))
	if err != nil {
		return nil, err
	}
	return s.decodePage(ctx, cur, limit)
}

func (s *MongoStore) WriteReadCursor(ctx context.Context, userID, conversationID string, at time.Time, monotonicOnly bool) error {
	at = at.UTC()
	filter := bson.M{"user_id": userID, "conversation_id": conversationID}

	var update bson.M
	if monotonicOnly {
		update = bson.M{
			"$max":         bson.M{"last_read": at},
			"$setOnInsert": bson.M{"user_id": userID, "conversation_id": conversationID},
		}
	} else {
		update = bson.M{
			"$set":         bson.M{"last_read": at},
			"$setOnInsert": bson.M{"user_id": userID, "conversation_id": conversationID},
		}
	}
	_, err := s.cursors().UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return err
	}

	// Mirror into the conversation document's per-member map (list views read
	// it without a second query). Best effort.
	mapField := "last_read." + userID
	var convUpdate bson.M
	if monotonicOnly {
		convUpdate = bson.M{"$max": bson.M{mapField: at}}
	} else {
		convUpdate = bson.M{"$set": bson.M{mapField: at}}
	}
	_, _ = s.conversations().UpdateOne(ctx, bson.M{"_id": conversationID}, convUpdate)

	s.publishCursor(ctx, userID, conversationID, at)
	return nil
}

func (s *MongoStore) ReadReadCursor(ctx context.Context, userID, conversationID string) (time.Time, bool, error) {
	var rc models.ReadCursor
	err := s.cursors().FindOne(ctx, bson.M{"user_id": userID, "conversation_id": conversationID}).Decode(&rc)
	if err == mongo.ErrNoDocuments {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return rc.LastRead, true, nil
}

// ListConversationsForUser is the one-shot variant of the conversation stream:
// every conversation the user belongs to and has not removed, most recent
// activity first.
func (s *MongoStore) ListConversationsForUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	filter := bson.M{
		"participants": userID,
		"deleted_by":   bson.M{"$ne": userID},
	}
	opts := options.Find().SetSort(bson.D{{Key: "last_message.timestamp", Value: -1}})
	cur, err := s.conversations().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var convs []models.Conversation
	if err := cur.All(ctx, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (s *MongoStore) displayName(ctx context.Context, userID string) string {
	if userID == models.SystemSenderID {
		return ""
	}
	if s.profiles == nil {
		return ""
	}
	name, err := s.profiles.GetDisplayName(ctx, userID)
	if err != nil || name == "" {
		return "Someone"
	}
	return name
}

func clampPageSize(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

func pageFindOptions(limit int) *options.FindOptions {
	// limit+1: the extra row is the hasMore probe, never returned.
	return options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit) + 1)
}

func (s *MongoStore) decodePage(ctx context.Context, cur *mongo.Cursor, limit int) (*models.MessagePage, error) {
	defer cur.Close(ctx)

	var msgs []models.Message
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	page := &models.MessagePage{Messages: msgs, HasMore: hasMore}
	if len(msgs) > 0 {
		oldest := msgs[len(msgs)-1]
		page.Cursor = &models.PageCursor{Timestamp: oldest.Timestamp, ID: oldest.ID.Hex()}
	}
	return page, nil
}

func without(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
