package models

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SystemSenderID is the sentinel sender for auto-generated membership/creation
// messages. System messages never count as unread and never trigger alerts.
const SystemSenderID = "system"

// MessageType tags the payload of a message.
// Valid values: "text", "image", "post", "system".
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypePost   MessageType = "post"
	MessageTypeSystem MessageType = "system"
)

// ConversationKind distinguishes two-party chats from groups.
type ConversationKind string

const (
	ConversationPrivate ConversationKind = "private"
	ConversationGroup   ConversationKind = "group"
)

// Message is stored in MongoDB, one document per message (flat collection for
// pagination). Messages are immutable once created; ordering is strictly by
// (timestamp, _id).
type Message struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ConversationID string             `bson:"conversation_id" json:"conversation_id"`
	SenderID       string             `bson:"sender_id" json:"sender_id"`
	SenderName     string             `bson:"sender_name,omitempty" json:"sender_name,omitempty"`
	Text           string             `bson:"text" json:"text"`
	Type           MessageType        `bson:"type" json:"type"`
	ImageURL       string             `bson:"image_url,omitempty" json:"image_url,omitempty"`
	PostRef        string             `bson:"post_ref,omitempty" json:"post_ref,omitempty"`
	Timestamp      time.Time          `bson:"timestamp" json:"timestamp"`
}

// MessagePayload carries the optional media fields of a send operation.
type MessagePayload struct {
	ImageURL string `json:"image_url,omitempty"`
	PostRef  string `json:"post_ref,omitempty"`
}

// Before reports whether m sorts strictly before other, ordering by timestamp
// with the document id as tie-break.
func (m *Message) Before(other *Message) bool {
	if !m.Timestamp.Equal(other.Timestamp) {
		return m.Timestamp.Before(other.Timestamp)
	}
	return strings.Compare(m.ID.Hex(), other.ID.Hex()) < 0
}

// LastMessage is the denormalized preview stored on the conversation document.
type LastMessage struct {
	SenderID  string    `bson:"sender_id" json:"sender_id"`
	Text      string    `bson:"text" json:"text"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// Conversation is a private (2-member) or group (N-member) thread.
// For private chats the _id is the canonical sorted pair id and participants
// are exactly two unique ids; deleted_by holds members who removed the chat
// from their list without destroying it for the other side.
type Conversation struct {
	ID           string               `bson:"_id" json:"id"`
	Kind         ConversationKind     `bson:"kind" json:"kind"`
	Participants []string             `bson:"participants" json:"participants"`
	Name         string               `bson:"name,omitempty" json:"name,omitempty"`
	PhotoURL     string               `bson:"photo_url,omitempty" json:"photo_url,omitempty"`
	CreatedBy    string               `bson:"created_by,omitempty" json:"created_by,omitempty"`
	CreatedAt    time.Time            `bson:"created_at" json:"created_at"`
	LastMessage  *LastMessage         `bson:"last_message,omitempty" json:"last_message,omitempty"`
	LastRead     map[string]time.Time `bson:"last_read,omitempty" json:"last_read,omitempty"`
	DeletedBy    []string             `bson:"deleted_by,omitempty" json:"deleted_by,omitempty"`
}

// HasParticipant reports whether userID is a member of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// DeletedFor reports whether userID removed this private chat from their list.
func (c *Conversation) DeletedFor(userID string) bool {
	for _, d := range c.DeletedBy {
		if d == userID {
			return true
		}
	}
	return false
}

// PairConversationID builds the deterministic id for a private conversation:
// the two user ids sorted and joined, so lookup-by-pair never races into
// duplicate documents.
func PairConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + "_" + ids[1]
}

// ReadCursor is the per-(user, conversation) last-read timestamp document.
type ReadCursor struct {
	UserID         string    `bson:"user_id" json:"user_id"`
	ConversationID string    `bson:"conversation_id" json:"conversation_id"`
	LastRead       time.Time `bson:"last_read" json:"last_read"`
}

// PageCursor is the opaque pagination pointer handed to clients: the
// (timestamp, id) position of the oldest item of the previous page.
type PageCursor struct {
	Timestamp time.Time `json:"ts"`
	ID        string    `json:"id"`
}

// Encode serializes the cursor for transport (base64 JSON).
func (c PageCursor) Encode() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodePageCursor parses a cursor previously produced by Encode.
func DecodePageCursor(s string) (PageCursor, error) {
	var c PageCursor
	if s == "" {
		return c, errors.New("empty cursor")
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, err
	}
	if c.Timestamp.IsZero() || c.ID == "" {
		return c, errors.New("malformed cursor")
	}
	return c, nil
}

// MessagePage is one page of history, newest-first, plus the cursor for the
// next (older) page. HasMore is probe-based, never len(messages)==pageSize.
type MessagePage struct {
	Messages []Message   `json:"messages"`
	Cursor   *PageCursor `json:"cursor,omitempty"`
	HasMore  bool        `json:"has_more"`
}
