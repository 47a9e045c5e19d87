package store

import (
	"context"
	"time"

	"github.com/ritrovo-app/ritrovo-backend/internal/models"
)

// ConversationStore is the boundary the chat engine depends on. The production
// implementation is MongoStore (MongoDB documents + Redis pub/sub live
// delivery); engine tests script an in-memory fake.
//
// Live streams deliver an initial snapshot batch followed by incremental
// batches, and close when ctx is cancelled. A failed stream goes quiet rather
// than erroring the consumer; the engine treats that as stale-but-valid.
type ConversationStore interface {
	// GetOrCreateConversation returns the private conversation for the pair,
	// creating it only when no live (non-deleted-by-requester) conversation
	// already exists. The requester is a; a deleted-by-a conversation is
	// revived instead of duplicated.
	GetOrCreateConversation(ctx context.Context, a, b string) (*models.Conversation, error)

	CreateGroup(ctx context.Context, name, createdBy string, memberIDs []string, photoURL string) (*models.Conversation, error)
	AddMember(ctx context.Context, conversationID, actorID, userID string) error
	RemoveMember(ctx context.Context, conversationID, actorID, userID string) error

	// DeleteConversationFor hides a private conversation from userID's list
	// (deleted-by set); for groups it is equivalent to RemoveMember(self).
	DeleteConversationFor(ctx context.Context, conversationID, userID string) error

	SendMessage(ctx context.Context, conversationID, senderID, text string, typ models.MessageType, payload models.MessagePayload) (*models.Message, error)

	FetchLatestMessages(ctx context.Context, conversationID string, limit int) (*models.MessagePage, error)
	FetchMessagesBefore(ctx context.Context, conversationID string, limit int, cursor models.PageCursor) (*models.MessagePage, error)

	// WriteReadCursor persists the read cursor. With monotonicOnly the write
	// is a server-side max (never regresses); without it the supplied value is
	// written verbatim (message-level mark-read).
	WriteReadCursor(ctx context.Context, userID, conversationID string, at time.Time, monotonicOnly bool) error
	ReadReadCursor(ctx context.Context, userID, conversationID string) (time.Time, bool, error)
	WatchReadCursor(ctx context.Context, userID, conversationID string) (<-chan time.Time, error)

	// StreamConversationsForUser emits the full set of conversations the user
	// currently belongs to, re-emitted on every membership or summary change.
	StreamConversationsForUser(ctx context.Context, userID string) (<-chan []models.Conversation, error)

	// StreamMessagesSince emits messages with timestamp strictly after since:
	// one initial batch of existing history, then live batches as they arrive.
	StreamMessagesSince(ctx context.Context, conversationID string, since time.Time) (<-chan []models.Message, error)
}

// ProfileLookup resolves a user id to a human-readable display name. Used only
// to build system-message and alert text, never for correctness logic.
type ProfileLookup interface {
	GetDisplayName(ctx context.Context, userID string) (string, error)
}
