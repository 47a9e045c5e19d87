package chatengine

import (
	"context"
	"log"
	"time"
)

// MarkRead advances the user's read cursor for conversationID. With a nil
// upTo the cursor moves to "now" and can only move forward; with an explicit
// timestamp (mark-as-read at a given message) the value is applied verbatim,
// which deliberately allows moving the cursor backwards. Marking a
// conversation the user no longer belongs to is a logged no-op.
func (e *Engine) MarkRead(ctx context.Context, conversationID string, upTo *time.Time) error {
	at := e.clock().UTC()
	monotonic := true
	if upTo != nil {
		at = upTo.UTC()
		monotonic = false
	}

	// Apply locally first so the unread total reacts without waiting on the
	// store round trip. The reply tells us whether the conversation is still
	// tracked at all.
	reply := make(chan bool, 1)
	if !e.post(event{
		kind:           evLocalCursor,
		conversationID: conversationID,
		cursor:         at,
		monotonic:      monotonic,
		reply:          reply,
	}) {
		return errEngineStopped
	}
	select {
	case tracked := <-reply:
		if !tracked {
			log.Printf("chatengine: mark-read for untracked conversation %s ignored", conversationID)
			return nil
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	return e.store.WriteReadCursor(ctx, e.userID, conversationID, at, monotonic)
}
