package chatengine

import (
	"time"

	"github.com/ritrovo-app/ritrovo-backend/internal/models"
)

// unreadAggregator recomputes, per tracked conversation, the count of
// messages that are unread for the session user: sender is someone else, not
// a system message, timestamp resolved and strictly after the read cursor.
// The per-conversation count is always recomputed from the retained message
// set, never incrementally patched, so it cannot silently diverge.
//
// All methods run on the engine's run loop.
type convUnreadState struct {
	cursor      time.Time
	cursorKnown bool
	messages    map[string]models.Message
}

type unreadAggregator struct {
	selfID string
	convs  map[string]*convUnreadState
	counts map[string]int
}

func newUnreadAggregator(selfID string) *unreadAggregator {
	return &unreadAggregator{
		selfID: selfID,
		convs:  make(map[string]*convUnreadState),
		counts: make(map[string]int),
	}
}

// track registers a conversation with an unknown cursor (epoch: everything
// unread) until a real cursor value arrives.
func (a *unreadAggregator) track(conversationID string) {
	if _, ok := a.convs[conversationID]; ok {
		return
	}
	a.convs[conversationID] = &convUnreadState{messages: make(map[string]models.Message)}
	a.counts[conversationID] = 0
}

func (a *unreadAggregator) remove(conversationID string) {
	delete(a.convs, conversationID)
	delete(a.counts, conversationID)
}

// applyMessages merges a batch into the conversation's retained set
// (de-duplicated by id) and recomputes its count. Reports whether the count
// changed.
func (a *unreadAggregator) applyMessages(conversationID string, msgs []models.Message) bool {
	st, ok := a.convs[conversationID]
	if !ok {
		return false
	}
	added := false
	for _, m := range msgs {
		key := m.ID.Hex()
		if _, dup := st.messages[key]; dup {
			// A message whose pending timestamp has since resolved replaces
			// the unresolved copy.
			if existing := st.messages[key]; existing.Timestamp.IsZero() && !m.Timestamp.IsZero() {
				st.messages[key] = m
				added = true
			}
			continue
		}
		st.messages[key] = m
		added = true
	}
	if !added {
		return false
	}
	return a.recompute(conversationID)
}

// applyCursor updates the conversation's read cursor. Monotonic updates never
// regress; explicit (message-level) marks are applied verbatim. Reports
// whether the count changed.
func (a *unreadAggregator) applyCursor(conversationID string, at time.Time, monotonicOnly bool) bool {
	st, ok := a.convs[conversationID]
	if !ok {
		return false
	}
	if monotonicOnly && st.cursorKnown && at.Before(st.cursor) {
		return false
	}
	st.cursor = at
	st.cursorKnown = true
	return a.recompute(conversationID)
}

func (a *unreadAggregator) recompute(conversationID string) bool {
	st := a.convs[conversationID]
	count := 0
	for _, m := range st.messages {
		if a.eligible(st, &m) {
			count++
		}
	}
	if count == a.counts[conversationID] {
		return false
	}
	a.counts[conversationID] = count
	return true
}

func (a *unreadAggregator) eligible(st *convUnreadState, m *models.Message) bool {
	if m.SenderID == a.selfID || m.SenderID == models.SystemSenderID {
		return false
	}
	if m.Type == models.MessageTypeSystem {
		return false
	}
	// Unresolved server timestamps are excluded until they commit, to avoid
	// transient over-counting.
	if m.Timestamp.IsZero() {
		return false
	}
	return m.Timestamp.After(st.cursor)
}

// total sums the per-conversation counts across all tracked conversations.
func (a *unreadAggregator) total() int {
	sum := 0
	for _, c := range a.counts {
		sum += c
	}
	return sum
}
