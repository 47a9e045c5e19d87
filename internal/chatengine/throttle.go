package chatengine

import (
	"strings"
	"time"

	"github.com/ritrovo-app/ritrovo-backend/internal/models"
)

// alertThrottle decides whether a batch of newly observed messages should
// ring the user's local alert. Eligibility is per message (real sender, not
// the foregrounded conversation, not system, non-empty text, newer than both
// the conversation's last-alerted mark and its last-known-message watermark);
// firing is globally rate limited to one alert per minimum interval, across
// all conversations. An eligible batch that lands inside the quiet window is
// merged into the next alert rather than re-scanned.
//
// All methods run on the engine's run loop.
type alertThrottle struct {
	selfID      string
	minInterval time.Duration
	now         func() time.Time

	lastFired   time.Time
	lastAlerted map[string]time.Time // per conversation, survives restarts best-effort
	lastSeen    map[string]time.Time // last-known-message watermark per conversation
	pending     *models.Message
	dirty       bool
}

func newAlertThrottle(selfID string, minInterval time.Duration, now func() time.Time) *alertThrottle {
	return &alertThrottle{
		selfID:      selfID,
		minInterval: minInterval,
		now:         now,
		lastAlerted: make(map[string]time.Time),
		lastSeen:    make(map[string]time.Time),
	}
}

// restore installs a persisted last-alerted map (engine start).
func (t *alertThrottle) restore(m map[string]time.Time) {
	for id, ts := range m {
		t.lastAlerted[id] = ts
	}
}

// seenUpTo raises the conversation's last-known-message watermark without
// evaluating anything (used when a subscription is first established, from
// the denormalized conversation summary).
func (t *alertThrottle) seenUpTo(conversationID string, at time.Time) {
	if at.After(t.lastSeen[conversationID]) {
		t.lastSeen[conversationID] = at
	}
}

// observe evaluates a batch for conversationID. Returns whether to fire an
// alert now and, if so, the message to describe in it.
func (t *alertThrottle) observe(conversationID string, msgs []models.Message, activeConversation string) (bool, *models.Message) {
	watermark := t.lastSeen[conversationID]

	var newest *models.Message
	for i := range msgs {
		m := &msgs[i]
		if t.eligible(m, conversationID, activeConversation, watermark) {
			if newest == nil || newest.Before(m) {
				newest = m
			}
		}
	}

	// Advance the watermark only after eligibility was judged against the
	// previous evaluation's value.
	for i := range msgs {
		if ts := msgs[i].Timestamp; ts.After(t.lastSeen[conversationID]) {
			t.lastSeen[conversationID] = ts
		}
	}

	if newest != nil {
		// Mark the batch alerted immediately, fired or deferred: a replay of
		// these messages must never ring twice. A later message in the same
		// conversation stays eligible.
		if newest.Timestamp.After(t.lastAlerted[conversationID]) {
			t.lastAlerted[conversationID] = newest.Timestamp
			t.dirty = true
		}
		t.pending = newest
	}

	if t.pending == nil {
		return false, nil
	}
	now := t.now()
	if !t.lastFired.IsZero() && now.Sub(t.lastFired) < t.minInterval {
		return false, nil
	}
	t.lastFired = now
	fired := t.pending
	t.pending = nil
	return true, fired
}

func (t *alertThrottle) eligible(m *models.Message, conversationID, activeConversation string, watermark time.Time) bool {
	if m.SenderID == t.selfID || m.SenderID == models.SystemSenderID {
		return false
	}
	if m.Type == models.MessageTypeSystem {
		return false
	}
	if strings.TrimSpace(m.Text) == "" {
		return false
	}
	if m.Timestamp.IsZero() {
		return false
	}
	if conversationID == activeConversation {
		return false
	}
	if !m.Timestamp.After(t.lastAlerted[conversationID]) {
		return false
	}
	if !m.Timestamp.After(watermark) {
		return false
	}
	return true
}

// clearConversation wipes throttle memory for a conversation the user just
// foregrounded, including a deferred alert that belongs to it.
func (t *alertThrottle) clearConversation(conversationID string) {
	if _, ok := t.lastAlerted[conversationID]; ok {
		delete(t.lastAlerted, conversationID)
		t.dirty = true
	}
	if t.pending != nil && t.pending.ConversationID == conversationID {
		t.pending = nil
	}
}

// forget drops all state for a conversation whose subscription was torn down.
func (t *alertThrottle) forget(conversationID string) {
	if _, ok := t.lastAlerted[conversationID]; ok {
		t.dirty = true
	}
	delete(t.lastAlerted, conversationID)
	delete(t.lastSeen, conversationID)
	if t.pending != nil && t.pending.ConversationID == conversationID {
		t.pending = nil
	}
}

// takeDirty returns a snapshot for persistence when bookkeeping changed since
// the last call.
func (t *alertThrottle) takeDirty() (map[string]time.Time, bool) {
	if !t.dirty {
		return nil, false
	}
	t.dirty = false
	return t.snapshot(), true
}

func (t *alertThrottle) snapshot() map[string]time.Time {
	out := make(map[string]time.Time, len(t.lastAlerted))
	for id, ts := range t.lastAlerted {
		out[id] = ts
	}
	return out
}
