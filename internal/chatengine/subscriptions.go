package chatengine

import (
	"context"
	"log"

	"github.com/ritrovo-app/ritrovo-backend/internal/models"
)

// subscriptionManager keeps exactly one live listener per conversation the
// user currently belongs to. All methods except listen run on the engine's
// run loop; listen goroutines talk back only through posted events carrying
// their generation token, which the loop validates before mutating state.
type subscription struct {
	gen    uint64
	cancel context.CancelFunc
}

type subscriptionManager struct {
	e       *Engine
	subs    map[string]*subscription
	nextGen uint64
}

func newSubscriptionManager(e *Engine) *subscriptionManager {
	return &subscriptionManager{e: e, subs: make(map[string]*subscription)}
}

// apply diffs the desired conversation set against the live one: new ids get
// a listener, vanished ids are cancelled and reported. Re-emission of an
// unchanged set is a no-op (no subscription churn).
func (m *subscriptionManager) apply(convs []models.Conversation) (removed []string) {
	want := make(map[string]*models.Conversation, len(convs))
	for i := range convs {
		want[convs[i].ID] = &convs[i]
	}

	for id, sub := range m.subs {
		if _, ok := want[id]; !ok {
			sub.cancel()
			delete(m.subs, id)
			removed = append(removed, id)
		}
	}

	for id, conv := range want {
		if _, ok := m.subs[id]; ok {
			continue
		}
		m.e.agg.track(id)
		// Seed the "last known message" watermark so a reconnect replay of
		// history that predates this session can never alert.
		if conv.LastMessage != nil {
			m.e.throttle.seenUpTo(id, conv.LastMessage.Timestamp)
		}
		m.start(id)
	}
	return removed
}

func (m *subscriptionManager) start(conversationID string) {
	m.nextGen++
	gen := m.nextGen
	subCtx, cancel := context.WithCancel(m.e.ctx)
	m.subs[conversationID] = &subscription{gen: gen, cancel: cancel}
	go m.listen(subCtx, conversationID, gen)
}

func (m *subscriptionManager) tracked(conversationID string) bool {
	_, ok := m.subs[conversationID]
	return ok
}

func (m *subscriptionManager) current(conversationID string, gen uint64) bool {
	sub, ok := m.subs[conversationID]
	return ok && sub.gen == gen
}

// forget drops a failed listener's registration if it is still the current
// one, so the next conversation-set emission retries it.
func (m *subscriptionManager) forget(conversationID string, gen uint64) bool {
	sub, ok := m.subs[conversationID]
	if !ok || sub.gen != gen {
		return false
	}
	sub.cancel()
	delete(m.subs, conversationID)
	return true
}

func (m *subscriptionManager) stopAll() {
	for id, sub := range m.subs {
		sub.cancel()
		delete(m.subs, id)
	}
}

// listen is the per-conversation goroutine: it resolves the read cursor, then
// fans message and cursor updates into the engine's event queue.
func (m *subscriptionManager) listen(ctx context.Context, conversationID string, gen uint64) {
	e := m.e

	cursor, _, err := e.store.ReadReadCursor(ctx, e.userID, conversationID)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("chatengine: read-cursor fetch failed for %s: %v", conversationID, err)
			e.post(event{kind: evSubFailed, conversationID: conversationID, gen: gen})
		}
		return
	}
	e.post(event{kind: evCursor, conversationID: conversationID, gen: gen, cursor: cursor, monotonic: true})

	msgCh, err := e.store.StreamMessagesSince(ctx, conversationID, cursor)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("chatengine: message stream open failed for %s: %v", conversationID, err)
			e.post(event{kind: evSubFailed, conversationID: conversationID, gen: gen})
		}
		return
	}

	curCh, err := e.store.WatchReadCursor(ctx, e.userID, conversationID)
	if err != nil {
		// Cursor updates still arrive through local marks; degrade quietly.
		log.Printf("chatengine: cursor watch open failed for %s: %v", conversationID, err)
		curCh = nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msgs, ok := <-msgCh:
			if !ok {
				if ctx.Err() == nil {
					e.post(event{kind: evSubFailed, conversationID: conversationID, gen: gen})
				}
				return
			}
			if len(msgs) == 0 {
				continue
			}
			if !e.post(event{kind: evMessages, conversationID: conversationID, gen: gen, messages: msgs}) {
				return
			}
		case ts, ok := <-curCh:
			if !ok {
				curCh = nil
				continue
			}
			// Watched values are authoritative store state; applied
			// monotonically so a late initial read cannot regress a cursor
			// the user already advanced locally.
			if !e.post(event{kind: evCursor, conversationID: conversationID, gen: gen, cursor: ts, monotonic: true}) {
				return
			}
		}
	}
}
