package services

import (
	"context"
	"sync"

	"github.com/ritrovo-app/ritrovo-backend/internal/chatengine"
	"github.com/ritrovo-app/ritrovo-backend/internal/store"
)

// EngineRegistry hands out one chat engine per signed-in user, shared across
// that user's websocket connections on this instance and reference counted so
// the engine (and its Mongo/Redis subscriptions) is torn down when the last
// connection goes away.
type EngineRegistry struct {
	store store.ConversationStore

	mu      sync.Mutex
	entries map[string]*engineEntry
}

type engineEntry struct {
	engine *chatengine.Engine
	refs   int
}

func NewEngineRegistry(st store.ConversationStore) *EngineRegistry {
	return &EngineRegistry{
		store:   st,
		entries: make(map[string]*engineEntry),
	}
}

// Acquire returns the user's running engine, starting one if this is their
// first connection. Every successful Acquire must be paired with a Release.
func (r *EngineRegistry) Acquire(ctx context.Context, userID string) (*chatengine.Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[userID]; ok {
		entry.refs++
		return entry.engine, nil
	}

	e := chatengine.New(userID, r.store, chatengine.Options{
		Profiles:      ProfileService{},
		Alerter:       RedisAlerter{},
		ThrottleState: RedisThrottleStore{},
	})
	// Engine lifetime is managed by the refcount, not the caller's request
	// context.
	if err := e.Start(context.Background()); err != nil {
		return nil, err
	}
	r.entries[userID] = &engineEntry{engine: e, refs: 1}
	return e, nil
}

// Release drops one reference; the engine closes when the count hits zero.
func (r *EngineRegistry) Release(userID string) {
	r.mu.Lock()
	entry, ok := r.entries[userID]
	if ok {
		entry.refs--
		if entry.refs <= 0 {
			delete(r.entries, userID)
		} else {
			entry = nil
		}
	}
	r.mu.Unlock()

	if ok && entry != nil {
		entry.engine.Close()
	}
}

// CloseAll shuts down every engine (server shutdown).
func (r *EngineRegistry) CloseAll() {
	r.mu.Lock()
	entries := make([]*engineEntry, 0, len(r.entries))
	for id, entry := range r.entries {
		entries = append(entries, entry)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	for _, entry := range entries {
		entry.engine.Close()
	}
}
