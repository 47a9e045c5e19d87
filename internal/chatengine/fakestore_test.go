package chatengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ritrovo-app/ritrovo-backend/internal/models"
)

// fakeStore is a scripted in-memory ConversationStore: tests push conversation
// sets and message batches by hand and inspect recorded cursor writes.
type fakeStore struct {
	mu      sync.Mutex
	convCh  chan []models.Conversation
	msgChs  map[string]chan []models.Message
	curChs  map[string]chan time.Time
	cursors   map[string]time.Time
	writes    []cursorWrite
	history   map[string][]models.Message // ascending per conversation
	fetchGate chan struct{}
}

type cursorWrite struct {
	userID         string
	conversationID string
	at             time.Time
	monotonic      bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		convCh:  make(chan []models.Conversation, 8),
		msgChs:  make(map[string]chan []models.Message),
		curChs:  make(map[string]chan time.Time),
		cursors: make(map[string]time.Time),
		history: make(map[string][]models.Message),
	}
}

func cursorKey(userID, conversationID string) string {
	return userID + "|" + conversationID
}

func (f *fakeStore) pushConversations(convs ...models.Conversation) {
	f.convCh <- convs
}

// pushMessages delivers a live batch, waiting briefly for the engine's
// listener to have opened the conversation's stream.
func (f *fakeStore) pushMessages(conversationID string, msgs ...models.Message) {
	ch := f.awaitMsgStream(conversationID)
	if ch != nil {
		ch <- msgs
	}
}

func (f *fakeStore) pushCursor(userID, conversationID string, at time.Time) {
	key := cursorKey(userID, conversationID)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		ch, ok := f.curChs[key]
		f.mu.Unlock()
		if ok {
			ch <- at
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (f *fakeStore) awaitMsgStream(conversationID string) chan []models.Message {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		ch, ok := f.msgChs[conversationID]
		f.mu.Unlock()
		if ok {
			return ch
		}
		time.Sleep(2 * time.Millisecond)
	}
	return nil
}

func (f *fakeStore) recordedWrites() []cursorWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]cursorWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *fakeStore) seedHistory(conversationID string, msgs ...models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[conversationID] = append(f.history[conversationID], msgs...)
}

func (f *fakeStore) StreamConversationsForUser(ctx context.Context, userID string) (<-chan []models.Conversation, error) {
	return f.convCh, nil
}

func (f *fakeStore) StreamMessagesSince(ctx context.Context, conversationID string, since time.Time) (<-chan []models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan []models.Message, 8)
	f.msgChs[conversationID] = ch
	return ch, nil
}

func (f *fakeStore) WatchReadCursor(ctx context.Context, userID, conversationID string) (<-chan time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 8)
	f.curChs[cursorKey(userID, conversationID)] = ch
	return ch, nil
}

func (f *fakeStore) ReadReadCursor(ctx context.Context, userID, conversationID string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.cursors[cursorKey(userID, conversationID)]
	return at, ok, nil
}

func (f *fakeStore) WriteReadCursor(ctx context.Context, userID, conversationID string, at time.Time, monotonicOnly bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := cursorKey(userID, conversationID)
	if !monotonicOnly || at.After(f.cursors[key]) {
		f.cursors[key] = at
	}
	f.writes = append(f.writes, cursorWrite{userID, conversationID, at, monotonicOnly})
	return nil
}

// blockFetches parks FetchLatestMessages until the returned release func runs,
// so tests can interleave live deliveries with an in-flight page fetch.
func (f *fakeStore) blockFetches() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.fetchGate = gate
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.fetchGate = nil
		f.mu.Unlock()
		close(gate)
	}
}

func (f *fakeStore) FetchLatestMessages(ctx context.Context, conversationID string, limit int) (*models.MessagePage, error) {
	f.mu.Lock()
	gate := f.fetchGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return pageOf(f.history[conversationID], limit, nil), nil
}

func (f *fakeStore) FetchMessagesBefore(ctx context.Context, conversationID string, limit int, cursor models.PageCursor) (*models.MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pageOf(f.history[conversationID], limit, &cursor), nil
}

// pageOf mimics the production query: newest first, optionally strictly before
// the cursor position, hasMore from an extra-row probe.
func pageOf(ascending []models.Message, limit int, cursor *models.PageCursor) *models.MessagePage {
	var eligible []models.Message
	for i := len(ascending) - 1; i >= 0; i-- {
		m := ascending[i]
		if cursor != nil {
			if m.Timestamp.After(cursor.Timestamp) {
				continue
			}
			if m.Timestamp.Equal(cursor.Timestamp) && m.ID.Hex() >= cursor.ID {
				continue
			}
		}
		eligible = append(eligible, m)
	}
	page := &models.MessagePage{HasMore: len(eligible) > limit}
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}
	page.Messages = eligible
	if len(eligible) > 0 {
		oldest := eligible[len(eligible)-1]
		page.Cursor = &models.PageCursor{Timestamp: oldest.Timestamp, ID: oldest.ID.Hex()}
	}
	return page
}

func (f *fakeStore) GetOrCreateConversation(ctx context.Context, a, b string) (*models.Conversation, error) {
	return nil, errors.New("not scripted")
}

func (f *fakeStore) CreateGroup(ctx context.Context, name, createdBy string, memberIDs []string, photoURL string) (*models.Conversation, error) {
	return nil, errors.New("not scripted")
}

func (f *fakeStore) AddMember(ctx context.Context, conversationID, actorID, userID string) error {
	return errors.New("not scripted")
}

func (f *fakeStore) RemoveMember(ctx context.Context, conversationID, actorID, userID string) error {
	return errors.New("not scripted")
}

func (f *fakeStore) DeleteConversationFor(ctx context.Context, conversationID, userID string) error {
	return errors.New("not scripted")
}

func (f *fakeStore) SendMessage(ctx context.Context, conversationID, senderID, text string, typ models.MessageType, payload models.MessagePayload) (*models.Message, error) {
	return nil, errors.New("not scripted")
}

// fakeAlerter records every alert it is asked to deliver.
type fakeAlerter struct {
	mu     sync.Mutex
	alerts []models.Message
}

func (a *fakeAlerter) Alert(ctx context.Context, userID string, msg models.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, msg)
	return nil
}

func (a *fakeAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

// fakeClock is a hand-advanced clock shared between test and engine.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func oid(n byte) primitive.ObjectID {
	var id primitive.ObjectID
	id[11] = n
	return id
}

func textMsg(n byte, conversationID, senderID string, ts time.Time) models.Message {
	return models.Message{
		ID:             oid(n),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           "hello",
		Type:           models.MessageTypeText,
		Timestamp:      ts,
	}
}
