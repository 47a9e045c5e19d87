package chatengine

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/ritrovo-app/ritrovo-backend/internal/models"
)

// History is the merged view of one open conversation: the latest page plus
// everything the live tail has appended, kept strictly ordered by
// (timestamp, id) and de-duplicated by id. Older pages are prepended by
// LoadOlder. It has its own lock because the run loop (live inserts) and API
// callers (older pages, snapshots) both touch it.
type History struct {
	ConversationID string

	mu      sync.Mutex
	msgs    []models.Message // ascending (timestamp, id)
	ids     map[string]struct{}
	cursor  *models.PageCursor // points at the oldest held message
	hasMore bool
	updates chan HistoryUpdate
	closed  bool
	dropped int
}

// HistoryUpdate carries live-tail messages newly merged into the view,
// ascending.
type HistoryUpdate struct {
	Messages []models.Message `json:"messages"`
}

func newHistory(conversationID string) *History {
	return &History{
		ConversationID: conversationID,
		ids:            make(map[string]struct{}),
		updates:        make(chan HistoryUpdate, 16),
	}
}

// Messages returns the current merged window, oldest first.
func (h *History) Messages() []models.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Updates is the live feed of merged tail messages.
func (h *History) Updates() <-chan HistoryUpdate {
	return h.updates
}

// Cursor returns the pagination cursor for the next older page, or nil when
// nothing is held yet.
func (h *History) Cursor() *models.PageCursor {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cursor == nil {
		return nil
	}
	c := *h.cursor
	return &c
}

// HasMore reports whether older history exists beyond the held window.
func (h *History) HasMore() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hasMore
}

// Close stops the update feed. Safe to call more than once.
func (h *History) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.updates)
}

// seed installs the initial page (newest-first, as fetched).
func (h *History) seed(page *models.MessagePage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.insertLocked(page.Messages)
	h.cursor = page.Cursor
	h.hasMore = page.HasMore
}

// applyLive merges a live-tail batch and notifies the update feed with
// whatever was actually new.
func (h *History) applyLive(msgs []models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	inserted := h.insertLocked(msgs)
	if len(inserted) == 0 || h.closed {
		return
	}
	select {
	case h.updates <- HistoryUpdate{Messages: inserted}:
	default:
		// A stalled consumer loses intermediate updates, not ordering; the
		// next Messages() call sees the full merged window.
		h.dropped++
	}
}

// prependOlder merges an older page into the window and moves the cursor.
// Duplicate filtering is mandatory: a live arrival and a concurrently
// fetched older page can overlap at the boundary.
func (h *History) prependOlder(page *models.MessagePage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.insertLocked(page.Messages)
	if page.Cursor != nil {
		h.cursor = page.Cursor
	}
	h.hasMore = page.HasMore
}

// insertLocked inserts each message at its ordered position, skipping ids
// already present. Returns the inserted messages, ascending.
func (h *History) insertLocked(msgs []models.Message) []models.Message {
	var inserted []models.Message
	for _, m := range msgs {
		key := m.ID.Hex()
		if _, dup := h.ids[key]; dup {
			continue
		}
		h.ids[key] = struct{}{}

		m := m
		idx := sort.Search(len(h.msgs), func(i int) bool {
			return m.Before(&h.msgs[i])
		})
		h.msgs = append(h.msgs, models.Message{})
		copy(h.msgs[idx+1:], h.msgs[idx:])
		h.msgs[idx] = m
		inserted = append(inserted, m)
	}
	sort.Slice(inserted, func(i, j int) bool { return inserted[i].Before(&inserted[j]) })
	return inserted
}

// OpenConversation fetches the latest page for conversationID and returns a
// History that will keep merging the live tail while it stays open. Opening
// a conversation that is already open replaces the previous view.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) (*History, error) {
	// Register before the page fetch: a live message landing mid-open is then
	// merged into the view instead of dropped, and the id-dedup in seed
	// reconciles any overlap with the fetched page.
	h := newHistory(conversationID)
	e.mu.Lock()
	old := e.histories[conversationID]
	e.histories[conversationID] = h
	e.mu.Unlock()
	if old != nil {
		old.Close()
	}

	page, err := e.store.FetchLatestMessages(ctx, conversationID, e.pageSize)
	if err != nil {
		e.mu.Lock()
		if e.histories[conversationID] == h {
			delete(e.histories, conversationID)
		}
		e.mu.Unlock()
		h.Close()
		return nil, err
	}
	e.enrichSenderNames(ctx, page.Messages)
	h.seed(page)
	return h, nil
}

// LoadOlder fetches the page before cursor and, when the conversation is
// open, merges it into the displayed window. The returned page is
// newest-first like FetchLatestMessages.
func (e *Engine) LoadOlder(ctx context.Context, conversationID string, cursor models.PageCursor) (*models.MessagePage, error) {
	page, err := e.store.FetchMessagesBefore(ctx, conversationID, e.pageSize, cursor)
	if err != nil {
		return nil, err
	}
	e.enrichSenderNames(ctx, page.Messages)

	e.mu.Lock()
	h := e.histories[conversationID]
	e.mu.Unlock()
	if h != nil {
		h.prependOlder(page)
	}
	return page, nil
}

// CloseConversation tears down the open history view, if any. The live
// subscription (and unread tracking) is unaffected.
func (e *Engine) CloseConversation(conversationID string) {
	e.closeHistory(conversationID)
}

func (e *Engine) closeHistory(conversationID string) {
	e.mu.Lock()
	h := e.histories[conversationID]
	delete(e.histories, conversationID)
	e.mu.Unlock()
	if h != nil {
		h.Close()
	}
}

func (e *Engine) forwardToHistory(conversationID string, msgs []models.Message) {
	e.mu.Lock()
	h := e.histories[conversationID]
	e.mu.Unlock()
	if h != nil {
		h.applyLive(msgs)
	}
}

// enrichSenderNames joins display names onto messages that lack one: the
// distinct sender set is resolved once per page, not per message.
func (e *Engine) enrichSenderNames(ctx context.Context, msgs []models.Message) {
	if e.profiles == nil {
		return
	}
	missing := make(map[string]string)
	for i := range msgs {
		m := &msgs[i]
		if m.SenderName == "" && m.SenderID != models.SystemSenderID {
			missing[m.SenderID] = ""
		}
	}
	if len(missing) == 0 {
		return
	}
	for id := range missing {
		name, err := e.profiles.GetDisplayName(ctx, id)
		if err != nil {
			log.Printf("chatengine: display-name lookup failed for %s: %v", id, err)
			continue
		}
		missing[id] = name
	}
	for i := range msgs {
		m := &msgs[i]
		if m.SenderName == "" {
			if name := missing[m.SenderID]; name != "" {
				m.SenderName = name
			}
		}
	}
}
