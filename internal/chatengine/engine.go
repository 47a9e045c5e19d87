// Package chatengine implements the per-session conversation engine: live
// subscription lifecycle, unread aggregation, read-state tracking, alert
// throttling and paginated/live message history. One Engine instance runs per
// authenticated user; all aggregate state is owned by a single run-loop
// goroutine fed by a fan-in event channel, so listener goroutines never touch
// shared state directly.
package chatengine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ritrovo-app/ritrovo-backend/internal/models"
	"github.com/ritrovo-app/ritrovo-backend/internal/store"
)

const (
	defaultPageSize      = 50
	defaultAlertInterval = 2 * time.Second
)

var errEngineStopped = errors.New("chatengine: engine not running")

// Alerter plays (or forwards) a local alert for the user. Failures are
// swallowed by the engine; throttle bookkeeping advances regardless.
type Alerter interface {
	Alert(ctx context.Context, userID string, msg models.Message) error
}

// ThrottleStateStore persists the per-conversation "last alerted" map across
// restarts, best effort. A nil store disables persistence.
type ThrottleStateStore interface {
	LoadLastAlerted(ctx context.Context, userID string) (map[string]time.Time, error)
	SaveLastAlerted(ctx context.Context, userID string, state map[string]time.Time) error
}

// Options tune an Engine. Zero values pick the defaults.
type Options struct {
	Profiles      store.ProfileLookup
	Alerter       Alerter
	ThrottleState ThrottleStateStore
	PageSize      int
	AlertInterval time.Duration
	Clock         func() time.Time
}

type eventKind int

const (
	evConversations eventKind = iota
	evMessages
	evCursor
	evSubFailed
	evSetActive
	evLocalCursor
)

type event struct {
	kind           eventKind
	conversationID string
	gen            uint64
	conversations  []models.Conversation
	messages       []models.Message
	cursor         time.Time
	monotonic      bool
	reply          chan bool
}

// Engine is the conversation engine for a single signed-in user.
type Engine struct {
	userID        string
	store         store.ConversationStore
	profiles      store.ProfileLookup
	alerter       Alerter
	throttleState ThrottleStateStore
	pageSize      int
	clock         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	done   chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	started   bool

	// Owned by the run loop.
	mgr      *subscriptionManager
	agg      *unreadAggregator
	throttle *alertThrottle
	active   string

	mu        sync.Mutex
	totalSubs map[chan int]struct{}
	lastTotal int
	histories map[string]*History
	closed    bool
}

// New builds an Engine for userID backed by st. Call Start before use.
func New(userID string, st store.ConversationStore, opts Options) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.AlertInterval <= 0 {
		opts.AlertInterval = defaultAlertInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	e := &Engine{
		userID:        userID,
		store:         st,
		profiles:      opts.Profiles,
		alerter:       opts.Alerter,
		throttleState: opts.ThrottleState,
		pageSize:      opts.PageSize,
		clock:         opts.Clock,
		events:        make(chan event, 64),
		done:          make(chan struct{}),
		totalSubs:     make(map[chan int]struct{}),
		histories:     make(map[string]*History),
	}
	e.mgr = newSubscriptionManager(e)
	e.agg = newUnreadAggregator(userID)
	e.throttle = newAlertThrottle(userID, opts.AlertInterval, opts.Clock)
	return e
}

// Start opens the conversation-set stream and launches the run loop. The
// engine stops when ctx is cancelled or Close is called.
func (e *Engine) Start(ctx context.Context) error {
	var startErr error
	e.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		e.mu.Lock()
		e.ctx, e.cancel = runCtx, cancel
		e.mu.Unlock()

		if e.throttleState != nil {
			if m, err := e.throttleState.LoadLastAlerted(e.ctx, e.userID); err == nil && len(m) > 0 {
				e.throttle.restore(m)
			} else if err != nil {
				log.Printf("chatengine: restoring throttle state for %s: %v", e.userID, err)
			}
		}

		convCh, err := e.store.StreamConversationsForUser(e.ctx, e.userID)
		if err != nil {
			e.cancel()
			startErr = err
			return
		}
		e.started = true
		go e.pumpConversations(convCh)
		go e.run()
	})
	if startErr != nil {
		return startErr
	}
	if !e.started {
		return errors.New("chatengine: engine already closed")
	}
	return nil
}

// Close tears down every subscription and closes all outbound channels.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		cancel := e.cancel
		e.mu.Unlock()
		if cancel != nil {
			cancel()
			<-e.done
		}

		e.mu.Lock()
		e.closed = true
		for ch := range e.totalSubs {
			close(ch)
			delete(e.totalSubs, ch)
		}
		hists := make([]*History, 0, len(e.histories))
		for id, h := range e.histories {
			hists = append(hists, h)
			delete(e.histories, id)
		}
		e.mu.Unlock()

		for _, h := range hists {
			h.Close()
		}
		e.saveThrottleState(e.throttle.snapshot())
	})
}

func (e *Engine) pumpConversations(ch <-chan []models.Conversation) {
	for convs := range ch {
		if !e.post(event{kind: evConversations, conversations: convs}) {
			return
		}
	}
}

// post hands an event to the run loop. Returns false when the engine was never
// started or has stopped.
func (e *Engine) post(ev event) bool {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	if ctx == nil {
		return false
	}
	select {
	case e.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case <-e.ctx.Done():
			e.mgr.stopAll()
			return
		case ev := <-e.events:
			e.handle(ev)
		}
	}
}

func (e *Engine) handle(ev event) {
	switch ev.kind {
	case evConversations:
		e.handleConversations(ev.conversations)
	case evMessages:
		e.handleMessages(ev)
	case evCursor:
		if e.mgr.current(ev.conversationID, ev.gen) {
			if e.agg.applyCursor(ev.conversationID, ev.cursor, ev.monotonic) {
				e.publishTotal()
			}
		}
	case evSubFailed:
		// Drop the registration so the next conversation-set emission
		// retries; until then the conversation contributes zero.
		if e.mgr.forget(ev.conversationID, ev.gen) {
			e.agg.remove(ev.conversationID)
			e.publishTotal()
		}
	case evSetActive:
		e.handleSetActive(ev.conversationID)
	case evLocalCursor:
		tracked := e.mgr.tracked(ev.conversationID)
		if tracked {
			if e.agg.applyCursor(ev.conversationID, ev.cursor, ev.monotonic) {
				e.publishTotal()
			}
		}
		ev.reply <- tracked
	}
}

func (e *Engine) handleConversations(convs []models.Conversation) {
	removed := e.mgr.apply(convs)
	for _, id := range removed {
		e.agg.remove(id)
		e.throttle.forget(id)
		e.closeHistory(id)
	}
	e.publishTotal()
}

func (e *Engine) handleMessages(ev event) {
	// Generation check: a listener cancelled after posting must not mutate
	// aggregate state through a stale event.
	if !e.mgr.current(ev.conversationID, ev.gen) {
		return
	}

	changed := e.agg.applyMessages(ev.conversationID, ev.messages)

	if fire, alertMsg := e.throttle.observe(ev.conversationID, ev.messages, e.active); fire {
		if e.alerter != nil {
			if err := e.alerter.Alert(e.ctx, e.userID, *alertMsg); err != nil {
				log.Printf("chatengine: alert delivery failed for %s: %v", e.userID, err)
			}
		}
	}
	if snap, dirty := e.throttle.takeDirty(); dirty {
		go e.saveThrottleState(snap)
	}

	e.forwardToHistory(ev.conversationID, ev.messages)

	if changed {
		e.publishTotal()
	}
}

func (e *Engine) handleSetActive(id string) {
	e.active = id
	if id == "" {
		return
	}
	e.throttle.clearConversation(id)
	if snap, dirty := e.throttle.takeDirty(); dirty {
		go e.saveThrottleState(snap)
	}
	if !e.mgr.tracked(id) {
		return
	}

	now := e.clock().UTC()
	if e.agg.applyCursor(id, now, true) {
		e.publishTotal()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.WriteReadCursor(ctx, e.userID, id, now, true); err != nil {
			log.Printf("chatengine: read-cursor write failed for %s/%s: %v", e.userID, id, err)
		}
	}()
}

// SetActiveConversation marks id as the conversation the user is currently
// viewing (suppresses its unread contribution and alerts, and marks it read
// to "now"). Pass "" when the user leaves the conversation view; the cursor
// keeps its last value. Idempotent.
func (e *Engine) SetActiveConversation(id string) {
	e.post(event{kind: evSetActive, conversationID: id})
}

// TotalUnread subscribes to the aggregate unread counter. The current value
// is delivered immediately; further values only on change. The returned
// cancel func releases the subscription.
func (e *Engine) TotalUnread() (<-chan int, func()) {
	ch := make(chan int, 8)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	e.totalSubs[ch] = struct{}{}
	ch <- e.lastTotal
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.totalSubs[ch]; ok {
			delete(e.totalSubs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// publishTotal pushes the recomputed total to subscribers, deduplicated so
// no-op recomputations never wake downstream listeners.
func (e *Engine) publishTotal() {
	total := e.agg.total()

	e.mu.Lock()
	defer e.mu.Unlock()
	if total == e.lastTotal {
		return
	}
	e.lastTotal = total
	for ch := range e.totalSubs {
		// Keep only the latest value for slow consumers.
		select {
		case ch <- total:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- total:
			default:
			}
		}
	}
}

func (e *Engine) saveThrottleState(state map[string]time.Time) {
	if e.throttleState == nil || state == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.throttleState.SaveLastAlerted(ctx, e.userID, state); err != nil {
		log.Printf("chatengine: persisting throttle state for %s: %v", e.userID, err)
	}
}
