package chatengine

import (
	"context"
	"testing"
	"time"

	"github.com/ritrovo-app/ritrovo-backend/internal/models"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testConv(id string, participants ...string) models.Conversation {
	return models.Conversation{
		ID:           id,
		Kind:         models.ConversationGroup,
		Participants: participants,
		CreatedAt:    testBase.Add(-time.Hour),
	}
}

type engineFixture struct {
	engine  *Engine
	store   *fakeStore
	alerter *fakeAlerter
	clock   *fakeClock
	totals  <-chan int
	cancel  func()
}

func startEngine(t *testing.T, userID string) *engineFixture {
	t.Helper()
	st := newFakeStore()
	al := &fakeAlerter{}
	clk := newFakeClock(testBase)
	e := New(userID, st, Options{
		Alerter:       al,
		AlertInterval: 2 * time.Second,
		Clock:         clk.Now,
	})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(e.Close)
	totals, cancel := e.TotalUnread()
	t.Cleanup(cancel)
	return &engineFixture{engine: e, store: st, alerter: al, clock: clk, totals: totals, cancel: cancel}
}

func waitTotal(t *testing.T, ch <-chan int, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	last := -1
	for {
		select {
		case got, ok := <-ch:
			if !ok {
				t.Fatalf("totals channel closed while waiting for %d (last seen %d)", want, last)
			}
			last = got
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for total %d (last seen %d)", want, last)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTotalUnreadAcrossConversations(t *testing.T) {
	fx := startEngine(t, "me")
	fx.store.pushConversations(testConv("a", "me", "ann"), testConv("b", "me", "bob"))

	waitTotal(t, fx.totals, 0)

	fx.store.pushMessages("a",
		textMsg(1, "a", "ann", testBase.Add(1*time.Second)),
		textMsg(2, "a", "ann", testBase.Add(2*time.Second)),
	)
	fx.store.pushMessages("b", textMsg(3, "b", "bob", testBase.Add(3*time.Second)))
	waitTotal(t, fx.totals, 3)

	// A remote cursor advance over conversation a clears its contribution.
	fx.store.pushCursor("me", "a", testBase.Add(2*time.Second))
	waitTotal(t, fx.totals, 1)
}

func TestOwnAndSystemMessagesNotCounted(t *testing.T) {
	fx := startEngine(t, "me")
	fx.store.pushConversations(testConv("a", "me", "ann"))
	waitTotal(t, fx.totals, 0)

	sys := textMsg(9, "a", models.SystemSenderID, testBase.Add(4*time.Second))
	sys.Type = models.MessageTypeSystem
	typed := textMsg(10, "a", "ann", testBase.Add(5*time.Second))
	typed.Type = models.MessageTypeSystem

	fx.store.pushMessages("a",
		textMsg(1, "a", "ann", testBase.Add(1*time.Second)),
		textMsg(2, "a", "ann", testBase.Add(2*time.Second)),
		textMsg(3, "a", "me", testBase.Add(3*time.Second)),
		sys,
		typed,
		textMsg(4, "a", "ann", testBase.Add(6*time.Second)),
	)
	waitTotal(t, fx.totals, 3)
}

func TestMessageBatchesDeduplicated(t *testing.T) {
	fx := startEngine(t, "me")
	fx.store.pushConversations(testConv("a", "me", "ann"))
	waitTotal(t, fx.totals, 0)

	fx.store.pushMessages("a",
		textMsg(1, "a", "ann", testBase.Add(1*time.Second)),
		textMsg(2, "a", "ann", testBase.Add(2*time.Second)),
		textMsg(3, "a", "ann", testBase.Add(3*time.Second)),
	)
	waitTotal(t, fx.totals, 3)

	// Overlapping redelivery must not double count.
	fx.store.pushMessages("a",
		textMsg(3, "a", "ann", testBase.Add(3*time.Second)),
		textMsg(4, "a", "ann", testBase.Add(4*time.Second)),
	)
	waitTotal(t, fx.totals, 4)
}

func TestPendingTimestampExcludedUntilResolved(t *testing.T) {
	fx := startEngine(t, "me")
	fx.store.pushConversations(testConv("a", "me", "ann"))
	waitTotal(t, fx.totals, 0)

	pending := textMsg(1, "a", "ann", time.Time{})
	fx.store.pushMessages("a", pending, textMsg(2, "a", "ann", testBase.Add(1*time.Second)))
	waitTotal(t, fx.totals, 1)

	resolved := textMsg(1, "a", "ann", testBase.Add(2*time.Second))
	fx.store.pushMessages("a", resolved)
	waitTotal(t, fx.totals, 2)
}

func TestSetActiveConversationMarksReadAndSuppresses(t *testing.T) {
	fx := startEngine(t, "me")
	fx.store.pushConversations(testConv("a", "me", "ann"))
	waitTotal(t, fx.totals, 0)

	fx.store.pushMessages("a", textMsg(1, "a", "ann", testBase.Add(-1*time.Second)))
	waitTotal(t, fx.totals, 1)

	fx.clock.Advance(10 * time.Second)
	fx.engine.SetActiveConversation("a")
	waitTotal(t, fx.totals, 0)

	waitFor(t, "monotonic cursor write", func() bool {
		for _, w := range fx.store.recordedWrites() {
			if w.conversationID == "a" && w.monotonic {
				return true
			}
		}
		return false
	})

	// Messages arriving while the conversation is foregrounded never alert.
	fx.store.pushMessages("a", textMsg(2, "a", "ann", fx.clock.Now().Add(time.Second)))
	waitTotal(t, fx.totals, 1)
	if got := fx.alerter.count(); got != 0 {
		t.Fatalf("alerts for active conversation: got %d, want 0", got)
	}
}

func TestMarkReadMonotonicAndExplicit(t *testing.T) {
	fx := startEngine(t, "me")
	fx.store.pushConversations(testConv("a", "me", "ann"))
	waitTotal(t, fx.totals, 0)

	fx.store.pushMessages("a",
		textMsg(1, "a", "ann", testBase.Add(-3*time.Second)),
		textMsg(2, "a", "ann", testBase.Add(-2*time.Second)),
	)
	waitTotal(t, fx.totals, 2)

	if err := fx.engine.MarkRead(context.Background(), "a", nil); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	waitTotal(t, fx.totals, 0)

	// A stale remote cursor replay cannot resurrect the unread count.
	fx.store.pushCursor("me", "a", testBase.Add(-10*time.Second))
	fx.store.pushMessages("a", textMsg(3, "a", "ann", testBase.Add(time.Second)))
	waitTotal(t, fx.totals, 1)

	// An explicit message-level mark is applied verbatim, even backwards.
	upTo := testBase.Add(-3 * time.Second)
	if err := fx.engine.MarkRead(context.Background(), "a", &upTo); err != nil {
		t.Fatalf("MarkRead explicit: %v", err)
	}
	waitTotal(t, fx.totals, 2)

	writes := fx.store.recordedWrites()
	if len(writes) < 2 {
		t.Fatalf("recorded writes: got %d, want at least 2", len(writes))
	}
	last := writes[len(writes)-1]
	if last.monotonic || !last.at.Equal(upTo) {
		t.Fatalf("explicit write = %+v, want verbatim at %v", last, upTo)
	}
}

func TestMarkReadUntrackedConversationIsNoOp(t *testing.T) {
	fx := startEngine(t, "me")
	fx.store.pushConversations(testConv("a", "me", "ann"))
	waitTotal(t, fx.totals, 0)

	if err := fx.engine.MarkRead(context.Background(), "ghost", nil); err != nil {
		t.Fatalf("MarkRead untracked: %v", err)
	}
	for _, w := range fx.store.recordedWrites() {
		if w.conversationID == "ghost" {
			t.Fatalf("cursor write for untracked conversation: %+v", w)
		}
	}
}

func TestMembershipChangeTearsDownSubscription(t *testing.T) {
	fx := startEngine(t, "me")
	fx.store.pushConversations(testConv("a", "me", "ann"), testConv("b", "me", "bob"))
	waitTotal(t, fx.totals, 0)

	fx.store.pushMessages("a", textMsg(1, "a", "ann", testBase.Add(1*time.Second)))
	fx.store.pushMessages("b", textMsg(2, "b", "bob", testBase.Add(2*time.Second)))
	waitTotal(t, fx.totals, 2)

	// The user leaves a and gains c: a's contribution disappears immediately.
	fx.store.pushConversations(testConv("b", "me", "bob"), testConv("c", "me", "cat"))
	waitTotal(t, fx.totals, 1)

	fx.store.pushMessages("c", textMsg(3, "c", "cat", testBase.Add(3*time.Second)))
	waitTotal(t, fx.totals, 2)
}

func TestAlertThrottledAcrossConversations(t *testing.T) {
	fx := startEngine(t, "me")
	fx.store.pushConversations(testConv("a", "me", "ann"), testConv("b", "me", "bob"))
	waitTotal(t, fx.totals, 0)

	fx.store.pushMessages("a", textMsg(1, "a", "ann", fx.clock.Now().Add(time.Second)))
	waitTotal(t, fx.totals, 1)
	waitFor(t, "first alert", func() bool { return fx.alerter.count() == 1 })

	// A second conversation rings 500ms later: inside the quiet window.
	fx.clock.Advance(500 * time.Millisecond)
	fx.store.pushMessages("b", textMsg(2, "b", "bob", fx.clock.Now().Add(time.Second)))
	waitTotal(t, fx.totals, 2)
	if got := fx.alerter.count(); got != 1 {
		t.Fatalf("alerts inside quiet window: got %d, want 1", got)
	}

	// After the interval the deferred alert is merged into the next one.
	fx.clock.Advance(2 * time.Second)
	fx.store.pushMessages("a", textMsg(3, "a", "ann", fx.clock.Now().Add(time.Second)))
	waitTotal(t, fx.totals, 3)
	waitFor(t, "second alert", func() bool { return fx.alerter.count() == 2 })
}

func TestSeededWatermarkSuppressesHistoryReplay(t *testing.T) {
	fx := startEngine(t, "me")
	conv := testConv("a", "me", "ann")
	conv.LastMessage = &models.LastMessage{
		SenderID:  "ann",
		Text:      "hello",
		Timestamp: testBase.Add(-time.Minute),
	}
	fx.store.pushConversations(conv)
	waitTotal(t, fx.totals, 0)

	// History replay at or before the summary watermark counts as unread but
	// must not ring.
	fx.store.pushMessages("a", textMsg(1, "a", "ann", testBase.Add(-2*time.Minute)))
	waitTotal(t, fx.totals, 1)
	time.Sleep(20 * time.Millisecond)
	if got := fx.alerter.count(); got != 0 {
		t.Fatalf("alerts for replayed history: got %d, want 0", got)
	}

	fx.store.pushMessages("a", textMsg(2, "a", "ann", testBase.Add(time.Second)))
	waitFor(t, "alert for genuinely new message", func() bool { return fx.alerter.count() == 1 })
}

func TestUnstartedEngineCallsAreSafe(t *testing.T) {
	e := New("me", newFakeStore(), Options{})

	e.SetActiveConversation("a")
	e.CloseConversation("a")
	if err := e.MarkRead(context.Background(), "a", nil); err == nil {
		t.Fatal("MarkRead on an unstarted engine returned nil error")
	}

	totals, cancel := e.TotalUnread()
	select {
	case got := <-totals:
		if got != 0 {
			t.Fatalf("initial total = %d, want 0", got)
		}
	default:
		t.Fatal("no initial total delivered")
	}
	cancel()

	e.Close()
}
