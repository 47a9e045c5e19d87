package chatengine

import (
	"testing"
	"time"

	"github.com/ritrovo-app/ritrovo-backend/internal/models"
)

func newTestThrottle(clk *fakeClock) *alertThrottle {
	return newAlertThrottle("me", 2*time.Second, clk.Now)
}

func TestThrottleFiresOncePerInterval(t *testing.T) {
	clk := newFakeClock(testBase)
	th := newTestThrottle(clk)

	fire, msg := th.observe("a", []models.Message{textMsg(1, "a", "ann", testBase)}, "")
	if !fire || msg == nil || msg.ID != oid(1) {
		t.Fatalf("first observe: fire=%v msg=%v, want fire with message 1", fire, msg)
	}

	clk.Advance(500 * time.Millisecond)
	fire, _ = th.observe("b", []models.Message{textMsg(2, "b", "bob", clk.Now())}, "")
	if fire {
		t.Fatal("observe inside quiet window fired")
	}

	// The deferred alert rides on the next tick past the interval.
	clk.Advance(1600 * time.Millisecond)
	fire, msg = th.observe("b", nil, "")
	if !fire || msg == nil || msg.ID != oid(2) {
		t.Fatalf("post-interval observe: fire=%v msg=%v, want deferred message 2", fire, msg)
	}
}

func TestThrottleDeferredBatchNeverRingsTwice(t *testing.T) {
	clk := newFakeClock(testBase)
	th := newTestThrottle(clk)

	th.observe("a", []models.Message{textMsg(1, "a", "ann", testBase)}, "")

	clk.Advance(time.Second)
	deferred := textMsg(2, "b", "bob", clk.Now())
	if fire, _ := th.observe("b", []models.Message{deferred}, ""); fire {
		t.Fatal("deferred batch fired inside quiet window")
	}

	// Replay of the same message after the window must stay silent: its
	// last-alerted mark advanced when it was first judged, fired or not. The
	// pending alert it left behind still rides out.
	clk.Advance(2 * time.Second)
	fire, msg := th.observe("b", []models.Message{deferred}, "")
	if !fire || msg.ID != oid(2) {
		t.Fatalf("pending flush: fire=%v, want deferred message 2", fire)
	}
	if fire, _ := th.observe("b", []models.Message{deferred}, ""); fire {
		t.Fatal("replayed message rang twice")
	}
}

func TestThrottleEligibility(t *testing.T) {
	clk := newFakeClock(testBase)
	th := newTestThrottle(clk)
	th.seenUpTo("a", testBase)

	sys := textMsg(3, "a", models.SystemSenderID, testBase.Add(time.Second))
	empty := textMsg(4, "a", "ann", testBase.Add(time.Second))
	empty.Text = "   "
	stale := textMsg(5, "a", "ann", testBase.Add(-time.Second))

	cases := []struct {
		name   string
		msg    models.Message
		active string
	}{
		{"own message", textMsg(1, "a", "me", testBase.Add(time.Second)), ""},
		{"system sender", sys, ""},
		{"blank text", empty, ""},
		{"pending timestamp", textMsg(6, "a", "ann", time.Time{}), ""},
		{"at or before watermark", stale, ""},
		{"active conversation", textMsg(7, "a", "ann", testBase.Add(time.Second)), "a"},
	}
	for _, tc := range cases {
		if fire, _ := th.observe("a", []models.Message{tc.msg}, tc.active); fire {
			t.Errorf("%s: fired, want suppressed", tc.name)
		}
	}

	if fire, _ := th.observe("a", []models.Message{textMsg(8, "a", "ann", testBase.Add(2 * time.Second))}, ""); !fire {
		t.Fatal("eligible message did not fire")
	}
}

func TestThrottleClearConversationDropsPending(t *testing.T) {
	clk := newFakeClock(testBase)
	th := newTestThrottle(clk)

	th.observe("a", []models.Message{textMsg(1, "a", "ann", testBase)}, "")
	clk.Advance(time.Second)
	th.observe("b", []models.Message{textMsg(2, "b", "bob", clk.Now())}, "")

	// Foregrounding b makes its deferred alert moot.
	th.clearConversation("b")
	clk.Advance(2 * time.Second)
	if fire, _ := th.observe("a", nil, ""); fire {
		t.Fatal("cleared pending alert still fired")
	}
}

func TestThrottleDirtySnapshotRoundTrip(t *testing.T) {
	clk := newFakeClock(testBase)
	th := newTestThrottle(clk)

	if _, dirty := th.takeDirty(); dirty {
		t.Fatal("fresh throttle reported dirty")
	}

	th.observe("a", []models.Message{textMsg(1, "a", "ann", testBase)}, "")
	snap, dirty := th.takeDirty()
	if !dirty || !snap["a"].Equal(testBase) {
		t.Fatalf("snapshot after alert = %v (dirty=%v), want a=%v", snap, dirty, testBase)
	}
	if _, dirty := th.takeDirty(); dirty {
		t.Fatal("takeDirty did not reset the flag")
	}

	// A restored map suppresses everything at or before the saved marks.
	th2 := newTestThrottle(clk)
	th2.restore(snap)
	if fire, _ := th2.observe("a", []models.Message{textMsg(1, "a", "ann", testBase)}, ""); fire {
		t.Fatal("restored throttle rang for an already-alerted message")
	}
	if fire, _ := th2.observe("a", []models.Message{textMsg(2, "a", "ann", testBase.Add(time.Second))}, ""); !fire {
		t.Fatal("restored throttle suppressed a newer message")
	}
}
