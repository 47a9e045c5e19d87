package chatengine

import (
	"context"
	"testing"
	"time"

	"github.com/ritrovo-app/ritrovo-backend/internal/models"
)

func seedLinearHistory(st *fakeStore, conversationID string, n int) []models.Message {
	msgs := make([]models.Message, 0, n)
	for i := 0; i < n; i++ {
		m := textMsg(byte(i+1), conversationID, "ann", testBase.Add(time.Duration(i)*time.Second))
		msgs = append(msgs, m)
	}
	st.seedHistory(conversationID, msgs...)
	return msgs
}

func historyIDs(h *History) []byte {
	msgs := h.Messages()
	out := make([]byte, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID[11]
	}
	return out
}

func TestOpenConversationSeedsLatestPage(t *testing.T) {
	fx := startEngine(t, "me")
	fx.store.pushConversations(testConv("a", "me", "ann"))
	seedLinearHistory(fx.store, "a", 7)

	e := fx.engine
	e.pageSize = 5
	h, err := e.OpenConversation(context.Background(), "a")
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	defer h.Close()

	got := historyIDs(h)
	want := []byte{3, 4, 5, 6, 7}
	if len(got) != len(want) {
		t.Fatalf("window = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("window = %v, want %v", got, want)
		}
	}
	if !h.HasMore() {
		t.Fatal("HasMore = false with older history present")
	}
	if c := h.Cursor(); c == nil || c.ID != oid(3).Hex() {
		t.Fatalf("cursor = %v, want oldest of window (3)", c)
	}
}

func TestLoadOlderMergesAndExhausts(t *testing.T) {
	fx := startEngine(t, "me")
	fx.store.pushConversations(testConv("a", "me", "ann"))
	seedLinearHistory(fx.store, "a", 7)

	e := fx.engine
	e.pageSize = 5
	h, err := e.OpenConversation(context.Background(), "a")
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	defer h.Close()

	page, err := e.LoadOlder(context.Background(), "a", *h.Cursor())
	if err != nil {
		t.Fatalf("LoadOlder: %v", err)
	}
	if len(page.Messages) != 2 || page.HasMore {
		t.Fatalf("older page: %d messages hasMore=%v, want 2 and false", len(page.Messages), page.HasMore)
	}

	got := historyIDs(h)
	if len(got) != 7 {
		t.Fatalf("merged window has %d messages, want 7", len(got))
	}
	for i := range got {
		if got[i] != byte(i+1) {
			t.Fatalf("merged window = %v, want ascending 1..7", got)
		}
	}
	if h.HasMore() {
		t.Fatal("HasMore = true after exhausting history")
	}
}

func TestHasMoreFalseWhenExactlyOnePage(t *testing.T) {
	fx := startEngine(t, "me")
	fx.store.pushConversations(testConv("a", "me", "ann"))
	seedLinearHistory(fx.store, "a", 5)

	e := fx.engine
	e.pageSize = 5
	h, err := e.OpenConversation(context.Background(), "a")
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	defer h.Close()

	// Exactly pageSize rows exist: the probe proves there is nothing older.
	if h.HasMore() {
		t.Fatal("HasMore = true with exactly one page of history")
	}
}

func TestLiveMessagesMergeIntoOpenHistory(t *testing.T) {
	fx := startEngine(t, "me")
	fx.store.pushConversations(testConv("a", "me", "ann"))
	seeded := seedLinearHistory(fx.store, "a", 3)

	h, err := fx.engine.OpenConversation(context.Background(), "a")
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	defer h.Close()

	// The live batch overlaps the seeded window at the boundary.
	fresh := textMsg(9, "a", "ann", testBase.Add(time.Minute))
	fx.store.pushMessages("a", seeded[2], fresh)

	select {
	case up := <-h.Updates():
		if len(up.Messages) != 1 || up.Messages[0].ID != oid(9) {
			t.Fatalf("update carried %v, want only the new message", up.Messages)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for history update")
	}

	got := historyIDs(h)
	want := []byte{1, 2, 3, 9}
	if len(got) != len(want) {
		t.Fatalf("window = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("window = %v, want %v", got, want)
		}
	}
}

func TestLiveMessageDuringOpenIsNotLost(t *testing.T) {
	fx := startEngine(t, "me")
	fx.store.pushConversations(testConv("a", "me", "ann"))
	seedLinearHistory(fx.store, "a", 2)
	waitTotal(t, fx.totals, 0)

	release := fx.store.blockFetches()

	type openResult struct {
		h   *History
		err error
	}
	opened := make(chan openResult, 1)
	go func() {
		h, err := fx.engine.OpenConversation(context.Background(), "a")
		opened <- openResult{h, err}
	}()

	// While the page fetch is parked, a live message newer than the whole page
	// arrives; the unread total proves the run loop already processed it.
	fresh := textMsg(9, "a", "ann", testBase.Add(time.Minute))
	fx.store.pushMessages("a", fresh)
	waitTotal(t, fx.totals, 1)

	release()
	var res openResult
	select {
	case res = <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("OpenConversation did not return")
	}
	if res.err != nil {
		t.Fatalf("OpenConversation: %v", res.err)
	}
	defer res.h.Close()

	got := historyIDs(res.h)
	want := []byte{1, 2, 9}
	if len(got) != len(want) {
		t.Fatalf("window = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("window = %v, want %v", got, want)
		}
	}
}

func TestReopenReplacesPreviousHistory(t *testing.T) {
	fx := startEngine(t, "me")
	fx.store.pushConversations(testConv("a", "me", "ann"))
	seedLinearHistory(fx.store, "a", 2)

	first, err := fx.engine.OpenConversation(context.Background(), "a")
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	second, err := fx.engine.OpenConversation(context.Background(), "a")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()

	if _, ok := <-first.Updates(); ok {
		t.Fatal("first history still open after reopen")
	}

	fresh := textMsg(9, "a", "ann", testBase.Add(time.Minute))
	fx.store.pushMessages("a", fresh)
	select {
	case up := <-second.Updates():
		if up.Messages[0].ID != oid(9) {
			t.Fatalf("update = %v, want message 9", up.Messages)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reopened history missed the live message")
	}
}

func TestHistoryInsertOrdersByTimestampThenID(t *testing.T) {
	h := newHistory("a")
	ts := testBase
	a := textMsg(2, "a", "ann", ts)
	b := textMsg(1, "a", "ann", ts)
	c := textMsg(3, "a", "ann", ts.Add(-time.Second))

	h.applyLive([]models.Message{a})
	h.applyLive([]models.Message{b, c})

	got := historyIDs(h)
	want := []byte{3, 1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v (timestamp then id)", got, want)
		}
	}
}

func TestCloseConversationStopsUpdates(t *testing.T) {
	fx := startEngine(t, "me")
	fx.store.pushConversations(testConv("a", "me", "ann"))
	seedLinearHistory(fx.store, "a", 1)

	h, err := fx.engine.OpenConversation(context.Background(), "a")
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	fx.engine.CloseConversation("a")

	if _, ok := <-h.Updates(); ok {
		t.Fatal("updates channel open after CloseConversation")
	}
}
