package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ritrovo-app/ritrovo-backend/internal/chatengine"
	"github.com/ritrovo-app/ritrovo-backend/internal/database"
	"github.com/ritrovo-app/ritrovo-backend/internal/models"
	"github.com/ritrovo-app/ritrovo-backend/internal/services"
)

// engineUpgrader is the shared upgrader for engine WebSocket connections.
var engineUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS for WebSocket is handled at the HTTP layer already.
		return true
	},
}

// EngineClientFrame represents frames coming from the frontend over WebSocket.
type EngineClientFrame struct {
	Type           string `json:"type"` // "set_active", "open_conversation", "close_conversation", "load_older", "send", "mark_read", "ping"
	ConversationID string `json:"conversation_id,omitempty"`
	Cursor         string `json:"cursor,omitempty"`
	Text           string `json:"text,omitempty"`
	MessageType    string `json:"message_type,omitempty"`
	ImageURL       string `json:"image_url,omitempty"`
	PostRef        string `json:"post_ref,omitempty"`
	UpTo           string `json:"up_to,omitempty"` // RFC3339 for mark_read
}

// EngineServerFrame represents frames pushed to the client.
type EngineServerFrame struct {
	Type           string                 `json:"type"` // "unread_total", "page", "page_update", "alert", "ack", "error", "pong"
	ConversationID string                 `json:"conversation_id,omitempty"`
	Total          int                    `json:"total"`
	Messages       []models.Message       `json:"messages,omitempty"`
	Cursor         string                 `json:"cursor,omitempty"`
	HasMore        bool                   `json:"has_more"`
	Message        *models.Message        `json:"message,omitempty"`
	Alert          *services.AlertPayload `json:"alert,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

// EngineWebSocket is the realtime surface of the chat engine: one connection
// carries the live unread total, throttled alerts, and the open conversation's
// history with its live tail. Authentication via session token
// (Authorization: Bearer <token>, or ?token= for browser clients).
func EngineWebSocket(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "missing session token", http.StatusUnauthorized)
			return
		}
	}

	uid, ok, err := services.ValidateSession(token)
	if err != nil || !ok {
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}
	userID := uid.String()

	engine, err := engineRegistry.Acquire(r.Context(), userID)
	if err != nil {
		http.Error(w, "failed to start engine", http.StatusInternalServerError)
		return
	}
	defer engineRegistry.Release(userID)

	conn, err := engineUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// All writes go through one channel so the writer goroutine is the only
	// place touching the connection for output.
	out := make(chan EngineServerFrame, 32)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case frame := <-out:
				if err := conn.WriteJSON(frame); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	send := func(frame EngineServerFrame) {
		select {
		case out <- frame:
		case <-ctx.Done():
		}
	}

	// Unread total feed
	totals, cancelTotals := engine.TotalUnread()
	defer cancelTotals()
	go func() {
		for total := range totals {
			send(EngineServerFrame{Type: "unread_total", Total: total})
		}
	}()

	// Alert feed (Redis, so alerts reach every connected client of the user)
	alertSub := database.RedisClient.Subscribe(ctx, services.AlertChannelForUser(userID))
	defer alertSub.Close()
	go func() {
		ch := alertSub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var payload services.AlertPayload
				if err := json.Unmarshal([]byte(m.Payload), &payload); err != nil {
					continue
				}
				send(EngineServerFrame{Type: "alert", ConversationID: payload.ConversationID, Alert: &payload})
			}
		}
	}()

	// Reader loop
	conn.SetReadLimit(64 * 1024)
	_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	conn.SetPongHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))

		var frame EngineClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		handleEngineFrame(ctx, engine, userID, frame, send)
	}
}

func handleEngineFrame(ctx context.Context, engine *chatengine.Engine, userID string, frame EngineClientFrame, send func(EngineServerFrame)) {
	conversationID := strings.TrimSpace(frame.ConversationID)

	switch frame.Type {
	case "set_active":
		// Empty id means the user left the conversation view.
		engine.SetActiveConversation(conversationID)

	case "open_conversation":
		if conversationID == "" {
			send(EngineServerFrame{Type: "error", Error: "conversation_id is required"})
			return
		}
		h, err := engine.OpenConversation(ctx, conversationID)
		if err != nil {
			send(EngineServerFrame{Type: "error", ConversationID: conversationID, Error: "failed to open conversation"})
			return
		}
		page := EngineServerFrame{
			Type:           "page",
			ConversationID: conversationID,
			Messages:       h.Messages(),
			HasMore:        h.HasMore(),
		}
		if c := h.Cursor(); c != nil {
			page.Cursor = c.Encode()
		}
		send(page)

		// Live tail pump: ends when the history is closed (reopen, engine
		// teardown or close_conversation).
		go func() {
			for up := range h.Updates() {
				send(EngineServerFrame{
					Type:           "page_update",
					ConversationID: conversationID,
					Messages:       up.Messages,
				})
			}
		}()

	case "close_conversation":
		engine.CloseConversation(conversationID)

	case "load_older":
		cursor, err := models.DecodePageCursor(frame.Cursor)
		if err != nil {
			send(EngineServerFrame{Type: "error", ConversationID: conversationID, Error: "invalid cursor"})
			return
		}
		page, err := engine.LoadOlder(ctx, conversationID, cursor)
		if err != nil {
			send(EngineServerFrame{Type: "error", ConversationID: conversationID, Error: "failed to load older messages"})
			return
		}
		resp := EngineServerFrame{
			Type:           "page",
			ConversationID: conversationID,
			Messages:       ascending(page.Messages),
			HasMore:        page.HasMore,
		}
		if page.Cursor != nil {
			resp.Cursor = page.Cursor.Encode()
		}
		send(resp)

	case "send":
		typ := models.MessageType(frame.MessageType)
		msg, err := chatStore.SendMessage(ctx, conversationID, userID, frame.Text, typ, models.MessagePayload{
			ImageURL: frame.ImageURL,
			PostRef:  frame.PostRef,
		})
		if err != nil {
			send(EngineServerFrame{Type: "error", ConversationID: conversationID, Error: "failed to send message"})
			return
		}
		send(EngineServerFrame{Type: "ack", ConversationID: conversationID, Message: msg})

	case "mark_read":
		var upTo *time.Time
		if frame.UpTo != "" {
			parsed, err := time.Parse(time.RFC3339, frame.UpTo)
			if err != nil {
				send(EngineServerFrame{Type: "error", ConversationID: conversationID, Error: "up_to must be RFC3339"})
				return
			}
			parsed = parsed.UTC()
			upTo = &parsed
		}
		if err := engine.MarkRead(ctx, conversationID, upTo); err != nil {
			send(EngineServerFrame{Type: "error", ConversationID: conversationID, Error: "failed to mark read"})
		}

	case "ping":
		send(EngineServerFrame{Type: "pong"})

	default:
		// Ignore unknown types
	}
}

// ascending reverses a newest-first page into display order.
func ascending(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}
