package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ritrovo-app/ritrovo-backend/internal/models"
)

// MessagePageResponse is one page of history, newest first, with the opaque
// cursor for the next older page.
type MessagePageResponse struct {
	Success  bool             `json:"success"`
	Messages []models.Message `json:"messages"`
	Cursor   string           `json:"cursor,omitempty"`
	HasMore  bool             `json:"has_more"`
}

type SendMessageRequest struct {
	Text     string `json:"text"`
	Type     string `json:"type,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	PostRef  string `json:"post_ref,omitempty"`
}

type MarkReadRequest struct {
	UpTo string `json:"up_to,omitempty"` // RFC3339; empty means "now"
}

// requireParticipant loads the conversation and checks membership.
func requireParticipant(ctx context.Context, conversationID, userID string) (int, bool) {
	conv, err := chatStore.GetConversation(ctx, conversationID)
	if err != nil {
		return storeErrorStatus(err), false
	}
	if !conv.HasParticipant(userID) {
		return http.StatusForbidden, false
	}
	return http.StatusOK, true
}

// GetMessages loads paginated history for a conversation.
// Query params:
//
//	limit  (optional, default 50, max 100)
//	cursor (optional opaque cursor from a previous page)
func GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireAuth(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conversationID := chi.URLParam(r, "conversationID")

	if status, ok := requireParticipant(r.Context(), conversationID, userID); !ok {
		writeError(w, status, "conversation not available")
		return
	}

	limit := 0
	if lStr := r.URL.Query().Get("limit"); lStr != "" {
		if parsed, err := strconv.Atoi(lStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var page *models.MessagePage
	var err error
	if cStr := r.URL.Query().Get("cursor"); cStr != "" {
		cursor, decErr := models.DecodePageCursor(cStr)
		if decErr != nil {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		page, err = chatStore.FetchMessagesBefore(ctx, conversationID, limit, cursor)
	} else {
		page, err = chatStore.FetchLatestMessages(ctx, conversationID, limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	resp := MessagePageResponse{
		Success:  true,
		Messages: page.Messages,
		HasMore:  page.HasMore,
	}
	if page.Cursor != nil {
		resp.Cursor = page.Cursor.Encode()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// SendMessage appends a message to a conversation the caller belongs to.
func SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireAuth(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conversationID := chi.URLParam(r, "conversationID")

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	typ := models.MessageType(req.Type)
	switch typ {
	case "", models.MessageTypeText, models.MessageTypeImage, models.MessageTypePost:
	default:
		writeError(w, http.StatusBadRequest, "invalid message type")
		return
	}

	msg, err := chatStore.SendMessage(r.Context(), conversationID, userID, req.Text, typ, models.MessagePayload{
		ImageURL: req.ImageURL,
		PostRef:  req.PostRef,
	})
	if err != nil {
		writeError(w, storeErrorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"message": msg,
	})
}

// MarkConversationRead advances the caller's read cursor. An explicit up_to
// timestamp is applied verbatim; without one the cursor moves to now and never
// regresses.
func MarkConversationRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireAuth(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conversationID := chi.URLParam(r, "conversationID")

	if status, ok := requireParticipant(r.Context(), conversationID, userID); !ok {
		writeError(w, status, "conversation not available")
		return
	}

	var req MarkReadRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	at := time.Now().UTC()
	monotonic := true
	if req.UpTo != "" {
		parsed, err := time.Parse(time.RFC3339, req.UpTo)
		if err != nil {
			writeError(w, http.StatusBadRequest, "up_to must be RFC3339")
			return
		}
		at = parsed.UTC()
		monotonic = false
	}

	if err := chatStore.WriteReadCursor(r.Context(), userID, conversationID, at, monotonic); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to mark read")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"last_read": at,
	})
}
