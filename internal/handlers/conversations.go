package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ritrovo-app/ritrovo-backend/internal/services"
	"github.com/ritrovo-app/ritrovo-backend/internal/store"
)

type OpenPrivateConversationRequest struct {
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
}

type CreateGroupRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
	PhotoURL  string   `json:"photo_url,omitempty"`
}

type MemberRequest struct {
	UserID string `json:"user_id"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"message": message,
	})
}

func storeErrorStatus(err error) int {
	switch err {
	case store.ErrNotFound:
		return http.StatusNotFound
	case store.ErrNotParticipant:
		return http.StatusForbidden
	case store.ErrEmptyMessage:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ListConversations returns the caller's conversations, most recent first.
func ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireAuth(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	convs, err := chatStore.ListConversationsForUser(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load conversations")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"conversations": convs,
	})
}

// OpenPrivateConversation returns (creating if needed) the private
// conversation between the caller and the given user. Accepts either a user id
// or a username.
func OpenPrivateConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireAuth(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req OpenPrivateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	other := strings.TrimSpace(req.UserID)
	if other == "" && req.Username != "" {
		resolved, err := services.GetUserIDByUsername(req.Username)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to resolve username")
			return
		}
		other = resolved
	}
	if other == "" {
		writeError(w, http.StatusBadRequest, "user_id or username is required")
		return
	}
	if other == userID {
		writeError(w, http.StatusBadRequest, "cannot open a conversation with yourself")
		return
	}

	conv, err := chatStore.GetOrCreateConversation(r.Context(), userID, other)
	if err != nil {
		writeError(w, storeErrorStatus(err), "failed to open conversation")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"conversation": conv,
	})
}

// CreateGroupConversation creates a group with the caller as first member.
func CreateGroupConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireAuth(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "group name is required")
		return
	}

	conv, err := chatStore.CreateGroup(r.Context(), req.Name, userID, req.MemberIDs, req.PhotoURL)
	if err != nil {
		writeError(w, storeErrorStatus(err), "failed to create group")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":      true,
		"conversation": conv,
	})
}

// AddGroupMember adds a user to a group the caller belongs to.
func AddGroupMember(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireAuth(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conversationID := chi.URLParam(r, "conversationID")

	var req MemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if err := chatStore.AddMember(r.Context(), conversationID, userID, req.UserID); err != nil {
		writeError(w, storeErrorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// RemoveGroupMember removes a user from a group. Members can remove
// themselves (leave).
func RemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireAuth(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conversationID := chi.URLParam(r, "conversationID")
	memberID := chi.URLParam(r, "memberID")

	if err := chatStore.RemoveMember(r.Context(), conversationID, userID, memberID); err != nil {
		writeError(w, storeErrorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// DeleteConversation hides a private chat from the caller's list, or leaves
// the group when the conversation is a group.
func DeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireAuth(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conversationID := chi.URLParam(r, "conversationID")

	if err := chatStore.DeleteConversationFor(r.Context(), conversationID, userID); err != nil {
		writeError(w, storeErrorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
