package routes

import (
	"github.com/go-chi/chi/v5"
	"github.com/ritrovo-app/ritrovo-backend/internal/handlers"
)

func SetupRoutes(r *chi.Mux) {
	// Auth routes
	r.Post("/api/auth/signup", handlers.UserSignup)
	r.Post("/api/auth/signin", handlers.UserSignin)
	r.Post("/api/auth/signout", handlers.UserSignout)
	r.Get("/api/auth/me", handlers.Me)

	// User lookup (for starting a private chat by username)
	r.Get("/api/users/resolve", handlers.ResolveUsername)

	// File upload routes (chat images)
	r.Post("/api/upload", handlers.UploadFile)

	// Conversation surface
	r.Get("/api/conversations", handlers.ListConversations)
	r.Post("/api/conversations/private", handlers.OpenPrivateConversation)
	r.Post("/api/conversations/group", handlers.CreateGroupConversation)
	r.Post("/api/conversations/{conversationID}/members", handlers.AddGroupMember)
	r.Delete("/api/conversations/{conversationID}/members/{memberID}", handlers.RemoveGroupMember)
	r.Delete("/api/conversations/{conversationID}", handlers.DeleteConversation)

	// Message history + send + read state (MongoDB history, Redis live delivery)
	r.Get("/api/conversations/{conversationID}/messages", handlers.GetMessages)
	r.Post("/api/conversations/{conversationID}/messages", handlers.SendMessage)
	r.Post("/api/conversations/{conversationID}/read", handlers.MarkConversationRead)

	// WebSocket endpoint for the realtime engine (unread totals, alerts,
	// open-conversation live history)
	r.Get("/ws/engine", handlers.EngineWebSocket)
}
