package handlers

import (
	"github.com/ritrovo-app/ritrovo-backend/internal/services"
	"github.com/ritrovo-app/ritrovo-backend/internal/store"
)

var (
	chatStore      *store.MongoStore
	engineRegistry *services.EngineRegistry
)

// InitChat wires the conversation store and the per-user engine registry into
// the handler package. Called once from main after the databases are up.
func InitChat(st *store.MongoStore, registry *services.EngineRegistry) {
	chatStore = st
	engineRegistry = registry
}
