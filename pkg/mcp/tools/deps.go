// Package tools implements the MCP tools for projects and generation runs.
package tools

import (
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-decks/pkg/credentials"
	"github.com/ekaya-inc/ekaya-decks/pkg/services"
)

// Deps are the services the tools call.
type Deps struct {
	Store        services.ProjectStore
	Orchestrator *services.GenerationOrchestrator
	// Credentials reports whether an API key is configured; may be nil.
	Credentials credentials.Provider
	Logger      *zap.Logger
}
