package serve

import (
	"context"

	"github.com/MetricsHub/m8b-slack/internal/orchestrator"
)

// Handler processes one incoming message end to end. Implemented by
// *orchestrator.Orchestrator.
type Handler interface {
	HandleMessage(ctx context.Context, msg orchestrator.IncomingMessage, delivery orchestrator.Delivery) error
}

// Settings holds runtime settings shared by all platform adapters.
type Settings struct {
	Handler Handler
	// HistoryLimit bounds how many prior thread messages are replayed
	// into a resumed conversation.
	HistoryLimit int
}

// Platform is the interface implemented by each messaging platform adapter.
type Platform interface {
	// Name returns the platform identifier (e.g. "slack").
	Name() string
	// NeedsSetup returns true when required configuration is missing.
	NeedsSetup() bool
	// Run starts the platform's message loop, blocking until ctx is cancelled.
	Run(ctx context.Context, settings Settings) error
}

const defaultHistoryLimit = 40
