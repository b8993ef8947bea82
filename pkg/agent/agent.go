package agent

import (
	"context"
	"fmt"
	"log/slog"

	"tgbridge/pkg/agent/httpagent"
	agentopenai "tgbridge/pkg/agent/openai"
	agenttypes "tgbridge/pkg/agent/types"
	"tgbridge/pkg/config"
)

type (
	Message   = agenttypes.Message
	Dialog    = agenttypes.Dialog
	Utterance = agenttypes.Utterance
)

var ErrNoUtterances = agenttypes.ErrNoUtterances

// Agent is the conversational agent the bridge forwards users to.
type Agent interface {
	RegisterMsg(ctx context.Context, msg Message) (Dialog, error)
	DropActiveDialog(ctx context.Context, userID string) (string, error)
	SetRatingUtterance(ctx context.Context, userID, utteranceID, rating string) error
	SetRatingDialog(ctx context.Context, userID, dialogID, rating string) error
}

// New builds the configured agent backend.
func New(cfg config.AgentConfig, log *slog.Logger) (Agent, error) {
	if log == nil {
		log = slog.Default()
	}

	backend := cfg.AgentBackend()
	log.With("component", "agent.factory").Debug("Resolving agent backend", "backend", backend)

	switch backend {
	case config.AgentBackendHTTP:
		return httpagent.New(cfg, nil, log)
	case config.AgentBackendOpenAI:
		return agentopenai.New(cfg, log)
	default:
		return nil, fmt.Errorf("unsupported agent backend: %s", backend)
	}
}
