package cmd

import (
	"fmt"
	"log/slog"

	"tgbridge/pkg/agent"
	"tgbridge/pkg/bus"
	"tgbridge/pkg/config"
	"tgbridge/pkg/dialog"
	"tgbridge/pkg/dispatch"
	"tgbridge/pkg/media"
	"tgbridge/pkg/presenter"
	"tgbridge/pkg/relay"
)

// bridge holds the channel-independent parts shared by every transport.
type bridge struct {
	events     *bus.Hub
	sessions   *dialog.Store
	dispatcher *dispatch.Dispatcher
}

func buildBridge(cfg *config.Config, fetcher media.Fetcher, log *slog.Logger) (*bridge, error) {
	responder, err := presenter.Load(cfg.Templates.MessagesPath, cfg.Templates.KeyboardsPath)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	responder = responder.WithRatingOptions(cfg.Dialog.RatingOptions)

	agentClient, err := agent.New(cfg.Agent, log)
	if err != nil {
		return nil, fmt.Errorf("initialize agent: %w", err)
	}

	relayClient, err := relay.New(cfg.FileServer, nil, log)
	if err != nil {
		return nil, fmt.Errorf("initialize file relay: %w", err)
	}

	pipeline, err := media.NewPipeline(fetcher, relayClient, media.Options{
		Timeout:  cfg.FileServer.Timeout(),
		MaxBytes: cfg.Channels.Telegram.DownloadLimit(),
	}, log)
	if err != nil {
		return nil, fmt.Errorf("initialize media pipeline: %w", err)
	}

	store := dialog.NewStore()
	machine, err := dialog.NewMachine(store, agentClient, dialog.Options{UserMustEvaluate: cfg.Dialog.UserMustEvaluate})
	if err != nil {
		return nil, fmt.Errorf("initialize dialog machine: %w", err)
	}

	events := bus.NewHub()
	dispatcher, err := dispatch.New(dispatch.Deps{
		Machine:        machine,
		Agent:          agentClient,
		Media:          pipeline,
		Presenter:      responder,
		Events:         events,
		RevealDialogID: cfg.Dialog.RevealDialogID,
		Log:            log,
	})
	if err != nil {
		events.Close()
		return nil, fmt.Errorf("initialize dispatcher: %w", err)
	}

	return &bridge{events: events, sessions: store, dispatcher: dispatcher}, nil
}
