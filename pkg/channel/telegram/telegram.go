package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"

	"tgbridge/pkg/bus"
	"tgbridge/pkg/channel"
	"tgbridge/pkg/config"
)

const channelName = "telegram"
const messagePreviewLimit = 240

// Adapter bridges Telegram updates into inbound events and answers through
// the Bot API.
type Adapter struct {
	cfg        config.TelegramConfig
	bot        *telego.Bot
	httpClient *http.Client
	log        *slog.Logger
	now        func() time.Time
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	return newAdapter(cfg, log)
}

func newAdapter(cfg config.TelegramConfig, log *slog.Logger, extra ...telego.BotOption) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	httpClient := http.DefaultClient
	opts := []telego.BotOption{telego.WithDiscardLogger()}
	if proxy := strings.TrimSpace(cfg.Proxy); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", proxy, err)
		}
		httpClient = &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
		opts = append(opts, telego.WithHTTPClient(httpClient))
	}
	opts = append(opts, extra...)

	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	return &Adapter{
		cfg:        cfg,
		bot:        bot,
		httpClient: httpClient,
		log:        log.With("component", "channel.telegram"),
		now:        time.Now,
	}, nil
}

// Name returns the channel identifier used in events and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Fetcher returns the attachment fetcher bound to this bot.
func (a *Adapter) Fetcher() *Fetcher {
	return &Fetcher{bot: a.bot, httpClient: a.httpClient, maxBytes: a.cfg.DownloadLimit()}
}

// Run starts long polling and hands every update to handler on its own
// goroutine. It returns after in-flight updates finish.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	if err := a.syncCommands(ctx); err != nil {
		a.log.Warn("Failed to sync bot commands", "error", err)
	}

	updates, err := a.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        a.cfg.PollTimeout(),
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.log.Info("Telegram channel started")

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			inflight.Add(1)
			go func() {
				defer inflight.Done()
				a.process(ctx, update, handler)
			}()
		}
	}
}

// process handles one update. A panic is logged and contained so that one
// bad update cannot stop the adapter.
func (a *Adapter) process(ctx context.Context, update telego.Update, handler channel.Handler) {
	defer func() {
		if recovered := recover(); recovered != nil {
			a.log.Error("Recovered from panic while handling update", "update_id", update.UpdateID, "panic", recovered)
		}
	}()

	event, err := eventFromUpdate(update, a.now())
	switch {
	case errors.Is(err, errSkipUpdate):
		a.log.Debug("Ignoring update", "update_id", update.UpdateID)
		return
	case errors.Is(err, bus.ErrMalformedCallback):
		query := update.CallbackQuery
		a.log.Warn("Ignoring malformed callback", "update_id", update.UpdateID, "error", err)
		if answerErr := a.replierFor(query.From.ID).AnswerCallback(ctx, query.ID, ""); answerErr != nil {
			a.log.Debug("Failed to answer malformed callback", "error", answerErr)
		}
		return
	case err != nil:
		a.log.Error("Failed to read update", "update_id", update.UpdateID, "error", err)
		return
	}

	meta := event.Meta()
	chatID, err := strconv.ParseInt(meta.ChatID, 10, 64)
	if err != nil {
		a.log.Error("Invalid chat id", "chat_id", meta.ChatID, "error", err)
		return
	}

	a.log.Info("Received update", "kind", event.Kind(), "chat_id", meta.ChatID, "sender_id", meta.UserID, "content", previewText(eventText(event)))
	handler(ctx, event, a.replierFor(chatID))
}

func (a *Adapter) replierFor(chatID int64) *replier {
	return &replier{adapter: a, chatID: chatID}
}

func (a *Adapter) syncCommands(ctx context.Context) error {
	return a.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: []telego.BotCommand{
		{Command: "start", Description: "Show the welcome message"},
		{Command: "begin", Description: "Start a new dialog"},
		{Command: "end", Description: "Finish the dialog and rate it"},
		{Command: "complain", Description: "Report a problem with the dialog"},
		{Command: "help", Description: "Show available commands"},
	}})
}

func eventText(event bus.InboundEvent) string {
	switch ev := event.(type) {
	case bus.Command:
		return "/" + ev.Name
	case bus.TextMessage:
		return ev.Text
	case bus.MediaMessage:
		return ev.Utterance()
	case bus.UtteranceRating:
		return ev.Rating
	case bus.DialogRating:
		return ev.Rating
	default:
		return ""
	}
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
