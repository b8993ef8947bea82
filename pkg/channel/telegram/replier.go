package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"tgbridge/pkg/presenter"
)

const typingRefreshInterval = 4 * time.Second

// replier answers one chat.
type replier struct {
	adapter *Adapter
	chatID  int64
}

func (r *replier) SendText(ctx context.Context, text string, keyboard *presenter.Keyboard) (int, error) {
	params := tu.Message(tu.ID(r.chatID), text)
	if markup := replyMarkup(keyboard); markup != nil {
		params = params.WithReplyMarkup(markup)
	}

	r.adapter.log.Info("Sending message", "chat_id", r.chatID, "content", previewText(text))
	message, err := r.adapter.bot.SendMessage(ctx, params)
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}

	return message.MessageID, nil
}

func (r *replier) SendImage(ctx context.Context, filename string, data []byte) error {
	photo := tu.File(tu.NameReader(bytes.NewReader(data), filename))
	if _, err := r.adapter.bot.SendPhoto(ctx, tu.Photo(tu.ID(r.chatID), photo)); err != nil {
		return fmt.Errorf("send photo: %w", err)
	}

	return nil
}

func (r *replier) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := r.adapter.bot.AnswerCallbackQuery(ctx, tu.CallbackQuery(callbackID).WithText(text)); err != nil {
		return fmt.Errorf("answer callback: %w", err)
	}

	return nil
}

func (r *replier) EditKeyboard(ctx context.Context, messageID int, keyboard *presenter.Keyboard) error {
	markup, ok := replyMarkup(keyboard).(*telego.InlineKeyboardMarkup)
	if !ok {
		return errors.New("only inline keyboards can be edited")
	}

	_, err := r.adapter.bot.EditMessageReplyMarkup(ctx, &telego.EditMessageReplyMarkupParams{
		ChatID:      tu.ID(r.chatID),
		MessageID:   messageID,
		ReplyMarkup: markup,
	})
	if err != nil {
		return fmt.Errorf("edit reply markup: %w", err)
	}

	return nil
}

// Typing sends a typing action and refreshes it periodically until the
// returned func is called.
func (r *replier) Typing(ctx context.Context) func() {
	typingCtx, cancel := context.WithCancel(ctx)

	sendTyping := func() {
		if err := r.adapter.bot.SendChatAction(typingCtx, tu.ChatAction(tu.ID(r.chatID), telego.ChatActionTyping)); err != nil && typingCtx.Err() == nil {
			r.adapter.log.Debug("Failed to send typing indicator", "chat_id", r.chatID, "error", err)
		}
	}

	sendTyping()

	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
				sendTyping()
			}
		}
	}()

	return cancel
}

// replyMarkup converts a keyboard layout to Bot API markup. A nil keyboard
// yields a nil interface so no markup field is sent.
func replyMarkup(keyboard *presenter.Keyboard) telego.ReplyMarkup {
	if keyboard == nil || len(keyboard.Rows) == 0 {
		return nil
	}

	if keyboard.Inline {
		rows := make([][]telego.InlineKeyboardButton, 0, len(keyboard.Rows))
		for _, row := range keyboard.Rows {
			buttons := make([]telego.InlineKeyboardButton, 0, len(row))
			for _, button := range row {
				buttons = append(buttons, tu.InlineKeyboardButton(button.Text).WithCallbackData(button.Data))
			}
			rows = append(rows, tu.InlineKeyboardRow(buttons...))
		}
		return tu.InlineKeyboard(rows...)
	}

	rows := make([][]telego.KeyboardButton, 0, len(keyboard.Rows))
	for _, row := range keyboard.Rows {
		buttons := make([]telego.KeyboardButton, 0, len(row))
		for _, button := range row {
			buttons = append(buttons, tu.KeyboardButton(button.Text))
		}
		rows = append(rows, tu.KeyboardRow(buttons...))
	}
	return tu.Keyboard(rows...).WithResizeKeyboard()
}
