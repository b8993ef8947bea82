package channel

import (
	"context"

	"tgbridge/pkg/bus"
	"tgbridge/pkg/presenter"
)

// Handler processes one inbound event and answers through the replier bound
// to the event's chat.
type Handler func(context.Context, bus.InboundEvent, Replier)

// Adapter bridges one external transport (for example Telegram) into the bridge.
type Adapter interface {
	Name() string
	Run(context.Context, Handler) error
}

// Replier sends output back to the chat an inbound event came from.
type Replier interface {
	// SendText sends text with an optional keyboard and returns the message id.
	SendText(ctx context.Context, text string, keyboard *presenter.Keyboard) (int, error)
	SendImage(ctx context.Context, filename string, data []byte) error
	// AnswerCallback acknowledges a button press. Empty text is a silent ack.
	AnswerCallback(ctx context.Context, callbackID string, text string) error
	// EditKeyboard replaces the inline keyboard of a sent message.
	EditKeyboard(ctx context.Context, messageID int, keyboard *presenter.Keyboard) error
	// Typing shows a typing indicator until the returned func is called.
	Typing(ctx context.Context) func()
}
