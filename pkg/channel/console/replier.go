package console

import (
	"context"
	"errors"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"

	"tgbridge/pkg/presenter"
)

type botTextMsg struct {
	id       int
	text     string
	keyboard *presenter.Keyboard
}

type botImageMsg struct {
	filename string
	size     int
}

type callbackAnswerMsg struct {
	text string
}

type keyboardEditMsg struct {
	id       int
	keyboard *presenter.Keyboard
}

type typingMsg struct {
	delta int
}

// replier turns bridge output into program messages. send is tea.Program.Send
// at runtime and a recorder in tests.
type replier struct {
	send   func(tea.Msg)
	nextID atomic.Int64
}

func (r *replier) SendText(ctx context.Context, text string, keyboard *presenter.Keyboard) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	id := int(r.nextID.Add(1))
	r.send(botTextMsg{id: id, text: text, keyboard: keyboard})
	return id, nil
}

func (r *replier) SendImage(ctx context.Context, filename string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.send(botImageMsg{filename: filename, size: len(data)})
	return nil
}

func (r *replier) AnswerCallback(ctx context.Context, _ string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if text != "" {
		r.send(callbackAnswerMsg{text: text})
	}
	return nil
}

func (r *replier) EditKeyboard(ctx context.Context, messageID int, keyboard *presenter.Keyboard) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if keyboard == nil || !keyboard.Inline {
		return errors.New("only inline keyboards can be edited")
	}

	r.send(keyboardEditMsg{id: messageID, keyboard: keyboard})
	return nil
}

func (r *replier) Typing(context.Context) func() {
	r.send(typingMsg{delta: 1})

	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			r.send(typingMsg{delta: -1})
		}
	}
}
