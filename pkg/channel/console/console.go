// Package console runs the bridge against a local terminal chat so dialogs
// can be exercised without a Telegram bot.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"tgbridge/pkg/channel"
	"tgbridge/pkg/media"
)

const channelName = "console"

// Adapter is a single-user terminal transport.
type Adapter struct {
	userID string
	log    *slog.Logger
	opts   []tea.ProgramOption
}

// NewAdapter returns a console adapter whose events carry userID as both
// user and chat id.
func NewAdapter(userID string, log *slog.Logger, opts ...tea.ProgramOption) *Adapter {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = "console"
	}
	if log == nil {
		log = slog.Default()
	}

	return &Adapter{userID: userID, log: log.With("component", "channel.console"), opts: opts}
}

func (a *Adapter) Name() string {
	return channelName
}

// Run blocks until the user quits or ctx is cancelled.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	m := newModel(ctx, handler, a.userID)
	program := tea.NewProgram(m, append([]tea.ProgramOption{tea.WithContext(ctx)}, a.opts...)...)
	m.replier.send = program.Send

	a.log.Info("Console channel started", "user_id", a.userID)

	if _, err := program.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return err
	}

	fmt.Print("\033[H\033[2J")
	fmt.Println(renderGoodbyeBanner())
	return nil
}

func renderGoodbyeBanner() string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("25")).
		Padding(1, 2)

	return style.Render("👋 Console session closed")
}

// ErrNoFiles is returned by the console fetcher; console input never carries
// channel file references.
var ErrNoFiles = errors.New("console channel has no files")

// Fetcher satisfies the media pipeline for the console transport.
type Fetcher struct{}

func (Fetcher) Download(context.Context, string) ([]byte, error) {
	return nil, ErrNoFiles
}

func (Fetcher) Resolve(context.Context, string) (media.RemoteFile, error) {
	return media.RemoteFile{}, ErrNoFiles
}
