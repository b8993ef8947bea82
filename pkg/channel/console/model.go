package console

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"tgbridge/pkg/bus"
	"tgbridge/pkg/channel"
	"tgbridge/pkg/presenter"
)

type role int

const (
	roleUser role = iota
	roleBot
	roleNotice
	roleError
)

type entry struct {
	role      role
	content   string
	messageID int
}

type handledMsg struct{}

type model struct {
	ctx     context.Context
	handler channel.Handler
	replier *replier
	userID  string
	now     func() time.Time

	theme        theme
	spinner      spinner.Model
	input        textinput.Model
	viewport     viewport.Model
	entries      []entry
	keyboards    map[int]*presenter.Keyboard
	latestInline int
	replyKeys    []string
	callbackSeq  int
	width        int
	height       int
	isReady      bool
	typing       int
	pending      int
	followLog    bool
}

func newModel(ctx context.Context, handler channel.Handler, userID string) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "Type a message, /begin to start, :1 to press a button..."
	in.Focus()
	in.CharLimit = 0

	return &model{
		ctx:       ctx,
		handler:   handler,
		replier:   &replier{send: func(tea.Msg) {}},
		userID:    userID,
		now:       time.Now,
		theme:     defaultTheme(),
		spinner:   spin,
		input:     in,
		viewport:  viewport.New(80, 12),
		keyboards: make(map[int]*presenter.Keyboard),
		width:     100,
		height:    28,
		followLog: true,
	}
}

func (m *model) Init() tea.Cmd {
	return textinput.Blink
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			return m, m.submit(m.input.Value())
		}
		if m.handleViewportKey(typed) {
			return m, nil
		}
	case handledMsg:
		m.pending--
		return m, nil
	case botTextMsg:
		m.entries = append(m.entries, entry{role: roleBot, content: typed.text, messageID: typed.id})
		m.applyKeyboard(typed.id, typed.keyboard)
		m.refreshViewport(false)
		return m, nil
	case botImageMsg:
		m.appendNotice(fmt.Sprintf("🖼 %s (%d bytes)", typed.filename, typed.size))
		return m, nil
	case callbackAnswerMsg:
		m.appendNotice("✔ " + typed.text)
		return m, nil
	case keyboardEditMsg:
		if _, ok := m.keyboards[typed.id]; ok {
			m.keyboards[typed.id] = typed.keyboard
			m.refreshViewport(false)
		}
		return m, nil
	case typingMsg:
		wasBusy := m.busy()
		m.typing = max(0, m.typing+typed.delta)
		if !wasBusy && m.busy() {
			return m, m.spinner.Tick
		}
		return m, nil
	case spinner.TickMsg:
		if !m.busy() {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit turns one input line into an inbound event and runs the handler
// for it off the update loop.
func (m *model) submit(raw string) tea.Cmd {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil
	}
	if isExitCommand(text) {
		return tea.Quit
	}

	m.input.SetValue("")
	m.followLog = true

	event, err := m.eventFor(text)
	if err != nil {
		m.entries = append(m.entries, entry{role: roleError, content: err.Error()})
		m.refreshViewport(true)
		return nil
	}

	m.entries = append(m.entries, entry{role: roleUser, content: text})
	m.refreshViewport(true)

	m.pending++
	return tea.Batch(m.spinner.Tick, handleCmd(m.ctx, m.handler, event, m.replier))
}

func handleCmd(ctx context.Context, handler channel.Handler, event bus.InboundEvent, r channel.Replier) tea.Cmd {
	return func() tea.Msg {
		handler(ctx, event, r)
		return handledMsg{}
	}
}

// eventFor maps console input to the same events the Telegram adapter
// produces. ":n" presses the n-th button of the latest inline keyboard.
func (m *model) eventFor(text string) (bus.InboundEvent, error) {
	env := bus.Envelope{Channel: channelName, UserID: m.userID, ChatID: m.userID, At: m.now().UTC()}

	if rest, ok := strings.CutPrefix(text, ":"); ok {
		return m.pressButton(env, rest)
	}

	if name, args, ok := parseCommand(text); ok {
		return bus.Command{Envelope: env, Name: name, Args: args}, nil
	}

	return bus.TextMessage{Envelope: env, Text: text}, nil
}

func (m *model) pressButton(env bus.Envelope, raw string) (bus.InboundEvent, error) {
	keyboard := m.keyboards[m.latestInline]
	if keyboard == nil {
		return nil, errors.New("there are no buttons to press")
	}

	buttons := flatten(keyboard)
	index, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || index < 1 || index > len(buttons) {
		return nil, fmt.Errorf("pick a button between :1 and :%d", len(buttons))
	}

	data, err := bus.ParseCallback(buttons[index-1].Data)
	if err != nil {
		return nil, err
	}

	m.callbackSeq++
	callbackID := fmt.Sprintf("console-%d", m.callbackSeq)

	if data.Prefix == bus.UtterancePrefix {
		return bus.UtteranceRating{Envelope: env, CallbackID: callbackID, MessageID: m.latestInline, UtteranceID: data.ID, Rating: data.Rating}, nil
	}

	return bus.DialogRating{Envelope: env, CallbackID: callbackID, MessageID: m.latestInline, DialogID: data.ID, Rating: data.Rating}, nil
}

func (m *model) applyKeyboard(messageID int, keyboard *presenter.Keyboard) {
	if keyboard == nil {
		return
	}

	if keyboard.Inline {
		m.keyboards[messageID] = keyboard
		m.latestInline = messageID
		return
	}

	keys := make([]string, 0)
	for _, button := range flatten(keyboard) {
		keys = append(keys, button.Text)
	}
	m.replyKeys = keys
}

func (m *model) appendNotice(text string) {
	m.entries = append(m.entries, entry{role: roleNotice, content: text})
	m.refreshViewport(false)
}

func (m *model) busy() bool {
	return m.typing > 0 || m.pending > 0
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}

	header := m.theme.header.Width(m.width - 2).Render("💬 tgbridge console")
	meta := m.theme.headerMeta.Render(fmt.Sprintf("user:%s · messages:%d", m.userID, len(m.entries)))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	status := m.theme.status.Render("💡 Enter send  ·  :n press button  ·  PgUp/PgDn scroll  ·  🛑 Ctrl+C/Esc quit")
	if m.busy() {
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s ⚡ waiting for the agent...", m.spinner.View()))
	}

	keys := m.theme.hint.Render("(type /exit, quit, or :q)")
	if len(m.replyKeys) > 0 {
		keys = m.theme.hint.Render("keys: " + strings.Join(m.replyKeys, " · "))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
		m.theme.inputLabel.Render("👤 You")+" "+keys,
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)
}

func (m *model) resizeComponents() {
	w := max(50, m.width-6)
	h := max(8, m.height-10)

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset
	sections := make([]string, 0, len(m.entries))
	for _, item := range m.entries {
		switch item.role {
		case roleUser:
			sections = append(sections, lipgloss.JoinVertical(lipgloss.Left,
				m.theme.userTitle.Render("you"),
				m.theme.userBox.Width(m.viewport.Width).Render(strings.TrimSpace(item.content)),
			))
		case roleBot:
			body := strings.TrimSpace(item.content)
			if buttons := m.renderButtons(item.messageID); buttons != "" {
				body += "\n\n" + buttons
			}
			sections = append(sections, lipgloss.JoinVertical(lipgloss.Left,
				m.theme.botTitle.Render("bot"),
				m.theme.botBox.Width(m.viewport.Width).Render(body),
			))
		case roleNotice:
			sections = append(sections, m.theme.noticeBox.Render(item.content))
		case roleError:
			sections = append(sections, lipgloss.JoinVertical(lipgloss.Left,
				m.theme.errorTitle.Render("error"),
				m.theme.errorBox.Width(m.viewport.Width).Render(strings.TrimSpace(item.content)),
			))
		}
	}

	m.viewport.SetContent(strings.Join(sections, "\n\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := max(0, m.viewport.TotalLineCount()-m.viewport.Height)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
}

// renderButtons shows the inline keyboard of one message. Only the latest
// keyboard gets :n shortcuts.
func (m *model) renderButtons(messageID int) string {
	keyboard := m.keyboards[messageID]
	if keyboard == nil {
		return ""
	}

	index := 0
	rows := make([]string, 0, len(keyboard.Rows))
	for _, row := range keyboard.Rows {
		cells := make([]string, 0, len(row))
		for _, button := range row {
			index++
			label := button.Text
			if messageID == m.latestInline {
				label = fmt.Sprintf(":%d %s", index, label)
			}
			cells = append(cells, m.theme.button.Render(label))
		}
		rows = append(rows, strings.Join(cells, " "))
	}

	return strings.Join(rows, "\n")
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func flatten(keyboard *presenter.Keyboard) []presenter.Button {
	var out []presenter.Button
	for _, row := range keyboard.Rows {
		out = append(out, row...)
	}
	return out
}

// parseCommand splits "/name args" into a lowercased name and args.
func parseCommand(text string) (string, string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}

	name, args, _ := strings.Cut(text[1:], " ")
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", "", false
	}

	return name, strings.TrimSpace(args), true
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
