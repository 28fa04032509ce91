package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/arttherapy/arthelper/internal/assistant"
	"github.com/arttherapy/arthelper/internal/chatstream"
	"github.com/arttherapy/arthelper/internal/conversation"
	"github.com/arttherapy/arthelper/internal/notice"
)

// streamDeltaMsg carries the history with the latest reply folded in.
type streamDeltaMsg struct {
	// History is the conversation after applying the delta.
	History conversation.History
}

// streamDoneMsg signals a completed turn.
type streamDoneMsg struct {
	// Result is the finished turn.
	Result *assistant.TurnResult
}

// streamErrorMsg reports a failed turn.
type streamErrorMsg struct {
	// Err is the turn failure, usually a *assistant.TurnError.
	Err error
}

// tuiModel drives the interactive terminal UI.
type tuiModel struct {
	// app holds the runner, store and notice catalog.
	app *app
	// chatView renders the conversation.
	chatView viewport.Model
	// input collects the child's message.
	input textarea.Model
	// spinner animates while the first byte is awaited.
	spinner spinner.Model
	// markdownRenderer formats assistant output when available.
	markdownRenderer *glamour.TermRenderer
	// statusText is the bottom status line.
	statusText string
	// running indicates an in-flight turn.
	running bool
	// loading is true until the first delta or a terminal error.
	loading bool
	// previousLen is the history length before the running turn.
	previousLen int
	// streamCh delivers turn messages into the update loop.
	streamCh chan tea.Msg
	// cancel abandons the running turn.
	cancel context.CancelFunc
	// width tracks the terminal width.
	width int
	// height tracks the terminal height.
	height int
	// quitting indicates a user-requested exit.
	quitting bool
}

// runInteractiveTUI starts the full-screen terminal UI.
func (a *app) runInteractiveTUI() error {
	program := tea.NewProgram(newTUIModel(a), tea.WithAltScreen())
	_, err := program.Run()
	return err
}

// newTUIModel constructs the initial TUI state.
func newTUIModel(a *app) *tuiModel {
	input := textarea.New()
	input.Placeholder = a.catalog.Lookup(a.locale, notice.Ready)
	input.Focus()
	input.CharLimit = 2000
	input.Prompt = "> "
	input.ShowLineNumbers = false
	input.SetHeight(3)
	input.SetWidth(20)

	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	var renderer *glamour.TermRenderer
	if glam, err := glamour.NewTermRenderer(glamour.WithAutoStyle()); err == nil {
		renderer = glam
	}

	m := &tuiModel{
		app:              a,
		chatView:         viewport.New(20, 10),
		input:            input,
		spinner:          spin,
		markdownRenderer: renderer,
	}
	m.refreshChat()
	return m
}

// Init starts the blinking cursor.
func (m *tuiModel) Init() tea.Cmd {
	return textarea.Blink
}

// Update handles UI events and streaming updates.
func (m *tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.applyWindowSize(typed)
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(typed)
	case spinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case streamDeltaMsg:
		m.loading = false
		m.app.history = typed.History
		m.refreshChat()
		return m, m.listenStream()
	case streamDoneMsg:
		m.finishRun(typed.Result)
		return m, nil
	case streamErrorMsg:
		m.finishError(typed.Err)
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders the conversation, input and status line.
func (m *tuiModel) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 {
		return "..."
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.renderHeader(), m.renderBody(), m.renderInput(), m.renderStatus())
}

// handleKey processes keyboard input.
func (m *tuiModel) handleKey(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.String() {
	case "ctrl+c":
		if m.running {
			m.cancelRun()
			return m, nil
		}
		m.quitting = true
		return m, tea.Quit
	case "ctrl+q":
		m.quitting = true
		return m, tea.Quit
	case "pgup":
		m.chatView.LineUp(10)
		return m, nil
	case "pgdown":
		m.chatView.LineDown(10)
		return m, nil
	}

	if key.Type == tea.KeyEnter && !key.Alt {
		return m.submitInput()
	}
	if key.Type == tea.KeyEnter || key.String() == "ctrl+j" {
		m.input.InsertString("\n")
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(key)
	return m, cmd
}

// submitInput starts a turn for the typed message.
func (m *tuiModel) submitInput() (tea.Model, tea.Cmd) {
	if m.running {
		return m, nil
	}
	value := strings.TrimSpace(m.input.Value())
	if value == "" {
		return m, nil
	}
	m.input.SetValue("")
	m.statusText = ""

	if handled, output, quit := m.app.handleSlashCommand(value); handled {
		if quit {
			m.quitting = true
			return m, tea.Quit
		}
		m.statusText = output
		m.refreshChat()
		return m, nil
	}

	m.previousLen = len(m.app.history)
	m.app.history = conversation.AppendUser(m.app.history, value)
	m.running = true
	m.loading = true
	m.refreshChat()

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.streamCh = make(chan tea.Msg, 128)
	return m, tea.Batch(m.startStream(ctx, m.app.history[:m.previousLen], value), m.listenStream(), m.spinner.Tick)
}

// startStream runs the turn off the update loop and forwards its events.
func (m *tuiModel) startStream(ctx context.Context, history conversation.History, prompt string) tea.Cmd {
	runner := m.app.runner
	streamCh := m.streamCh
	return func() tea.Msg {
		callbacks := &assistant.Callbacks{
			OnDelta: func(_ chatstream.Delta, current conversation.History) error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case streamCh <- streamDeltaMsg{History: current}:
				}
				return nil
			},
		}
		result, err := runner.RunTurn(ctx, history, prompt, callbacks)
		if err != nil {
			streamCh <- streamErrorMsg{Err: err}
		} else {
			streamCh <- streamDoneMsg{Result: result}
		}
		close(streamCh)
		return nil
	}
}

// listenStream waits for the next turn message.
func (m *tuiModel) listenStream() tea.Cmd {
	streamCh := m.streamCh
	if streamCh == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-streamCh
		if !ok {
			return nil
		}
		return msg
	}
}

// finishRun reconciles history after a successful turn.
func (m *tuiModel) finishRun(result *assistant.TurnResult) {
	m.running = false
	m.loading = false
	m.cancel = nil
	if result != nil {
		m.app.history = result.History
		if result.Reply == "" {
			m.statusText = m.app.catalog.Lookup(m.app.locale, notice.EmptyReply)
		}
	}
	m.persistTurn()
	m.refreshChat()
}

// finishError keeps whatever the turn produced and shows one localized notice.
func (m *tuiModel) finishError(err error) {
	m.running = false
	m.loading = false
	m.cancel = nil
	if history, ok := turnHistory(nil, err); ok {
		m.app.history = history
	}
	m.statusText = m.app.catalog.ForError(m.app.locale, err)
	m.app.logger.Debug("turn failed in tui", zap.Error(err))
	m.persistTurn()
	m.refreshChat()
}

// cancelRun abandons the running turn; its error arrives as streamErrorMsg.
func (m *tuiModel) cancelRun() {
	if m.cancel != nil {
		m.cancel()
	}
}

// persistTurn stores the turns the last run added.
func (m *tuiModel) persistTurn() {
	if err := m.app.persist(m.previousLen, m.app.history); err != nil {
		m.statusText = err.Error()
	}
	m.previousLen = len(m.app.history)
}

// refreshChat re-renders the conversation from history.
func (m *tuiModel) refreshChat() {
	var builder strings.Builder
	history := m.app.history.WithoutSystem()
	for i, turn := range history {
		streaming := m.running && i == len(history)-1
		builder.WriteString(m.renderTurn(turn, streaming))
		builder.WriteString("\n\n")
	}
	m.chatView.SetContent(builder.String())
	m.chatView.GotoBottom()
}

// applyWindowSize lays out the panes.
func (m *tuiModel) applyWindowSize(msg tea.WindowSizeMsg) {
	m.width = msg.Width
	m.height = msg.Height

	bodyHeight := m.height - 2 - m.input.Height() - 2
	if bodyHeight < 4 {
		bodyHeight = 4
	}
	m.chatView.Width = maxInt(20, m.width-4)
	m.chatView.Height = bodyHeight - 2
	m.input.SetWidth(maxInt(20, m.width-4))
	m.refreshChat()
}

func (m *tuiModel) renderHeader() string {
	style := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	return style.Render(padRight("arthelper", m.width))
}

func (m *tuiModel) renderBody() string {
	style := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	return style.Width(m.chatView.Width + 2).Render(m.chatView.View())
}

func (m *tuiModel) renderInput() string {
	style := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	return style.Render(m.input.View())
}

// renderStatus shows the loading indicator or the last notice.
func (m *tuiModel) renderStatus() string {
	style := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	text := m.statusText
	if m.loading {
		text = fmt.Sprintf("%s %s", m.spinner.View(), m.app.catalog.Lookup(m.app.locale, notice.Thinking))
	}
	if text == "" {
		text = "Enter: send | Alt+Enter: newline | Ctrl+C: stop | Ctrl+Q: quit"
	}
	return style.Render(padRight(text, m.width))
}

// renderTurn formats a chat entry for display.
func (m *tuiModel) renderTurn(turn conversation.Turn, streaming bool) string {
	label := "🎨"
	style := lipgloss.NewStyle().Bold(true)
	content := turn.Content
	switch turn.Role {
	case conversation.RoleUser:
		label = "👧"
		style = style.Foreground(lipgloss.Color("39"))
	case conversation.RoleAssistant:
		style = style.Foreground(lipgloss.Color("10"))
		if !streaming {
			content = m.renderMarkdown(content)
		}
	}
	return fmt.Sprintf("%s\n%s", style.Render(label), content)
}

// renderMarkdown converts markdown into terminal output when possible.
func (m *tuiModel) renderMarkdown(content string) string {
	if m.markdownRenderer == nil {
		return content
	}
	rendered, err := m.markdownRenderer.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimRight(rendered, "\n")
}

// padRight pads a string with spaces to the target width.
func padRight(value string, width int) string {
	runes := []rune(value)
	if len(runes) >= width {
		return value
	}
	return value + strings.Repeat(" ", width-len(runes))
}

// maxInt returns the maximum of two integers.
func maxInt(left int, right int) int {
	if left > right {
		return left
	}
	return right
}
