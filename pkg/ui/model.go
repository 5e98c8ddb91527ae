package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatwidget/pkg/chaterrors"
	"github.com/go-go-golems/chatwidget/pkg/config"
	"github.com/go-go-golems/chatwidget/pkg/embedded"
	"github.com/go-go-golems/chatwidget/pkg/session"
	"github.com/go-go-golems/chatwidget/pkg/timeline"
)

// Actions are the operations the keys trigger. Nil entries disable the key.
type Actions struct {
	Submit       func(ctx context.Context, text string) error
	Retry        func() error
	RequestClose func(ctx context.Context) error
	Toggle       func()
}

type submitResultMsg struct {
	text string
	err  error
}

type actionErrMsg struct{ err error }

var (
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	selfStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	otherStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("124")).Padding(0, 1)
	connectedDot = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("●")
	degradedDot  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Render("●")
	offlineDot   = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Render("●")
)

// Model is the bubbletea model of the widget.
type Model struct {
	ctx       context.Context
	presenter *Presenter
	actions   Actions

	cfg          config.Widget
	open         bool
	loading      bool
	inputEnabled bool
	notice       string
	connection   session.State
	snap         timeline.Snapshot

	input    textinput.Model
	spinner  spinner.Model
	viewport viewport.Model
	width    int
	height   int
}

// NewModel builds the model. open sets the initial launcher state for
// programs that have no host controller.
func NewModel(ctx context.Context, p *Presenter, actions Actions, cfg config.Widget, open bool) Model {
	in := textinput.New()
	in.Placeholder = "Type a message"
	in.CharLimit = 2000
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	vp := viewport.New(80, 12)
	m := Model{
		ctx:        ctx,
		presenter:  p,
		actions:    actions,
		cfg:        cfg.WithDefaults(),
		open:       open,
		connection: session.StateDisconnected,
		input:      in,
		spinner:    sp,
		viewport:   vp,
		width:      80,
	}
	m.applyTheme()
	return m
}

func (m *Model) applyTheme() {
	accent := lipgloss.Color(m.cfg.ThemeColor)
	m.spinner.Style = lipgloss.NewStyle().Foreground(accent)
	m.input.PromptStyle = lipgloss.NewStyle().Foreground(accent).Bold(true)
	m.input.Prompt = "> "
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.presenter.wait())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch ev := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = ev.Width, ev.Height
		m.input.Width = max(10, ev.Width-4)
		m.viewport.Width = ev.Width
		m.viewport.Height = max(3, ev.Height-8)
		m.refreshViewport()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(ev)

	case configureMsg:
		m.cfg = config.Widget(ev).WithDefaults()
		m.applyTheme()
		return m, m.presenter.wait()
	case loadingMsg:
		m.loading = bool(ev)
		return m, tea.Batch(m.spinner.Tick, m.presenter.wait())
	case inputEnabledMsg:
		m.inputEnabled = bool(ev)
		if m.inputEnabled && m.open {
			return m, tea.Batch(m.input.Focus(), m.presenter.wait())
		}
		m.input.Blur()
		return m, m.presenter.wait()
	case noticeMsg:
		m.notice = string(ev)
		return m, m.presenter.wait()
	case connectionMsg:
		m.connection = session.State(ev)
		return m, m.presenter.wait()
	case renderMsg:
		m.snap = timeline.Snapshot(ev)
		m.refreshViewport()
		if len(m.snap.Typing) > 0 {
			return m, tea.Batch(m.spinner.Tick, m.presenter.wait())
		}
		return m, m.presenter.wait()
	case restoreComposerMsg:
		m.input.SetValue(string(ev))
		m.input.CursorEnd()
		return m, m.presenter.wait()
	case focusMsg:
		if m.inputEnabled {
			return m, tea.Batch(m.input.Focus(), m.presenter.wait())
		}
		return m, m.presenter.wait()
	case launcherMsg:
		m.open = bool(ev)
		if !m.open {
			m.input.Blur()
		}
		return m, m.presenter.wait()

	case submitResultMsg:
		if ev.err != nil && !chaterrors.IsDelivery(ev.err) {
			// rejected before sending; the runtime did not touch the composer
			if m.input.Value() == "" {
				m.input.SetValue(ev.text)
				m.input.CursorEnd()
			}
			m.notice = rejectionNotice(ev.err)
		}
		return m, nil
	case actionErrMsg:
		m.notice = ev.err.Error()
		return m, nil

	case spinner.TickMsg:
		if !m.loading && len(m.snap.Typing) == 0 {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(ev)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func rejectionNotice(err error) string {
	switch {
	case errors.Is(err, embedded.ErrNotConnected):
		return "Not connected. Your message was not sent."
	case errors.Is(err, embedded.ErrNotReady):
		return "The chat is still starting."
	default:
		return err.Error()
	}
}

func (m Model) handleKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch k.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "ctrl+o":
		if m.actions.Toggle == nil {
			return m, nil
		}
		toggle := m.actions.Toggle
		return m, func() tea.Msg { toggle(); return nil }
	case "ctrl+r":
		if m.actions.Retry == nil {
			return m, nil
		}
		retry := m.actions.Retry
		return m, func() tea.Msg {
			if err := retry(); err != nil && !errors.Is(err, embedded.ErrBusy) {
				return actionErrMsg{err: err}
			}
			return nil
		}
	case "esc":
		if !m.open || m.actions.RequestClose == nil {
			return m, nil
		}
		closeFn, ctx := m.actions.RequestClose, m.ctx
		return m, func() tea.Msg {
			if err := closeFn(ctx); err != nil {
				return actionErrMsg{err: err}
			}
			return nil
		}
	case "enter":
		if !m.open || !m.inputEnabled || m.actions.Submit == nil {
			return m, nil
		}
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return m, nil
		}
		m.input.Reset()
		submit, ctx := m.actions.Submit, m.ctx
		return m, func() tea.Msg {
			return submitResultMsg{text: text, err: submit(ctx, text)}
		}
	}
	if !m.open || !m.inputEnabled {
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(k)
	return m, cmd
}

func (m *Model) refreshViewport() {
	m.viewport.SetContent(renderTimeline(m.snap, m.width))
	m.viewport.GotoBottom()
}

// renderTimeline renders messages oldest first with delivery markers.
func renderTimeline(snap timeline.Snapshot, width int) string {
	if len(snap.Messages) == 0 {
		return mutedStyle.Render("No messages yet.")
	}
	wrap := lipgloss.NewStyle().Width(max(20, width-2))
	var b strings.Builder
	for i, msg := range snap.Messages {
		if i > 0 {
			b.WriteString("\n")
		}
		author := otherStyle.Render(msg.AuthorID)
		if msg.AuthorID == snap.LocalUserID {
			author = selfStyle.Render("you")
		}
		line := fmt.Sprintf("%s %s %s", mutedStyle.Render(msg.CreatedAt.Local().Format("15:04")), author, msg.Text())
		switch msg.Delivery {
		case timeline.DeliveryPending:
			line += " " + mutedStyle.Render("(sending…)")
		case timeline.DeliveryFailed:
			line += " " + failedStyle.Render("(not delivered)")
		}
		b.WriteString(wrap.Render(line))
	}
	return b.String()
}

func (m Model) View() string {
	accent := lipgloss.Color(m.cfg.ThemeColor)
	if !m.open {
		launcher := lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Background(accent).
			Padding(0, 1).
			Render("💬 " + m.cfg.Title)
		return launcher + mutedStyle.Render("  ctrl+o open · ctrl+c quit") + "\n"
	}

	var b strings.Builder
	header := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(m.cfg.Title)
	b.WriteString(header + " " + connectionDot(m.connection) + " " + mutedStyle.Render(string(m.connection)))
	if m.loading {
		b.WriteString(" " + m.spinner.View())
	}
	b.WriteString("\n")
	if m.actions.Submit == nil {
		// host-only program; the conversation renders in the embedded process
		b.WriteString(mutedStyle.Render("The chat is open in the embedded window.") + "\n")
		b.WriteString(mutedStyle.Render("ctrl+o close · ctrl+c quit"))
		return b.String()
	}
	if m.notice != "" {
		b.WriteString(noticeStyle.Render(m.notice) + "\n")
	}
	b.WriteString(m.viewport.View() + "\n")
	if len(m.snap.Typing) > 0 {
		b.WriteString(m.spinner.View() + " " + mutedStyle.Render(strings.Join(m.snap.Typing, ", ")+" typing") + "\n")
	}
	if m.inputEnabled {
		b.WriteString(m.input.View() + "\n")
	} else {
		b.WriteString(mutedStyle.Render("> input disabled") + "\n")
	}
	b.WriteString(mutedStyle.Render("enter send · esc close · ctrl+o toggle · ctrl+r retry · ctrl+c quit"))
	return b.String()
}

func connectionDot(s session.State) string {
	switch s {
	case session.StateConnected:
		return connectedDot
	case session.StateDegraded, session.StateConnecting:
		return degradedDot
	default:
		return offlineDot
	}
}
