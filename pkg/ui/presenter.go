// Package ui is the terminal rendering of the widget: a bubbletea program
// that shows the launcher, the conversation timeline, the notice banner and a
// composer.
package ui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/go-go-golems/chatwidget/pkg/config"
	"github.com/go-go-golems/chatwidget/pkg/embedded"
	"github.com/go-go-golems/chatwidget/pkg/session"
	"github.com/go-go-golems/chatwidget/pkg/timeline"
	"github.com/go-go-golems/chatwidget/pkg/widget"
)

type (
	configureMsg       config.Widget
	loadingMsg         bool
	inputEnabledMsg    bool
	noticeMsg          string
	connectionMsg      session.State
	renderMsg          timeline.Snapshot
	restoreComposerMsg string
	focusMsg           struct{}
	launcherMsg        bool
)

// Presenter forwards runtime and controller callbacks to the program as
// bubbletea messages. It is safe to call from any goroutine.
type Presenter struct {
	events chan tea.Msg
	done   chan struct{}
}

var (
	_ embedded.Presenter = (*Presenter)(nil)
	_ widget.Launcher    = (*Presenter)(nil)
)

func NewPresenter() *Presenter {
	return &Presenter{
		events: make(chan tea.Msg, 128),
		done:   make(chan struct{}),
	}
}

// Stop unblocks pending sends once the program has exited.
func (p *Presenter) Stop() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

func (p *Presenter) send(msg tea.Msg) {
	select {
	case p.events <- msg:
	case <-p.done:
	}
}

// wait returns a command delivering the next forwarded message.
func (p *Presenter) wait() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-p.events:
			return msg
		case <-p.done:
			return nil
		}
	}
}

func (p *Presenter) Configure(cfg config.Widget) { p.send(configureMsg(cfg)) }
func (p *Presenter) SetLoading(loading bool) { p.send(loadingMsg(loading)) }
func (p *Presenter) SetInputEnabled(enabled bool) { p.send(inputEnabledMsg(enabled)) }
func (p *Presenter) ShowNotice(text string) { p.send(noticeMsg(text)) }
func (p *Presenter) SetConnection(state session.State) { p.send(connectionMsg(state)) }
func (p *Presenter) Render(snap timeline.Snapshot) { p.send(renderMsg(snap)) }
func (p *Presenter) RestoreComposer(text string) { p.send(restoreComposerMsg(text)) }
func (p *Presenter) FocusInput() { p.send(focusMsg{}) }
func (p *Presenter) SetOpen(open bool) { p.send(launcherMsg(open)) }
