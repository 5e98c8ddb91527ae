package embedded

import (
	"github.com/go-go-golems/chatwidget/pkg/config"
	"github.com/go-go-golems/chatwidget/pkg/session"
	"github.com/go-go-golems/chatwidget/pkg/timeline"
)

// Presenter renders the state the runtime produces. Calls may come from any
// goroutine.
type Presenter interface {
	Configure(cfg config.Widget)
	SetLoading(loading bool)
	SetInputEnabled(enabled bool)
	// ShowNotice displays a banner; an empty string clears it.
	ShowNotice(text string)
	SetConnection(state session.State)
	Render(snap timeline.Snapshot)
	// RestoreComposer puts undelivered text back into the input.
	RestoreComposer(text string)
	FocusInput()
}

// NopPresenter discards everything.
type NopPresenter struct{}

var _ Presenter = NopPresenter{}

func (NopPresenter) Configure(config.Widget) {}
func (NopPresenter) SetLoading(bool) {}
func (NopPresenter) SetInputEnabled(bool) {}
func (NopPresenter) ShowNotice(string) {}
func (NopPresenter) SetConnection(session.State) {}
func (NopPresenter) Render(timeline.Snapshot) {}
func (NopPresenter) RestoreComposer(string) {}
func (NopPresenter) FocusInput() {}
