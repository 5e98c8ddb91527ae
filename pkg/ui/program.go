package ui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatwidget/pkg/config"
)

// Run drives the program until the user quits or ctx ends.
func Run(ctx context.Context, p *Presenter, actions Actions, cfg config.Widget, open bool, opts ...tea.ProgramOption) error {
	defer p.Stop()
	opts = append([]tea.ProgramOption{tea.WithContext(ctx), tea.WithAltScreen()}, opts...)
	prog := tea.NewProgram(NewModel(ctx, p, actions, cfg, open), opts...)
	if _, err := prog.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return errors.Wrap(err, "run terminal ui")
	}
	return nil
}
