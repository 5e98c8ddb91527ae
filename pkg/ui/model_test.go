package ui

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatwidget/pkg/backend"
	"github.com/go-go-golems/chatwidget/pkg/chaterrors"
	"github.com/go-go-golems/chatwidget/pkg/config"
	"github.com/go-go-golems/chatwidget/pkg/embedded"
	"github.com/go-go-golems/chatwidget/pkg/session"
	"github.com/go-go-golems/chatwidget/pkg/timeline"
)

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	require.True(t, ok)
	return nm, cmd
}

func openModel(t *testing.T, actions Actions) Model {
	t.Helper()
	if actions.Submit == nil {
		actions.Submit = func(context.Context, string) error { return nil }
	}
	m := NewModel(context.Background(), NewPresenter(), actions, config.Widget{WebhookID: "wh1", Title: "Support"}, true)
	m, _ = update(t, m, inputEnabledMsg(true))
	return m
}

func TestPresenterForwardsMessages(t *testing.T) {
	p := NewPresenter()
	go p.ShowNotice("offline")
	require.Equal(t, noticeMsg("offline"), p.wait()())

	go p.SetOpen(true)
	require.Equal(t, launcherMsg(true), p.wait()())

	p.Stop()
	require.Nil(t, p.wait()())
	// sends after Stop never block
	for i := 0; i < 200; i++ {
		p.FocusInput()
	}
}

func TestView_ClosedShowsLauncher(t *testing.T) {
	toggled := 0
	m := NewModel(context.Background(), NewPresenter(), Actions{Toggle: func() { toggled++ }}, config.Widget{WebhookID: "wh1", Title: "Support"}, false)
	require.Contains(t, m.View(), "Support")
	require.Contains(t, m.View(), "ctrl+o open")

	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlO})
	require.NotNil(t, cmd)
	cmd()
	require.Equal(t, 1, toggled)

	m, _ = update(t, m, launcherMsg(true))
	require.Contains(t, m.View(), "enter send")
}

func TestRenderTimelineMarkers(t *testing.T) {
	now := time.Now()
	snap := timeline.Snapshot{
		LocalUserID: "u1",
		Messages: []timeline.Message{
			{ID: "1", AuthorID: "bot", CreatedAt: now, Payload: backend.TextPayload("hello"), Delivery: timeline.DeliveryConfirmed},
			{ID: "local-1", AuthorID: "u1", CreatedAt: now, Payload: backend.TextPayload("hi"), Delivery: timeline.DeliveryPending},
			{ID: "local-2", AuthorID: "u1", CreatedAt: now, Payload: backend.TextPayload("lost"), Delivery: timeline.DeliveryFailed},
			{ID: "3", AuthorID: "bot", CreatedAt: now, Payload: backend.Payload{Type: "image"}, Delivery: timeline.DeliveryConfirmed},
		},
		Typing: []string{"bot"},
	}
	out := renderTimeline(snap, 120)
	require.Contains(t, out, "hello")
	require.Contains(t, out, "you")
	require.Contains(t, out, "(sending…)")
	require.Contains(t, out, "(not delivered)")
	require.Contains(t, out, "[Message type image]")

	m := openModel(t, Actions{})
	m, _ = update(t, m, renderMsg(snap))
	require.Contains(t, m.View(), "bot typing")
	require.Contains(t, renderTimeline(timeline.Snapshot{}, 80), "No messages yet.")
}

func TestEnterSubmitsAndClearsComposer(t *testing.T) {
	var mu sync.Mutex
	var sent []string
	m := openModel(t, Actions{Submit: func(_ context.Context, text string) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, text)
		return nil
	}})
	m.input.SetValue("  hello  ")

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	require.Equal(t, "", m.input.Value())
	res := cmd()
	require.Equal(t, submitResultMsg{text: "hello"}, res)
	require.Equal(t, []string{"hello"}, sent)

	// blank input does nothing
	_, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.Nil(t, cmd)
}

func TestRejectedSubmitRestoresText(t *testing.T) {
	m := openModel(t, Actions{})
	m, _ = update(t, m, submitResultMsg{text: "hello", err: embedded.ErrNotConnected})
	require.Equal(t, "hello", m.input.Value())
	require.Contains(t, m.notice, "Not connected")

	// delivery failures are restored by the runtime through RestoreComposer
	m = openModel(t, Actions{})
	m, _ = update(t, m, submitResultMsg{text: "x", err: chaterrors.Delivery("send", "x", errors.New("500"))})
	require.Equal(t, "", m.input.Value())
	m, _ = update(t, m, restoreComposerMsg("x"))
	require.Equal(t, "x", m.input.Value())
}

func TestDisabledInputIgnoresEnter(t *testing.T) {
	called := false
	m := NewModel(context.Background(), NewPresenter(), Actions{Submit: func(context.Context, string) error {
		called = true
		return nil
	}}, config.Widget{WebhookID: "wh1"}, true)
	m.input.SetValue("hi")
	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.Nil(t, cmd)
	require.False(t, called)
	require.Contains(t, m.View(), "input disabled")
}

func TestConnectionAndNoticeRendering(t *testing.T) {
	m := openModel(t, Actions{})
	m, _ = update(t, m, connectionMsg(session.StateDegraded))
	m, _ = update(t, m, noticeMsg("Connection lost. Reconnecting…"))
	view := m.View()
	require.Contains(t, view, string(session.StateDegraded))
	require.Contains(t, view, "Connection lost")

	m, _ = update(t, m, noticeMsg(""))
	require.NotContains(t, m.View(), "Connection lost")
}

func TestEscRequestsClose(t *testing.T) {
	closed := false
	m := openModel(t, Actions{RequestClose: func(context.Context) error {
		closed = true
		return nil
	}})
	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	require.NotNil(t, cmd)
	require.Nil(t, cmd())
	require.True(t, closed)
}

func TestHostOnlyView(t *testing.T) {
	m := NewModel(context.Background(), NewPresenter(), Actions{Toggle: func() {}}, config.Widget{WebhookID: "wh1"}, true)
	require.Contains(t, m.View(), "embedded window")
	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.Nil(t, cmd)
}
