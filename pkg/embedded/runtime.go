// Package embedded runs the embedded side of the widget: it waits for
// init-config, establishes the session, loads history, opens the realtime
// subscription and then announces chat-ui-ready to the host.
package embedded

import (
	"context"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/backend"
	"github.com/go-go-golems/chatwidget/pkg/chaterrors"
	"github.com/go-go-golems/chatwidget/pkg/config"
	"github.com/go-go-golems/chatwidget/pkg/control"
	"github.com/go-go-golems/chatwidget/pkg/identity"
	"github.com/go-go-golems/chatwidget/pkg/metrics"
	"github.com/go-go-golems/chatwidget/pkg/realtime"
	"github.com/go-go-golems/chatwidget/pkg/session"
	"github.com/go-go-golems/chatwidget/pkg/timeline"
)

const (
	NoticeInitFailed    = "Unable to initialize the chat. Check the configuration."
	NoticeConnectFailed = "Unable to reach the chat service."
	NoticeHistoryFailed = "Could not load the message history."
	NoticeSendFailed    = "Message could not be sent."
)

var (
	ErrNotReady      = errors.New("chat is not ready")
	ErrNotConnected  = errors.New("chat is not connected")
	ErrUnrecoverable = errors.New("chat initialization failed permanently")
	ErrBusy          = errors.New("initialization already in progress")
)

type Options struct {
	Backend    backend.Backend
	Identity   *identity.Store
	Presenter  Presenter
	NewBackoff func() backoff.BackOff
	Metrics    *metrics.Metrics
}

type Runtime struct {
	port      control.Port
	manager   *session.Manager
	presenter Presenter
	opts      Options

	mu           sync.Mutex
	cfg          *config.Widget
	ready        bool
	fatal        error
	initializing bool
	runCtx       context.Context
	sess         *session.Session
	tl           *timeline.Engine
	sub          *realtime.Subscription
	wg           sync.WaitGroup
}

func New(port control.Port, opts Options) *Runtime {
	if opts.Presenter == nil {
		opts.Presenter = NopPresenter{}
	}
	return &Runtime{
		port:      port,
		manager:   session.NewManager(opts.Identity, opts.Backend),
		presenter: opts.Presenter,
		opts:      opts,
	}
}

// Run serves the control channel until the port closes or ctx ends. Only the
// first init-config is honoured; without it the runtime never becomes ready.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.runCtx = ctx
	r.mu.Unlock()
	r.presenter.SetInputEnabled(false)

	mux := control.NewMux("embedded")
	mux.Handle(control.TypeInitConfig, r.handleInitConfig)
	mux.Handle(control.TypeFocusInput, func(context.Context, control.Envelope) error {
		r.presenter.FocusInput()
		return nil
	})
	err := mux.Serve(ctx, r.port)

	cancel()
	r.wg.Wait()
	r.shutdown()
	return err
}

func (r *Runtime) handleInitConfig(ctx context.Context, env control.Envelope) error {
	var cfg config.Widget
	decodeErr := env.Decode(&cfg)

	r.mu.Lock()
	if r.cfg != nil || r.fatal != nil {
		r.mu.Unlock()
		log.Debug().Str("component", "embedded").Msg("ignoring repeated init-config")
		return nil
	}
	if decodeErr == nil {
		decodeErr = cfg.Validate()
	} else {
		decodeErr = chaterrors.Config("init", decodeErr)
	}
	if decodeErr != nil {
		r.fatal = decodeErr
		r.mu.Unlock()
		log.Error().Err(decodeErr).Str("component", "embedded").Msg("invalid init-config, chat stays unavailable")
		r.presenter.ShowNotice(NoticeInitFailed)
		return decodeErr
	}
	cfg = cfg.WithDefaults()
	r.cfg = &cfg
	r.initializing = true
	r.wg.Add(1)
	r.mu.Unlock()

	r.presenter.Configure(cfg)
	go func() {
		defer r.wg.Done()
		r.bootstrap(ctx, cfg)
	}()
	return nil
}

// Retry re-runs initialization after a connection failure. It never runs on
// its own.
func (r *Runtime) Retry() error {
	r.mu.Lock()
	switch {
	case r.fatal != nil:
		r.mu.Unlock()
		return ErrUnrecoverable
	case r.cfg == nil:
		r.mu.Unlock()
		return ErrNotReady
	case r.ready:
		r.mu.Unlock()
		return nil
	case r.initializing:
		r.mu.Unlock()
		return ErrBusy
	}
	ctx := r.runCtx
	if ctx == nil || ctx.Err() != nil {
		r.mu.Unlock()
		return ErrNotReady
	}
	cfg := *r.cfg
	r.initializing = true
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.bootstrap(ctx, cfg)
	}()
	return nil
}

// bootstrap runs establish, history load and subscription open in order.
func (r *Runtime) bootstrap(ctx context.Context, cfg config.Widget) {
	logger := log.With().Str("component", "embedded").Str("config_id", cfg.WebhookID).Logger()
	r.presenter.SetLoading(true)
	defer r.presenter.SetLoading(false)
	defer func() {
		r.mu.Lock()
		r.initializing = false
		r.mu.Unlock()
	}()

	sess, err := r.manager.Establish(ctx, cfg.WebhookID)
	if err != nil {
		if chaterrors.IsConfig(err) {
			r.mu.Lock()
			r.fatal = err
			r.mu.Unlock()
			r.presenter.ShowNotice(NoticeInitFailed)
		} else {
			r.presenter.ShowNotice(NoticeConnectFailed)
		}
		logger.Error().Err(err).Msg("session establish failed")
		return
	}
	sess.OnStateChange(r.presenter.SetConnection)
	r.presenter.SetConnection(sess.State())

	tl := timeline.New(sess, sess.UserID(), timeline.Options{Metrics: r.opts.Metrics})
	tl.OnChange(r.presenter.Render)
	r.presenter.ShowNotice("")
	if _, err := tl.LoadHistory(ctx); err != nil {
		logger.Warn().Err(err).Msg("history load failed")
		r.presenter.ShowNotice(NoticeHistoryFailed)
	}

	sub := realtime.New(sess, realtime.Options{
		NewBackoff: r.opts.NewBackoff,
		OnEvent:    tl.IngestRealtime,
		Resync: func(ctx context.Context) error {
			_, err := tl.LoadHistory(ctx)
			return err
		},
		OnNotice: r.presenter.ShowNotice,
		OnStatus: func(st realtime.Status) {
			switch st {
			case realtime.StatusActive:
				sess.MarkConnected()
			case realtime.StatusErrored, realtime.StatusReconnecting:
				if sess.State() == session.StateConnected {
					tl.ClearTyping()
				}
				sess.MarkDegraded()
			case realtime.StatusSubscribing:
				// first subscribe keeps connecting; a resubscribe after active degrades
				if sess.State() == session.StateConnected {
					tl.ClearTyping()
					sess.MarkDegraded()
				}
			case realtime.StatusClosed:
				sess.MarkDisconnected()
			}
		},
		Metrics: r.opts.Metrics,
	})

	r.mu.Lock()
	if ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	r.sess, r.tl, r.sub = sess, tl, sub
	r.mu.Unlock()

	if err := sub.Open(ctx, sess.ConversationID()); err != nil {
		// the subscription keeps retrying on its own
		logger.Warn().Err(err).Msg("realtime subscription not yet active")
	}

	r.mu.Lock()
	if ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	r.ready = true
	r.mu.Unlock()

	r.presenter.SetInputEnabled(true)
	if err := control.Post(ctx, r.port, control.TypeChatUIReady, nil); err != nil {
		logger.Warn().Err(err).Msg("chat-ui-ready not delivered")
	}
	logger.Info().Str("conv_id", sess.ConversationID()).Msg("chat ready")
}

func (r *Runtime) shutdown() {
	r.mu.Lock()
	sub, sess := r.sub, r.sess
	r.ready = false
	r.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
	if sess != nil {
		sess.MarkDisconnected()
	}
}

func (r *Runtime) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// Err returns the configuration error that made the runtime unusable, if any.
func (r *Runtime) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

func (r *Runtime) Session() *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess
}

func (r *Runtime) Timeline() *timeline.Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tl
}

func (r *Runtime) Subscription() *realtime.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sub
}

// Submit sends text optimistically. On failure the message is marked failed,
// the text is handed back to the composer and a DeliveryError is returned.
func (r *Runtime) Submit(ctx context.Context, text string) (timeline.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return timeline.Message{}, timeline.ErrEmptyMessage
	}
	r.mu.Lock()
	ready, sess, tl := r.ready, r.sess, r.tl
	r.mu.Unlock()
	if !ready || tl == nil {
		return timeline.Message{}, ErrNotReady
	}
	if sess.State() != session.StateConnected {
		return timeline.Message{}, ErrNotConnected
	}

	pending, err := tl.AppendOptimistic(text)
	if err != nil {
		return timeline.Message{}, err
	}
	msg, err := tl.ConfirmSend(ctx, pending)
	if err != nil {
		if undelivered, ok := chaterrors.UndeliveredText(err); ok {
			r.presenter.RestoreComposer(undelivered)
		}
		r.presenter.ShowNotice(NoticeSendFailed)
		return msg, err
	}
	return msg, nil
}

// RequestClose asks the host to close the widget.
func (r *Runtime) RequestClose(ctx context.Context) error {
	return control.Post(ctx, r.port, control.TypeRequestClose, nil)
}
