package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatwidget/pkg/backend"
	"github.com/go-go-golems/chatwidget/pkg/backend/httpclient"
	"github.com/go-go-golems/chatwidget/pkg/config"
	"github.com/go-go-golems/chatwidget/pkg/control"
	"github.com/go-go-golems/chatwidget/pkg/embedded"
	"github.com/go-go-golems/chatwidget/pkg/identity"
	"github.com/go-go-golems/chatwidget/pkg/metrics"
	"github.com/go-go-golems/chatwidget/pkg/ui"
	"github.com/go-go-golems/chatwidget/pkg/widget"
)

func newChatCommand(opts *rootOptions) *cobra.Command {
	var useLocal bool
	cmd := &cobra.Command{
		Use:         "chat",
		Short:       "Run host controller and embedded chat in one terminal",
		Annotations: map[string]string{tuiAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), opts.settings, useLocal)
		},
	}
	cmd.Flags().BoolVar(&useLocal, "local", false, "Use an in-process backend instead of --backend-url")
	return cmd
}

// embeddedDeps are the collaborators every embedded runtime needs.
type embeddedDeps struct {
	backend  backend.Backend
	identity *identity.Store
	options  embedded.Options
	closers  []func()
}

func (d *embeddedDeps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func newEmbeddedDeps(s config.Settings, useLocal bool, presenter embedded.Presenter) (*embeddedDeps, error) {
	d := &embeddedDeps{}
	if useLocal {
		stack, err := newLocalStack(s)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, stack.Close)
		d.backend = stack.svc.Backend()
	} else {
		client, err := httpclient.New(httpclient.Options{
			BaseURL:   s.Backend.URL,
			Timeout:   s.Backend.Timeout,
			Keepalive: s.Backend.Keepalive,
		})
		if err != nil {
			return nil, err
		}
		d.backend = client
	}

	kv, err := identity.Open(s.Identity)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.identity = identity.NewStore(kv)
	d.closers = append(d.closers, func() {
		if err := d.identity.Close(); err != nil {
			log.Warn().Err(err).Msg("identity store close failed")
		}
	})

	newBackoff, err := s.Realtime.NewBackoff()
	if err != nil {
		d.Close()
		return nil, err
	}
	d.options = embedded.Options{
		Backend:    d.backend,
		Identity:   d.identity,
		Presenter:  presenter,
		NewBackoff: newBackoff,
		Metrics:    metrics.New(),
	}
	return d, nil
}

func runtimeActions(rt func() *embedded.Runtime) ui.Actions {
	return ui.Actions{
		Submit: func(ctx context.Context, text string) error {
			r := rt()
			if r == nil {
				return embedded.ErrNotReady
			}
			_, err := r.Submit(ctx, text)
			return err
		},
		Retry: func() error {
			r := rt()
			if r == nil {
				return embedded.ErrNotReady
			}
			return r.Retry()
		},
		RequestClose: func(ctx context.Context) error {
			r := rt()
			if r == nil {
				return embedded.ErrNotReady
			}
			return r.RequestClose(ctx)
		},
	}
}

func runChat(ctx context.Context, s config.Settings, useLocal bool) error {
	presenter := ui.NewPresenter()
	controller := widget.New(presenter)
	if err := controller.Init(s.Widget); err != nil {
		return err
	}
	deps, err := newEmbeddedDeps(s, useLocal, presenter)
	if err != nil {
		return err
	}
	defer deps.Close()

	host, emb := control.Pipe(16)
	rt := embedded.New(emb, deps.options)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Run(gctx) })
	g.Go(func() error { return controller.Run(gctx, host) })
	g.Go(func() error {
		defer cancel()
		actions := runtimeActions(func() *embedded.Runtime { return rt })
		actions.Toggle = controller.Toggle
		return ui.Run(gctx, presenter, actions, s.Widget, false)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
