package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatwidget/pkg/config"
	"github.com/go-go-golems/chatwidget/pkg/control"
	"github.com/go-go-golems/chatwidget/pkg/ui"
	"github.com/go-go-golems/chatwidget/pkg/widget"
)

func newHostCommand(opts *rootOptions) *cobra.Command {
	var (
		url    string
		origin string
	)
	cmd := &cobra.Command{
		Use:         "host",
		Short:       "Run the host launcher against an embed process",
		Annotations: map[string]string{tuiAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHost(cmd.Context(), opts.settings, url, origin)
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://127.0.0.1:8090/control", "Control channel websocket URL")
	cmd.Flags().StringVar(&origin, "origin", "http://127.0.0.1:8090", "Origin presented to the embed process")
	return cmd
}

func runHost(ctx context.Context, s config.Settings, url, origin string) error {
	presenter := ui.NewPresenter()
	controller := widget.New(presenter)
	if err := controller.Init(s.Widget); err != nil {
		return err
	}
	port, err := control.Dial(ctx, url, origin)
	if err != nil {
		return errors.Wrap(err, "dial embed process")
	}
	defer func() { _ = port.Close() }()
	log.Info().Str("url", url).Msg("attached to embed process")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := controller.Run(gctx, port)
		if err == nil && gctx.Err() == nil {
			presenter.ShowNotice("Embed process disconnected.")
		}
		return err
	})
	g.Go(func() error {
		defer cancel()
		return ui.Run(gctx, presenter, ui.Actions{Toggle: controller.Toggle}, s.Widget, false)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
