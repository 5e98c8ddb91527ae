package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatwidget/pkg/config"
	"github.com/go-go-golems/chatwidget/pkg/control"
	"github.com/go-go-golems/chatwidget/pkg/embedded"
	"github.com/go-go-golems/chatwidget/pkg/ui"
)

func newEmbedCommand(opts *rootOptions) *cobra.Command {
	var (
		listen   string
		useLocal bool
	)
	cmd := &cobra.Command{
		Use:         "embed",
		Short:       "Run the embedded chat and accept a host over a websocket control channel",
		Annotations: map[string]string{tuiAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEmbed(cmd.Context(), opts.settings, listen, useLocal)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8090", "Control channel listen address (served at /control)")
	cmd.Flags().BoolVar(&useLocal, "local", false, "Use an in-process backend instead of --backend-url")
	return cmd
}

// embedSlot holds the runtime of the currently attached host. Only one host
// is served at a time.
type embedSlot struct {
	mu sync.Mutex
	rt *embedded.Runtime
}

func (s *embedSlot) get() *embedded.Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rt
}

func (s *embedSlot) claim(rt *embedded.Runtime) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rt != nil {
		return false
	}
	s.rt = rt
	return true
}

func (s *embedSlot) release(rt *embedded.Runtime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rt == rt {
		s.rt = nil
	}
}

func runEmbed(ctx context.Context, s config.Settings, listen string, useLocal bool) error {
	presenter := ui.NewPresenter()
	deps, err := newEmbeddedDeps(s, useLocal, presenter)
	if err != nil {
		return err
	}
	defer deps.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	slot := &embedSlot{}

	mux := http.NewServeMux()
	mux.Handle("/control", control.Handler(control.HandlerOptions{
		AllowedOrigins: s.Server.AllowedOrigins,
		Serve: func(reqCtx context.Context, p control.Port) {
			rt := embedded.New(p, deps.options)
			if !slot.claim(rt) {
				log.Warn().Msg("a host is already attached, rejecting control connection")
				return
			}
			defer slot.release(rt)
			runCtx, stop := context.WithCancel(ctx)
			defer stop()
			defer context.AfterFunc(reqCtx, stop)()
			if err := rt.Run(runCtx); err != nil {
				log.Warn().Err(err).Msg("embedded runtime stopped")
			}
			presenter.ShowNotice("Host disconnected.")
			presenter.SetInputEnabled(false)
		},
	}))
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", listen).Msg("waiting for host on control channel")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer done()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		defer cancel()
		return ui.Run(gctx, presenter, runtimeActions(slot.get), s.Widget, true)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
