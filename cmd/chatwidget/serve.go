package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatwidget/pkg/backend/local"
	"github.com/go-go-golems/chatwidget/pkg/config"
	"github.com/go-go-golems/chatwidget/pkg/metrics"
	"github.com/go-go-golems/chatwidget/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatwidget/pkg/redisstream"
	"github.com/go-go-golems/chatwidget/pkg/webchat"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the demo chat backend over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := opts.settings
			if addr != "" {
				s.Server.Addr = addr
			}
			return runServe(cmd.Context(), s)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address")
	return cmd
}

// localStack is an in-process backend with its storage and transport.
type localStack struct {
	store     chatstore.Store
	transport *redisstream.Transport
	svc       *local.Service
}

func newLocalStack(s config.Settings) (*localStack, error) {
	var store chatstore.Store
	if s.Server.DBPath != "" {
		dsn, err := chatstore.SQLiteDSNForFile(s.Server.DBPath)
		if err != nil {
			return nil, err
		}
		sqlStore, err := chatstore.NewSQLiteStore(dsn)
		if err != nil {
			return nil, err
		}
		store = sqlStore
	} else {
		store = chatstore.NewInMemoryStore(0)
	}
	tr, err := redisstream.Build(s.Redis)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	svc, err := local.NewService(local.Options{
		Store:     store,
		Transport: tr,
		Responder: local.EchoResponder{Delay: s.Server.ReplyDelay},
	})
	if err != nil {
		_ = tr.Close()
		_ = store.Close()
		return nil, err
	}
	return &localStack{store: store, transport: tr, svc: svc}, nil
}

func (l *localStack) Close() {
	_ = l.svc.Close()
	if err := l.transport.Close(); err != nil {
		log.Warn().Err(err).Msg("transport close failed")
	}
	if err := l.store.Close(); err != nil {
		log.Warn().Err(err).Msg("store close failed")
	}
}

func runServe(ctx context.Context, s config.Settings) error {
	stack, err := newLocalStack(s)
	if err != nil {
		return err
	}
	defer stack.Close()

	srv, err := webchat.NewServer(ctx, stack.svc, stack.transport, webchat.Options{
		Addr:           s.Server.Addr,
		AllowedOrigins: s.Server.AllowedOrigins,
		IdleTimeout:    s.Server.IdleTimeout,
		PingInterval:   s.Server.PingInterval,
		RateLimit:      s.Server.RateLimit,
		RateBurst:      s.Server.RateBurst,
		Metrics:        metrics.New(),
	})
	if err != nil {
		return err
	}
	log.Info().
		Bool("redis", stack.transport.RedisEnabled()).
		Str("db", s.Server.DBPath).
		Msg("demo backend configured")
	return srv.Run(ctx)
}
