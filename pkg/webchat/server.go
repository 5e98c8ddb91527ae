package webchat

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatwidget/pkg/backend"
	"github.com/go-go-golems/chatwidget/pkg/backend/local"
	"github.com/go-go-golems/chatwidget/pkg/metrics"
)

const APIPrefix = "/api/v1"

type Options struct {
	Addr string
	// AllowedOrigins restricts browser origins on the listen websocket. Empty
	// accepts any origin; listeners still need a valid token.
	AllowedOrigins []string
	// IdleTimeout stops a conversation's stream coordinator once it has had no
	// listeners for this long. Zero keeps coordinators running.
	IdleTimeout time.Duration
	// PingInterval paces websocket keepalive pings to listeners; zero uses
	// DefaultPingInterval, negative disables them.
	PingInterval time.Duration
	// RateLimit is message creations per second per user; zero disables it.
	RateLimit float64
	RateBurst int
	Metrics   *metrics.Metrics
}

// Server exposes a local.Service over HTTP and websockets.
type Server struct {
	svc     *local.Service
	hub     *StreamHub
	limiter *limiterPool
	metrics *metrics.Metrics
	logger  zerolog.Logger

	upgrader websocket.Upgrader
	mux      *http.ServeMux
	httpSrv  *http.Server
}

// NewServer builds the route table. ctx bounds the lifetime of the stream
// coordinators started for listeners.
func NewServer(ctx context.Context, svc *local.Service, source SubscriberSource, opts Options) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if svc == nil {
		return nil, errors.New("service is nil")
	}
	hub, err := NewStreamHub(ctx, source, opts.IdleTimeout, opts.PingInterval, opts.Metrics)
	if err != nil {
		return nil, err
	}
	s := &Server{
		svc:     svc,
		hub:     hub,
		limiter: newLimiterPool(opts.RateLimit, opts.RateBurst),
		metrics: opts.Metrics,
		logger:  log.With().Str("component", "webchat").Logger(),
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
	}
	s.routes()
	s.httpSrv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func originChecker(origins []string) func(*http.Request) bool {
	allowed := map[string]struct{}{}
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			allowed[o] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := strings.TrimRight(r.Header.Get("Origin"), "/")
		if len(allowed) == 0 || origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST "+APIPrefix+"/connect", s.handleConnect)
	s.mux.HandleFunc("POST "+APIPrefix+"/conversations", s.handleCreateConversation)
	s.mux.HandleFunc("GET "+APIPrefix+"/conversations/{id}/messages", s.handleListMessages)
	s.mux.HandleFunc("POST "+APIPrefix+"/conversations/{id}/messages", s.handleCreateMessage)
	s.mux.HandleFunc("GET "+APIPrefix+"/conversations/{id}/listen", s.handleListen)
	s.mux.Handle("GET /metrics", s.metrics.Handler())
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) Hub() *StreamHub { return s.hub }

func (s *Server) HTTPServer() *http.Server { return s.httpSrv }

// Run serves until ctx ends, then shuts the HTTP server down and drops all
// listeners.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		s.hub.Close()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("server shutdown error")
			return err
		}
		s.logger.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("starting chat backend server")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}

type connectRequest struct {
	ConfigID string `json:"configId"`
	Token    string `json:"token"`
}

type conversationResponse struct {
	ConversationID string `json:"conversationId"`
}

type messagesResponse struct {
	Messages []backend.Message `json:"messages"`
}

type createMessageRequest struct {
	Payload backend.Payload `json:"payload"`
}

func (s *Server) handleConnect(w http.ResponseWriter, req *http.Request) {
	var body connectRequest
	if !decodeBody(w, req, &body) {
		return
	}
	if strings.TrimSpace(body.ConfigID) == "" {
		http.Error(w, "missing configId", http.StatusBadRequest)
		return
	}
	user, err := s.svc.Connect(req.Context(), body.ConfigID, body.Token)
	if err != nil {
		writeServiceError(w, s.logger, "connect", err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, user)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, req *http.Request) {
	user, err := s.svc.Authenticate(req.Context(), bearerToken(req))
	if err != nil {
		writeServiceError(w, s.logger, "create conversation", err)
		return
	}
	convID, err := s.svc.CreateConversation(req.Context(), user)
	if err != nil {
		writeServiceError(w, s.logger, "create conversation", err)
		return
	}
	writeJSON(w, s.logger, http.StatusCreated, conversationResponse{ConversationID: convID})
}

func (s *Server) handleListMessages(w http.ResponseWriter, req *http.Request) {
	user, err := s.svc.Authenticate(req.Context(), bearerToken(req))
	if err != nil {
		writeServiceError(w, s.logger, "list messages", err)
		return
	}
	msgs, err := s.svc.ListMessages(req.Context(), user.UserID, req.PathValue("id"))
	if err != nil {
		writeServiceError(w, s.logger, "list messages", err)
		return
	}
	if msgs == nil {
		msgs = []backend.Message{}
	}
	writeJSON(w, s.logger, http.StatusOK, messagesResponse{Messages: msgs})
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, req *http.Request) {
	user, err := s.svc.Authenticate(req.Context(), bearerToken(req))
	if err != nil {
		writeServiceError(w, s.logger, "create message", err)
		return
	}
	if !s.limiter.Allow(user.UserID) {
		s.metrics.RateLimited()
		http.Error(w, "too many messages", http.StatusTooManyRequests)
		return
	}
	var body createMessageRequest
	if !decodeBody(w, req, &body) {
		return
	}
	msg, err := s.svc.CreateMessage(req.Context(), user.UserID, req.PathValue("id"), body.Payload)
	if err != nil {
		writeServiceError(w, s.logger, "create message", err)
		return
	}
	writeJSON(w, s.logger, http.StatusCreated, msg)
}

func (s *Server) handleListen(w http.ResponseWriter, req *http.Request) {
	convID := req.PathValue("id")
	user, err := s.svc.Authenticate(req.Context(), bearerToken(req))
	if err != nil {
		writeServiceError(w, s.logger, "listen", err)
		return
	}
	if err := s.svc.Authorize(req.Context(), user.UserID, convID); err != nil {
		writeServiceError(w, s.logger, "listen", err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade already replied
		return
	}
	if err := s.hub.AttachWebSocket(req.Context(), convID, conn); err != nil {
		s.logger.Error().Err(err).Str("conv_id", convID).Msg("attach listener failed")
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","error":"failed to attach listener"}`))
		_ = conn.Close()
	}
}
