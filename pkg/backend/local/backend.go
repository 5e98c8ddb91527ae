package local

import (
	"context"

	"github.com/go-go-golems/chatwidget/pkg/backend"
	"github.com/go-go-golems/chatwidget/pkg/persistence/chatstore"
)

// Backend exposes the service through the client-side backend boundary.
func (s *Service) Backend() backend.Backend {
	return serviceBackend{svc: s}
}

type serviceBackend struct {
	svc *Service
}

func (b serviceBackend) Connect(ctx context.Context, configID string, token string) (backend.Conn, error) {
	u, err := b.svc.Connect(ctx, configID, token)
	if err != nil {
		return nil, err
	}
	return &conn{svc: b.svc, user: chatstore.UserRecord{UserID: u.UserID, ConfigID: configID, Token: u.Token}}, nil
}

type conn struct {
	svc  *Service
	user chatstore.UserRecord
}

func (c *conn) User() backend.User {
	return backend.User{UserID: c.user.UserID, Token: c.user.Token}
}

func (c *conn) CreateConversation(ctx context.Context) (string, error) {
	return c.svc.CreateConversation(ctx, c.user)
}

func (c *conn) ListMessages(ctx context.Context, conversationID string) ([]backend.Message, error) {
	return c.svc.ListMessages(ctx, c.user.UserID, conversationID)
}

func (c *conn) CreateMessage(ctx context.Context, conversationID string, payload backend.Payload) (backend.Message, error) {
	return c.svc.CreateMessage(ctx, c.user.UserID, conversationID, payload)
}

func (c *conn) Subscribe(ctx context.Context, conversationID string) (backend.Stream, error) {
	return c.svc.Subscribe(ctx, c.user.UserID, conversationID)
}
