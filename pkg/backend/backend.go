// Package backend describes the remote conversational service consumed by the
// embedded context. Implementations live in httpclient (remote) and local
// (in-process).
package backend

import (
	"context"
	"fmt"
	"time"
)

const PayloadTypeText = "text"

// Payload is the message body. Only text payloads are rendered; other types
// degrade to a placeholder.
type Payload struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func TextPayload(text string) Payload {
	return Payload{Type: PayloadTypeText, Text: text}
}

func (p Payload) IsText() bool { return p.Type == PayloadTypeText }

// DisplayText is what a presenter shows for the payload.
func (p Payload) DisplayText() string {
	if p.IsText() {
		return p.Text
	}
	t := p.Type
	if t == "" {
		t = "unknown"
	}
	return fmt.Sprintf("[Message type %s]", t)
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	AuthorID       string    `json:"userId"`
	CreatedAt      time.Time `json:"createdAt"`
	Payload        Payload   `json:"payload"`
}

// User is the identity returned by Connect. Token may differ from the one
// presented when the backend rotates or rejects it.
type User struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

type EventType string

const (
	EventMessageCreated EventType = "message_created"
	EventTypingStarted  EventType = "typing_started"
	EventTypingStopped  EventType = "typing_stopped"
	EventError          EventType = "error"
	// EventHello is the first frame of a websocket listener. It is consumed by
	// the client and never reaches Stream consumers.
	EventHello          EventType = "hello"
)

// Event is one frame of a conversation subscription.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversationId,omitempty"`
	Message        *Message  `json:"message,omitempty"`
	// UserID is the author of typing events.
	UserID string `json:"userId,omitempty"`
	Error  string `json:"error,omitempty"`
}

// AuthorID returns the author of the event regardless of its kind.
func (e Event) AuthorID() string {
	if e.Message != nil {
		return e.Message.AuthorID
	}
	return e.UserID
}

// Stream is a live subscription. Events closes after an EventError frame or
// after Close.
type Stream interface {
	Events() <-chan Event
	Close() error
}

// Conn is an authenticated backend connection for one user.
type Conn interface {
	User() User
	CreateConversation(ctx context.Context) (string, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	CreateMessage(ctx context.Context, conversationID string, payload Payload) (Message, error)
	Subscribe(ctx context.Context, conversationID string) (Stream, error)
}

// Backend establishes connections. An empty token requests a fresh identity.
type Backend interface {
	Connect(ctx context.Context, configID string, token string) (Conn, error)
}
