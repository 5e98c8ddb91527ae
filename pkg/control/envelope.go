// Package control is the message-passing protocol between the host and the
// embedded context. The two sides share no memory: every signal is a typed
// envelope sent over a Port. There is no acknowledgement and no retry.
package control

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

const (
	// host -> embedded
	TypeInitConfig = "init-config"
	TypeFocusInput = "focus-input"
	// embedded -> host
	TypeChatUIReady  = "chat-ui-ready"
	TypeRequestClose = "request-close"
)

var ErrClosed = errors.New("control port closed")

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope encodes payload; a nil payload is omitted.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	if typ == "" {
		return Envelope{}, errors.New("envelope type is empty")
	}
	env := Envelope{Type: typ}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "marshal %s payload", typ)
	}
	env.Payload = b
	return env, nil
}

func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return errors.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errors.Wrapf(err, "decode %s payload", e.Type)
	}
	return nil
}

// Port is one end of a control channel.
type Port interface {
	Send(ctx context.Context, env Envelope) error
	// Recv blocks until an envelope arrives. It returns ErrClosed once the
	// channel is gone.
	Recv(ctx context.Context) (Envelope, error)
	Close() error
}

// Post builds and sends an envelope in one step.
func Post(ctx context.Context, p Port, typ string, payload any) error {
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		return err
	}
	return p.Send(ctx, env)
}
