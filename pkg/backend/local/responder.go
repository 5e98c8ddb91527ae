package local

import (
	"context"
	"time"

	"github.com/go-go-golems/chatwidget/pkg/backend"
)

// Responder produces the bot reply for a user message. ok=false means no reply.
type Responder interface {
	Respond(ctx context.Context, in backend.Message) (reply backend.Payload, ok bool, err error)
}

type ResponderFunc func(ctx context.Context, in backend.Message) (backend.Payload, bool, error)

func (f ResponderFunc) Respond(ctx context.Context, in backend.Message) (backend.Payload, bool, error) {
	return f(ctx, in)
}

// EchoResponder repeats text messages back after Delay.
type EchoResponder struct {
	Delay time.Duration
}

func (e EchoResponder) Respond(ctx context.Context, in backend.Message) (backend.Payload, bool, error) {
	if e.Delay > 0 {
		t := time.NewTimer(e.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return backend.Payload{}, false, ctx.Err()
		case <-t.C:
		}
	}
	if !in.Payload.IsText() {
		return backend.Payload{}, false, nil
	}
	return backend.TextPayload("echo: " + in.Payload.Text), true, nil
}
