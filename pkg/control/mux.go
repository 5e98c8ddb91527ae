package control

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type HandlerFunc func(ctx context.Context, env Envelope) error

// Mux routes received envelopes by type. Unknown types are ignored.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	side     string
}

// NewMux names the side ("host" or "embedded") for logging.
func NewMux(side string) *Mux {
	return &Mux{handlers: map[string]HandlerFunc{}, side: side}
}

func (m *Mux) Handle(typ string, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[typ] = fn
}

// Serve dispatches until the port closes or ctx ends. Handler errors are
// logged and do not stop the loop.
func (m *Mux) Serve(ctx context.Context, p Port) error {
	for {
		env, err := p.Recv(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		m.mu.RLock()
		fn := m.handlers[env.Type]
		m.mu.RUnlock()
		if fn == nil {
			log.Debug().Str("component", "control").Str("side", m.side).Str("type", env.Type).Msg("ignoring unknown control message")
			continue
		}
		if err := fn(ctx, env); err != nil {
			log.Warn().Err(err).Str("component", "control").Str("side", m.side).Str("type", env.Type).Msg("control handler failed")
		}
	}
}
