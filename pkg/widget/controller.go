// Package widget is the host side of the chat widget. It owns the open/closed
// state, boots the embedded context with init-config and reacts to the
// embedded context's readiness and close requests.
package widget

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/config"
	"github.com/go-go-golems/chatwidget/pkg/control"
)

type Event string

const (
	EventReady  Event = "ready"
	EventOpened Event = "opened"
	EventClosed Event = "closed"
)

type State string

const (
	StateClosed State = "closed"
	StateOpened State = "opened"
)

var ErrNotInitialized = errors.New("widget is not initialized")

// DefaultFocusTimeout bounds the best-effort focus-input send on Open.
const DefaultFocusTimeout = time.Second

// Launcher renders the host-side control surface.
type Launcher interface {
	SetOpen(open bool)
}

// Controller is the host-facing API: Init, Open, Close, Toggle and On.
type Controller struct {
	launcher     Launcher
	focusTimeout time.Duration

	mu          sync.Mutex
	cfg         config.Widget
	initialized bool
	state       State
	port        control.Port
	handlers    map[Event]map[int]func()
	nextID      int
}

// New returns a closed, uninitialized controller. launcher may be nil.
func New(launcher Launcher) *Controller {
	return &Controller{
		launcher:     launcher,
		focusTimeout: DefaultFocusTimeout,
		state:        StateClosed,
		handlers:     map[Event]map[int]func(){},
	}
}

// Init validates cfg and stores it. A second call is a no-op.
func (c *Controller) Init(cfg config.Widget) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		log.Debug().Str("component", "widget").Msg("init ignored, already initialized")
		return nil
	}
	if err := cfg.Validate(); err != nil {
		c.mu.Unlock()
		log.Error().Err(err).Str("component", "widget").Msg("widget init rejected")
		return err
	}
	c.cfg = cfg.WithDefaults()
	c.initialized = true
	c.mu.Unlock()

	c.render(false)
	return nil
}

func (c *Controller) Config() config.Widget {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) IsOpen() bool { return c.State() == StateOpened }

// Run attaches the embedded context reachable through port. It sends
// init-config once, then handles chat-ui-ready and request-close until the
// port closes or ctx ends.
func (c *Controller) Run(ctx context.Context, port control.Port) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	cfg := c.cfg
	c.port = port
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.port == port {
			c.port = nil
		}
		c.mu.Unlock()
	}()

	mux := control.NewMux("host")
	mux.Handle(control.TypeChatUIReady, func(context.Context, control.Envelope) error {
		log.Info().Str("component", "widget").Msg("chat ui is ready")
		c.emit(EventReady)
		return nil
	})
	mux.Handle(control.TypeRequestClose, func(context.Context, control.Envelope) error {
		c.Close()
		return nil
	})

	if err := control.Post(ctx, port, control.TypeInitConfig, cfg); err != nil {
		return errors.Wrap(err, "send init-config")
	}
	return mux.Serve(ctx, port)
}

func (c *Controller) Open() {
	c.mu.Lock()
	if !c.initialized || c.state == StateOpened {
		c.mu.Unlock()
		return
	}
	c.state = StateOpened
	port := c.port
	c.mu.Unlock()

	c.render(true)
	if port != nil {
		// best effort; a stalled embedded side must not block Open
		ctx, cancel := context.WithTimeout(context.Background(), c.focusTimeout)
		if err := control.Post(ctx, port, control.TypeFocusInput, nil); err != nil {
			log.Debug().Err(err).Str("component", "widget").Msg("focus-input not delivered")
		}
		cancel()
	}
	c.emit(EventOpened)
}

func (c *Controller) Close() {
	c.mu.Lock()
	if !c.initialized || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.mu.Unlock()

	c.render(false)
	c.emit(EventClosed)
}

func (c *Controller) Toggle() {
	if c.IsOpen() {
		c.Close()
		return
	}
	c.Open()
}

// On registers cb for ev and returns a function that unregisters it.
func (c *Controller) On(ev Event, cb func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	if c.handlers[ev] == nil {
		c.handlers[ev] = map[int]func(){}
	}
	c.handlers[ev][id] = cb
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[ev], id)
	}
}

func (c *Controller) emit(ev Event) {
	c.mu.Lock()
	cbs := make([]func(), 0, len(c.handlers[ev]))
	for _, cb := range c.handlers[ev] {
		cbs = append(cbs, cb)
	}
	c.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func (c *Controller) render(open bool) {
	if c.launcher != nil {
		c.launcher.SetOpen(open)
	}
}
