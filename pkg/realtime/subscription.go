// Package realtime keeps one live event subscription per conversation and
// drives reconnection when the transport fails.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/backend"
	"github.com/go-go-golems/chatwidget/pkg/chaterrors"
	"github.com/go-go-golems/chatwidget/pkg/metrics"
)

type Status string

const (
	StatusIdle         Status = "idle"
	StatusSubscribing  Status = "subscribing"
	StatusActive       Status = "active"
	StatusErrored      Status = "errored"
	StatusReconnecting Status = "reconnecting"
	StatusClosed       Status = "closed"
)

const (
	NoticeConnectionLost = "Realtime connection lost. Reconnecting..."
	NoticeGaveUp         = "Realtime connection lost."
	NoticeResyncFailed   = "Reconnected, but history could not be reloaded."
)

var ErrStreamClosed = errors.New("event stream closed unexpectedly")

// Subscriber opens event streams for a conversation.
type Subscriber interface {
	Subscribe(ctx context.Context, conversationID string) (backend.Stream, error)
}

type Options struct {
	// NewBackoff builds the reconnection policy for a handle. A policy that
	// returns backoff.Stop closes the handle.
	NewBackoff func() backoff.BackOff
	// OnEvent receives every non-error event while active.
	OnEvent func(backend.Event)
	// Resync runs once after each successful reconnection.
	Resync func(ctx context.Context) error
	// OnNotice receives the user-visible notice; an empty string clears it.
	OnNotice func(string)
	OnStatus func(Status)
	Metrics  *metrics.Metrics
}

// ExponentialBackoff starts at 3s, doubles, caps at 60s and never gives up.
func ExponentialBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 3 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// FixedBackoff retries every d without limit.
func FixedBackoff(d time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff { return backoff.NewConstantBackOff(d) }
}

// Subscription owns at most one live handle. Open replaces the current handle;
// Close ends it along with any pending reconnection timer.
type Subscription struct {
	sub  Subscriber
	opts Options

	mu     sync.Mutex
	status Status
	handle *handle
}

type handle struct {
	convID string
	cancel context.CancelFunc
	done   chan struct{}
}

func New(sub Subscriber, opts Options) *Subscription {
	if opts.NewBackoff == nil {
		opts.NewBackoff = ExponentialBackoff
	}
	return &Subscription{sub: sub, opts: opts, status: StatusIdle}
}

func (s *Subscription) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ConversationID returns the conversation of the current handle, if any.
func (s *Subscription) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return ""
	}
	return s.handle.convID
}

func (s *Subscription) setStatus(st Status) {
	s.mu.Lock()
	changed := s.status != st
	s.status = st
	s.mu.Unlock()
	if !changed {
		return
	}
	s.opts.Metrics.SubscriptionStatus(string(st))
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(st)
	}
}

func (s *Subscription) notice(msg string) {
	if s.opts.OnNotice != nil {
		s.opts.OnNotice(msg)
	}
}

// Open closes any current handle, then subscribes to convID. The first
// subscribe happens before Open returns. When it fails the handle keeps
// retrying in the background and Open returns a SubscriptionError.
func (s *Subscription) Open(ctx context.Context, convID string) error {
	if convID == "" {
		return chaterrors.Subscription("open", errors.New("conversation id is empty"))
	}
	s.closeHandle()

	runCtx, cancel := context.WithCancel(ctx)
	h := &handle{convID: convID, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()

	s.setStatus(StatusSubscribing)
	stream, err := s.sub.Subscribe(runCtx, convID)
	if err != nil {
		err = chaterrors.Subscription("open", err)
		log.Warn().Err(err).Str("component", "realtime").Str("conv_id", convID).Msg("subscribe failed")
		s.setStatus(StatusErrored)
		s.notice(NoticeConnectionLost)
		go s.supervise(runCtx, h, nil)
		return err
	}
	s.setStatus(StatusActive)
	go s.supervise(runCtx, h, stream)
	return nil
}

// Close ends the current handle and waits for its goroutine.
func (s *Subscription) Close() {
	s.closeHandle()
	s.setStatus(StatusClosed)
}

func (s *Subscription) closeHandle() {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()
	if h == nil {
		return
	}
	h.cancel()
	<-h.done
}

// supervise pumps stream until it fails, then reconnects per the backoff
// policy. A nil stream starts in the reconnecting path.
func (s *Subscription) supervise(ctx context.Context, h *handle, stream backend.Stream) {
	defer close(h.done)
	logger := log.With().Str("component", "realtime").Str("conv_id", h.convID).Logger()
	policy := s.opts.NewBackoff()

	for {
		if stream != nil {
			err := s.pump(ctx, stream)
			_ = stream.Close()
			stream = nil
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("realtime stream failed")
			s.setStatus(StatusErrored)
			s.notice(NoticeConnectionLost)
		}

		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			logger.Error().Msg("reconnection policy exhausted, giving up")
			s.notice(NoticeGaveUp)
			s.mu.Lock()
			if s.handle == h {
				s.handle = nil
			}
			s.mu.Unlock()
			s.setStatus(StatusClosed)
			return
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.setStatus(StatusReconnecting)
		s.opts.Metrics.ReconnectAttempt()
		s.setStatus(StatusSubscribing)
		next, err := s.sub.Subscribe(ctx, h.convID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Dur("delay", delay).Msg("reconnect attempt failed")
			s.setStatus(StatusErrored)
			continue
		}
		stream = next
		policy.Reset()
		s.setStatus(StatusActive)
		logger.Info().Msg("realtime stream reconnected")

		if s.opts.Resync != nil {
			if err := s.opts.Resync(ctx); err != nil {
				if ctx.Err() != nil {
					_ = stream.Close()
					return
				}
				logger.Warn().Err(err).Msg("history resync failed")
				s.notice(NoticeResyncFailed)
				continue
			}
		}
		s.notice("")
	}
}

// pump forwards events until the stream reports an error or ends.
func (s *Subscription) pump(ctx context.Context, stream backend.Stream) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream.Events():
			if !ok {
				return ErrStreamClosed
			}
			if ev.Type == backend.EventError {
				return chaterrors.Subscription("listen", errors.New(ev.Error))
			}
			if s.opts.OnEvent != nil {
				s.opts.OnEvent(ev)
			}
		}
	}
}
