package timeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatwidget/pkg/backend"
	"github.com/go-go-golems/chatwidget/pkg/chaterrors"
	"github.com/go-go-golems/chatwidget/pkg/metrics"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu       sync.Mutex
	history  []backend.Message
	listErr  error
	sendErr  error
	lists    int
	assignID bool
	clock    time.Time
}

func (f *fakeSource) ListMessages(context.Context) ([]backend.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]backend.Message(nil), f.history...), nil
}

func (f *fakeSource) CreateMessage(_ context.Context, p backend.Payload) (backend.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return backend.Message{}, f.sendErr
	}
	m := backend.Message{AuthorID: "me", Payload: p, CreatedAt: f.clock}
	if f.assignID {
		m.ID = fmt.Sprintf("srv-%d", len(f.history)+1)
	}
	f.history = append(f.history, backend.Message{ID: fmt.Sprintf("srv-%d", len(f.history)+1), AuthorID: "me", Payload: p, CreatedAt: f.clock})
	return m, nil
}

func msg(id, author string, at time.Duration, text string) backend.Message {
	return backend.Message{ID: id, AuthorID: author, CreatedAt: t0.Add(at), Payload: backend.TextPayload(text)}
}

func newEngine(src Source) *Engine {
	return New(src, "me", Options{Now: func() time.Time { return t0.Add(time.Hour) }, Metrics: metrics.New()})
}

func ids(ms []Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}

func TestLoadHistory_SortsAndDeduplicates(t *testing.T) {
	src := &fakeSource{history: []backend.Message{
		msg("c", "bot", 3*time.Second, "third"),
		msg("a", "bot", time.Second, "first"),
		msg("b1", "me", 2*time.Second, "tie-1"),
		msg("b2", "bot", 2*time.Second, "tie-2"),
		msg("a", "bot", time.Second, "first again"),
	}}
	e := newEngine(src)

	for i := 0; i < 3; i++ {
		got, err := e.LoadHistory(context.Background())
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b1", "b2", "c"}, ids(got))
		require.Equal(t, "first", got[0].Text())
		for _, m := range got {
			require.Equal(t, DeliveryConfirmed, m.Delivery)
		}
	}
}

func TestLoadHistory_FailureIsConnectionError(t *testing.T) {
	e := newEngine(&fakeSource{listErr: errors.New("503")})
	_, err := e.LoadHistory(context.Background())
	require.True(t, chaterrors.IsConnection(err))
}

func TestLoadHistory_NonTextPlaceholder(t *testing.T) {
	e := newEngine(&fakeSource{history: []backend.Message{{ID: "x", AuthorID: "bot", CreatedAt: t0, Payload: backend.Payload{Type: "card"}}}})
	got, err := e.LoadHistory(context.Background())
	require.NoError(t, err)
	require.Equal(t, "[Message type card]", got[0].Text())
}

func TestAppendOptimistic(t *testing.T) {
	e := newEngine(&fakeSource{})
	_, err := e.AppendOptimistic("   ")
	require.ErrorIs(t, err, ErrEmptyMessage)

	m, err := e.AppendOptimistic("hi")
	require.NoError(t, err)
	require.True(t, m.IsProvisional())
	require.Equal(t, "me", m.AuthorID)
	require.Equal(t, DeliveryPending, m.Delivery)
	require.Equal(t, []string{m.ID}, ids(e.Messages()))
}

func TestConfirmedSendDoesNotDuplicateAfterReload(t *testing.T) {
	for _, assignID := range []bool{true, false} {
		t.Run(fmt.Sprintf("ack-id=%v", assignID), func(t *testing.T) {
			src := &fakeSource{assignID: assignID, clock: t0.Add(time.Hour)}
			e := newEngine(src)
			ctx := context.Background()

			p, err := e.AppendOptimistic("hi")
			require.NoError(t, err)
			confirmed, err := e.ConfirmSend(ctx, p)
			require.NoError(t, err)
			require.Equal(t, DeliveryConfirmed, confirmed.Delivery)

			got, err := e.LoadHistory(ctx)
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.Equal(t, "srv-1", got[0].ID)
		})
	}
}

func TestLoadHistory_KeepsInFlightSend(t *testing.T) {
	src := &fakeSource{history: []backend.Message{msg("a", "bot", 0, "hello")}}
	e := newEngine(src)
	ctx := context.Background()

	p, err := e.AppendOptimistic("still sending")
	require.NoError(t, err)
	got, err := e.LoadHistory(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", p.ID}, ids(got))
	require.Equal(t, DeliveryPending, got[1].Delivery)
}

func TestConfirmSend_FailureReturnsText(t *testing.T) {
	e := newEngine(&fakeSource{sendErr: errors.New("timeout")})
	p, err := e.AppendOptimistic("hi")
	require.NoError(t, err)

	failed, err := e.ConfirmSend(context.Background(), p)
	require.Error(t, err)
	require.True(t, chaterrors.IsDelivery(err))
	text, ok := chaterrors.UndeliveredText(err)
	require.True(t, ok)
	require.Equal(t, "hi", text)
	require.Equal(t, DeliveryFailed, failed.Delivery)
	require.Equal(t, DeliveryFailed, e.Messages()[0].Delivery)

	require.True(t, e.Remove(p.ID))
	require.Empty(t, e.Messages())
}

func TestIngestRealtime_SuppressesSelfEcho(t *testing.T) {
	e := newEngine(&fakeSource{})
	mine := msg("m1", "me", time.Second, "hi")
	e.IngestRealtime(backend.Event{Type: backend.EventMessageCreated, Message: &mine})
	e.IngestRealtime(backend.Event{Type: backend.EventTypingStarted, UserID: "me"})
	require.Empty(t, e.Messages())
	require.Empty(t, e.Snapshot().Typing)
}

func TestIngestRealtime_OrdersAndDeduplicates(t *testing.T) {
	src := &fakeSource{history: []backend.Message{msg("a", "bot", time.Second, "one"), msg("c", "bot", 3*time.Second, "three")}}
	e := newEngine(src)
	_, err := e.LoadHistory(context.Background())
	require.NoError(t, err)

	late := msg("b", "bot", 2*time.Second, "two")
	e.IngestRealtime(backend.Event{Type: backend.EventMessageCreated, Message: &late})
	e.IngestRealtime(backend.Event{Type: backend.EventMessageCreated, Message: &late})
	require.Equal(t, []string{"a", "b", "c"}, ids(e.Messages()))
}

func TestIngestRealtime_Typing(t *testing.T) {
	e := newEngine(&fakeSource{})
	var snaps []Snapshot
	remove := e.OnChange(func(s Snapshot) { snaps = append(snaps, s) })
	defer remove()

	e.IngestRealtime(backend.Event{Type: backend.EventTypingStarted, UserID: "bot"})
	e.IngestRealtime(backend.Event{Type: backend.EventTypingStarted, UserID: "bot"})
	require.Equal(t, []string{"bot"}, e.Snapshot().Typing)

	reply := msg("r", "bot", 0, "answer")
	e.IngestRealtime(backend.Event{Type: backend.EventMessageCreated, Message: &reply})
	require.Empty(t, e.Snapshot().Typing)
	require.Len(t, snaps, 2)

	e.IngestRealtime(backend.Event{Type: backend.EventTypingStopped, UserID: "bot"})
	require.Len(t, snaps, 2)
}

func TestHistoryInvariantUnderInterleaving(t *testing.T) {
	src := &fakeSource{clock: t0.Add(30 * time.Minute), assignID: true}
	for i := 0; i < 20; i++ {
		src.history = append(src.history, msg(fmt.Sprintf("h%d", i), "bot", time.Duration(20-i)*time.Second, "x"))
	}
	e := newEngine(src)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = e.LoadHistory(ctx)
		}()
		go func(i int) {
			defer wg.Done()
			p, err := e.AppendOptimistic(fmt.Sprintf("send %d", i))
			if err == nil {
				_, _ = e.ConfirmSend(ctx, p)
			}
		}(i)
	}
	wg.Wait()

	got, err := e.LoadHistory(ctx)
	require.NoError(t, err)
	seen := map[string]bool{}
	for i, m := range got {
		if m.Delivery == DeliveryConfirmed {
			require.False(t, seen[m.ID], "duplicate id %s", m.ID)
			seen[m.ID] = true
		}
		if i > 0 {
			require.False(t, m.CreatedAt.Before(got[i-1].CreatedAt))
		}
	}
	require.Len(t, got, 24)
}

func TestLoadHistory_EarlierIdenticalTextKeepsNewSend(t *testing.T) {
	for _, assignID := range []bool{true, false} {
		t.Run(fmt.Sprintf("ack-id=%v", assignID), func(t *testing.T) {
			now := t0.Add(time.Hour)
			src := &fakeSource{assignID: assignID, clock: now}
			e := New(src, "me", Options{Now: func() time.Time { return now }, Metrics: metrics.New()})
			ctx := context.Background()

			first, err := e.AppendOptimistic("hi")
			require.NoError(t, err)
			_, err = e.ConfirmSend(ctx, first)
			require.NoError(t, err)

			now = now.Add(30 * time.Second)
			second, err := e.AppendOptimistic("hi")
			require.NoError(t, err)
			got, err := e.LoadHistory(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"srv-1", second.ID}, ids(got))
			require.Equal(t, DeliveryPending, got[1].Delivery)

			src.mu.Lock()
			src.sendErr = errors.New("503")
			src.mu.Unlock()
			_, err = e.ConfirmSend(ctx, second)
			require.True(t, chaterrors.IsDelivery(err))
			msgs := e.Messages()
			require.Len(t, msgs, 2)
			require.Equal(t, DeliveryFailed, msgs[1].Delivery)
		})
	}
}

func TestLoadHistory_MatchesServerCopyWithinSkew(t *testing.T) {
	now := t0.Add(time.Hour)
	// the server stamped its copy 2s before the local clock did
	src := &fakeSource{history: []backend.Message{msg("srv-1", "me", time.Hour-2*time.Second, "hi")}}
	e := New(src, "me", Options{Now: func() time.Time { return now }, Metrics: metrics.New()})

	_, err := e.AppendOptimistic("hi")
	require.NoError(t, err)
	got, err := e.LoadHistory(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"srv-1"}, ids(got))
}
