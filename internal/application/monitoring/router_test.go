package monitoring

import (
	"context"
	"sync"
	"testing"

	"github.com/aescanero/dagomon/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu     sync.Mutex
	topics []string
}

func (s *recordingSink) Publish(_ context.Context, topic string, _ *message.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func env(id, msgType string) *message.Envelope {
	return &message.Envelope{ID: id, Type: msgType, Source: message.SourceAgent, Priority: message.PriorityNormal}
}

func TestRouterDeliversToInterestedSubscribers(t *testing.T) {
	r := NewRouter(nil, nil, zap.NewNop())

	var status, progress []string
	require.NoError(t, r.Subscribe("status", []string{message.TypeAgentStatus}, func(e *message.Envelope) {
		status = append(status, e.ID)
	}, nil))
	require.NoError(t, r.Subscribe("progress", []string{message.TypeTaskProgress, message.TypeAgentStatus}, func(e *message.Envelope) {
		progress = append(progress, e.ID)
	}, nil))

	r.Dispatch("c1", env("1", message.TypeAgentStatus))
	r.Dispatch("c1", env("2", message.TypeTaskProgress))
	r.Dispatch("c1", env("3", message.TypeSystemAlert))

	assert.Equal(t, []string{"1"}, status)
	assert.Equal(t, []string{"1", "2"}, progress)
	assert.Equal(t, 2, r.SubscriberCount())
}

func TestRouterSkipsBusWithoutSubscribers(t *testing.T) {
	sink := &recordingSink{}
	r := NewRouter(sink, nil, zap.NewNop())

	var onBus []string
	r.Bus().Subscribe(func(e *message.Envelope) { onBus = append(onBus, e.ID) })
	require.NoError(t, r.Subscribe("s", []string{message.TypeCoordinationEvent}, func(*message.Envelope) {}, nil))

	r.Dispatch("c1", env("ignored", message.TypeSystemAlert))
	r.Dispatch("c1", env("routed", message.TypeCoordinationEvent))

	assert.Equal(t, []string{"routed"}, onBus)
	assert.Equal(t, []string{message.TypeCoordinationEvent}, sink.topics)
}

func TestRouterFilter(t *testing.T) {
	r := NewRouter(nil, nil, zap.NewNop())

	var got []string
	require.NoError(t, r.Subscribe("critical", []string{message.TypeSystemAlert}, func(e *message.Envelope) {
		got = append(got, e.ID)
	}, func(e *message.Envelope) bool {
		return e.Priority == message.PriorityCritical
	}))

	low := env("low", message.TypeSystemAlert)
	high := env("high", message.TypeSystemAlert)
	high.Priority = message.PriorityCritical

	r.Dispatch("c1", low)
	r.Dispatch("c1", high)

	assert.Equal(t, []string{"high"}, got)
}

func TestRouterRecoversHandlerPanic(t *testing.T) {
	r := NewRouter(nil, nil, zap.NewNop())

	require.NoError(t, r.Subscribe("bad", []string{message.TypeAgentStatus}, func(*message.Envelope) {
		panic("boom")
	}, nil))
	var delivered bool
	require.NoError(t, r.Subscribe("good", []string{message.TypeAgentStatus}, func(*message.Envelope) {
		delivered = true
	}, nil))

	assert.NotPanics(t, func() { r.Dispatch("c1", env("1", message.TypeAgentStatus)) })
	assert.True(t, delivered)
}

func TestRouterUnsubscribe(t *testing.T) {
	r := NewRouter(nil, nil, zap.NewNop())

	var got []string
	handler := func(e *message.Envelope) { got = append(got, e.Type) }
	require.NoError(t, r.Subscribe("s", []string{message.TypeAgentStatus, message.TypeTaskProgress}, handler, nil))

	r.Unsubscribe("s", message.TypeAgentStatus)
	r.Dispatch("c1", env("1", message.TypeAgentStatus))
	r.Dispatch("c1", env("2", message.TypeTaskProgress))
	assert.Equal(t, []string{message.TypeTaskProgress}, got)
	assert.Equal(t, 1, r.SubscriberCount())

	r.Unsubscribe("s")
	r.Dispatch("c1", env("3", message.TypeTaskProgress))
	assert.Len(t, got, 1)
	assert.Zero(t, r.SubscriberCount())

	r.Unsubscribe("unknown")
}

func TestRouterResubscribeReplacesHandler(t *testing.T) {
	r := NewRouter(nil, nil, zap.NewNop())

	var first, second int
	require.NoError(t, r.Subscribe("s", []string{message.TypeAgentStatus}, func(*message.Envelope) { first++ }, nil))
	require.NoError(t, r.Subscribe("s", []string{message.TypeTaskProgress}, func(*message.Envelope) { second++ }, nil))

	r.Dispatch("c1", env("1", message.TypeAgentStatus))
	r.Dispatch("c1", env("2", message.TypeTaskProgress))

	assert.Zero(t, first)
	assert.Equal(t, 2, second)
	assert.Equal(t, 1, r.SubscriberCount())
}

func TestRouterDeliversInSubscriptionOrder(t *testing.T) {
	r := NewRouter(nil, nil, zap.NewNop())

	var order []string
	for _, id := range []string{"a", "b", "c", "d"} {
		id := id
		require.NoError(t, r.Subscribe(id, []string{message.TypeAgentStatus}, func(*message.Envelope) {
			order = append(order, id)
		}, nil))
	}

	r.Dispatch("c1", env("1", message.TypeAgentStatus))
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
}

func TestRouterRejectsInvalidSubscription(t *testing.T) {
	r := NewRouter(nil, nil, zap.NewNop())
	noop := func(*message.Envelope) {}

	assert.ErrorIs(t, r.Subscribe("", []string{"x"}, noop, nil), ErrInvalidSubscription)
	assert.ErrorIs(t, r.Subscribe("s", nil, noop, nil), ErrInvalidSubscription)
	assert.ErrorIs(t, r.Subscribe("s", []string{"x"}, nil, nil), ErrInvalidSubscription)
	assert.ErrorIs(t, r.Subscribe("s", []string{"", ""}, noop, nil), ErrInvalidSubscription)
	assert.Zero(t, r.SubscriberCount())
}

func TestRouterResubscribeDuringDispatch(t *testing.T) {
	r := NewRouter(nil, nil, zap.NewNop())
	require.NoError(t, r.Subscribe("ui", []string{message.TypeAgentStatus}, func(*message.Envelope) {}, nil))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = r.Subscribe("ui", []string{message.TypeAgentStatus}, func(*message.Envelope) {},
				func(*message.Envelope) bool { return true })
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			r.Dispatch("c1", env("m", message.TypeAgentStatus))
		}
	}()
	wg.Wait()

	assert.Equal(t, 1, r.SubscriberCount())
}
