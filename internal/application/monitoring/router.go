package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/dagomon/pkg/message"
	"github.com/aescanero/dagomon/pkg/ports"
	"github.com/aescanero/dagomon/pkg/stream"
	"go.uber.org/zap"
)

// ErrInvalidSubscription is returned for subscriptions without an id, topics or handler
var ErrInvalidSubscription = errors.New("invalid subscription")

// Handler receives routed envelopes
type Handler func(env *message.Envelope)

// Filter decides whether a subscriber wants an envelope; nil accepts everything
type Filter func(env *message.Envelope) bool

type subscription struct {
	id      string
	seq     uint64
	topics  map[string]struct{}
	handler Handler
	filter  Filter
}

// delivery is a copy of a subscription taken under the read lock, so a
// concurrent resubscribe never changes a handler mid-dispatch
type delivery struct {
	id      string
	seq     uint64
	handler Handler
	filter  Filter
}

// Router delivers inbound envelopes to the subscribers interested in their topic
type Router struct {
	sink    ports.EventSink
	metrics ports.MetricsCollector
	logger  *zap.Logger
	bus     *stream.Broadcaster[*message.Envelope]

	mu     sync.RWMutex
	topics map[string]map[string]*subscription
	subs   map[string]*subscription
	seq    uint64
}

// NewRouter creates a router. sink may be nil.
func NewRouter(sink ports.EventSink, metrics ports.MetricsCollector, logger *zap.Logger) *Router {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Router{
		sink:    sink,
		metrics: metrics,
		logger:  logger,
		bus:     stream.NewBroadcaster[*message.Envelope](),
		topics:  make(map[string]map[string]*subscription),
		subs:    make(map[string]*subscription),
	}
}

// Subscribe registers handler for topics under subscriberID. Subscribing an
// existing id adds the topics and replaces its handler and filter.
func (r *Router) Subscribe(subscriberID string, topics []string, handler Handler, filter Filter) error {
	if subscriberID == "" {
		return fmt.Errorf("%w: subscriber id is required", ErrInvalidSubscription)
	}
	if len(topics) == 0 {
		return fmt.Errorf("%w: at least one topic is required", ErrInvalidSubscription)
	}
	if handler == nil {
		return fmt.Errorf("%w: handler is required", ErrInvalidSubscription)
	}

	named := make([]string, 0, len(topics))
	for _, topic := range topics {
		if topic != "" {
			named = append(named, topic)
		}
	}
	if len(named) == 0 {
		return fmt.Errorf("%w: at least one non-empty topic is required", ErrInvalidSubscription)
	}

	r.mu.Lock()
	sub, ok := r.subs[subscriberID]
	if !ok {
		r.seq++
		sub = &subscription{id: subscriberID, seq: r.seq, topics: make(map[string]struct{})}
		r.subs[subscriberID] = sub
	}
	sub.handler = handler
	sub.filter = filter

	for _, topic := range named {
		sub.topics[topic] = struct{}{}
		set, ok := r.topics[topic]
		if !ok {
			set = make(map[string]*subscription)
			r.topics[topic] = set
		}
		set[subscriberID] = sub
	}
	count := len(r.subs)
	r.mu.Unlock()

	r.metrics.SetSubscribers(count)
	r.logger.Debug("subscribed",
		zap.String("subscriber_id", subscriberID),
		zap.Strings("topics", named))
	return nil
}

// Unsubscribe removes subscriberID from topics, or from every topic when none are given
func (r *Router) Unsubscribe(subscriberID string, topics ...string) {
	r.mu.Lock()
	sub, ok := r.subs[subscriberID]
	if !ok {
		r.mu.Unlock()
		return
	}

	if len(topics) == 0 {
		for topic := range sub.topics {
			topics = append(topics, topic)
		}
	}
	for _, topic := range topics {
		delete(sub.topics, topic)
		if set, ok := r.topics[topic]; ok {
			delete(set, subscriberID)
			if len(set) == 0 {
				delete(r.topics, topic)
			}
		}
	}
	if len(sub.topics) == 0 {
		delete(r.subs, subscriberID)
	}
	count := len(r.subs)
	r.mu.Unlock()

	r.metrics.SetSubscribers(count)
	r.logger.Debug("unsubscribed", zap.String("subscriber_id", subscriberID))
}

// Dispatch routes env received on connectionID. Envelopes nobody subscribed
// to are discarded before reaching the bus.
func (r *Router) Dispatch(connectionID string, env *message.Envelope) {
	r.mu.RLock()
	set := r.topics[env.Type]
	interested := make([]delivery, 0, len(set))
	for _, sub := range set {
		interested = append(interested, delivery{
			id:      sub.id,
			seq:     sub.seq,
			handler: sub.handler,
			filter:  sub.filter,
		})
	}
	r.mu.RUnlock()

	if len(interested) == 0 {
		return
	}
	sort.Slice(interested, func(i, j int) bool { return interested[i].seq < interested[j].seq })

	r.bus.Publish(env)
	if r.sink != nil {
		if err := r.sink.Publish(context.Background(), env.Type, env); err != nil {
			r.logger.Warn("failed to archive envelope",
				zap.String("connection_id", connectionID),
				zap.String("message_id", env.ID),
				zap.Error(err))
		}
	}

	for _, d := range interested {
		r.deliver(connectionID, d, env)
	}
}

func (r *Router) deliver(connectionID string, d delivery, env *message.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("subscriber handler panicked",
				zap.String("connection_id", connectionID),
				zap.String("subscriber_id", d.id),
				zap.String("type", env.Type),
				zap.Any("panic", rec))
		}
	}()

	if d.filter != nil && !d.filter(env) {
		return
	}
	d.handler(env)
}

// SubscriberCount returns the number of distinct subscribers
func (r *Router) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Bus returns the shared bus carrying every routed envelope
func (r *Router) Bus() *stream.Broadcaster[*message.Envelope] {
	return r.bus
}
