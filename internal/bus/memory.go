package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/common/apperr"
	"github.com/kandev/conductor/internal/common/logger"
)

const maxDeliverySamples = 1000

// MemoryBus is an in-process implementation of Bus. It is the default
// backend; NATSBus (nats.go) provides a distributed alternative with the
// same interface.
type MemoryBus struct {
	mu         sync.RWMutex
	subsByTopic map[string][]*subscription // keyed by registration pattern
	order       []*subscription            // global FIFO registration order (for Sync mode)
	topicModes  map[string]Mode
	closed      bool
	logger      *logger.Logger

	statsMu           sync.Mutex
	totalPublished    uint64
	totalDelivered    uint64
	totalCancelled    uint64
	perTopicPublished map[string]uint64
	deliverySamples   []time.Duration
	sampleCursor      int
}

// NewMemoryBus creates an in-memory Bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryBus{
		subsByTopic:       make(map[string][]*subscription),
		topicModes:        make(map[string]Mode),
		logger:            log.WithFields(zap.String("component", "bus")),
		perTopicPublished: make(map[string]uint64),
	}
}

type subscription struct {
	id      string
	topic   string
	handler Handler
	once    bool
	bus     *MemoryBus

	mu     sync.Mutex
	active bool
}

func (s *subscription) Unsubscribe() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.mu.Unlock()

	s.bus.removeSubscription(s)
}

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (b *MemoryBus) removeSubscription(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subsByTopic[s.topic]; ok {
		filtered := subs[:0]
		for _, sub := range subs {
			if sub != s {
				filtered = append(filtered, sub)
			}
		}
		if len(filtered) == 0 {
			delete(b.subsByTopic, s.topic)
		} else {
			b.subsByTopic[s.topic] = filtered
		}
	}
	for i, sub := range b.order {
		if sub == s {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// On registers handler for topic.
func (b *MemoryBus) On(topic string, handler Handler) Subscription {
	return b.subscribe(topic, handler, false)
}

// Once registers handler for topic, auto-removed after its first invocation.
func (b *MemoryBus) Once(topic string, handler Handler) Subscription {
	return b.subscribe(topic, handler, true)
}

func (b *MemoryBus) subscribe(topic string, handler Handler, once bool) Subscription {
	if !isValidTopic(topic) {
		b.logger.Warn("rejected subscribe on invalid topic", zap.String("topic", topic))
		return &subscription{id: newEventID(), topic: topic, handler: handler, once: once, bus: b, active: false}
	}

	sub := &subscription{id: newEventID(), topic: topic, handler: handler, once: once, bus: b, active: true}

	b.mu.Lock()
	b.subsByTopic[topic] = append(b.subsByTopic[topic], sub)
	b.order = append(b.order, sub)
	b.mu.Unlock()

	return sub
}

// Off removes every handler registered for the exact topic string.
func (b *MemoryBus) Off(topic string) {
	b.mu.Lock()
	subs := b.subsByTopic[topic]
	delete(b.subsByTopic, topic)
	remaining := b.order[:0]
	removed := make(map[*subscription]bool, len(subs))
	for _, s := range subs {
		removed[s] = true
	}
	for _, s := range b.order {
		if !removed[s] {
			remaining = append(remaining, s)
		}
	}
	b.order = remaining
	b.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
	}
}

// SetTopicMode overrides the delivery mode for an exact topic string.
func (b *MemoryBus) SetTopicMode(topic string, mode Mode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topicModes[topic] = mode
}

// ListenerCount returns active subscriptions; if topic is non-empty only
// subscriptions whose registered pattern matches it are counted.
func (b *MemoryBus) ListenerCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if topic == "" {
		count := 0
		for _, subs := range b.subsByTopic {
			for _, s := range subs {
				if s.isActive() {
					count++
				}
			}
		}
		return count
	}

	count := 0
	for pattern, subs := range b.subsByTopic {
		if !matchTopic(topic, pattern) {
			continue
		}
		for _, s := range subs {
			if s.isActive() {
				count++
			}
		}
	}
	return count
}

// matchingSubscriptions returns the active subscriptions whose pattern
// matches topic, in FIFO registration order.
func (b *MemoryBus) matchingSubscriptions(topic string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []*subscription
	for _, s := range b.order {
		if !s.isActive() {
			continue
		}
		if matchTopic(topic, s.topic) {
			matched = append(matched, s)
		}
	}
	return matched
}

// Publish delivers data on topic to every matching subscription.
func (b *MemoryBus) Publish(ctx context.Context, topic string, data any, opts ...PublishOption) (int, error) {
	if !isValidTopic(topic) {
		return 0, apperr.New(apperr.KindValidation, "bus", "publish", fmt.Errorf("invalid topic %q", topic))
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		err := apperr.New(apperr.KindInvariant, "bus", "publish", fmt.Errorf("bus is closed"))
		return 0, err
	}

	o := publishOpts{}
	for _, opt := range opts {
		opt(&o)
	}

	b.mu.RLock()
	modeOverride, hasOverride := b.topicModes[topic]
	b.mu.RUnlock()

	mode := ModeAsync
	if o.modeSet {
		mode = o.mode
	} else if hasOverride {
		mode = modeOverride
	}

	env := &Envelope{
		Topic: topic,
		Data:  data,
		Metadata: Metadata{
			EventID:        newEventID(),
			Timestamp:      time.Now().UTC(),
			PublisherID:    o.publisherID,
			SequenceNumber: nextSequence(),
		},
	}

	matched := b.matchingSubscriptions(topic)

	b.statsMu.Lock()
	b.totalPublished++
	b.perTopicPublished[topic]++
	b.statsMu.Unlock()

	switch mode {
	case ModeSync:
		b.dispatchSync(ctx, env, matched)
	case ModeParallel:
		b.dispatchParallel(ctx, env, matched)
	default:
		b.dispatchAsync(ctx, env, matched)
	}

	return len(matched), nil
}

func (b *MemoryBus) invokeOne(ctx context.Context, env *Envelope, s *subscription) (*CancelResult, error) {
	if s.once {
		s.Unsubscribe()
	}

	start := time.Now()
	res, err := s.handler(ctx, env)
	elapsed := time.Since(start)

	b.recordDelivery(elapsed)

	if err != nil {
		b.logger.Error("listener error",
			zap.String("topic", env.Topic),
			zap.String("pattern", s.topic),
			zap.Error(err))
		go func() {
			_, _ = b.Publish(context.Background(), TopicListenerError, map[string]any{
				"topic": env.Topic,
				"error": err.Error(),
			})
		}()
		return res, err
	}

	if res != nil && res.Cancel {
		b.statsMu.Lock()
		b.totalCancelled++
		b.statsMu.Unlock()
		go func() {
			_, _ = b.Publish(context.Background(), TopicEventCancelled, map[string]any{
				"topic":  env.Topic,
				"reason": res.Reason,
			})
		}()
	}

	return res, nil
}

func (b *MemoryBus) dispatchSync(ctx context.Context, env *Envelope, subs []*subscription) {
	for _, s := range subs {
		res, _ := b.invokeOne(ctx, env, s)
		if res != nil && res.Cancel {
			return
		}
	}
}

func (b *MemoryBus) dispatchParallel(ctx context.Context, env *Envelope, subs []*subscription) {
	var wg sync.WaitGroup
	wg.Add(len(subs))
	for _, s := range subs {
		s := s
		go func() {
			defer wg.Done()
			b.invokeOne(ctx, env, s)
		}()
	}
	wg.Wait()
}

func (b *MemoryBus) dispatchAsync(ctx context.Context, env *Envelope, subs []*subscription) {
	for _, s := range subs {
		s := s
		go b.invokeOne(ctx, env, s)
	}
}

func (b *MemoryBus) recordDelivery(d time.Duration) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	b.totalDelivered++
	if len(b.deliverySamples) < maxDeliverySamples {
		b.deliverySamples = append(b.deliverySamples, d)
	} else {
		b.deliverySamples[b.sampleCursor] = d
		b.sampleCursor = (b.sampleCursor + 1) % maxDeliverySamples
	}
}

// Stats returns a snapshot of rolling bus statistics.
func (b *MemoryBus) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()

	perTopic := make(map[string]uint64, len(b.perTopicPublished))
	for k, v := range b.perTopicPublished {
		perTopic[k] = v
	}

	var avg float64
	if len(b.deliverySamples) > 0 {
		var sum time.Duration
		for _, d := range b.deliverySamples {
			sum += d
		}
		avg = float64(sum.Milliseconds()) / float64(len(b.deliverySamples))
	}

	return Stats{
		TotalPublished:    b.totalPublished,
		TotalDelivered:    b.totalDelivered,
		TotalCancelled:    b.totalCancelled,
		CurrentSequence:   sequenceCounter,
		PerTopicPublished: perTopic,
		AvgDeliveryMillis: avg,
	}
}

// ResetStats zeroes rolling counters without affecting subscriptions.
func (b *MemoryBus) ResetStats() {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	b.totalPublished = 0
	b.totalDelivered = 0
	b.totalCancelled = 0
	b.perTopicPublished = make(map[string]uint64)
	b.deliverySamples = nil
	b.sampleCursor = 0
}

// Shutdown unsubscribes every handler and stops accepting publishes.
func (b *MemoryBus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.subsByTopic {
		for _, s := range subs {
			s.mu.Lock()
			s.active = false
			s.mu.Unlock()
		}
	}
	b.subsByTopic = make(map[string][]*subscription)
	b.order = nil
	b.closed = true
	b.logger.Info("event bus shut down")
}

var _ Bus = (*MemoryBus)(nil)
