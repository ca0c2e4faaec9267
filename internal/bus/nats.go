package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/common/apperr"
	"github.com/kandev/conductor/internal/common/logger"
)

// wireEnvelope is the JSON shape carried over NATS subjects. Data is
// round-tripped through json.RawMessage so NATSBus never needs to know the
// concrete payload types used by callers.
type wireEnvelope struct {
	Topic    string          `json:"topic"`
	Data     json.RawMessage `json:"data"`
	Metadata Metadata        `json:"metadata"`
}

// NATSBus is a distributed Bus backed by a NATS connection. It mirrors
// MemoryBus's subscription bookkeeping locally (for ListenerCount/Stats,
// which NATS itself does not expose) while delegating actual delivery to
// the broker. Delivery modes are not applied: WithMode is ignored and
// SetTopicMode only records the mode, so every handler runs on the NATS
// client's subscription callback and Publish returns before delivery.
type NATSBus struct {
	conn   *nats.Conn
	logger *logger.Logger

	mu   sync.Mutex
	subs map[string][]*natsSubscription

	statsMu           sync.Mutex
	totalPublished    uint64
	totalDelivered    uint64
	totalCancelled    uint64
	perTopicPublished map[string]uint64
	deliverySamples   []time.Duration
	sampleCursor      int

	topicModesMu sync.Mutex
	topicModes   map[string]Mode
}

type natsSubscription struct {
	id      string
	topic   string
	once    bool
	bus     *NATSBus
	natsSub *nats.Subscription

	mu     sync.Mutex
	active bool
}

func (s *natsSubscription) Unsubscribe() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.mu.Unlock()

	_ = s.natsSub.Unsubscribe()
	s.bus.removeSubscription(s)
}

func (s *natsSubscription) Topic() string { return s.topic }

// NewNATSBus dials url and returns a Bus backed by that NATS connection.
func NewNATSBus(url string, log *logger.Logger) (*NATSBus, error) {
	if log == nil {
		log = logger.Default()
	}
	l := log.WithFields(zap.String("component", "bus"), zap.String("backend", "nats"))

	conn, err := nats.Connect(url,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			l.Info("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			l.Error("nats async error", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, apperr.New(apperr.KindTransient, "bus", "connect", err)
	}

	return &NATSBus{
		conn:              conn,
		logger:            l,
		subs:              make(map[string][]*natsSubscription),
		perTopicPublished: make(map[string]uint64),
		topicModes:        make(map[string]Mode),
	}, nil
}

// natsSubject converts the bus's ':'-segmented topic grammar to NATS's '.'
// grammar so the broker can perform the wildcard matching natively. '*'
// passes through unchanged; toNATSPattern additionally maps a trailing '**'
// onto NATS's '>'.
func natsSubject(topic string) string {
	out := make([]byte, 0, len(topic))
	for i := 0; i < len(topic); i++ {
		switch topic[i] {
		case ':':
			out = append(out, '.')
		default:
			out = append(out, topic[i])
		}
	}
	return string(out)
}

func toNATSPattern(pattern string) string {
	subj := natsSubject(pattern)
	if len(subj) >= 2 && subj[len(subj)-2:] == "**" {
		return subj[:len(subj)-2] + ">"
	}
	return subj
}

func (b *NATSBus) Publish(ctx context.Context, topic string, data any, opts ...PublishOption) (int, error) {
	if !isValidTopic(topic) {
		return 0, apperr.New(apperr.KindValidation, "bus", "publish", fmt.Errorf("invalid topic %q", topic))
	}

	o := publishOpts{}
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return 0, apperr.New(apperr.KindInvariant, "bus", "publish-marshal", err)
	}

	env := wireEnvelope{
		Topic: topic,
		Data:  raw,
		Metadata: Metadata{
			EventID:        newEventID(),
			Timestamp:      time.Now().UTC(),
			PublisherID:    o.publisherID,
			SequenceNumber: nextSequence(),
		},
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return 0, apperr.New(apperr.KindInvariant, "bus", "publish-marshal", err)
	}

	if err := b.conn.Publish(natsSubject(topic), payload); err != nil {
		return 0, apperr.New(apperr.KindTransient, "bus", "publish", err)
	}

	b.statsMu.Lock()
	b.totalPublished++
	b.perTopicPublished[topic]++
	b.statsMu.Unlock()

	return b.ListenerCount(topic), nil
}

func (b *NATSBus) subscribe(topic string, handler Handler, once bool) Subscription {
	if !isValidTopic(topic) {
		b.logger.Warn("rejected subscribe on invalid topic", zap.String("topic", topic))
		return &natsSubscription{id: newEventID(), topic: topic, once: once, bus: b, active: false}
	}

	sub := &natsSubscription{id: newEventID(), topic: topic, once: once, bus: b, active: true}

	natsSub, err := b.conn.Subscribe(toNATSPattern(topic), func(msg *nats.Msg) {
		b.deliver(context.Background(), msg, sub, handler)
	})
	if err != nil {
		b.logger.Error("nats subscribe failed", zap.String("topic", topic), zap.Error(err))
		sub.active = false
		return sub
	}
	sub.natsSub = natsSub

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	return sub
}

func (b *NATSBus) deliver(ctx context.Context, msg *nats.Msg, sub *natsSubscription, handler Handler) {
	if !sub.isActive() {
		return
	}
	if sub.once {
		sub.Unsubscribe()
	}

	var env wireEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.logger.Error("malformed envelope", zap.Error(err))
		return
	}

	var data any
	_ = json.Unmarshal(env.Data, &data)

	start := time.Now()
	res, err := handler(ctx, &Envelope{Topic: env.Topic, Data: data, Metadata: env.Metadata})
	b.recordDelivery(time.Since(start))

	if err != nil {
		b.logger.Error("listener error", zap.String("topic", env.Topic), zap.Error(err))
		_, _ = b.Publish(context.Background(), TopicListenerError, map[string]any{
			"topic": env.Topic, "error": err.Error(),
		})
		return
	}
	if res != nil && res.Cancel {
		b.statsMu.Lock()
		b.totalCancelled++
		b.statsMu.Unlock()
		_, _ = b.Publish(context.Background(), TopicEventCancelled, map[string]any{
			"topic": env.Topic, "reason": res.Reason,
		})
	}
}

func (s *natsSubscription) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (b *NATSBus) removeSubscription(s *natsSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[s.topic]
	filtered := subs[:0]
	for _, sub := range subs {
		if sub != s {
			filtered = append(filtered, sub)
		}
	}
	if len(filtered) == 0 {
		delete(b.subs, s.topic)
	} else {
		b.subs[s.topic] = filtered
	}
}

func (b *NATSBus) On(topic string, handler Handler) Subscription  { return b.subscribe(topic, handler, false) }
func (b *NATSBus) Once(topic string, handler Handler) Subscription { return b.subscribe(topic, handler, true) }

func (b *NATSBus) Off(topic string) {
	b.mu.Lock()
	subs := b.subs[topic]
	delete(b.subs, topic)
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.natsSub.Unsubscribe()
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
	}
}

func (b *NATSBus) SetTopicMode(topic string, mode Mode) {
	b.topicModesMu.Lock()
	defer b.topicModesMu.Unlock()
	b.topicModes[topic] = mode
}

func (b *NATSBus) ListenerCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if topic == "" {
		n := 0
		for _, subs := range b.subs {
			for _, s := range subs {
				if s.isActive() {
					n++
				}
			}
		}
		return n
	}

	n := 0
	for pattern, subs := range b.subs {
		if !matchTopic(topic, pattern) {
			continue
		}
		for _, s := range subs {
			if s.isActive() {
				n++
			}
		}
	}
	return n
}

func (b *NATSBus) recordDelivery(d time.Duration) {
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

func (b *NATSBus) Stats() Stats {
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

func (b *NATSBus) ResetStats() {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	b.totalPublished, b.totalDelivered, b.totalCancelled = 0, 0, 0
	b.perTopicPublished = make(map[string]uint64)
	b.deliverySamples = nil
	b.sampleCursor = 0
}

func (b *NATSBus) Shutdown() {
	b.mu.Lock()
	for _, subs := range b.subs {
		for _, s := range subs {
			_ = s.natsSub.Unsubscribe()
		}
	}
	b.subs = make(map[string][]*natsSubscription)
	b.mu.Unlock()

	b.conn.Close()
	b.logger.Info("nats bus shut down")
}

var _ Bus = (*NATSBus)(nil)
