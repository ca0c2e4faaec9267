package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/conductor/internal/bus"
	"github.com/kandev/conductor/internal/common/apperr"
)

// leakWarningThreshold is the subscriber count on a single topic that
// triggers a one-shot listener-leak-warning.
const leakWarningThreshold = 50

// Handle identifies a subscription registered through the SubscriptionManager.
type Handle struct {
	ID string
}

// SubscribeOption configures a single Subscribe call.
type SubscribeOption func(*subscribeOpts)

type subscribeOpts struct {
	group      string
	once       bool
	ttl        time.Duration
	callbackID string
}

// WithGroup assigns the subscription to a named group for bulk unsubscribe.
func WithGroup(groupID string) SubscribeOption {
	return func(o *subscribeOpts) { o.group = groupID }
}

// WithOnce auto-removes the subscription after its first delivery.
func WithOnce() SubscribeOption {
	return func(o *subscribeOpts) { o.once = true }
}

// WithTTL auto-removes the subscription no later than ttl after registration.
func WithTTL(ttl time.Duration) SubscribeOption {
	return func(o *subscribeOpts) { o.ttl = ttl }
}

// WithCallbackID opts into duplicate detection. Go handler values have no
// stable identity, so callers that want the same-topic/same-callback/
// same-group dedup behavior must supply a stable id of their own; without
// one every registration is treated as unique.
func WithCallbackID(id string) SubscribeOption {
	return func(o *subscribeOpts) { o.callbackID = id }
}

type subEntry struct {
	handle   Handle
	topic    string
	group    string
	dedupKey string
	sub      bus.Subscription
	timer    *time.Timer

	mu    sync.Mutex
	count uint64
}

// SubscriptionManager layers handles, groups, TTL, once semantics, duplicate
// suppression and leak warnings on top of a Bus.
type SubscriptionManager struct {
	bus bus.Bus

	mu          sync.Mutex
	byHandle    map[string]*subEntry
	byDedupKey  map[string]*subEntry
	groups      map[string]map[string]bool // groupID -> set of handle IDs
	topicActive map[string]int
	leakWarned  map[string]bool
}

// NewSubscriptionManager creates a manager over b.
func NewSubscriptionManager(b bus.Bus) *SubscriptionManager {
	return &SubscriptionManager{
		bus:         b,
		byHandle:    make(map[string]*subEntry),
		byDedupKey:  make(map[string]*subEntry),
		groups:      make(map[string]map[string]bool),
		topicActive: make(map[string]int),
		leakWarned:  make(map[string]bool),
	}
}

// Subscribe registers handler on topic and returns an opaque handle used for
// targeted unsubscribe. It rejects topics outside the allowed character set
// ([A-Za-z0-9:*_-]) without registering anything.
func (m *SubscriptionManager) Subscribe(topic string, handler bus.Handler, opts ...SubscribeOption) (Handle, error) {
	if !bus.ValidTopic(topic) {
		return Handle{}, apperr.New(apperr.KindValidation, "router", "subscribe", fmt.Errorf("invalid topic %q", topic))
	}

	o := subscribeOpts{}
	for _, opt := range opts {
		opt(&o)
	}

	dedupKey := ""
	if o.callbackID != "" {
		dedupKey = topic + "\x00" + o.group + "\x00" + o.callbackID

		m.mu.Lock()
		if existing, ok := m.byDedupKey[dedupKey]; ok {
			existing.mu.Lock()
			existing.count++
			existing.mu.Unlock()
			m.mu.Unlock()
			_, _ = m.bus.Publish(context.Background(), bus.TopicDuplicateSubscription, map[string]any{
				"topic": topic, "group": o.group,
			})
			return existing.handle, nil
		}
		m.mu.Unlock()
	}

	entry := &subEntry{handle: Handle{ID: uuid.New().String()}, topic: topic, group: o.group, dedupKey: dedupKey}

	wrapped := func(ctx context.Context, env *bus.Envelope) (*bus.CancelResult, error) {
		entry.mu.Lock()
		entry.count++
		entry.mu.Unlock()
		return handler(ctx, env)
	}

	if o.once {
		entry.sub = m.bus.Once(topic, m.onceWrapper(entry, wrapped))
	} else {
		entry.sub = m.bus.On(topic, wrapped)
	}

	m.mu.Lock()
	m.byHandle[entry.handle.ID] = entry
	if dedupKey != "" {
		m.byDedupKey[dedupKey] = entry
	}
	if o.group != "" {
		if m.groups[o.group] == nil {
			m.groups[o.group] = make(map[string]bool)
		}
		m.groups[o.group][entry.handle.ID] = true
	}
	m.topicActive[topic]++
	activeCount := m.topicActive[topic]
	warn := activeCount > leakWarningThreshold && !m.leakWarned[topic]
	if warn {
		m.leakWarned[topic] = true
	}
	m.mu.Unlock()

	if warn {
		_, _ = m.bus.Publish(context.Background(), bus.TopicListenerLeakWarning, map[string]any{
			"topic": topic, "count": activeCount,
		})
	}

	if o.ttl > 0 {
		entry.timer = time.AfterFunc(o.ttl, func() {
			_, _ = m.bus.Publish(context.Background(), bus.TopicSubscriptionExpired, map[string]any{
				"topic": topic,
			})
			m.Unsubscribe(entry.handle)
		})
	}

	return entry.handle, nil
}

// onceWrapper removes the manager's own bookkeeping the moment the bus
// invokes the handler for the first (and only) time.
func (m *SubscriptionManager) onceWrapper(entry *subEntry, handler bus.Handler) bus.Handler {
	return func(ctx context.Context, env *bus.Envelope) (*bus.CancelResult, error) {
		res, err := handler(ctx, env)
		m.forget(entry)
		return res, err
	}
}

func (m *SubscriptionManager) forget(entry *subEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byHandle[entry.handle.ID]; !ok {
		return
	}
	delete(m.byHandle, entry.handle.ID)
	if entry.dedupKey != "" {
		delete(m.byDedupKey, entry.dedupKey)
	}
	if entry.group != "" {
		delete(m.groups[entry.group], entry.handle.ID)
	}
	if m.topicActive[entry.topic] > 0 {
		m.topicActive[entry.topic]--
	}
}

// Unsubscribe removes the subscription identified by handle. Idempotent.
func (m *SubscriptionManager) Unsubscribe(handle Handle) {
	m.mu.Lock()
	entry, ok := m.byHandle[handle.ID]
	m.mu.Unlock()
	if !ok {
		return
	}

	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.sub.Unsubscribe()
	m.forget(entry)
}

// UnsubscribeGroup removes every subscription registered under groupID.
func (m *SubscriptionManager) UnsubscribeGroup(groupID string) {
	m.mu.Lock()
	handles := make([]Handle, 0, len(m.groups[groupID]))
	for id := range m.groups[groupID] {
		handles = append(handles, Handle{ID: id})
	}
	m.mu.Unlock()

	for _, h := range handles {
		m.Unsubscribe(h)
	}
}

// InvocationCount returns how many times the handler behind handle has run.
func (m *SubscriptionManager) InvocationCount(handle Handle) uint64 {
	m.mu.Lock()
	entry, ok := m.byHandle[handle.ID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.count
}

// ListenerCount returns the manager's own active-subscription count for topic.
func (m *SubscriptionManager) ListenerCount(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.topicActive[topic]
}
