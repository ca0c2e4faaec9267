// Package bus implements the topic-addressed publish/subscribe event bus
// that underlies every other coordination component: wildcard topic
// matching, per-publish metadata injection, three delivery modes, handler
// cancellation, and rolling statistics.
package bus

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Mode selects how a publish dispatches to its matching handlers.
type Mode int

const (
	// ModeAsync schedules each handler on its own goroutine and returns
	// immediately with the listener count. This is the default.
	ModeAsync Mode = iota
	// ModeSync invokes handlers one at a time in FIFO registration order
	// and stops at the first cancellation.
	ModeSync
	// ModeParallel invokes all handlers concurrently and waits for all to
	// finish before returning.
	ModeParallel
)

// Metadata is injected by the bus on every publish; publishers never set it.
type Metadata struct {
	EventID        string
	Timestamp      time.Time
	PublisherID    string
	SequenceNumber uint64
}

// Envelope is the wire shape delivered to every handler in a dispatch: the
// topic it was published on, the payload, and bus-injected metadata. The
// same Envelope pointer is shared across all handlers in one dispatch.
type Envelope struct {
	Topic    string
	Data     any
	Metadata Metadata
}

// CancelResult may be returned by a Handler to halt further delivery (in
// Sync mode) and to flag a cancellation for bookkeeping (in any mode).
type CancelResult struct {
	Cancel bool
	Reason string
}

// Handler processes one envelope. A non-nil CancelResult with Cancel=true
// stops propagation in Sync mode. A returned error never poisons other
// handlers; it is reported on the listener-error topic.
type Handler func(ctx context.Context, env *Envelope) (*CancelResult, error)

// Subscription is returned by On/Once and is used to stop delivery.
type Subscription interface {
	// Unsubscribe removes the handler. Idempotent.
	Unsubscribe()
	// Topic returns the pattern this subscription was registered under.
	Topic() string
}

// Well-known internal bookkeeping topics emitted by the bus itself.
const (
	TopicEventCancelled       = "event-cancelled"
	TopicListenerError        = "listener-error"
	TopicPublishError         = "publish-error"
	TopicBusError             = "bus-error"
	TopicSubscriptionExpired  = "subscription-expired"
	TopicDuplicateSubscription = "duplicate-subscription"
	TopicListenerLeakWarning  = "listener-leak-warning"
)

// Stats is a snapshot of the bus's rolling counters.
type Stats struct {
	TotalPublished    uint64
	TotalDelivered    uint64
	TotalCancelled    uint64
	CurrentSequence   uint64
	PerTopicPublished map[string]uint64
	AvgDeliveryMillis float64
}

// Bus is the topic-addressed publish/subscribe interface. Implementations
// must be safe for concurrent use from any goroutine.
type Bus interface {
	// Publish delivers data on topic under the given mode (ModeAsync if
	// mode is empty/default) and returns the number of handlers matched at
	// publish time.
	Publish(ctx context.Context, topic string, data any, opts ...PublishOption) (int, error)

	// On registers handler for topic (which may contain wildcards) and
	// returns a Subscription used to stop delivery.
	On(topic string, handler Handler) Subscription

	// Once registers handler for topic; it is automatically unsubscribed
	// after its first invocation.
	Once(topic string, handler Handler) Subscription

	// Off removes all handlers registered under the exact topic string. A
	// single handler is removed through its Subscription's Unsubscribe.
	Off(topic string)

	// SetTopicMode overrides the delivery mode used for an exact topic.
	SetTopicMode(topic string, mode Mode)

	// ListenerCount returns the number of active subscriptions; if topic is
	// non-empty, only those matching it are counted.
	ListenerCount(topic string) int

	// Stats returns a snapshot of rolling bus statistics.
	Stats() Stats

	// ResetStats zeroes rolling counters without affecting subscriptions.
	ResetStats()

	// Shutdown unsubscribes every handler and stops accepting publishes.
	Shutdown()
}

// PublishOption configures a single Publish call.
type PublishOption func(*publishOpts)

type publishOpts struct {
	mode        Mode
	modeSet     bool
	publisherID string
}

// WithMode overrides the delivery mode for one publish call.
func WithMode(m Mode) PublishOption {
	return func(o *publishOpts) { o.mode = m; o.modeSet = true }
}

// WithPublisherID attaches a publisher identity to the envelope metadata.
func WithPublisherID(id string) PublishOption {
	return func(o *publishOpts) { o.publisherID = id }
}

func newEventID() string { return uuid.New().String() }

// sequenceCounter is process-local and monotonically increasing, shared by
// every bus instance in the process per §4.1 ("current sequence").
var sequenceCounter uint64

func nextSequence() uint64 { return atomic.AddUint64(&sequenceCounter, 1) }
