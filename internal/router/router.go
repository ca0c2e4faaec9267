// Package router layers protocol-level semantics on top of the bus: direct,
// broadcast and type-based addressing, priority accounting, and a
// subscription manager with handles, groups, TTL, once semantics, duplicate
// suppression and leak warnings.
package router

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/kandev/conductor/internal/bus"
)

// Priority is an accounting/introspection-only ordering hint. It never
// changes in-bus delivery order, which always follows the Mode the
// publisher selected on the underlying Bus.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Router publishes through a bus.Bus using protocol-level addressing
// helpers. Every route still goes through Publish so that subscribers who
// listen directly on the bus (bypassing the router) still receive it.
type Router struct {
	bus bus.Bus

	mu    sync.Mutex
	rules []rule

	recentMu sync.Mutex
	recent   []RouteRecord
}

type rule struct {
	pattern  *regexp.Regexp
	priority Priority
}

// RouteRecord is kept for introspection: FIFO within priority tier, never
// used to reorder actual bus delivery.
type RouteRecord struct {
	Topic    string
	Priority Priority
}

const maxRecentRoutes = 200

// New wraps b with routing helpers.
func New(b bus.Bus) *Router {
	return &Router{bus: b}
}

// AddRule assigns priority to any topic matching the regular expression
// pattern. Rules are evaluated in registration order; first match wins.
func (r *Router) AddRule(pattern string, priority Priority) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.rules = append(r.rules, rule{pattern: re, priority: priority})
	r.mu.Unlock()
	return nil
}

// PriorityFor returns the priority assigned to topic by the rule registry,
// defaulting to PriorityNormal when nothing matches.
func (r *Router) PriorityFor(topic string) Priority {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ru := range r.rules {
		if ru.pattern.MatchString(topic) {
			return ru.priority
		}
	}
	return PriorityNormal
}

func (r *Router) record(topic string, priority Priority) {
	r.recentMu.Lock()
	defer r.recentMu.Unlock()
	r.recent = append(r.recent, RouteRecord{Topic: topic, Priority: priority})
	if len(r.recent) > maxRecentRoutes {
		r.recent = r.recent[len(r.recent)-maxRecentRoutes:]
	}
}

// RecentRoutes returns the most recently published routes, oldest first,
// for accounting and introspection.
func (r *Router) RecentRoutes() []RouteRecord {
	r.recentMu.Lock()
	defer r.recentMu.Unlock()
	out := make([]RouteRecord, len(r.recent))
	copy(out, r.recent)
	return out
}

func (r *Router) publish(ctx context.Context, topic string, data any, opts ...bus.PublishOption) (int, error) {
	r.record(topic, r.PriorityFor(topic))
	return r.bus.Publish(ctx, topic, data, opts...)
}

// Direct routes data to a single agent's inbox topic.
func (r *Router) Direct(ctx context.Context, agentID string, data any, opts ...bus.PublishOption) (int, error) {
	return r.publish(ctx, fmt.Sprintf("message:direct:%s", agentID), data, opts...)
}

// Broadcast routes data to every subscriber of the broadcast topic.
func (r *Router) Broadcast(ctx context.Context, data any, opts ...bus.PublishOption) (int, error) {
	return r.publish(ctx, "message:broadcast", data, opts...)
}

// ByType routes data to every agent of the given type.
func (r *Router) ByType(ctx context.Context, agentType string, data any, opts ...bus.PublishOption) (int, error) {
	return r.publish(ctx, fmt.Sprintf("message:type:%s", agentType), data, opts...)
}

// Bus returns the underlying Bus, e.g. for direct On/Once subscriptions.
func (r *Router) Bus() bus.Bus { return r.bus }
