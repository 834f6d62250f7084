// Package eventbus is an in-process pub/sub index whose delivery is
// backed by a durable work pool.
// Subscriptions are indexed by event type and category at construction
// so publish only has to union a few candidate sets rather than scan
// every subscription on every event.
package eventbus

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/dcbrun/domainrt/pkg/dcb"
)

// HandlerKind distinguishes subscriptions that may patch read-model
// state directly from those that must round-trip through onComplete.
type HandlerKind int

const (
	KindMutation HandlerKind = iota
	KindAction
)

// Filter narrows which events a subscription receives. Dimensions are
// ANDed together; values within one dimension are ORed. New indexes a
// subscription by EventTypes and Categories, or as a wildcard when the
// filter is empty; a filter that sets only BoundedContexts and/or
// StreamTypes is indexed nowhere, so Publish never selects it.
type Filter struct {
	EventTypes      []string
	Categories      []dcb.Category
	BoundedContexts []string
	StreamTypes     []string
}

func (f Filter) isWildcard() bool {
	return len(f.EventTypes) == 0 && len(f.Categories) == 0 && len(f.BoundedContexts) == 0 && len(f.StreamTypes) == 0
}

func (f Filter) matches(event dcb.Event, boundedContext string) bool {
	if len(f.EventTypes) > 0 && !containsString(f.EventTypes, event.EventType) {
		return false
	}
	if len(f.Categories) > 0 && !containsCategory(f.Categories, event.Category) {
		return false
	}
	if len(f.BoundedContexts) > 0 && !containsString(f.BoundedContexts, boundedContext) {
		return false
	}
	if len(f.StreamTypes) > 0 && !containsString(f.StreamTypes, event.StreamType) {
		return false
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsCategory(haystack []dcb.Category, needle dcb.Category) bool {
	for _, c := range haystack {
		if c == needle {
			return true
		}
	}
	return false
}

// RetryPolicy overrides the pool's default retry ceiling for one
// subscription. MaxAttempts of 1 opts out of retries entirely; the
// backoff curve between attempts stays the pool's own policy.
type RetryPolicy struct {
	MaxAttempts int
}

// EnqueueContext is the structured context handed to the work pool
// alongside a subscription's transformed args.
type EnqueueContext struct {
	SubscriptionName string
	EventID          string
	GlobalPosition   int64
	PartitionKey     string
	CorrelationID    string
	CausationID      string
	Retry            *RetryPolicy
}

// Enqueuer is the durable work pool interface the bus enqueues onto.
// Once Enqueue succeeds, delivery is the pool's responsibility.
type Enqueuer interface {
	Enqueue(ctx context.Context, subscriptionName string, args any, enqueueCtx EnqueueContext, onComplete OnCompleteFunc) (workID string, err error)
}

// OnCompleteFunc is invoked by the work pool once a subscription's
// handler runs; actions must supply one.
type OnCompleteFunc func(ctx context.Context, result any, err error)

// Subscription is one registered handler.
type Subscription struct {
	Name             string
	Filter           Filter
	BoundedContext   string
	HandlerKind      HandlerKind
	OnComplete       OnCompleteFunc
	ToHandlerArgs    func(event dcb.Event) any
	GetPartitionKey  func(event dcb.Event) string
	Priority         int // lower runs first; projections ~100, PMs ~200, agents ~250, sagas ~300
	// Retry, when set, overrides the pool's default retry ceiling for
	// this subscription's deliveries. Action subscriptions calling
	// non-idempotent external services typically set MaxAttempts to 1.
	Retry *RetryPolicy
}

// PublishResult reports what publish matched and scheduled.
type PublishResult struct {
	Matched    int
	Triggered  []string
	Success    bool
}

// Bus is the constructed, immutable subscription index plus the
// enqueuer it publishes through.
type Bus struct {
	byEventType map[string][]Subscription
	byCategory  map[dcb.Category][]Subscription
	wildcards   []Subscription
	enqueuer    Enqueuer
	// Logger receives structured fields for publish/enqueue outcomes;
	// defaults to a no-op logger. Set to obslog.L() for production use.
	Logger *zap.Logger
}

func (b *Bus) logger() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}

// New builds a Bus, indexing subs by event type and category and
// priority-sorting each bucket once at construction.
func New(subs []Subscription, enqueuer Enqueuer) *Bus {
	b := &Bus{
		byEventType: map[string][]Subscription{},
		byCategory:  map[dcb.Category][]Subscription{},
		enqueuer:    enqueuer,
		Logger:      zap.NewNop(),
	}
	for _, sub := range subs {
		if sub.Filter.isWildcard() {
			b.wildcards = append(b.wildcards, sub)
			continue
		}
		for _, et := range sub.Filter.EventTypes {
			b.byEventType[et] = append(b.byEventType[et], sub)
		}
		for _, cat := range sub.Filter.Categories {
			b.byCategory[cat] = append(b.byCategory[cat], sub)
		}
	}
	sortByPriority(b.wildcards)
	for k := range b.byEventType {
		sortByPriority(b.byEventType[k])
	}
	for k := range b.byCategory {
		sortByPriority(b.byCategory[k])
	}
	return b
}

func sortByPriority(subs []Subscription) {
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].Priority < subs[j].Priority })
}

// Publish runs the candidate-union, filter, sort, enqueue pipeline. An
// enqueue error aborts the publish immediately and is fatal to the
// caller's command transaction.
func (b *Bus) Publish(ctx context.Context, event dcb.Event) (PublishResult, error) {
	candidates := b.candidates(event)
	sortByPriority(candidates)

	triggered := make([]string, 0, len(candidates))
	matched := 0
	for _, sub := range candidates {
		if !sub.Filter.matches(event, sub.BoundedContext) {
			continue
		}
		matched++
		var args any
		if sub.ToHandlerArgs != nil {
			args = sub.ToHandlerArgs(event)
		}
		partitionKey := ""
		if sub.GetPartitionKey != nil {
			partitionKey = sub.GetPartitionKey(event)
		}
		if sub.HandlerKind == KindAction && sub.OnComplete == nil {
			return PublishResult{}, fmt.Errorf("eventbus: action subscription %q has no onComplete", sub.Name)
		}
		enqueueCtx := EnqueueContext{
			SubscriptionName: sub.Name,
			EventID:          event.EventID,
			GlobalPosition:   event.GlobalPosition,
			PartitionKey:     partitionKey,
			CorrelationID:    event.Metadata.CorrelationID,
			CausationID:      event.Metadata.CausationID,
			Retry:            sub.Retry,
		}
		if _, err := b.enqueuer.Enqueue(ctx, sub.Name, args, enqueueCtx, sub.OnComplete); err != nil {
			b.logger().Error("enqueue failed", zap.String("subscriptionName", sub.Name), zap.String("eventId", event.EventID), zap.Error(err))
			return PublishResult{}, fmt.Errorf("eventbus: enqueue subscription %q: %w", sub.Name, err)
		}
		triggered = append(triggered, sub.Name)
	}

	b.logger().Debug("event published", zap.String("eventId", event.EventID), zap.String("eventType", event.EventType), zap.Int("matched", matched), zap.Int("triggered", len(triggered)))
	return PublishResult{Matched: matched, Triggered: triggered, Success: true}, nil
}

// OrchestratorPublisher adapts Bus to the command orchestrator's
// narrow Publisher interface, which only needs to know whether
// enqueuing succeeded, discarding the richer PublishResult a direct
// host caller wants back.
type OrchestratorPublisher struct {
	Bus *Bus
}

// Publish satisfies orchestrator.Publisher.
func (p OrchestratorPublisher) Publish(ctx context.Context, event dcb.Event) error {
	_, err := p.Bus.Publish(ctx, event)
	return err
}

// candidates is the union byEventType[event.eventType] ∪
// byCategory[event.category] ∪ wildcards, deduplicated by name.
func (b *Bus) candidates(event dcb.Event) []Subscription {
	seen := map[string]struct{}{}
	var out []Subscription
	add := func(subs []Subscription) {
		for _, sub := range subs {
			if _, dup := seen[sub.Name]; dup {
				continue
			}
			seen[sub.Name] = struct{}{}
			out = append(out, sub)
		}
	}
	add(b.byEventType[event.EventType])
	add(b.byCategory[event.Category])
	add(b.wildcards)
	return out
}
