// Package eventbus implements the broadcast publish/subscribe event
// bus (spec component C, §4.3): exact-match and glob-pattern
// subscriptions, bounded history, and automatic subscriber cleanup on
// subscriber death. Like the registry, the bus is realized as a
// single-threaded actor so every operation is serialized in arrival
// order (spec §5 "the event bus... single-threaded entity with FIFO
// request queue").
package eventbus

import (
	"log/slog"
	"time"

	"github.com/nugget/agentmesh/internal/ident"
)

// Event is a single published occurrence (spec §3 "Event").
type Event struct {
	ID        ident.ID
	Type      string
	Source    string
	Data      map[string]any
	Metadata  map[string]any
	Timestamp time.Time
}

// Sink is the optional external broadcast layer fed (topic, event)
// pairs on every emission (spec §1 "distributed broadcast layer...
// treated as an opaque sink"). A nil Sink disables forwarding.
type Sink interface {
	Forward(topic string, event Event)
}

// Subscriber is the liveness handle a caller supplies when
// subscribing. Done is closed when the subscriber goes away; the bus
// uses it to drive automatic subscription cleanup (spec (S1)).
type Subscriber struct {
	ID   ident.ID
	Done <-chan struct{}
}

type subKind int

const (
	subExact subKind = iota
	subPattern
)

type subscription struct {
	subscriberID ident.ID
	ch           chan Event
	key          string // topic (exact) or pattern string
	kind         subKind
	dropped      int64 // events missed because ch was full (spec §9 Open Question: "expose a metric")
}

// Bus is the process-wide broadcast event bus. Construct one with New
// and share the pointer (spec §9: "process-wide services constructed
// once... passed by reference into workers").
type Bus struct {
	logger     *slog.Logger
	maxHistory int
	bufSize    int
	sink       Sink

	reqCh chan request
	quit  chan struct{}
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithSink installs an external forwarding sink.
func WithSink(s Sink) Option {
	return func(b *Bus) { b.sink = s }
}

// WithSubscriberBuffer sets the per-subscriber channel buffer size
// (default 64, matching the teacher's WebSocket-consumer default).
func WithSubscriberBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// New creates a bus with the given history capacity (spec §6
// "max_history", default 1000 if maxHistory <= 0).
func New(logger *slog.Logger, maxHistory int, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	b := &Bus{
		logger:     logger,
		maxHistory: maxHistory,
		bufSize:    64,
		reqCh:      make(chan request, 1024),
		quit:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.run()
	return b
}

// Close stops the bus's worker goroutine.
func (b *Bus) Close() {
	close(b.quit)
}

// --- request/response plumbing -------------------------------------------------

type opKind int

const (
	opSubscribe opKind = iota
	opSubscribePattern
	opUnsubscribe
	opUnsubscribePattern
	opGetHistory
	opEmit
	opSubscriberDied
	opSubscriberCount
	opDroppedCounts
)

type request struct {
	kind       opKind
	subscriber Subscriber
	key        string
	limit      int
	event      Event
	reply      chan response
}

type response struct {
	ch      chan Event
	history []Event
	eventID ident.ID
	count   int
	dropped map[string]int64
}

func (b *Bus) send(req request) {
	select {
	case b.reqCh <- req:
	case <-b.quit:
	}
}

func (b *Bus) call(req request) response {
	req.reply = make(chan response, 1)
	b.send(req)
	select {
	case resp := <-req.reply:
		return resp
	case <-b.quit:
		return response{}
	}
}

// --- public synchronous API ----------------------------------------------------

// Subscribe registers interest in an exact topic and returns a channel
// that receives matching events delivered after this call completes.
func (b *Bus) Subscribe(sub Subscriber, topic string) <-chan Event {
	return b.call(request{kind: opSubscribe, subscriber: sub, key: topic}).ch
}

// SubscribePattern registers interest in topics matching a dotted
// wildcard pattern (spec §4.3 pattern grammar).
func (b *Bus) SubscribePattern(sub Subscriber, pattern string) <-chan Event {
	return b.call(request{kind: opSubscribePattern, subscriber: sub, key: pattern}).ch
}

// Unsubscribe removes an exact-topic subscription. Idempotent: safe to
// call for a topic the subscriber never subscribed to.
func (b *Bus) Unsubscribe(subscriberID ident.ID, topic string) {
	b.call(request{kind: opUnsubscribe, subscriber: Subscriber{ID: subscriberID}, key: topic})
}

// UnsubscribePattern removes a pattern subscription. Idempotent.
func (b *Bus) UnsubscribePattern(subscriberID ident.ID, pattern string) {
	b.call(request{kind: opUnsubscribePattern, subscriber: Subscriber{ID: subscriberID}, key: pattern})
}

// GetHistory returns the most recent <= limit events in emission
// order. limit <= 0 returns the full retained history.
func (b *Bus) GetHistory(limit int) []Event {
	return b.call(request{kind: opGetHistory, limit: limit}).history
}

// Emit publishes an event. Asynchronous: returns the new event's id
// immediately without waiting for subscriber delivery (spec §4.3).
func (b *Bus) Emit(topic string, data, metadata map[string]any) ident.ID {
	ev := Event{
		ID:        ident.New(ident.KindEvent),
		Type:      topic,
		Data:      data,
		Metadata:  metadata,
		Timestamp: time.Now(),
	}
	b.send(request{kind: opEmit, event: ev})
	return ev.ID
}

// EmitFrom is Emit with an explicit Source (the publishing worker's
// handle, spec §3 "source: originating worker handle").
func (b *Bus) EmitFrom(source, topic string, data, metadata map[string]any) ident.ID {
	ev := Event{
		ID:        ident.New(ident.KindEvent),
		Type:      topic,
		Source:    source,
		Data:      data,
		Metadata:  metadata,
		Timestamp: time.Now(),
	}
	b.send(request{kind: opEmit, event: ev})
	return ev.ID
}

// SubscriberCount returns the number of distinct subscriptions
// currently registered (across exact and pattern tables).
func (b *Bus) SubscriberCount() int {
	return b.call(request{kind: opSubscriberCount}).count
}

// DroppedCounts returns, per subscriber id, the total number of events
// that subscriber missed because its mailbox was full at delivery time
// (spec §9 Open Question: emit never refuses on a full subscriber, but
// a metric is exposed — internal/meshapi surfaces this per subscriber).
// Counts are summed across every subscription (exact and pattern) the
// subscriber currently holds.
func (b *Bus) DroppedCounts() map[string]int64 {
	return b.call(request{kind: opDroppedCounts}).dropped
}

// --- actor loop -----------------------------------------------------------------

func (b *Bus) run() {
	st := newBusState(b.maxHistory)
	for {
		select {
		case req := <-b.reqCh:
			b.handle(st, req)
		case <-b.quit:
			return
		}
	}
}

func (b *Bus) handle(st *busState, req request) {
	switch req.kind {
	case opSubscribe:
		ch := st.subscribe(req.subscriber, req.key, subExact, b.bufSize)
		go b.watch(req.subscriber)
		req.reply <- response{ch: ch}
	case opSubscribePattern:
		ch := st.subscribe(req.subscriber, req.key, subPattern, b.bufSize)
		go b.watch(req.subscriber)
		req.reply <- response{ch: ch}
	case opUnsubscribe:
		st.unsubscribe(req.subscriber.ID, req.key, subExact)
		req.reply <- response{}
	case opUnsubscribePattern:
		st.unsubscribe(req.subscriber.ID, req.key, subPattern)
		req.reply <- response{}
	case opGetHistory:
		req.reply <- response{history: st.historyCopy(req.limit)}
	case opEmit:
		st.appendHistory(req.event)
		b.fanOut(st, req.event)
		if b.sink != nil {
			b.sink.Forward(req.event.Type, req.event)
		}
	case opSubscriberDied:
		st.removeByWatchRef(req.subscriber.ID)
	case opSubscriberCount:
		req.reply <- response{count: st.subscriberCount()}
	case opDroppedCounts:
		req.reply <- response{dropped: st.droppedCounts()}
	}
}

// watch blocks until the subscriber's liveness channel closes, then
// asks the bus to clean up every subscription that subscriber holds.
// One watcher per Subscribe/SubscribePattern call is harmless — the
// first one to fire wins, and removeByWatchRef is idempotent.
func (b *Bus) watch(sub Subscriber) {
	if sub.Done == nil {
		return
	}
	select {
	case <-sub.Done:
		b.send(request{kind: opSubscriberDied, subscriber: sub})
	case <-b.quit:
	}
}

// fanOut delivers ev to every matching subscriber, non-blocking:
// a subscriber whose channel is full misses the event rather than
// stalling the bus (spec §4.3 "at-most-once, best-effort").
func (b *Bus) fanOut(st *busState, ev Event) {
	for _, s := range st.exact[ev.Type] {
		deliver(s, ev)
	}
	for pattern, subs := range st.pattern {
		if !matchPattern(pattern, ev.Type) {
			continue
		}
		for _, s := range subs {
			deliver(s, ev)
		}
	}
}

func deliver(s *subscription, ev Event) {
	select {
	case s.ch <- ev:
	default:
		// Subscriber mailbox full — drop for this subscriber only.
		s.dropped++
	}
}
