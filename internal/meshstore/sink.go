package meshstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/agentmesh/internal/eventbus"
)

const writeTimeout = 5 * time.Second

// Sink adapts a Store to eventbus.Sink, so it can be installed with
// eventbus.WithSink to audit every emission without the bus's single
// dispatch goroutine ever blocking on a database write: Forward hands
// the write off to a bounded queue drained by one background writer
// goroutine and logs-and-drops on overload, the same containment
// discipline spec §7 applies to
// subscriber callbacks.
type Sink struct {
	store  *Store
	logger *slog.Logger
	workCh chan eventbus.Event
	done   chan struct{}
}

// NewSink starts a Sink backed by store with the given queue depth.
func NewSink(logger *slog.Logger, store *Store, queueDepth int) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}
	s := &Sink{
		store:  store,
		logger: logger,
		workCh: make(chan eventbus.Event, queueDepth),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Forward implements eventbus.Sink. It never blocks: a full queue
// drops the event and logs a warning rather than stalling the bus's
// dispatch loop.
func (s *Sink) Forward(_ string, ev eventbus.Event) {
	select {
	case s.workCh <- ev:
	default:
		s.logger.Warn("meshstore: sink queue full, dropping event", "topic", ev.Type, "event_id", ev.ID.String())
	}
}

// Close stops the sink's background writer. Queued events are drained
// before returning.
func (s *Sink) Close() {
	close(s.workCh)
	<-s.done
}

func (s *Sink) run() {
	defer close(s.done)
	for ev := range s.workCh {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := s.store.RecordEvent(ctx, ev); err != nil {
			s.logger.Warn("meshstore: failed to persist event", "topic", ev.Type, "error", err)
		}
		cancel()
	}
}
