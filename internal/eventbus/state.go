package eventbus

import "github.com/nugget/agentmesh/internal/ident"

// busState holds the subscription tables and bounded history. All
// access happens on the bus's single run-loop goroutine, so no
// locking is required here (mirrors internal/registry's index).
type busState struct {
	exact   map[string][]*subscription // topic -> subscriptions
	pattern map[string][]*subscription // pattern -> subscriptions

	// watchRef indexes every subscription a subscriber holds, keyed by
	// subscriber id, so subscriber-death cleanup costs O(subs held by
	// that subscriber) rather than a full scan (spec (S2)/P6 and the
	// §9 design note: "replace the full-scan-per-death implementation
	// with a watch_ref -> sub-locations reverse index").
	watchRef map[string][]*subscription

	history    []Event
	maxHistory int
}

func newBusState(maxHistory int) *busState {
	return &busState{
		exact:      make(map[string][]*subscription),
		pattern:    make(map[string][]*subscription),
		watchRef:   make(map[string][]*subscription),
		maxHistory: maxHistory,
	}
}

func (st *busState) subscribe(sub Subscriber, key string, kind subKind, bufSize int) chan Event {
	s := &subscription{subscriberID: sub.ID, ch: make(chan Event, bufSize), key: key, kind: kind}
	switch kind {
	case subExact:
		st.exact[key] = append(st.exact[key], s)
	case subPattern:
		st.pattern[key] = append(st.pattern[key], s)
	}
	watchKey := sub.ID.String()
	st.watchRef[watchKey] = append(st.watchRef[watchKey], s)
	return s.ch
}

func (st *busState) unsubscribe(subscriberID ident.ID, key string, kind subKind) {
	table := st.exact
	if kind == subPattern {
		table = st.pattern
	}
	subs, ok := table[key]
	if !ok {
		return
	}
	var removed *subscription
	kept := subs[:0]
	for _, s := range subs {
		if s.subscriberID == subscriberID && removed == nil {
			removed = s
			continue
		}
		kept = append(kept, s)
	}
	if removed == nil {
		return
	}
	if len(kept) == 0 {
		delete(table, key)
	} else {
		table[key] = kept
	}
	close(removed.ch)
	st.removeFromWatchRef(removed)
}

// removeByWatchRef removes every subscription held by subscriberID,
// costing O(subs held), not O(total subscriptions) (P6).
func (st *busState) removeByWatchRef(subscriberID ident.ID) {
	watchKey := subscriberID.String()
	subs := st.watchRef[watchKey]
	if len(subs) == 0 {
		return
	}
	for _, s := range subs {
		table := st.exact
		if s.kind == subPattern {
			table = st.pattern
		}
		list := table[s.key]
		for i, other := range list {
			if other == s {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(table, s.key)
		} else {
			table[s.key] = list
		}
		close(s.ch)
	}
	delete(st.watchRef, watchKey)
}

func (st *busState) removeFromWatchRef(s *subscription) {
	watchKey := s.subscriberID.String()
	list := st.watchRef[watchKey]
	for i, other := range list {
		if other == s {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(st.watchRef, watchKey)
	} else {
		st.watchRef[watchKey] = list
	}
}

func (st *busState) appendHistory(ev Event) {
	st.history = append(st.history, ev)
	if len(st.history) > st.maxHistory {
		overflow := len(st.history) - st.maxHistory
		st.history = st.history[overflow:]
	}
}

func (st *busState) historyCopy(limit int) []Event {
	if limit <= 0 || limit > len(st.history) {
		limit = len(st.history)
	}
	start := len(st.history) - limit
	out := make([]Event, limit)
	copy(out, st.history[start:])
	return out
}

// droppedCounts sums s.dropped across every subscription, keyed by
// subscriber id (a subscriber holding both an exact and a pattern
// subscription gets one combined total).
func (st *busState) droppedCounts() map[string]int64 {
	out := make(map[string]int64)
	for key, subs := range st.watchRef {
		var total int64
		for _, s := range subs {
			total += s.dropped
		}
		if total > 0 {
			out[key] = total
		}
	}
	return out
}

func (st *busState) subscriberCount() int {
	n := 0
	for _, subs := range st.exact {
		n += len(subs)
	}
	for _, subs := range st.pattern {
		n += len(subs)
	}
	return n
}
