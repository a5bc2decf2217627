package stateres

import (
	"context"
	"sort"

	"github.com/matrix-org/matrixcore/event"
)

// reverseTopologicalOrder orders events so that if x is in y's auth chain,
// x comes before y (spec.md §4.5 step 5), breaking ties among
// simultaneously-ready events by (depth desc, origin_server_ts asc,
// event_id asc). Only dependency edges between two events that are BOTH
// in the input set are considered; an event's auth_events pointing
// outside the set impose no ordering constraint here.
func reverseTopologicalOrder(ctx context.Context, events []*event.Event, source EventSource) ([]*event.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	byID := make(map[string]*event.Event, len(events))
	for _, e := range events {
		byID[e.EventID()] = e
	}

	// dependsOn[y] lists the in-set events in y's auth_events; x must
	// precede y when y depends on x. An event is ready to emit once every
	// in-set event it depends on has been emitted.
	dependsOn := make(map[string][]string, len(events)) // y -> its in-set auth deps
	for _, e := range events {
		for _, a := range e.AuthEvents() {
			if _, ok := byID[a]; ok {
				dependsOn[e.EventID()] = append(dependsOn[e.EventID()], a)
			}
		}
	}

	emitted := map[string]bool{}
	var out []*event.Event
	remaining := append([]*event.Event(nil), events...)

	for len(remaining) > 0 {
		var ready []*event.Event
		var notReady []*event.Event
		for _, e := range remaining {
			ok := true
			for _, dep := range dependsOn[e.EventID()] {
				if !emitted[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, e)
			} else {
				notReady = append(notReady, e)
			}
		}
		if len(ready) == 0 {
			// A cycle among in-set auth edges should not occur for
			// well-formed events; break the tie deterministically rather
			// than looping forever.
			ready = remaining
			notReady = nil
		}
		sort.Slice(ready, func(i, j int) bool {
			return tieBreak(ready[i], ready[j])
		})
		for _, e := range ready {
			emitted[e.EventID()] = true
			out = append(out, e)
		}
		remaining = notReady
	}
	return out, nil
}

// tieBreak implements spec.md §4.5 step 5's tuple: (depth desc,
// origin_server_ts asc, event_id asc).
func tieBreak(a, b *event.Event) bool {
	if a.Depth() != b.Depth() {
		return a.Depth() > b.Depth()
	}
	if a.OriginServerTS() != b.OriginServerTS() {
		return a.OriginServerTS() < b.OriginServerTS()
	}
	return a.EventID() < b.EventID()
}
