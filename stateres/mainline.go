package stateres

import (
	"context"
	"sort"

	"github.com/matrix-org/matrixcore/event"
)

// buildMainline walks back from the current m.room.power_levels event
// (in the state folded so far) through whichever single power_levels
// event each step's auth_events names, until it runs out of ancestors.
// The result is ordered root-first (index 0 is the oldest power_levels
// event reachable, the last element is the current one) — spec.md §4.5
// step 7's "mainline chain of power levels".
func buildMainline(ctx context.Context, resolved StateMap, source EventSource) ([]*event.Event, error) {
	id, ok := resolved[event.StateKeyTuple{EventType: "m.room.power_levels", StateKey: ""}]
	if !ok {
		return nil, nil
	}
	current, err := source.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	chain := []*event.Event{current}
	seen := map[string]bool{current.EventID(): true}
	for {
		next, err := findPowerLevelsAncestor(ctx, current, source)
		if err != nil {
			return nil, err
		}
		if next == nil || seen[next.EventID()] {
			break
		}
		chain = append(chain, next)
		seen[next.EventID()] = true
		current = next
	}
	// Reverse so index 0 is the root-most ancestor.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func findPowerLevelsAncestor(ctx context.Context, e *event.Event, source EventSource) (*event.Event, error) {
	for _, id := range e.AuthEvents() {
		a, err := source.Get(ctx, id)
		if err != nil {
			continue
		}
		if a.Type() == "m.room.power_levels" {
			return a, nil
		}
	}
	return nil, nil
}

// mainlinePosition finds the index in mainline of the nearest ancestor of
// e reachable by walking e's own auth_events transitively (breadth-first,
// e included). Returns ok=false if no mainline event is reachable at all.
func mainlinePosition(ctx context.Context, e *event.Event, mainline []*event.Event, index map[string]int, source EventSource) (int, bool) {
	if pos, ok := index[e.EventID()]; ok {
		return pos, true
	}
	visited := map[string]bool{e.EventID(): true}
	queue := append([]string(nil), e.AuthEvents()...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		if pos, ok := index[id]; ok {
			return pos, true
		}
		a, err := source.Get(ctx, id)
		if err != nil {
			continue
		}
		queue = append(queue, a.AuthEvents()...)
	}
	return 0, false
}

// mainlineOrder implements spec.md §4.5 step 7: order remaining conflicted
// events by mainline position (closer-to-root first), tie-break
// (origin_server_ts asc, event_id asc). Events with no reachable mainline
// position sort after every positioned event, ordered among themselves by
// the same tie-break.
func mainlineOrder(ctx context.Context, events []*event.Event, mainline []*event.Event, source EventSource) ([]*event.Event, error) {
	index := make(map[string]int, len(mainline))
	for i, e := range mainline {
		index[e.EventID()] = i
	}
	type scored struct {
		e        *event.Event
		pos      int
		hasPos   bool
	}
	scoredList := make([]scored, len(events))
	for i, e := range events {
		pos, ok := mainlinePosition(ctx, e, mainline, index, source)
		scoredList[i] = scored{e: e, pos: pos, hasPos: ok}
	}
	sort.SliceStable(scoredList, func(i, j int) bool {
		a, b := scoredList[i], scoredList[j]
		if a.hasPos != b.hasPos {
			return a.hasPos // positioned events sort before unpositioned ones
		}
		if a.hasPos && a.pos != b.pos {
			return a.pos < b.pos
		}
		if a.e.OriginServerTS() != b.e.OriginServerTS() {
			return a.e.OriginServerTS() < b.e.OriginServerTS()
		}
		return a.e.EventID() < b.e.EventID()
	})
	out := make([]*event.Event, len(scoredList))
	for i, s := range scoredList {
		out[i] = s.e
	}
	return out, nil
}
