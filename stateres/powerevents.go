package stateres

import (
	"context"
	"sort"

	"github.com/matrix-org/matrixcore/event"
)

// powerEventSet builds the set described by spec.md §4.5 step 4: every
// conflicted candidate of type m.room.power_levels or m.room.join_rules,
// every conflicted membership candidate whose membership is "ban", plus
// every event in the conflicted auth events subset. Returns both the
// events themselves and the id set (the latter needed by
// remainingConflicted to know what NOT to re-fold in the mainline pass).
func powerEventSet(ctx context.Context, conflicted conflictedSlots, conflictedAuthSubset map[string]*event.Event, source EventSource) ([]*event.Event, map[string]bool, error) {
	ids := map[string]bool{}
	var out []*event.Event

	add := func(e *event.Event) {
		if e == nil || ids[e.EventID()] {
			return
		}
		ids[e.EventID()] = true
		out = append(out, e)
	}

	for _, candidateIDs := range conflicted {
		for _, id := range candidateIDs {
			e, err := source.Get(ctx, id)
			if err != nil {
				return nil, nil, err
			}
			switch e.Type() {
			case "m.room.power_levels", "m.room.join_rules":
				add(e)
			case "m.room.member":
				var content event.MemberContent
				if decErr := event.Decode(e.Content(), &content); decErr == nil && content.Membership == "ban" {
					add(e)
				}
			}
		}
	}
	for _, e := range conflictedAuthSubset {
		add(e)
	}

	// Stable base ordering before the tie-break sort in
	// reverseTopologicalOrder: by event id, so two equal-looking runs
	// never depend on map iteration order.
	sort.Slice(out, func(i, j int) bool { return out[i].EventID() < out[j].EventID() })
	return out, ids, nil
}

// remainingConflicted returns, for every conflicted slot, the candidate
// events not already admitted via the power-event fold — the set the
// mainline-ordering pass (steps 7-8) still has to settle.
func remainingConflicted(ctx context.Context, conflicted conflictedSlots, powerEventIDs map[string]bool, source EventSource) ([]*event.Event, error) {
	var out []*event.Event
	seen := map[string]bool{}
	for _, candidateIDs := range conflicted {
		for _, id := range candidateIDs {
			if powerEventIDs[id] || seen[id] {
				continue
			}
			seen[id] = true
			e, err := source.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID() < out[j].EventID() })
	return out, nil
}
