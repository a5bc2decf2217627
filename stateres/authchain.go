package stateres

import (
	"context"

	"github.com/matrix-org/matrixcore/event"
)

// fullAuthChain returns the transitive closure over auth_events of every
// event id in seed, including the seeds themselves, as used by both
// eventstore.AuthChain (C6) and here.
func fullAuthChain(ctx context.Context, seed []string, source EventSource) (map[string]*event.Event, error) {
	out := make(map[string]*event.Event)
	queue := append([]string(nil), seed...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := out[id]; ok {
			continue
		}
		e, err := source.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = e
		queue = append(queue, e.AuthEvents()...)
	}
	return out, nil
}

// authDifference computes, per spec.md §4.5 step 2, the union of every
// input snapshot's full auth chain minus the intersection of all of them:
// the set of auth events at least one input relies on but not every input
// agrees underpins its state.
func authDifference(ctx context.Context, snapshots []StateMap, source EventSource) (map[string]*event.Event, error) {
	chains := make([]map[string]*event.Event, len(snapshots))
	for i, s := range snapshots {
		var seed []string
		for _, id := range s {
			seed = append(seed, id)
		}
		chain, err := fullAuthChain(ctx, seed, source)
		if err != nil {
			return nil, err
		}
		chains[i] = chain
	}

	union := make(map[string]*event.Event)
	for _, c := range chains {
		for id, e := range c {
			union[id] = e
		}
	}
	intersection := make(map[string]bool)
	for id := range union {
		inAll := true
		for _, c := range chains {
			if _, ok := c[id]; !ok {
				inAll = false
				break
			}
		}
		intersection[id] = inAll
	}

	diff := make(map[string]*event.Event)
	for id, e := range union {
		if !intersection[id] {
			diff[id] = e
		}
	}
	return diff, nil
}
