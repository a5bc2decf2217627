package stateres

import (
	"context"

	"github.com/matrix-org/matrixcore/event"
	"github.com/matrix-org/matrixcore/eventauth"
)

// fold admits events from ordered into state one at a time (spec.md §4.5
// steps 6/8): each is kept iff it passes the auth rules against the state
// accumulated so far, else it is dropped and has no further effect on
// later events in the same fold. state is mutated in place.
func fold(ctx context.Context, state StateMap, ordered []*event.Event, source EventSource) error {
	for _, e := range ordered {
		authState, err := resolveStateSet(ctx, state, source)
		if err != nil {
			return err
		}
		var target eventauth.RedactionTarget
		if e.Type() == "m.room.redaction" && e.Redacts() != "" {
			if redacted, err := source.Get(ctx, e.Redacts()); err == nil && redacted != nil {
				target = eventauth.RedactionTarget{Sender: redacted.Sender(), RoomID: redacted.RoomID(), Known: true}
			}
		}
		if err := eventauth.Check(e, authState, target); err != nil {
			continue
		}
		if e.IsState() {
			state[e.StateKeyTuple()] = e.EventID()
		}
	}
	return nil
}

func resolveStateSet(ctx context.Context, state StateMap, source EventSource) (eventauth.StateSet, error) {
	out := eventauth.StateSet{}
	for k, id := range state {
		e, err := source.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out[k] = e
	}
	return out, nil
}
