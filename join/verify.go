// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package join

import (
	"context"
	"fmt"

	"github.com/matrix-org/matrixcore/event"
	"github.com/matrix-org/matrixcore/eventauth"
	"github.com/matrix-org/matrixcore/keyring"
)

// verifyRespState checks that every event in a send_join response is
// individually well-formed (correct content hash, valid signature from
// its claimed origin) and allowed by the auth_events it itself names.
// This is the same two checks RespState.Check runs in the reference
// client before trusting a /state or /send_join response, just against
// this core's own event/eventauth surface rather than gomatrixserverlib's.
//
// It does not check the joining server's own event against the returned
// state; that is the separate verifyJoinEventAllowed step, which Join runs
// after this one and before absorbing, against the returned state and
// auth-chain events.
func verifyRespState(ctx context.Context, keys *keyring.Cache, state, auth []*event.Event) error {
	all := make([]*event.Event, 0, len(state)+len(auth))
	all = append(all, state...)
	all = append(all, auth...)

	byID := make(map[string]*event.Event, len(all))
	for _, ev := range all {
		byID[ev.EventID()] = ev
	}

	for _, ev := range all {
		if err := ev.CheckContentHash(); err != nil {
			return fmt.Errorf("join: %s: content hash: %w", ev.EventID(), err)
		}
		if err := keyring.VerifyEventOrigin(ctx, keys, ev); err != nil {
			return fmt.Errorf("join: %s: signature: %w", ev.EventID(), err)
		}
	}

	for _, ev := range all {
		if err := checkAllowedByAuthEvents(ev, byID); err != nil {
			return fmt.Errorf("join: %s: not allowed by its own auth_events: %w", ev.EventID(), err)
		}
	}
	return nil
}

// verifyJoinEventAllowed checks that the joining server's own signed join
// event is permitted by the state and auth chain the resident server
// handed back, the same way RespSendJoin.Check additionally validates the
// join event itself after RespState.Check passes. A resident server that
// returns a state snapshot the join event isn't actually allowed under
// (e.g. the room is actually invite-only) must not be trusted just
// because every individual event it sent was well-formed.
func verifyJoinEventAllowed(joinEvent *event.Event, state, auth []*event.Event) error {
	byID := make(map[string]*event.Event, len(state)+len(auth))
	for _, ev := range state {
		byID[ev.EventID()] = ev
	}
	for _, ev := range auth {
		byID[ev.EventID()] = ev
	}
	return checkAllowedByAuthEvents(joinEvent, byID)
}

func checkAllowedByAuthEvents(ev *event.Event, byID map[string]*event.Event) error {
	authState := eventauth.StateSet{}
	for _, id := range ev.AuthEvents() {
		authEv, ok := byID[id]
		if !ok {
			return fmt.Errorf("missing auth event %q", id)
		}
		if authEv.IsState() {
			authState[authEv.StateKeyTuple()] = authEv
		}
	}
	target := redactionTargetFrom(ev, byID)
	return eventauth.Check(ev, authState, target)
}

// redactionTargetFrom mirrors ingress.Pipeline's redactionTarget, scoped
// to the response's own event set rather than the event store, since
// redactions in a state/auth-chain response can only target another
// event already present in that same response.
func redactionTargetFrom(ev *event.Event, byID map[string]*event.Event) eventauth.RedactionTarget {
	if ev.Type() != "m.room.redaction" || ev.Redacts() == "" {
		return eventauth.RedactionTarget{}
	}
	target, ok := byID[ev.Redacts()]
	if !ok {
		return eventauth.RedactionTarget{}
	}
	return eventauth.RedactionTarget{Sender: target.Sender(), RoomID: target.RoomID(), Known: true}
}
