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

package invite

import (
	"context"
	"fmt"
	"time"

	"github.com/matrix-org/matrixcore/event"
	"github.com/matrix-org/matrixcore/ingress"
)

// Store is the persistence surface the invite orchestrator needs.
type Store = ingress.Store

// authEventTuplesFor reports which of the room's current state slots an
// event of this type/state_key needs to cite in auth_events, the same
// table spec.md §4.4's rules consult. Mirrors
// gomatrixserverlib.StateNeededForProtoEvent (dendrite's
// internal/eventutil.addPrevEventsToEvent builds auth_events the same
// way: create, power_levels and join_rules plus the sender's own
// membership, always; a m.room.member additionally names the target's
// existing membership slot).
func authEventTuplesFor(evType, sender string, stateKey *string) []event.StateKeyTuple {
	if evType == "m.room.create" {
		return nil
	}
	tuples := []event.StateKeyTuple{
		{EventType: "m.room.create", StateKey: ""},
		{EventType: "m.room.power_levels", StateKey: ""},
		{EventType: "m.room.join_rules", StateKey: ""},
		{EventType: "m.room.member", StateKey: sender},
	}
	if evType == "m.room.member" && stateKey != nil && *stateKey != sender {
		tuples = append(tuples, event.StateKeyTuple{EventType: "m.room.member", StateKey: *stateKey})
	}
	return tuples
}

// buildEvent gathers the room's current forward extremities and the state
// slots an event of this shape needs, then builds, hashes, derives the ID
// for and signs it. Depth is one more than the highest depth among the
// prev_events it cites, the same rule advanceGraph's callers rely on
// elsewhere in this codebase.
func buildEvent(ctx context.Context, store Store, serverName event.ServerName, keyID string, signer event.Signer, roomVersion event.RoomVersion, proto event.ProtoEvent) (*event.Event, error) {
	extremities, err := store.ForwardExtremities(ctx, proto.RoomID)
	if err != nil {
		return nil, fmt.Errorf("invite: load forward extremities: %w", err)
	}
	if len(extremities) == 0 {
		return nil, fmt.Errorf("invite: room %s has no forward extremities", proto.RoomID)
	}

	current, err := store.CurrentState(ctx, proto.RoomID)
	if err != nil {
		return nil, fmt.Errorf("invite: load current state: %w", err)
	}

	var depth int64
	var authEvents []string
	seen := map[string]bool{}
	for _, id := range extremities {
		ev, err := store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("invite: load forward extremity %s: %w", id, err)
		}
		if ev.Depth() >= depth {
			depth = ev.Depth() + 1
		}
	}
	for _, tuple := range authEventTuplesFor(proto.Type, proto.Sender, proto.StateKey) {
		id, ok := current[tuple]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		authEvents = append(authEvents, id)
	}

	eb := event.NewEventBuilder(proto, extremities, authEvents, depth, event.Timestamp(time.Now().UnixMilli()))
	return eb.Build(roomVersion, serverName, keyID, signer)
}
