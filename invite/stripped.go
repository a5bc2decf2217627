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

	"github.com/matrix-org/matrixcore/event"
)

// inviteRoomState collects the stripped state spec.md §4.10 sends
// alongside an invite: enough for the invited user's client to identify
// the room before joining, with every signature and hash stripped away.
func inviteRoomState(ctx context.Context, store Store, roomID string) ([]StrippedState, error) {
	current, err := store.CurrentState(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("invite: load current state for stripped state: %w", err)
	}
	var out []StrippedState
	for tuple, id := range current {
		if !strippedStateTypes[tuple.EventType] {
			continue
		}
		ev, err := store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("invite: load state event %s: %w", id, err)
		}
		sk := tuple.StateKey
		out = append(out, StrippedState{
			Content:  ev.Content(),
			StateKey: &sk,
			Type:     ev.Type(),
			Sender:   ev.Sender(),
		})
	}
	return out, nil
}

// roomVersion returns the room version a room was created with, read off
// its current m.room.create event.
func roomVersion(ctx context.Context, store Store, roomID string) (event.RoomVersion, error) {
	current, err := store.CurrentState(ctx, roomID)
	if err != nil {
		return "", err
	}
	id, ok := current[event.StateKeyTuple{EventType: "m.room.create", StateKey: ""}]
	if !ok {
		return "", fmt.Errorf("invite: room %s has no m.room.create in current state", roomID)
	}
	create, err := store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return create.RoomVersion(), nil
}
