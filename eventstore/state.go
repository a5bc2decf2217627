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

package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/matrix-org/matrixcore/event"
	"github.com/matrix-org/matrixcore/stateres"
)

// PutStateGroup stores a new state group for roomID as a delta against
// parentID (0 meaning no parent: a root snapshot carrying every slot)
// and returns its id. full may be either just the changed slots or a
// complete re-resolved snapshot: GetStateAt overlays parent chains
// child-over-parent, so a slot present at multiple levels just takes
// the value from the nearest descendant either way.
func (s *Store) PutStateGroup(ctx context.Context, roomID string, parentID int64, full stateres.StateMap) (int64, error) {
	delta := make(stateGroupDelta, len(full))
	for k, id := range full {
		delta[deltaKey(k)] = id
	}
	blob, err := encodeDelta(delta)
	if err != nil {
		return 0, err
	}
	var parent sql.NullInt64
	if parentID != 0 {
		parent = sql.NullInt64{Int64: parentID, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO state_groups (room_id, parent_id, delta) VALUES (?, ?, ?)`, roomID, parent, blob)
	if err != nil {
		return 0, fmt.Errorf("eventstore: put state group: %w", err)
	}
	return res.LastInsertId()
}

// GetStateAt resolves the full stateres.StateMap a state group id
// represents, by walking its parent chain root-first and folding each
// delta over the last (spec.md §4.6 "get_state_at").
func (s *Store) GetStateAt(ctx context.Context, stateGroupID int64) (stateres.StateMap, error) {
	var chain []stateGroupDelta
	id := stateGroupID
	for id != 0 {
		var parent sql.NullInt64
		var blob []byte
		row := s.db.QueryRowContext(ctx, `SELECT parent_id, delta FROM state_groups WHERE id = ?`, id)
		if err := row.Scan(&parent, &blob); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("eventstore: get state group %d: %w", id, err)
		}
		delta, err := decodeDelta(blob)
		if err != nil {
			return nil, err
		}
		chain = append(chain, delta)
		if parent.Valid {
			id = parent.Int64
		} else {
			id = 0
		}
	}

	merged := stateres.StateMap{}
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i] {
			merged[stateKeyTupleFromDeltaKey(k)] = v
		}
	}
	return merged, nil
}

// CurrentState returns roomID's current resolved state, following
// room_state's pointer to the room's live state group.
func (s *Store) CurrentState(ctx context.Context, roomID string) (stateres.StateMap, error) {
	var groupID int64
	row := s.db.QueryRowContext(ctx, `SELECT state_group FROM room_state WHERE room_id = ?`, roomID)
	if err := row.Scan(&groupID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return stateres.StateMap{}, nil
		}
		return nil, fmt.Errorf("eventstore: current state group for %s: %w", roomID, err)
	}
	return s.GetStateAt(ctx, groupID)
}

// SetCurrentState records groupID as roomID's live state group, creating
// or updating the room_state pointer row.
func (s *Store) SetCurrentState(ctx context.Context, roomID string, groupID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_state (room_id, state_group) VALUES (?, ?)
		ON CONFLICT(room_id) DO UPDATE SET state_group = excluded.state_group`, roomID, groupID)
	if err != nil {
		return fmt.Errorf("eventstore: set current state for %s: %w", roomID, err)
	}
	return nil
}

func stateKeyTupleFromDeltaKey(k string) event.StateKeyTuple {
	for i := 0; i < len(k); i++ {
		if k[i] == '\x1f' {
			return event.StateKeyTuple{EventType: k[:i], StateKey: k[i+1:]}
		}
	}
	return event.StateKeyTuple{EventType: k}
}

var _ stateres.EventSource = (*Store)(nil)
