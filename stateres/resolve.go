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

// Package stateres implements state resolution v2 (spec.md §4.5): folding
// several forward extremities' state snapshots into the single resolved
// state a room's auth checks and clients see.
package stateres

import (
	"context"
	"fmt"

	"github.com/matrix-org/matrixcore/event"
)

// StateMap is a state snapshot: one event id per (type, state_key) slot.
type StateMap map[event.StateKeyTuple]string

// EventSource resolves event ids to events, the only collaborator state
// resolution needs beyond the snapshots themselves (to walk auth_events
// chains and evaluate auth rules against candidate state).
type EventSource interface {
	Get(ctx context.Context, eventID string) (*event.Event, error)
}

// conflictedSlots maps each slot with disagreement across inputs to the
// distinct event ids any input proposed for it, in a stable order (first
// input to introduce a given id wins position, for determinism).
type conflictedSlots map[event.StateKeyTuple][]string

// Resolve folds snapshots (one per forward extremity being merged) into a
// single resolved StateMap per the nine steps of spec.md §4.5. It is
// deterministic and idempotent: calling Resolve again on {the result} as
// a single-element input returns the same map unchanged.
func Resolve(ctx context.Context, snapshots []StateMap, source EventSource) (StateMap, error) {
	if len(snapshots) == 0 {
		return StateMap{}, nil
	}
	if len(snapshots) == 1 {
		return cloneStateMap(snapshots[0]), nil
	}

	unconflicted, conflicted := partition(snapshots)

	diff, err := authDifference(ctx, snapshots, source)
	if err != nil {
		return nil, fmt.Errorf("stateres: auth difference: %w", err)
	}
	conflictedAuthSubset := make(map[string]*event.Event)
	for id, e := range diff {
		if e.IsState() {
			conflictedAuthSubset[id] = e
		}
	}

	powerEvents, powerEventIDs, err := powerEventSet(ctx, conflicted, conflictedAuthSubset, source)
	if err != nil {
		return nil, fmt.Errorf("stateres: power event set: %w", err)
	}
	orderedPower, err := reverseTopologicalOrder(ctx, powerEvents, source)
	if err != nil {
		return nil, fmt.Errorf("stateres: power event ordering: %w", err)
	}

	resolved := cloneStateMap(unconflicted)
	if err := fold(ctx, resolved, orderedPower, source); err != nil {
		return nil, fmt.Errorf("stateres: power event fold: %w", err)
	}

	remaining, err := remainingConflicted(ctx, conflicted, powerEventIDs, source)
	if err != nil {
		return nil, fmt.Errorf("stateres: remaining conflicted events: %w", err)
	}
	mainline, err := buildMainline(ctx, resolved, source)
	if err != nil {
		return nil, fmt.Errorf("stateres: mainline: %w", err)
	}
	orderedRemaining, err := mainlineOrder(ctx, remaining, mainline, source)
	if err != nil {
		return nil, fmt.Errorf("stateres: mainline ordering: %w", err)
	}
	if err := fold(ctx, resolved, orderedRemaining, source); err != nil {
		return nil, fmt.Errorf("stateres: mainline event fold: %w", err)
	}

	// Step 9: unconflicted slots always win.
	for k, v := range unconflicted {
		resolved[k] = v
	}
	return resolved, nil
}

func partition(snapshots []StateMap) (unconflicted StateMap, conflicted conflictedSlots) {
	unconflicted = StateMap{}
	conflicted = conflictedSlots{}
	allKeys := map[event.StateKeyTuple]bool{}
	for _, s := range snapshots {
		for k := range s {
			allKeys[k] = true
		}
	}
	for k := range allKeys {
		seen := map[string]bool{}
		var order []string
		seenInAll := true
		for _, s := range snapshots {
			v, ok := s[k]
			if !ok {
				seenInAll = false
				continue
			}
			if !seen[v] {
				seen[v] = true
				order = append(order, v)
			}
		}
		if seenInAll && len(order) == 1 {
			unconflicted[k] = order[0]
		} else {
			conflicted[k] = order
		}
	}
	return unconflicted, conflicted
}

func cloneStateMap(m StateMap) StateMap {
	out := make(StateMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
