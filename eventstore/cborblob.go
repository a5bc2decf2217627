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

// Package eventstore is the sqlite3-backed concrete implementation of the
// Event Store (spec.md §4.6): events, per-room current state, a
// state-group arena for historical snapshots, and forward extremities.
package eventstore

import (
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"

	"github.com/matrix-org/matrixcore/event"
)

// stateGroupDelta is what gets stored per state_groups row: the slots a
// state group adds or overrides relative to its parent group. Encoded as
// canonical CBOR, the same codec shape `matrix-org-lb/cbor_codec.go` uses
// for its JSON<->CBOR transcoding, repurposed here from "wire format for
// low-bandwidth CoAP clients" to "compact on-disk state snapshot storage".
type stateGroupDelta map[string]string // "type\x1fstate_key" -> event_id

func deltaKey(t event.StateKeyTuple) string { return t.String() }

func encodeDelta(d stateGroupDelta) ([]byte, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("eventstore: cbor EncMode: %w", err)
	}
	b, err := enc.Marshal(map[string]string(d))
	if err != nil {
		return nil, fmt.Errorf("eventstore: cbor marshal state delta: %w", err)
	}
	return b, nil
}

func decodeDelta(blob []byte) (stateGroupDelta, error) {
	var m map[string]string
	if err := cbor.Unmarshal(blob, &m); err != nil {
		return nil, fmt.Errorf("eventstore: cbor unmarshal state delta: %w", err)
	}
	return stateGroupDelta(m), nil
}
