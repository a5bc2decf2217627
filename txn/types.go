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

// Package txn implements the federation transaction endpoint, PUT
// /_matrix/federation/v1/send/{txn_id} (spec.md §4.11): bounded PDU/EDU
// batches, a per-PDU result map, server-ACL gating, and duplicate
// txn_id replay.
package txn

import (
	"encoding/json"

	"github.com/matrix-org/matrixcore/event"
)

// MaxPDUs and MaxEDUs bound a single transaction's batch size.
const (
	MaxPDUs = 50
	MaxEDUs = 100
)

// EDU is an ephemeral data unit: presence, typing, receipts, device-list
// and signing-key updates, direct-to-device messages. Unlike a PDU it
// carries no event_id, no signature of its own, and is never persisted
// to the event graph.
type EDU struct {
	EDUType string          `json:"edu_type"`
	Content json.RawMessage `json:"content"`
}

// Transaction is the body of PUT /_matrix/federation/v1/send/{txn_id}.
type Transaction struct {
	Origin         event.ServerName  `json:"origin"`
	OriginServerTS event.Timestamp   `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
	EDUs           []EDU             `json:"edus,omitempty"`
}

// PDUResult is one entry of the response's per-event result map: the zero
// value means accepted, Error is set for anything rejected or denied.
type PDUResult struct {
	Error string `json:"error,omitempty"`
}

// Response is the body returned for a transaction.
type Response struct {
	PDUs map[string]PDUResult `json:"pdus"`
}
