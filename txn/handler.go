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

package txn

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/matrix-org/matrixcore/event"
	"github.com/matrix-org/matrixcore/ingress"
)

// Store is the persistence surface the transaction handler needs beyond
// what it hands to the ingest pipeline: looking up a room's negotiated
// version and its current server_acl, neither of which a bare PDU body
// carries.
type Store = ingress.Store

// EDUHandler processes one EDU's content. Errors are logged but never
// fail the enclosing transaction; EDUs are best-effort by nature.
type EDUHandler func(ctx context.Context, origin event.ServerName, content []byte) error

// replayTTL bounds how long a transaction's result is remembered for
// retry/replay purposes, matching a federation sender's own retry window
// rather than anything the protocol mandates a specific number for.
const replayTTL = 5 * time.Minute

// Handler answers PUT /_matrix/federation/v1/send/{txn_id} requests.
type Handler struct {
	pipeline *ingress.Pipeline
	store    Store
	edu      map[string]EDUHandler
	replay   *lru.LRU[string, Response]
}

// NewHandler builds a Handler. edu maps EDU type strings to their
// dispatch function; a type with no entry is silently ignored, per
// spec.md §4.11.
func NewHandler(pipeline *ingress.Pipeline, store Store, edu map[string]EDUHandler) *Handler {
	return &Handler{
		pipeline: pipeline,
		store:    store,
		edu:      edu,
		replay:   lru.NewLRU[string, Response](4096, nil, replayTTL),
	}
}

// HandleTransaction runs every PDU in txn through the seven-step ingest
// pipeline and dispatches every EDU, returning the per-PDU result map.
// A repeated (origin, txnID) pair returns the cached result from the
// first attempt without re-running anything, per spec.md §4.11's replay
// rule.
func (h *Handler) HandleTransaction(ctx context.Context, origin event.ServerName, txnID string, t Transaction) (Response, error) {
	replayKey := string(origin) + "/" + txnID
	if cached, ok := h.replay.Get(replayKey); ok {
		return cached, nil
	}

	if len(t.PDUs) > MaxPDUs {
		return Response{}, fmt.Errorf("txn: %d PDUs exceeds the %d-PDU limit", len(t.PDUs), MaxPDUs)
	}
	if len(t.EDUs) > MaxEDUs {
		return Response{}, fmt.Errorf("txn: %d EDUs exceeds the %d-EDU limit", len(t.EDUs), MaxEDUs)
	}

	results := make(map[string]PDUResult, len(t.PDUs))
	for _, raw := range t.PDUs {
		id, result := h.handlePDU(ctx, origin, raw)
		results[id] = result
	}

	for _, e := range t.EDUs {
		handler, ok := h.edu[e.EDUType]
		if !ok {
			continue
		}
		if err := handler(ctx, origin, e.Content); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{"origin": origin, "edu_type": e.EDUType}).
				Warn("txn: edu handler failed")
		}
	}

	resp := Response{PDUs: results}
	h.replay.Add(replayKey, resp)
	return resp, nil
}

// handlePDU runs a single PDU through room-version resolution, server-ACL
// gating and the ingest pipeline, returning the event ID it should be
// keyed under (best-effort even when the body barely parses, so a
// malformed PDU still gets a result entry) and its result.
func (h *Handler) handlePDU(ctx context.Context, origin event.ServerName, raw []byte) (string, PDUResult) {
	id := gjson.GetBytes(raw, "event_id").String()
	roomID := gjson.GetBytes(raw, "room_id").String()
	logger := logrus.WithFields(logrus.Fields{"origin": origin, "event_id": id, "room_id": roomID})

	rv, err := roomVersionOf(ctx, h.store, roomID)
	if err != nil {
		logger.WithError(err).Debug("txn: could not resolve room version")
		return id, PDUResult{Error: err.Error()}
	}

	ev, err := event.ParseEvent(raw, rv)
	if err != nil {
		logger.WithError(err).Debug("txn: malformed PDU")
		return id, PDUResult{Error: err.Error()}
	}
	id = ev.EventID()
	logger = logger.WithField("event_id", id)

	allowed, err := h.checkACL(ctx, ev)
	if err != nil {
		logger.WithError(err).Debug("txn: could not evaluate server_acl")
		return id, PDUResult{Error: err.Error()}
	}
	if !allowed {
		logger.Info("txn: denied by server_acl")
		return id, PDUResult{Error: "M_FORBIDDEN"}
	}

	result := h.pipeline.Ingest(ctx, ev)
	if result.Outcome == ingress.Rejected {
		logger.WithError(result.Err).Debug("txn: rejected")
		return id, PDUResult{Error: result.Err.Error()}
	}
	return id, PDUResult{}
}

// checkACL consults the room's current m.room.server_acl state, if any,
// against ev's origin server.
func (h *Handler) checkACL(ctx context.Context, ev *event.Event) (bool, error) {
	current, err := h.store.CurrentState(ctx, ev.RoomID())
	if err != nil {
		return false, err
	}
	id, ok := current[event.StateKeyTuple{EventType: "m.room.server_acl", StateKey: ""}]
	if !ok {
		return true, nil
	}
	aclEvent, err := h.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	var acl event.ServerACLContent
	if err := event.Decode(aclEvent.Content(), &acl); err != nil {
		return false, fmt.Errorf("txn: server_acl content did not decode: %w", err)
	}
	return aclAllows(acl, ev.Origin()), nil
}

// roomVersionOf reads the room version off its current m.room.create
// event; a PDU for a room this server has never heard of is rejected
// rather than speculatively accepted, since inbound txn delivery assumes
// a prior join/invite already established the room locally.
func roomVersionOf(ctx context.Context, store Store, roomID string) (event.RoomVersion, error) {
	if roomID == "" {
		return "", fmt.Errorf("txn: PDU carries no room_id")
	}
	current, err := store.CurrentState(ctx, roomID)
	if err != nil {
		return "", err
	}
	id, ok := current[event.StateKeyTuple{EventType: "m.room.create", StateKey: ""}]
	if !ok {
		return "", fmt.Errorf("txn: unknown room %s", roomID)
	}
	create, err := store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return create.RoomVersion(), nil
}
