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
	"time"

	"github.com/matrix-org/matrixcore/event"
	"github.com/matrix-org/matrixcore/ingress"
)

// Responder answers make_join/send_join requests for rooms this server
// is already resident in, the other half of spec.md §4.9 from
// Orchestrator's outbound perspective.
type Responder struct {
	store    Store
	pipeline *ingress.Pipeline
}

// NewResponder builds a Responder backed by store and pipeline; pipeline
// runs the signed join event submitted to send_join through the
// ordinary seven-step ingest path, exactly as any other inbound PDU.
func NewResponder(store Store, pipeline *ingress.Pipeline) *Responder {
	return &Responder{store: store, pipeline: pipeline}
}

// authEventTuplesForMember is authEventTuplesFor from the invite package,
// duplicated narrowly here rather than exported across packages: both
// are grounded on the same StateNeededForProtoEvent table, but a join
// draft additionally never cites a third party's membership slot.
func authEventTuplesForMember(sender string) []event.StateKeyTuple {
	return []event.StateKeyTuple{
		{EventType: "m.room.create", StateKey: ""},
		{EventType: "m.room.power_levels", StateKey: ""},
		{EventType: "m.room.join_rules", StateKey: ""},
		{EventType: "m.room.member", StateKey: sender},
	}
}

// MakeJoin builds the draft, unsigned m.room.member{membership:join}
// event a joining server's Orchestrator will finish, sign, and send back
// via SendJoin. roomVersion is the room's own negotiated version. A
// non-empty supportedVersions that lacks that version is rejected with
// an error; an empty supportedVersions is not checked.
func (r *Responder) MakeJoin(ctx context.Context, roomID, userID string, supportedVersions map[event.RoomVersion]bool) (event.RoomVersion, event.RawJSON, error) {
	current, err := r.store.CurrentState(ctx, roomID)
	if err != nil {
		return "", nil, fmt.Errorf("join: load current state for %s: %w", roomID, err)
	}
	createID, ok := current[event.StateKeyTuple{EventType: "m.room.create", StateKey: ""}]
	if !ok {
		return "", nil, fmt.Errorf("join: room %s is unknown to this server", roomID)
	}
	create, err := r.store.Get(ctx, createID)
	if err != nil {
		return "", nil, err
	}
	roomVersion := create.RoomVersion()
	if len(supportedVersions) > 0 && !supportedVersions[roomVersion] {
		return "", nil, fmt.Errorf("join: requester does not support this room's version %q", roomVersion)
	}

	extremities, err := r.store.ForwardExtremities(ctx, roomID)
	if err != nil {
		return "", nil, fmt.Errorf("join: load forward extremities: %w", err)
	}
	if len(extremities) == 0 {
		return "", nil, fmt.Errorf("join: room %s has no forward extremities", roomID)
	}
	var depth int64
	for _, id := range extremities {
		ev, err := r.store.Get(ctx, id)
		if err != nil {
			return "", nil, fmt.Errorf("join: load forward extremity %s: %w", id, err)
		}
		if ev.Depth() >= depth {
			depth = ev.Depth() + 1
		}
	}

	var authEvents []string
	seen := map[string]bool{}
	for _, tuple := range authEventTuplesForMember(userID) {
		id, ok := current[tuple]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		authEvents = append(authEvents, id)
	}

	content, err := event.Encode(event.MemberContent{Membership: "join"})
	if err != nil {
		return "", nil, err
	}
	stateKey := userID
	proto := event.ProtoEvent{
		Sender:   userID,
		RoomID:   roomID,
		Type:     "m.room.member",
		StateKey: &stateKey,
		Content:  content,
	}
	eb := event.NewEventBuilder(proto, extremities, authEvents, depth, event.Timestamp(time.Now().UnixMilli()))
	draft := map[string]interface{}{
		"sender":           eb.Sender,
		"room_id":          eb.RoomID,
		"type":             eb.Type,
		"state_key":        *eb.StateKey,
		"content":          eb.Content,
		"prev_events":      eb.PrevEvents,
		"auth_events":      eb.AuthEvents,
		"depth":            eb.Depth,
		"origin_server_ts": int64(eb.OriginServerTS),
	}
	draftJSON, err := event.Encode(draft)
	if err != nil {
		return "", nil, err
	}
	return roomVersion, draftJSON, nil
}

// SendJoin accepts a joining server's signed join event, runs it through
// the ordinary ingest pipeline (spec.md §4.7) the same as any PDU, and,
// once accepted, returns this server's view of the resulting current
// state plus the auth chain needed to verify it.
func (r *Responder) SendJoin(ctx context.Context, roomID, eventID string, joinEvent *event.Event) (state, authChain []*event.Event, err error) {
	if joinEvent.RoomID() != roomID {
		return nil, nil, fmt.Errorf("join: event room_id %s does not match path room_id %s", joinEvent.RoomID(), roomID)
	}
	if joinEvent.EventID() != eventID {
		return nil, nil, fmt.Errorf("join: event id %s does not match path event id %s", joinEvent.EventID(), eventID)
	}
	if joinEvent.Type() != "m.room.member" {
		return nil, nil, fmt.Errorf("join: event type %q is not m.room.member", joinEvent.Type())
	}
	var content event.MemberContent
	if err := event.Decode(joinEvent.Content(), &content); err != nil {
		return nil, nil, fmt.Errorf("join: content did not decode: %w", err)
	}
	if content.Membership != "join" {
		return nil, nil, fmt.Errorf("join: membership %q is not join", content.Membership)
	}

	result := r.pipeline.Ingest(ctx, joinEvent)
	if result.Outcome == ingress.Rejected {
		return nil, nil, fmt.Errorf("join: %w", result.Err)
	}

	current, err := r.store.CurrentState(ctx, roomID)
	if err != nil {
		return nil, nil, fmt.Errorf("join: load resulting current state: %w", err)
	}
	ids := make([]string, 0, len(current))
	for _, id := range current {
		ev, err := r.store.Get(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		state = append(state, ev)
		ids = append(ids, id)
	}

	authChain, err = r.authChain(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("join: compute auth chain: %w", err)
	}
	return state, authChain, nil
}

// authChain walks the transitive closure of auth_events from seed,
// mirroring eventstore.Store.AuthChain's own BFS but through the narrow
// Store interface this package depends on (spec.md §4.6's "transitive
// closure over auth_events; required for send_join responses").
func (r *Responder) authChain(ctx context.Context, seed []string) ([]*event.Event, error) {
	visited := make(map[string]bool, len(seed))
	queue := append([]string(nil), seed...)
	var out []*event.Event
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		ev, err := r.store.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, ev)
		queue = append(queue, ev.AuthEvents()...)
	}
	return out, nil
}
