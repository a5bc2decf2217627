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
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/matrix-org/matrixcore/event"
	"github.com/matrix-org/matrixcore/ingress"
	"github.com/matrix-org/matrixcore/keyring"
	"github.com/matrix-org/matrixcore/stateres"
)

// FedClient is the subset of fedclient.Client the orchestrator needs,
// kept narrow so tests can supply a fake instead of standing up TLS.
type FedClient interface {
	Do(ctx context.Context, method string, destination event.ServerName, uriPath string, content []byte) ([]byte, int, error)
}

// Store is the persistence surface Join needs: everything ingress.Store
// already declares, since absorbing a send_join response is structurally
// the same "persist events, fold state, advance extremities" work the
// inbound pipeline does for ordinary PDUs.
type Store = ingress.Store

// Orchestrator runs the outbound join handshake for one local user at a
// time. It holds no per-room state of its own; everything it needs to
// resume or retry lives in Store.
type Orchestrator struct {
	serverName event.ServerName
	keyID      string
	signer     event.Signer
	keys       *keyring.Cache
	client     FedClient
	store      Store
	fanout     *ingress.Fanout
}

// NewOrchestrator builds an Orchestrator that signs its own join events
// as (serverName, keyID) and verifies everything it receives through keys.
// fanout may be nil if no subscribers need notifying (e.g. a test harness).
func NewOrchestrator(serverName event.ServerName, keyID string, signer event.Signer, keys *keyring.Cache, client FedClient, store Store, fanout *ingress.Fanout) *Orchestrator {
	return &Orchestrator{
		serverName: serverName,
		keyID:      keyID,
		signer:     signer,
		keys:       keys,
		client:     client,
		store:      store,
		fanout:     fanout,
	}
}

// Join runs the full handshake: make_join against each candidate server
// in order until one succeeds, build and sign the join event, send_join,
// verify and absorb the returned state, then commit the join event
// itself as a forward extremity (spec.md §4.9).
func (o *Orchestrator) Join(ctx context.Context, roomID, userID string, candidates []event.ServerName) (*event.Event, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("join: no candidate servers given for room %s", roomID)
	}

	var lastErr error
	for _, srv := range candidates {
		joinEvent, err := o.attempt(ctx, srv, roomID, userID)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{"room_id": roomID, "server": srv}).
				Debug("join: candidate server failed, trying next")
			lastErr = err
			continue
		}
		return joinEvent, nil
	}
	return nil, fmt.Errorf("join: every candidate server failed for room %s: %w", roomID, lastErr)
}

func (o *Orchestrator) attempt(ctx context.Context, srv event.ServerName, roomID, userID string) (*event.Event, error) {
	draft, roomVersion, err := o.makeJoin(ctx, srv, roomID, userID)
	if err != nil {
		return nil, fmt.Errorf("make_join: %w", err)
	}

	joinEvent, err := o.buildJoinEvent(draft, roomVersion)
	if err != nil {
		return nil, fmt.Errorf("build join event: %w", err)
	}

	resp, err := o.sendJoin(ctx, srv, roomID, joinEvent)
	if err != nil {
		return nil, fmt.Errorf("send_join: %w", err)
	}

	stateEvents, authEvents, err := resp.parseAll(roomVersion)
	if err != nil {
		return nil, err
	}
	if err := verifyRespState(ctx, o.keys, stateEvents, authEvents); err != nil {
		return nil, err
	}
	if err := verifyJoinEventAllowed(joinEvent, stateEvents, authEvents); err != nil {
		return nil, fmt.Errorf("join event rejected by returned state: %w", err)
	}

	if err := o.absorb(ctx, roomID, joinEvent, stateEvents, authEvents); err != nil {
		return nil, fmt.Errorf("absorb state: %w", err)
	}
	return joinEvent, nil
}

// makeJoin issues GET make_join/{roomID}/{userID}?ver=... and returns the
// draft event plus the room version the resident server negotiated.
func (o *Orchestrator) makeJoin(ctx context.Context, srv event.ServerName, roomID, userID string) (json.RawMessage, event.RoomVersion, error) {
	versions := event.SupportedRoomVersions()
	q := make([]string, 0, len(versions))
	for v := range versions {
		q = append(q, "ver="+url.QueryEscape(string(v)))
	}
	uriPath := fmt.Sprintf("/_matrix/federation/v1/make_join/%s/%s?%s",
		url.PathEscape(roomID), url.PathEscape(userID), strings.Join(q, "&"))

	body, status, err := o.client.Do(ctx, http.MethodGet, srv, uriPath, nil)
	if err != nil {
		return nil, "", err
	}
	if status != http.StatusOK {
		return nil, "", fmt.Errorf("make_join returned HTTP %d: %s", status, body)
	}

	var resp RespMakeJoin
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", fmt.Errorf("parse make_join response: %w", err)
	}
	if resp.RoomVersion == "" {
		resp.RoomVersion = event.RoomVersionV11
	}
	if len(resp.JoinEvent) == 0 {
		return nil, "", fmt.Errorf("make_join response carries no event")
	}
	return resp.JoinEvent, resp.RoomVersion, nil
}

// buildJoinEvent patches the draft template into a finished m.room.member
// join event and signs it under this server's own key. The patch is done
// with gjson/sjson directly on the wire bytes (the idiom
// matrix-org-golang-matrixfederation/invitev2.go uses for event-field
// patching) rather than round-tripping through event.EventBuilder's typed
// ProtoEvent, since the draft's prev_events/auth_events/depth already
// come from the resident server. The draft's sender is kept and state_key
// is set to it; content.membership, origin and origin_server_ts are
// patched, and the event is then built with a fresh timestamp.
func (o *Orchestrator) buildJoinEvent(draft json.RawMessage, roomVersion event.RoomVersion) (*event.Event, error) {
	patched := []byte(draft)
	sender := gjson.GetBytes(patched, "sender").String()
	if sender == "" {
		return nil, fmt.Errorf("make_join draft carries no sender")
	}
	stateKey := sender
	patched, err := sjson.SetBytes(patched, "state_key", stateKey)
	if err != nil {
		return nil, err
	}
	patched, err = sjson.SetBytes(patched, "content.membership", "join")
	if err != nil {
		return nil, err
	}
	patched, err = sjson.SetBytes(patched, "origin", string(o.serverName))
	if err != nil {
		return nil, err
	}
	patched, err = sjson.SetBytes(patched, "origin_server_ts", time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}

	proto := event.ProtoEvent{
		Sender:   gjson.GetBytes(patched, "sender").String(),
		RoomID:   gjson.GetBytes(patched, "room_id").String(),
		Type:     gjson.GetBytes(patched, "type").String(),
		StateKey: &stateKey,
		Content:  event.RawJSON(gjson.GetBytes(patched, "content").Raw),
	}
	if proto.Type != "m.room.member" {
		return nil, fmt.Errorf("make_join returned non-member draft event of type %q", proto.Type)
	}

	var prevEvents, authEvents []string
	for _, r := range gjson.GetBytes(patched, "prev_events").Array() {
		prevEvents = append(prevEvents, r.String())
	}
	for _, r := range gjson.GetBytes(patched, "auth_events").Array() {
		authEvents = append(authEvents, r.String())
	}
	depth := gjson.GetBytes(patched, "depth").Int()

	eb := event.NewEventBuilder(proto, prevEvents, authEvents, depth, event.Timestamp(time.Now().UnixMilli()))
	return eb.Build(roomVersion, o.serverName, o.keyID, o.signer)
}

// sendJoin issues PUT send_join v2 with the signed join event and parses
// the response.
func (o *Orchestrator) sendJoin(ctx context.Context, srv event.ServerName, roomID string, joinEvent *event.Event) (RespSendJoin, error) {
	uriPath := fmt.Sprintf("/_matrix/federation/v2/send_join/%s/%s",
		url.PathEscape(roomID), url.PathEscape(joinEvent.EventID()))

	body, status, err := o.client.Do(ctx, http.MethodPut, srv, uriPath, joinEvent.JSON())
	if err != nil {
		return RespSendJoin{}, err
	}
	if status != http.StatusOK {
		return RespSendJoin{}, fmt.Errorf("send_join returned HTTP %d: %s", status, body)
	}

	var resp RespSendJoin
	if err := json.Unmarshal(body, &resp); err != nil {
		return RespSendJoin{}, fmt.Errorf("parse send_join response: %w", err)
	}
	return resp, nil
}

// absorb persists the returned state and auth chain as outliers in
// auth-respecting order, resolves them into this server's current-state
// snapshot for the room, then commits the join event itself as the
// room's sole forward extremity.
func (o *Orchestrator) absorb(ctx context.Context, roomID string, joinEvent *event.Event, stateEvents, authEvents []*event.Event) error {
	ordered, err := authRespectingOrder(stateEvents, authEvents)
	if err != nil {
		return err
	}
	for _, ev := range ordered {
		if err := o.store.PutEvent(ctx, ev, true); err != nil {
			return fmt.Errorf("persist %s: %w", ev.EventID(), err)
		}
	}

	snapshot := make(stateres.StateMap, len(stateEvents))
	for _, ev := range stateEvents {
		if !ev.IsState() {
			continue
		}
		snapshot[ev.StateKeyTuple()] = ev.EventID()
	}
	// Resolve even a single snapshot: with nothing else to merge it
	// against this is a no-op, but it keeps a rejoin (where this server
	// already has a stale local snapshot to reconcile against) on the
	// exact same code path as a fresh join.
	resolved, err := stateres.Resolve(ctx, []stateres.StateMap{snapshot}, o.store)
	if err != nil {
		return fmt.Errorf("resolve joined state: %w", err)
	}

	groupID, err := o.store.PutStateGroup(ctx, roomID, 0, resolved)
	if err != nil {
		return fmt.Errorf("store state group: %w", err)
	}
	if err := o.store.SetCurrentState(ctx, roomID, groupID); err != nil {
		return fmt.Errorf("set current state: %w", err)
	}

	if err := o.store.PutEvent(ctx, joinEvent, false); err != nil {
		return fmt.Errorf("persist join event: %w", err)
	}
	if err := o.store.SetForwardExtremities(ctx, roomID, []string{joinEvent.EventID()}); err != nil {
		return fmt.Errorf("set forward extremities: %w", err)
	}

	if o.fanout != nil {
		o.fanout.Publish(joinEvent)
	}
	return nil
}
