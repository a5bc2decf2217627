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
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/matrix-org/matrixcore/event"
	"github.com/matrix-org/matrixcore/ingress"
	"github.com/matrix-org/matrixcore/keyring"
)

// FedClient is the subset of fedclient.Client the orchestrator needs.
type FedClient interface {
	Do(ctx context.Context, method string, destination event.ServerName, uriPath string, content []byte) ([]byte, int, error)
}

// Orchestrator builds and federates locally-originating invites, and
// absorbs the counter-signed result (spec.md §4.10's "locally-originating
// invite" half).
type Orchestrator struct {
	serverName event.ServerName
	keyID      string
	signer     event.Signer
	keys       *keyring.Cache
	client     FedClient
	store      Store
	pipeline   *ingress.Pipeline
}

// NewOrchestrator builds an Orchestrator. pipeline runs the countersigned
// invite event back through the ordinary seven-step ingest path once it
// returns, so the invite is persisted and the room's state advances the
// same way any other state event's arrival does (spec.md §4.7).
func NewOrchestrator(serverName event.ServerName, keyID string, signer event.Signer, keys *keyring.Cache, client FedClient, store Store, pipeline *ingress.Pipeline) *Orchestrator {
	return &Orchestrator{serverName: serverName, keyID: keyID, signer: signer, keys: keys, client: client, store: store, pipeline: pipeline}
}

// userServerName extracts the domain of a "@local:domain" matrix user ID.
func userServerName(userID string) (event.ServerName, error) {
	parts := strings.SplitN(userID, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", fmt.Errorf("invite: malformed user id %q", userID)
	}
	return event.ServerName(parts[1]), nil
}

// Invite authors a m.room.member{membership:invite} event from inviterUserID
// (a local user) to inviteeUserID (on a remote server), federates it, and
// ingests the counter-signed result.
func (o *Orchestrator) Invite(ctx context.Context, roomID, inviterUserID, inviteeUserID string) (*event.Event, error) {
	inviteeServer, err := userServerName(inviteeUserID)
	if err != nil {
		return nil, err
	}

	rv, err := roomVersion(ctx, o.store, roomID)
	if err != nil {
		return nil, err
	}

	content, err := event.Encode(event.MemberContent{Membership: "invite"})
	if err != nil {
		return nil, err
	}
	stateKey := inviteeUserID
	proto := event.ProtoEvent{
		Sender:   inviterUserID,
		RoomID:   roomID,
		Type:     "m.room.member",
		StateKey: &stateKey,
		Content:  content,
	}
	signed, err := buildEvent(ctx, o.store, o.serverName, o.keyID, o.signer, rv, proto)
	if err != nil {
		return nil, fmt.Errorf("invite: build invite event: %w", err)
	}

	strippedState, err := inviteRoomState(ctx, o.store, roomID)
	if err != nil {
		return nil, err
	}

	req := RequestV2{RoomVersion: rv, Event: json.RawMessage(signed.JSON()), InviteRoomState: strippedState}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	uriPath := fmt.Sprintf("/_matrix/federation/v2/invite/%s/%s",
		url.PathEscape(roomID), url.PathEscape(signed.EventID()))
	respBody, status, err := o.client.Do(ctx, http.MethodPut, inviteeServer, uriPath, body)
	if err != nil {
		return nil, fmt.Errorf("invite: send: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("invite: send returned HTTP %d: %s", status, respBody)
	}

	var resp ResponseV2
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("invite: parse response: %w", err)
	}
	countersigned, err := event.ParseEvent(resp.Event, rv)
	if err != nil {
		return nil, fmt.Errorf("invite: countersigned event did not parse: %w", err)
	}
	if countersigned.EventID() != signed.EventID() {
		return nil, fmt.Errorf("invite: countersigned event id %s does not match sent event id %s", countersigned.EventID(), signed.EventID())
	}
	if err := keyring.VerifyEventFrom(ctx, o.keys, countersigned, inviteeServer); err != nil {
		return nil, fmt.Errorf("invite: invited server's counter-signature: %w", err)
	}

	result := o.pipeline.Ingest(ctx, countersigned)
	if result.Outcome == ingress.Rejected {
		return nil, fmt.Errorf("invite: countersigned event rejected on ingest: %w", result.Err)
	}
	return countersigned, nil
}
