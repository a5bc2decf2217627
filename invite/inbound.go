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

	"github.com/tidwall/sjson"

	"github.com/matrix-org/matrixcore/event"
	"github.com/matrix-org/matrixcore/keyring"
	"github.com/matrix-org/matrixcore/stateres"
)

// InboundHandler countersigns and persists invites sent to this server's
// own users (spec.md §4.10's "inbound invite" half).
type InboundHandler struct {
	serverName event.ServerName
	keyID      string
	signer     event.Signer
	keys       *keyring.Cache
	store      Store
}

// NewInboundHandler builds an InboundHandler.
func NewInboundHandler(serverName event.ServerName, keyID string, signer event.Signer, keys *keyring.Cache, store Store) *InboundHandler {
	return &InboundHandler{serverName: serverName, keyID: keyID, signer: signer, keys: keys, store: store}
}

// HandleInvite verifies the inviting server's signature, adds this
// server's own counter-signature, persists the invite as state under the
// invited user's member slot, and returns the counter-signed event for
// the caller to marshal back as the PUT response.
//
// A server can receive an invite for a room it has never heard of before
// (it is not yet a member); in that case the invite event becomes the
// room's entire known state, exactly as a bare m.room.member event with
// no other context, with the stripped state folded into the returned
// event's unsigned.invite_room_state for the invited user's client to
// render (the same place the reference client-server API carries it).
func (h *InboundHandler) HandleInvite(ctx context.Context, req RequestV2) (*event.Event, error) {
	ev, err := event.ParseEvent(req.Event, req.RoomVersion)
	if err != nil {
		return nil, fmt.Errorf("invite: malformed event: %w", err)
	}
	if ev.Type() != "m.room.member" {
		return nil, fmt.Errorf("invite: event type %q is not m.room.member", ev.Type())
	}
	if ev.StateKey() == nil {
		return nil, fmt.Errorf("invite: event carries no state_key")
	}
	var content event.MemberContent
	if err := event.Decode(ev.Content(), &content); err != nil {
		return nil, fmt.Errorf("invite: content did not decode: %w", err)
	}
	if content.Membership != "invite" {
		return nil, fmt.Errorf("invite: membership %q is not invite", content.Membership)
	}
	if err := ev.CheckContentHash(); err != nil {
		return nil, fmt.Errorf("invite: content hash: %w", err)
	}
	if err := keyring.VerifyEventOrigin(ctx, h.keys, ev); err != nil {
		return nil, fmt.Errorf("invite: inviting server's signature: %w", err)
	}

	stateJSON, err := json.Marshal(req.InviteRoomState)
	if err != nil {
		return nil, err
	}
	patched, err := sjson.SetRawBytes(ev.JSON(), "unsigned.invite_room_state", stateJSON)
	if err != nil {
		return nil, err
	}
	countersigned, err := event.SignEventJSON(patched, ev.Type(), h.serverName, h.keyID, h.signer)
	if err != nil {
		return nil, fmt.Errorf("invite: counter-sign: %w", err)
	}
	final, err := event.NewEventFromTrustedJSON(countersigned, req.RoomVersion)
	if err != nil {
		return nil, err
	}

	if err := h.store.PutEvent(ctx, final, false); err != nil {
		return nil, fmt.Errorf("invite: persist event: %w", err)
	}
	snapshot := stateres.StateMap{final.StateKeyTuple(): final.EventID()}
	groupID, err := h.store.PutStateGroup(ctx, final.RoomID(), 0, snapshot)
	if err != nil {
		return nil, fmt.Errorf("invite: store state group: %w", err)
	}
	if err := h.store.SetCurrentState(ctx, final.RoomID(), groupID); err != nil {
		return nil, fmt.Errorf("invite: set current state: %w", err)
	}
	if err := h.store.SetForwardExtremities(ctx, final.RoomID(), []string{final.EventID()}); err != nil {
		return nil, fmt.Errorf("invite: set forward extremities: %w", err)
	}

	return final, nil
}
