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
	"testing"

	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/matrixcore/event"
	"github.com/matrix-org/matrixcore/ingress"
	"github.com/matrix-org/matrixcore/keyring"
	"github.com/matrix-org/matrixcore/stateres"
)

// residentRoom seeds store with a small public room ("create",
// power_levels, join_rules, alice's own join) authored by
// resident.example, mirroring the room Orchestrator's own test builds
// from the opposite side of the handshake.
func residentRoom(t *testing.T, store *memStore, priv ed25519.PrivateKey) (roomID string) {
	t.Helper()
	roomID = "!r:resident.example"
	create := buildRemote(t, priv, "@alice:resident.example", roomID, "m.room.create", "",
		map[string]string{"creator": "@alice:resident.example", "room_version": "11"}, nil, nil, 1)
	aliceJoin := buildRemote(t, priv, "@alice:resident.example", roomID, "m.room.member", "@alice:resident.example",
		event.MemberContent{Membership: "join"},
		[]string{create.EventID()}, []string{create.EventID()}, 2)
	powerLevels := buildRemote(t, priv, "@alice:resident.example", roomID, "m.room.power_levels", "",
		event.PowerLevelsContent{Users: map[string]int64{"@alice:resident.example": 100}},
		[]string{aliceJoin.EventID()}, []string{create.EventID(), aliceJoin.EventID()}, 3)
	joinRules := buildRemote(t, priv, "@alice:resident.example", roomID, "m.room.join_rules", "",
		event.JoinRulesContent{JoinRule: event.JoinRulePublic},
		[]string{powerLevels.EventID()}, []string{create.EventID(), aliceJoin.EventID(), powerLevels.EventID()}, 4)

	ctx := context.Background()
	for _, ev := range []*event.Event{create, aliceJoin, powerLevels, joinRules} {
		if err := store.PutEvent(ctx, ev, false); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.SetForwardExtremities(ctx, roomID, []string{joinRules.EventID()}); err != nil {
		t.Fatal(err)
	}
	snapshot := stateres.StateMap{
		create.StateKeyTuple():      create.EventID(),
		aliceJoin.StateKeyTuple():   aliceJoin.EventID(),
		powerLevels.StateKeyTuple(): powerLevels.EventID(),
		joinRules.StateKeyTuple():   joinRules.EventID(),
	}
	groupID, err := store.PutStateGroup(ctx, roomID, 0, snapshot)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetCurrentState(ctx, roomID, groupID); err != nil {
		t.Fatal(err)
	}
	return roomID
}

func TestResponderMakeJoinThenSendJoinAdmitsNewMember(t *testing.T) {
	residentPub, residentPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	joiningPub, joiningPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	store := newMemStore()
	roomID := residentRoom(t, store, residentPriv)

	keys := keyring.NewCache(func(ctx context.Context, server event.ServerName) ([]byte, error) {
		t.Fatalf("unexpected remote key fetch for %s", server)
		return nil, nil
	})
	keys.Seed("resident.example", "ed25519:1", keyring.VerifyKey{Public: residentPub, ValidUntilTS: 9999999999999})
	keys.Seed("joiner.example", "ed25519:1", keyring.VerifyKey{Public: joiningPub, ValidUntilTS: 9999999999999})

	pipeline := ingress.NewPipeline(store, keys, nil, nil, nil)
	responder := NewResponder(store, pipeline)

	ctx := context.Background()
	roomVersion, draft, err := responder.MakeJoin(ctx, roomID, "@bob:joiner.example", nil)
	if err != nil {
		t.Fatalf("MakeJoin failed: %v", err)
	}
	if roomVersion != event.RoomVersionV11 {
		t.Fatalf("expected room version 11, got %s", roomVersion)
	}

	var fields struct {
		Sender     string   `json:"sender"`
		RoomID     string   `json:"room_id"`
		Type       string   `json:"type"`
		StateKey   string   `json:"state_key"`
		Content    event.RawJSON `json:"content"`
		PrevEvents []string `json:"prev_events"`
		AuthEvents []string `json:"auth_events"`
		Depth      int64    `json:"depth"`
	}
	if err := event.Decode(draft, &fields); err != nil {
		t.Fatal(err)
	}
	proto := event.ProtoEvent{Sender: fields.Sender, RoomID: fields.RoomID, Type: fields.Type, StateKey: &fields.StateKey, Content: fields.Content}

	eb := event.NewEventBuilder(proto, fields.PrevEvents, fields.AuthEvents, fields.Depth, event.Timestamp(2000))
	joinEvent, err := eb.Build(roomVersion, "joiner.example", "ed25519:1", testSigner{joiningPriv})
	if err != nil {
		t.Fatalf("build signed join event: %v", err)
	}

	state, authChain, err := responder.SendJoin(ctx, roomID, joinEvent.EventID(), joinEvent)
	if err != nil {
		t.Fatalf("SendJoin failed: %v", err)
	}
	if len(authChain) == 0 {
		t.Fatalf("expected a non-empty auth chain")
	}

	var sawBob bool
	for _, ev := range state {
		if ev.Type() == "m.room.member" && ev.Sender() == "@bob:joiner.example" {
			sawBob = true
		}
	}
	if !sawBob {
		t.Fatalf("expected bob's join event to be part of the returned current state")
	}

	extremities, err := store.ForwardExtremities(ctx, roomID)
	if err != nil {
		t.Fatal(err)
	}
	if len(extremities) != 1 || extremities[0] != joinEvent.EventID() {
		t.Fatalf("expected bob's join to become the sole forward extremity, got %v", extremities)
	}
}
