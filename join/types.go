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

// Package join drives the outbound side of the federation join handshake
// (spec.md §4.9): make_join against each candidate resident server in
// turn, local signing of the returned draft event, send_join, and
// absorption of the returned room state into this server's own graph.
package join

import (
	"encoding/json"
	"fmt"

	"github.com/matrix-org/matrixcore/event"
)

// RespMakeJoin is the body of a GET make_join response: a draft,
// unsigned m.room.member event this server must finish building and
// sign before sending it back via send_join.
type RespMakeJoin struct {
	RoomVersion event.RoomVersion `json:"room_version"`
	JoinEvent   json.RawMessage   `json:"event"`
}

// RespSendJoin is the body of a PUT send_join v2 response: the resident
// server's view of the room's full state and the auth chain needed to
// verify it, unwrapped (the [200, ...] envelope is a v1-only oddity this
// core never sends or expects, since it only speaks the v2 handshake).
type RespSendJoin struct {
	StateEvents []json.RawMessage `json:"state"`
	AuthEvents  []json.RawMessage `json:"auth_chain"`
	Origin      event.ServerName  `json:"origin"`
}

// parseAll parses every raw event in both lists under roomVersion,
// returning state events and auth-chain events separately (callers need
// the distinction: only StateEvents seed the resolved current-state
// snapshot, while both lists together are what gets persisted).
func (r RespSendJoin) parseAll(roomVersion event.RoomVersion) (state, auth []*event.Event, err error) {
	state, err = parseEvents(r.StateEvents, roomVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("join: parse state events: %w", err)
	}
	auth, err = parseEvents(r.AuthEvents, roomVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("join: parse auth chain: %w", err)
	}
	return state, auth, nil
}

func parseEvents(raw []json.RawMessage, roomVersion event.RoomVersion) ([]*event.Event, error) {
	out := make([]*event.Event, 0, len(raw))
	for _, r := range raw {
		ev, err := event.ParseEvent(r, roomVersion)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// authRespectingOrder combines state and auth-chain events and returns
// them in an order where every event comes after every event named in
// its own auth_events, so callers can persist them one at a time without
// ever hitting a dangling auth_events reference. Adapted from
// RespState.Events() (zzwlstarby-gomatrixserverlib/federationtypes.go),
// ported to this core's plain-string AuthEvents() instead of
// EventReference.
func authRespectingOrder(state, auth []*event.Event) ([]*event.Event, error) {
	byID := make(map[string]*event.Event, len(state)+len(auth))
	for _, e := range state {
		byID[e.EventID()] = e
	}
	for _, e := range auth {
		byID[e.EventID()] = e
	}

	queued := map[*event.Event]bool{}
	outputted := map[*event.Event]bool{}
	var result []*event.Event

	for _, ev := range byID {
		if outputted[ev] {
			continue
		}
		stack := []*event.Event{ev}
	loopProcessTopOfStack:
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			for _, ref := range top.AuthEvents() {
				authEv := byID[ref]
				if authEv == nil {
					return nil, fmt.Errorf("join: missing auth event %q for event %q", ref, top.EventID())
				}
				if outputted[authEv] {
					continue
				}
				if queued[authEv] {
					return nil, fmt.Errorf("join: auth event cycle at %q", ref)
				}
				stack = append(stack, authEv)
				queued[authEv] = true
				continue loopProcessTopOfStack
			}
			result = append(result, top)
			outputted[top] = true
			stack = stack[:len(stack)-1]
		}
	}
	return result, nil
}
