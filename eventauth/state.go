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

// Package eventauth implements the per-type authorization predicates of
// spec.md §4.4, evaluated against either an event's own auth_events set or
// the room's current resolved state (the caller picks which, since the
// outcome means something different in each case: reject vs. soft-fail).
package eventauth

import (
	"github.com/matrix-org/matrixcore/event"
)

// StateSet is the authorizing state snapshot a candidate event is checked
// against: one event per (type, state_key) slot. Rule 7's power-level
// lookups and rule 4's membership/join-rule lookups all read through this.
type StateSet map[event.StateKeyTuple]*event.Event

// Get looks up the single state event for (eventType, stateKey), or nil if
// that slot is unoccupied.
func (s StateSet) Get(eventType, stateKey string) *event.Event {
	return s[event.StateKeyTuple{EventType: eventType, StateKey: stateKey}]
}

func (s StateSet) create() *event.Event            { return s.Get("m.room.create", "") }
func (s StateSet) powerLevels() *event.Event        { return s.Get("m.room.power_levels", "") }
func (s StateSet) joinRules() *event.Event          { return s.Get("m.room.join_rules", "") }
func (s StateSet) member(userID string) *event.Event { return s.Get("m.room.member", userID) }

// FromEvents builds a StateSet out of a flat list of state events, keyed
// by their own (type, state_key). Non-state events are ignored.
func FromEvents(events []*event.Event) StateSet {
	s := make(StateSet, len(events))
	for _, e := range events {
		if e.IsState() {
			s[e.StateKeyTuple()] = e
		}
	}
	return s
}

func membershipOf(e *event.Event) string {
	if e == nil {
		return "leave" // absent member event == never joined == treated as "leave"
	}
	var content event.MemberContent
	if err := event.Decode(e.Content(), &content); err != nil {
		return ""
	}
	return content.Membership
}

func powerLevelsOf(s StateSet) event.PowerLevelsContent {
	pl := s.powerLevels()
	if pl == nil {
		return event.PowerLevelsContent{}
	}
	var content event.PowerLevelsContent
	_ = event.Decode(pl.Content(), &content)
	return content
}

func joinRuleOf(s StateSet) event.JoinRule {
	jr := s.joinRules()
	if jr == nil {
		return event.JoinRuleInvite
	}
	var content event.JoinRulesContent
	if err := event.Decode(jr.Content(), &content); err != nil || content.JoinRule == "" {
		return event.JoinRuleInvite
	}
	return content.JoinRule
}
