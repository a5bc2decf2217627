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

// Package ingress runs every inbound PDU through the seven-step pipeline
// (spec.md §4.7): shape, hash, signature, auth-against-auth_events,
// auth-against-current-state, store, fan-out. It is the single place a
// PDU goes from untrusted bytes to either an accepted, soft-failed, or
// rejected event.
package ingress

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/matrixcore/event"
	"github.com/matrix-org/matrixcore/eventauth"
	"github.com/matrix-org/matrixcore/keyring"
	"github.com/matrix-org/matrixcore/stateres"
)

// Store is the subset of eventstore.Store the pipeline needs. Kept as a
// narrow interface (mirrors the style of stateres.EventSource and the
// reference BackfillRequester) so tests can supply an in-memory fake.
type Store interface {
	stateres.EventSource
	PutEvent(ctx context.Context, ev *event.Event, outlier bool) error
	ForwardExtremities(ctx context.Context, roomID string) ([]string, error)
	SetForwardExtremities(ctx context.Context, roomID string, eventIDs []string) error
	CurrentState(ctx context.Context, roomID string) (stateres.StateMap, error)
	SetCurrentState(ctx context.Context, roomID string, groupID int64) error
	PutStateGroup(ctx context.Context, roomID string, parentID int64, full stateres.StateMap) (int64, error)
}

// AuthEventFetcher retrieves events this server doesn't yet have, named
// by an inbound PDU's auth_events, from the federation (spec.md §4.7 step
// 4: "federating a backfill if unknown"). Ingest calls it only for ids
// Store.Get can't already resolve.
type AuthEventFetcher interface {
	FetchEvent(ctx context.Context, roomID string, eventID string) (*event.Event, error)
}

// MissingEventsFetcher retrieves the events a PDU's prev_events name that
// this server hasn't stored, via get_missing_events. Ingest calls it only
// when some prev_events id doesn't already resolve locally — the gap the
// teacher's federation sender labels MetricsWorkMissingPrevEvents.
type MissingEventsFetcher interface {
	GetMissingEvents(ctx context.Context, roomID string, earliestEvents, latestEvents []string, limit int) ([]*event.Event, error)
}

// Outcome is what became of a PDU after running the pipeline.
type Outcome int

const (
	Rejected Outcome = iota
	Accepted
	SoftFailed
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case SoftFailed:
		return "soft_failed"
	default:
		return "rejected"
	}
}

// Result is what Ingest returns for a single PDU.
type Result struct {
	Outcome Outcome
	Err     error // reason for Rejected; nil for Accepted/SoftFailed
}

// Pipeline owns the per-room write serialization (spec.md §5: "a
// room-level mutex... funnels §4.7 steps 4-6 for that room") and the
// collaborators each step needs.
type Pipeline struct {
	store   Store
	keys    *keyring.Cache
	fetcher AuthEventFetcher
	missing MissingEventsFetcher
	fanout  *Fanout

	mu        sync.Mutex
	roomLocks map[string]*sync.Mutex
}

// NewPipeline constructs a Pipeline. fanout may be nil if no subscribers
// need notifying (e.g. a test harness); missing may be nil to disable
// get_missing_events gap-filling (prev_events gaps are then left for a
// later backfill instead of chased eagerly).
func NewPipeline(store Store, keys *keyring.Cache, fetcher AuthEventFetcher, missing MissingEventsFetcher, fanout *Fanout) *Pipeline {
	return &Pipeline{store: store, keys: keys, fetcher: fetcher, missing: missing, fanout: fanout, roomLocks: make(map[string]*sync.Mutex)}
}

func (p *Pipeline) roomLock(roomID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.roomLocks[roomID]
	if !ok {
		l = &sync.Mutex{}
		p.roomLocks[roomID] = l
	}
	return l
}

// keyring.Event is the narrow shape keyring.VerifyEventOrigin needs; *event.Event
// already satisfies it.
var _ keyring.Event = (*event.Event)(nil)

// Ingest runs the full pipeline over a single already-shape-checked
// event.Event (callers run event.ParseEvent first, since that step needs
// the room version before an *event.Event can exist at all). The lock for
// ev.RoomID() is held for the duration of steps 4-6, released no matter
// how the function returns.
func (p *Pipeline) Ingest(ctx context.Context, ev *event.Event) Result {
	logger := logrus.WithFields(logrus.Fields{
		"event_id": ev.EventID(),
		"room_id":  ev.RoomID(),
		"type":     ev.Type(),
	})

	// Step 2: hash check.
	if err := ev.CheckContentHash(); err != nil {
		logger.WithError(err).Debug("rejected: content hash mismatch")
		return Result{Outcome: Rejected, Err: fmt.Errorf("ingress: hash check: %w", err)}
	}

	// Step 3: signature check.
	if err := keyring.VerifyEventOrigin(ctx, p.keys, ev); err != nil {
		logger.WithError(err).Debug("rejected: signature check failed")
		return Result{Outcome: Rejected, Err: fmt.Errorf("ingress: signature check: %w", err)}
	}

	lock := p.roomLock(ev.RoomID())
	lock.Lock()
	defer lock.Unlock()

	if err := p.ResolveMissingPrevEvents(ctx, ev); err != nil {
		logger.WithError(err).Debug("gap-fill: get_missing_events failed, continuing without it")
	}

	// Step 4: auth-events check.
	authState, err := p.resolveAuthEvents(ctx, ev)
	if err != nil {
		logger.WithError(err).Debug("rejected: could not resolve auth_events")
		return Result{Outcome: Rejected, Err: fmt.Errorf("ingress: resolve auth_events: %w", err)}
	}
	target := p.redactionTarget(ctx, ev)
	if err := eventauth.Check(ev, authState, target); err != nil {
		logger.WithError(err).Debug("rejected: failed auth against auth_events")
		return Result{Outcome: Rejected, Err: fmt.Errorf("ingress: auth against auth_events: %w", err)}
	}

	// Step 5: current-state check.
	softFailed := false
	currentState, err := p.store.CurrentState(ctx, ev.RoomID())
	if err != nil {
		logger.WithError(err).Debug("rejected: could not load current state")
		return Result{Outcome: Rejected, Err: fmt.Errorf("ingress: load current state: %w", err)}
	}
	if len(currentState) > 0 {
		currentSet, err := stateSetFromMap(ctx, currentState, p.store)
		if err != nil {
			return Result{Outcome: Rejected, Err: fmt.Errorf("ingress: resolve current state: %w", err)}
		}
		if err := eventauth.Check(ev, currentSet, target); err != nil {
			logger.WithError(err).Info("soft-failing: failed auth against current state")
			softFailed = true
		}
	}

	// Step 6: store, update extremities and (for state events) current state.
	if err := p.store.PutEvent(ctx, ev, false); err != nil {
		return Result{Outcome: Rejected, Err: fmt.Errorf("ingress: store event: %w", err)}
	}
	if !softFailed {
		if err := p.advanceGraph(ctx, ev); err != nil {
			return Result{Outcome: Rejected, Err: fmt.Errorf("ingress: advance graph: %w", err)}
		}
	}

	outcome := Accepted
	if softFailed {
		outcome = SoftFailed
	}

	// Step 7: fan-out (soft-failed events are never broadcast).
	if !softFailed && p.fanout != nil {
		p.fanout.Publish(ev)
	}

	return Result{Outcome: outcome}
}

// resolveAuthEvents builds the eventauth.StateSet the auth_events named
// by ev resolve to, fetching any this server doesn't already have and
// persisting them as outliers (spec.md §4.7 step 4).
func (p *Pipeline) resolveAuthEvents(ctx context.Context, ev *event.Event) (eventauth.StateSet, error) {
	out := eventauth.StateSet{}
	for _, id := range ev.AuthEvents() {
		authEv, err := p.store.Get(ctx, id)
		if err != nil {
			if p.fetcher == nil {
				return nil, fmt.Errorf("missing auth event %s and no fetcher configured", id)
			}
			authEv, err = p.fetcher.FetchEvent(ctx, ev.RoomID(), id)
			if err != nil {
				return nil, fmt.Errorf("fetch missing auth event %s: %w", id, err)
			}
			if err := p.store.PutEvent(ctx, authEv, true); err != nil {
				return nil, fmt.Errorf("persist fetched auth event %s: %w", id, err)
			}
		}
		if authEv.IsState() {
			out[authEv.StateKeyTuple()] = authEv
		}
	}
	return out, nil
}

// redactionTarget looks up the original sender/room of a redaction's
// target event, the one external fact eventauth.Check's rule 6 needs
// that a pure StateSet can't answer.
func (p *Pipeline) redactionTarget(ctx context.Context, ev *event.Event) eventauth.RedactionTarget {
	if ev.Type() != "m.room.redaction" || ev.Redacts() == "" {
		return eventauth.RedactionTarget{}
	}
	redacted, err := p.store.Get(ctx, ev.Redacts())
	if err != nil {
		return eventauth.RedactionTarget{}
	}
	return eventauth.RedactionTarget{Sender: redacted.Sender(), RoomID: redacted.RoomID(), Known: true}
}

func stateSetFromMap(ctx context.Context, m stateres.StateMap, source stateres.EventSource) (eventauth.StateSet, error) {
	out := eventauth.StateSet{}
	for k, id := range m {
		e, err := source.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out[k] = e
	}
	return out, nil
}

// advanceGraph updates forward extremities to account for ev superseding
// its prev_events, and, for state events, folds ev into a fresh state
// group that becomes the room's current state.
func (p *Pipeline) advanceGraph(ctx context.Context, ev *event.Event) error {
	extremities, err := p.store.ForwardExtremities(ctx, ev.RoomID())
	if err != nil {
		return err
	}
	next := make([]string, 0, len(extremities)+1)
	prev := make(map[string]bool, len(ev.PrevEvents()))
	for _, id := range ev.PrevEvents() {
		prev[id] = true
	}
	for _, id := range extremities {
		if !prev[id] {
			next = append(next, id)
		}
	}
	next = append(next, ev.EventID())
	if err := p.store.SetForwardExtremities(ctx, ev.RoomID(), next); err != nil {
		return err
	}

	if !ev.IsState() {
		return nil
	}
	current, err := p.store.CurrentState(ctx, ev.RoomID())
	if err != nil {
		return err
	}
	updated := make(stateres.StateMap, len(current)+1)
	for k, v := range current {
		updated[k] = v
	}
	updated[ev.StateKeyTuple()] = ev.EventID()
	groupID, err := p.store.PutStateGroup(ctx, ev.RoomID(), 0, updated)
	if err != nil {
		return err
	}
	return p.store.SetCurrentState(ctx, ev.RoomID(), groupID)
}
