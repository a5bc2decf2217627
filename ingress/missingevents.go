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

package ingress

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/matrixcore/event"
	"github.com/matrix-org/matrixcore/keyring"
)

// maxMissingEventsRounds and maxMissingEventsFetch bound how hard
// ResolveMissingPrevEvents chases a gap: a BFS capped in both depth and
// total events fetched, rather than one that could be made to run
// forever by a room with a pathologically deep or adversarial history.
const (
	maxMissingEventsRounds = 8
	maxMissingEventsFetch  = 100
)

// ResolveMissingPrevEvents walks backward from ev's prev_events, fetching
// and storing (as outliers) any event this server hasn't seen, so the
// room's local graph has no holes immediately behind ev. It gives up
// silently once get_missing_events stops returning anything new, or once
// maxMissingEventsRounds/maxMissingEventsFetch is reached — callers treat
// a gap it couldn't close the same as one it was never asked to close,
// leaving the hole for a later backfill.
func (p *Pipeline) ResolveMissingPrevEvents(ctx context.Context, ev *event.Event) error {
	if p.missing == nil {
		return nil
	}

	frontier := ev.PrevEvents()
	seen := make(map[string]bool, len(frontier))
	fetched := 0

	for round := 0; round < maxMissingEventsRounds && fetched < maxMissingEventsFetch; round++ {
		var unknown []string
		for _, id := range frontier {
			if seen[id] {
				continue
			}
			seen[id] = true
			if _, err := p.store.Get(ctx, id); err != nil {
				unknown = append(unknown, id)
			}
		}
		if len(unknown) == 0 {
			return nil
		}

		earliest, err := p.store.ForwardExtremities(ctx, ev.RoomID())
		if err != nil {
			return fmt.Errorf("ingress: load forward extremities for gap-fill: %w", err)
		}

		limit := maxMissingEventsFetch - fetched
		events, err := p.missing.GetMissingEvents(ctx, ev.RoomID(), earliest, unknown, limit)
		if err != nil {
			return fmt.Errorf("ingress: get_missing_events: %w", err)
		}
		if len(events) == 0 {
			logrus.WithField("room_id", ev.RoomID()).Debug("gap-fill: get_missing_events returned nothing more")
			return nil
		}

		var next []string
		for _, gapEv := range events {
			if err := gapEv.CheckContentHash(); err != nil {
				continue
			}
			if err := keyring.VerifyEventOrigin(ctx, p.keys, gapEv); err != nil {
				continue
			}
			if err := p.store.PutEvent(ctx, gapEv, true); err != nil {
				return fmt.Errorf("ingress: persist gap-fill event %s: %w", gapEv.EventID(), err)
			}
			fetched++
			next = append(next, gapEv.PrevEvents()...)
		}
		frontier = next
	}
	return nil
}
