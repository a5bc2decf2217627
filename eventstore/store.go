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

package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/matrix-org/matrixcore/event"
)

// ErrNotFound is returned when an event, state group or room has no
// matching row.
var ErrNotFound = errors.New("eventstore: not found")

// schemaStatements creates the four tables this core persists to:
// events (every accepted PDU, keyed by event_id), state_groups (a
// state-group arena storing each group's delta against its parent as
// canonical CBOR), room_state (which state group is "current" per
// room), and forward_extremities (the room's current leaves).
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS events (
		event_id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		room_version TEXT NOT NULL,
		sender TEXT NOT NULL,
		type TEXT NOT NULL,
		state_key TEXT,
		depth INTEGER NOT NULL,
		origin_server_ts INTEGER NOT NULL,
		event_json BLOB NOT NULL,
		outlier INTEGER NOT NULL DEFAULT 0,
		rejected INTEGER NOT NULL DEFAULT 0,
		state_group INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_room ON events(room_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_room_state ON events(room_id, type, state_key)`,
	`CREATE TABLE IF NOT EXISTS state_groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		parent_id INTEGER,
		delta BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS room_state (
		room_id TEXT PRIMARY KEY,
		state_group INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS forward_extremities (
		room_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		PRIMARY KEY (room_id, event_id)
	)`,
}

// Store is the sqlite3-backed Event Store (spec.md §4.6). A single
// connection is held open (SetMaxOpenConns(1)) since sqlite3 serializes
// writers anyway and this core wants per-room write serialization, not
// a connection pool masking contention.
type Store struct {
	db *sql.DB

	mu        sync.Mutex // guards roomLocks map creation
	roomLocks map[string]*sync.Mutex
}

// Open opens (creating if absent) a sqlite3-backed Store at path, with
// WAL journaling and a busy timeout so concurrent readers don't collide
// with the single writer goroutine per room.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, roomLocks: make(map[string]*sync.Mutex)}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("eventstore: schema init: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// roomLock returns the per-room mutex serializing writes to roomID
// (one sync.Mutex per room; writes to different rooms proceed in
// parallel).
func (s *Store) roomLock(roomID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.roomLocks[roomID]
	if !ok {
		l = &sync.Mutex{}
		s.roomLocks[roomID] = l
	}
	return l
}

// PutEvent persists ev as accepted (or, if outlier is true, as an
// outlier: stored for auth-chain lookups but never part of current
// state or forward extremities).
func (s *Store) PutEvent(ctx context.Context, ev *event.Event, outlier bool) error {
	lock := s.roomLock(ev.RoomID())
	lock.Lock()
	defer lock.Unlock()

	var stateKey sql.NullString
	if ev.IsState() {
		stateKey = sql.NullString{String: *ev.StateKey(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, room_id, room_version, sender, type, state_key, depth, origin_server_ts, event_json, outlier)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		ev.EventID(), ev.RoomID(), string(ev.RoomVersion()), ev.Sender(), ev.Type(), stateKey,
		ev.Depth(), int64(ev.OriginServerTS()), []byte(ev.JSON()), boolToInt(outlier),
	)
	if err != nil {
		return fmt.Errorf("eventstore: put event %s: %w", ev.EventID(), err)
	}
	return nil
}

// GetEvent implements stateres.EventSource and eventauth's lookup needs:
// it returns any persisted event (outlier or not) by id.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*event.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT room_version, event_json FROM events WHERE event_id = ?`, eventID)
	var roomVersion string
	var blob []byte
	if err := row.Scan(&roomVersion, &blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("eventstore: get event %s: %w", eventID, err)
	}
	return event.NewEventFromTrustedJSON(blob, event.RoomVersion(roomVersion))
}

// Get is the stateres.EventSource / eventauth lookup method name those
// packages expect.
func (s *Store) Get(ctx context.Context, eventID string) (*event.Event, error) {
	return s.GetEvent(ctx, eventID)
}

// GetEventsByRoom returns every non-outlier event stored for roomID,
// ordered by depth then event_id, for backfill responses and debugging.
func (s *Store) GetEventsByRoom(ctx context.Context, roomID string, limit int) ([]*event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_version, event_json FROM events
		WHERE room_id = ? AND outlier = 0
		ORDER BY depth ASC, event_id ASC
		LIMIT ?`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("eventstore: get events by room %s: %w", roomID, err)
	}
	defer rows.Close()

	var out []*event.Event
	for rows.Next() {
		var roomVersion string
		var blob []byte
		if err := rows.Scan(&roomVersion, &blob); err != nil {
			return nil, fmt.Errorf("eventstore: scan event row: %w", err)
		}
		ev, err := event.NewEventFromTrustedJSON(blob, event.RoomVersion(roomVersion))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ForwardExtremities returns a room's current forward extremities.
func (s *Store) ForwardExtremities(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_id FROM forward_extremities WHERE room_id = ?`, roomID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: forward extremities for %s: %w", roomID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SetForwardExtremities replaces roomID's forward extremity set, used
// after appending an event that supersedes one or more of its
// prev_events as a room leaf.
func (s *Store) SetForwardExtremities(ctx context.Context, roomID string, eventIDs []string) error {
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("eventstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM forward_extremities WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("eventstore: clear forward extremities for %s: %w", roomID, err)
	}
	for _, id := range eventIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO forward_extremities (room_id, event_id) VALUES (?, ?)`, roomID, id); err != nil {
			return fmt.Errorf("eventstore: insert forward extremity %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// AuthChain returns the full transitive closure of auth_events reachable
// from seed, including seed itself, as a flat slice of event ids. This
// mirrors stateres.fullAuthChain's BFS shape but walks the persisted
// store rather than an in-memory snapshot set, for make_join/send_join
// responses (spec.md §6.2) which must ship the whole auth chain.
func (s *Store) AuthChain(ctx context.Context, seed []string) ([]*event.Event, error) {
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
		ev, err := s.GetEvent(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, ev)
		queue = append(queue, ev.AuthEvents()...)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
