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

// Package httpapi is the thin HTTP adapter spec.md §6 describes: it
// decodes a request, calls into ingress/join/invite/txn/backfill, and
// re-encodes the result. No business logic lives here — every decision
// about whether an event is valid, authorized, or worth persisting
// already happened one layer down.
package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/matrix-org/matrixcore/event"
	"github.com/matrix-org/matrixcore/eventstore"
	"github.com/matrix-org/matrixcore/ingress"
	"github.com/matrix-org/matrixcore/invite"
	"github.com/matrix-org/matrixcore/join"
	"github.com/matrix-org/matrixcore/keyring"
	"github.com/matrix-org/matrixcore/txn"
)

// ProfileStore answers the profile-query endpoint's two fields. This
// core carries no client-facing user directory (out of scope per
// spec.md §1); a deployment that wants query/profile to return anything
// but nulls supplies its own implementation.
type ProfileStore interface {
	Profile(userID string) (displayName, avatarURL *string, ok bool)
}

// nilProfileStore is the default ProfileStore: every lookup misses, so
// the endpoint always answers with the required keys present and null.
type nilProfileStore struct{}

func (nilProfileStore) Profile(userID string) (*string, *string, bool) { return nil, nil, false }

// Server holds everything a handler needs: the already-wired core
// components plus this server's own identity. Handlers are methods on
// Server so they share this state without a global.
type Server struct {
	ServerName event.ServerName
	KeyID      string
	LocalKey   *keyring.LocalKey
	Keys       *keyring.Cache

	Store    *eventstore.Store
	Pipeline *ingress.Pipeline
	Fanout   *ingress.Fanout

	Txn           *txn.Handler
	JoinResponder *join.Responder
	InviteInbound *invite.InboundHandler
	Profiles      ProfileStore

	// JoinOrchestrator and InviteOrchestrator drive the outbound halves
	// of the join/invite handshakes. No route in NewRouter calls them —
	// spec.md §6 names no client-server endpoint that would trigger a
	// local "join this room" or "invite this user" — but they're held
	// here, alongside the rest of this server's wiring, for whatever
	// does end up driving them.
	JoinOrchestrator   *join.Orchestrator
	InviteOrchestrator *invite.Orchestrator
}

// NewRouter builds the mux.Router serving every endpoint spec.md §6
// names, plus the `.well-known` discovery documents.
func NewRouter(s *Server) *mux.Router {
	if s.Profiles == nil {
		s.Profiles = nilProfileStore{}
	}
	r := mux.NewRouter()

	r.HandleFunc("/.well-known/matrix/server", s.handleWellKnownServer).Methods(http.MethodGet)
	r.HandleFunc("/.well-known/matrix/client", s.handleWellKnownClient).Methods(http.MethodGet)

	r.HandleFunc("/_matrix/federation/v1/version", s.handleVersion).Methods(http.MethodGet)
	r.HandleFunc("/_matrix/key/v2/server", s.handleKeyServer).Methods(http.MethodGet)
	r.HandleFunc("/_matrix/key/v2/server/{key_id}", s.handleKeyServer).Methods(http.MethodGet)

	r.HandleFunc("/_matrix/federation/v1/send/{txn_id}", s.authenticated(s.handleSend)).Methods(http.MethodPut)
	r.HandleFunc("/_matrix/federation/v1/event/{event_id}", s.authenticated(s.handleGetEvent)).Methods(http.MethodGet)
	r.HandleFunc("/_matrix/federation/v1/state/{room_id}", s.authenticated(s.handleState)).Methods(http.MethodGet)
	r.HandleFunc("/_matrix/federation/v1/state_ids/{room_id}", s.authenticated(s.handleStateIDs)).Methods(http.MethodGet)
	r.HandleFunc("/_matrix/federation/v1/backfill/{room_id}", s.authenticated(s.handleBackfill)).Methods(http.MethodGet)
	r.HandleFunc("/_matrix/federation/v1/get_missing_events/{room_id}", s.authenticated(s.handleGetMissingEvents)).Methods(http.MethodPost)
	r.HandleFunc("/_matrix/federation/v1/make_join/{room_id}/{user_id}", s.authenticated(s.handleMakeJoin)).Methods(http.MethodGet)
	r.HandleFunc("/_matrix/federation/v2/send_join/{room_id}/{event_id}", s.authenticated(s.handleSendJoin)).Methods(http.MethodPut)
	r.HandleFunc("/_matrix/federation/v2/invite/{room_id}/{event_id}", s.authenticated(s.handleInvite)).Methods(http.MethodPut)
	r.HandleFunc("/_matrix/federation/v1/query/profile", s.authenticated(s.handleQueryProfile)).Methods(http.MethodGet)
	r.HandleFunc("/_matrix/federation/v1/event_auth/{room_id}/{event_id}", s.authenticated(s.handleEventAuth)).Methods(http.MethodGet)

	r.Handle("/_matrix/internal/fanout", s.Fanout)

	return r
}
