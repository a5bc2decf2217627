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

package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/matrix-org/matrixcore/backfill"
	"github.com/matrix-org/matrixcore/event"
	"github.com/matrix-org/matrixcore/internal/jsonresponse"
	"github.com/matrix-org/matrixcore/internal/logctx"
	"github.com/matrix-org/matrixcore/invite"
	"github.com/matrix-org/matrixcore/join"
	"github.com/matrix-org/matrixcore/keyring"
	"github.com/matrix-org/matrixcore/txn"
)

const defaultBackfillLimit = 100

func (s *Server) handleWellKnownServer(w http.ResponseWriter, r *http.Request) {
	jsonresponse.OK(map[string]string{"m.server": fmt.Sprintf("%s:8448", s.ServerName)}).WriteTo(w)
}

func (s *Server) handleWellKnownClient(w http.ResponseWriter, r *http.Request) {
	jsonresponse.OK(map[string]interface{}{
		"m.homeserver": map[string]string{"base_url": fmt.Sprintf("https://%s", s.ServerName)},
	}).WriteTo(w)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	jsonresponse.OK(map[string]interface{}{
		"server": map[string]string{"name": "matrixcore", "version": "0.1.0"},
	}).WriteTo(w)
}

func (s *Server) handleKeyServer(w http.ResponseWriter, r *http.Request) {
	body, err := keyring.LocalServerKeyResponse(s.ServerName, s.LocalKey)
	if err != nil {
		logctx.From(r.Context()).WithError(err).Error("httpapi: failed to build local key response")
		jsonresponse.Unknown("could not build key response").WriteTo(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	txnID := mux.Vars(r)["txn_id"]
	var t txn.Transaction
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		jsonresponse.BadJSON("malformed transaction body").WriteTo(w)
		return
	}
	resp, err := s.Txn.HandleTransaction(r.Context(), originFrom(r.Context()), txnID, t)
	if err != nil {
		jsonresponse.BadJSON(err.Error()).WriteTo(w)
		return
	}
	jsonresponse.OK(resp).WriteTo(w)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["event_id"]
	ev, err := s.Store.Get(r.Context(), eventID)
	if err != nil {
		jsonresponse.NotFound("unknown event").WriteTo(w)
		return
	}
	jsonresponse.OK(map[string]interface{}{
		"origin":           s.ServerName,
		"origin_server_ts": event.Timestamp(time.Now().UnixMilli()),
		"pdus":             []json.RawMessage{json.RawMessage(ev.JSON())},
	}).WriteTo(w)
}

// roomVersionOf resolves a room's negotiated version off its own
// m.room.create event, the same lookup txn.handlePDU does for an
// incoming PDU with no room version of its own yet.
func (s *Server) roomVersionOf(r *http.Request, roomID string) (event.RoomVersion, error) {
	current, err := s.Store.CurrentState(r.Context(), roomID)
	if err != nil {
		return "", err
	}
	id, ok := current[event.StateKeyTuple{EventType: "m.room.create", StateKey: ""}]
	if !ok {
		return "", fmt.Errorf("httpapi: unknown room %s", roomID)
	}
	create, err := s.Store.Get(r.Context(), id)
	if err != nil {
		return "", err
	}
	return create.RoomVersion(), nil
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.serveState(w, r, false)
}

func (s *Server) handleStateIDs(w http.ResponseWriter, r *http.Request) {
	s.serveState(w, r, true)
}

// serveState answers both state and state_ids: the room's current state
// plus the auth chain needed to verify it, as either full events or bare
// event IDs. The event_id query parameter is not consulted; the answer is
// always the current state.
func (s *Server) serveState(w http.ResponseWriter, r *http.Request, idsOnly bool) {
	roomID := mux.Vars(r)["room_id"]
	current, err := s.Store.CurrentState(r.Context(), roomID)
	if err != nil {
		jsonresponse.NotFound("unknown room").WriteTo(w)
		return
	}
	ids := make([]string, 0, len(current))
	for _, id := range current {
		ids = append(ids, id)
	}
	authChain, err := s.Store.AuthChain(r.Context(), ids)
	if err != nil {
		logctx.From(r.Context()).WithError(err).Error("httpapi: auth chain lookup failed")
		jsonresponse.Unknown("could not compute auth chain").WriteTo(w)
		return
	}

	if idsOnly {
		authIDs := make([]string, 0, len(authChain))
		for _, ev := range authChain {
			authIDs = append(authIDs, ev.EventID())
		}
		jsonresponse.OK(map[string]interface{}{"pdu_ids": ids, "auth_chain_ids": authIDs}).WriteTo(w)
		return
	}

	pdus := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		ev, err := s.Store.Get(r.Context(), id)
		if err != nil {
			continue
		}
		pdus = append(pdus, json.RawMessage(ev.JSON()))
	}
	authRaw := make([]json.RawMessage, 0, len(authChain))
	for _, ev := range authChain {
		authRaw = append(authRaw, json.RawMessage(ev.JSON()))
	}
	jsonresponse.OK(map[string]interface{}{"pdus": pdus, "auth_chain": authRaw}).WriteTo(w)
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room_id"]
	fromEventIDs := r.URL.Query()["v"]
	limit := defaultBackfillLimit
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}
	t, err := backfill.Respond(r.Context(), s.Store, roomID, fromEventIDs, limit)
	if err != nil {
		logctx.From(r.Context()).WithError(err).Error("httpapi: backfill response failed")
		jsonresponse.Unknown("could not build backfill response").WriteTo(w)
		return
	}
	jsonresponse.OK(map[string]interface{}{
		"origin":           s.ServerName,
		"origin_server_ts": event.Timestamp(time.Now().UnixMilli()),
		"pdus":             t.PDUs,
	}).WriteTo(w)
}

type getMissingEventsRequest struct {
	EarliestEvents []string `json:"earliest_events"`
	LatestEvents   []string `json:"latest_events"`
	Limit          int      `json:"limit"`
}

func (s *Server) handleGetMissingEvents(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room_id"]
	var req getMissingEventsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonresponse.BadJSON("malformed get_missing_events body").WriteTo(w)
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultBackfillLimit
	}
	events, err := backfill.RespondMissingEvents(r.Context(), s.Store, roomID, req.EarliestEvents, req.LatestEvents, limit)
	if err != nil {
		logctx.From(r.Context()).WithError(err).Error("httpapi: get_missing_events response failed")
		jsonresponse.Unknown("could not resolve missing events").WriteTo(w)
		return
	}
	pdus := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		pdus = append(pdus, json.RawMessage(ev.JSON()))
	}
	jsonresponse.OK(map[string]interface{}{"events": pdus}).WriteTo(w)
}

func (s *Server) handleMakeJoin(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	roomID, userID := vars["room_id"], vars["user_id"]

	supported := map[event.RoomVersion]bool{}
	for _, v := range r.URL.Query()["ver"] {
		supported[event.RoomVersion(v)] = true
	}

	roomVersion, draft, err := s.JoinResponder.MakeJoin(r.Context(), roomID, userID, supported)
	if err != nil {
		jsonresponse.Forbidden(err.Error()).WriteTo(w)
		return
	}
	jsonresponse.OK(join.RespMakeJoin{RoomVersion: roomVersion, JoinEvent: json.RawMessage(draft)}).WriteTo(w)
}

func (s *Server) handleSendJoin(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	roomID, eventID := vars["room_id"], vars["event_id"]

	roomVersion, err := s.roomVersionOf(r, roomID)
	if err != nil {
		jsonresponse.NotFound(err.Error()).WriteTo(w)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		jsonresponse.BadJSON("could not read request body").WriteTo(w)
		return
	}
	joinEvent, err := event.ParseEvent(body, roomVersion)
	if err != nil {
		jsonresponse.BadJSON(err.Error()).WriteTo(w)
		return
	}

	state, authChain, err := s.JoinResponder.SendJoin(r.Context(), roomID, eventID, joinEvent)
	if err != nil {
		jsonresponse.Forbidden(err.Error()).WriteTo(w)
		return
	}
	resp := join.RespSendJoin{Origin: s.ServerName}
	for _, ev := range state {
		resp.StateEvents = append(resp.StateEvents, json.RawMessage(ev.JSON()))
	}
	for _, ev := range authChain {
		resp.AuthEvents = append(resp.AuthEvents, json.RawMessage(ev.JSON()))
	}
	jsonresponse.OK(resp).WriteTo(w)
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	var req invite.RequestV2
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonresponse.BadJSON("malformed invite body").WriteTo(w)
		return
	}
	countersigned, err := s.InviteInbound.HandleInvite(r.Context(), req)
	if err != nil {
		jsonresponse.Forbidden(err.Error()).WriteTo(w)
		return
	}
	jsonresponse.OK(invite.ResponseV2{Event: json.RawMessage(countersigned.JSON())}).WriteTo(w)
}

func (s *Server) handleQueryProfile(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		jsonresponse.InvalidParam("user_id is required").WriteTo(w)
		return
	}
	displayName, avatarURL, _ := s.Profiles.Profile(userID)
	jsonresponse.OK(map[string]interface{}{
		"displayname": displayName,
		"avatar_url":  avatarURL,
	}).WriteTo(w)
}

func (s *Server) handleEventAuth(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	eventID := vars["event_id"]
	ev, err := s.Store.Get(r.Context(), eventID)
	if err != nil {
		jsonresponse.NotFound("unknown event").WriteTo(w)
		return
	}
	authChain, err := s.Store.AuthChain(r.Context(), ev.AuthEvents())
	if err != nil {
		logctx.From(r.Context()).WithError(err).Error("httpapi: event_auth lookup failed")
		jsonresponse.Unknown("could not compute auth chain").WriteTo(w)
		return
	}
	raw := make([]json.RawMessage, 0, len(authChain))
	for _, e := range authChain {
		raw = append(raw, json.RawMessage(e.JSON()))
	}
	jsonresponse.OK(map[string]interface{}{"auth_chain": raw}).WriteTo(w)
}
