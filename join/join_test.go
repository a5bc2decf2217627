package join

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/matrixcore/event"
	"github.com/matrix-org/matrixcore/ingress"
	"github.com/matrix-org/matrixcore/keyring"
	"github.com/matrix-org/matrixcore/stateres"
)

// memStore mirrors ingress's own test fake: a minimal in-memory Store.
type memStore struct {
	mu          sync.Mutex
	byID        map[string]*event.Event
	extremities map[string][]string
	current     map[string]stateres.StateMap
	groups      map[int64]stateres.StateMap
	nextGroup   int64
}

func newMemStore() *memStore {
	return &memStore{
		byID:        map[string]*event.Event{},
		extremities: map[string][]string{},
		current:     map[string]stateres.StateMap{},
		groups:      map[int64]stateres.StateMap{},
	}
}

type errNotFound struct{ id string }

func (e errNotFound) Error() string { return "not found: " + e.id }

func (m *memStore) Get(ctx context.Context, id string) (*event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return nil, errNotFound{id}
	}
	return e, nil
}

func (m *memStore) PutEvent(ctx context.Context, ev *event.Event, outlier bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[ev.EventID()] = ev
	return nil
}

func (m *memStore) ForwardExtremities(ctx context.Context, roomID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.extremities[roomID]...), nil
}

func (m *memStore) SetForwardExtremities(ctx context.Context, roomID string, eventIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extremities[roomID] = append([]string(nil), eventIDs...)
	return nil
}

func (m *memStore) CurrentState(ctx context.Context, roomID string) (stateres.StateMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := stateres.StateMap{}
	for k, v := range m.current[roomID] {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) SetCurrentState(ctx context.Context, roomID string, groupID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current[roomID] = m.groups[groupID]
	return nil
}

func (m *memStore) PutStateGroup(ctx context.Context, roomID string, parentID int64, full stateres.StateMap) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextGroup++
	id := m.nextGroup
	clone := stateres.StateMap{}
	for k, v := range full {
		clone[k] = v
	}
	m.groups[id] = clone
	return id, nil
}

var _ ingress.Store = (*memStore)(nil)

type testSigner struct{ priv ed25519.PrivateKey }

func (s testSigner) Sign(message []byte) (event.Base64String, error) {
	return event.Base64String(ed25519.Sign(s.priv, message)), nil
}

func buildRemote(t *testing.T, priv ed25519.PrivateKey, sender, roomID, typ, stateKey string, content interface{}, prevEvents, authEvents []string, depth int64) *event.Event {
	t.Helper()
	c, err := event.Encode(content)
	if err != nil {
		t.Fatal(err)
	}
	proto := event.ProtoEvent{Sender: sender, RoomID: roomID, Type: typ, Content: c}
	if stateKey != "\x00none" {
		sk := stateKey
		proto.StateKey = &sk
	}
	eb := event.NewEventBuilder(proto, prevEvents, authEvents, depth, event.Timestamp(1000+depth))
	ev, err := eb.Build(event.RoomVersionV11, "remote.example", "ed25519:1", testSigner{priv})
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

// fakeFedClient answers make_join with a hand-built draft member event
// and send_join with a small, self-consistent room: create, power_levels,
// join_rules (public) and alice's own join, all "signed" by remote.example.
type fakeFedClient struct {
	roomID      string
	draftEvent  json.RawMessage
	stateEvents []json.RawMessage
	authEvents  []json.RawMessage
}

func (f *fakeFedClient) Do(ctx context.Context, method string, destination event.ServerName, uriPath string, content []byte) ([]byte, int, error) {
	switch {
	case method == http.MethodGet && containsSubstr(uriPath, "/make_join/"):
		body, err := json.Marshal(RespMakeJoin{RoomVersion: event.RoomVersionV11, JoinEvent: f.draftEvent})
		return body, http.StatusOK, err
	case method == http.MethodPut && containsSubstr(uriPath, "/send_join/"):
		body, err := json.Marshal(RespSendJoin{StateEvents: f.stateEvents, AuthEvents: f.authEvents, Origin: "remote.example"})
		return body, http.StatusOK, err
	default:
		return nil, 0, fmt.Errorf("fakeFedClient: unexpected request %s %s", method, uriPath)
	}
}

func containsSubstr(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func TestOrchestratorJoinAbsorbsStateAndCommitsJoinEvent(t *testing.T) {
	remotePub, remotePriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	localPub, localPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	const roomID = "!r:remote.example"
	create := buildRemote(t, remotePriv, "@alice:remote.example", roomID, "m.room.create", "",
		map[string]string{"creator": "@alice:remote.example", "room_version": "11"}, nil, nil, 1)
	aliceJoin := buildRemote(t, remotePriv, "@alice:remote.example", roomID, "m.room.member", "@alice:remote.example",
		event.MemberContent{Membership: "join"},
		[]string{create.EventID()}, []string{create.EventID()}, 2)
	powerLevels := buildRemote(t, remotePriv, "@alice:remote.example", roomID, "m.room.power_levels", "",
		event.PowerLevelsContent{Users: map[string]int64{"@alice:remote.example": 100}},
		[]string{aliceJoin.EventID()}, []string{create.EventID(), aliceJoin.EventID()}, 3)
	joinRules := buildRemote(t, remotePriv, "@alice:remote.example", roomID, "m.room.join_rules", "",
		event.JoinRulesContent{JoinRule: event.JoinRulePublic},
		[]string{powerLevels.EventID()}, []string{create.EventID(), aliceJoin.EventID(), powerLevels.EventID()}, 4)

	draft := map[string]interface{}{
		"room_id":          roomID,
		"sender":           "@bob:example.org",
		"type":             "m.room.member",
		"state_key":        "@bob:example.org",
		"content":          map[string]string{"membership": "join"},
		"prev_events":      []string{joinRules.EventID()},
		"auth_events":      []string{create.EventID(), powerLevels.EventID(), joinRules.EventID()},
		"depth":            int64(5),
		"origin_server_ts": int64(1005),
	}
	draftJSON, err := json.Marshal(draft)
	if err != nil {
		t.Fatal(err)
	}

	client := &fakeFedClient{
		roomID:     roomID,
		draftEvent: draftJSON,
		stateEvents: []json.RawMessage{
			json.RawMessage(create.JSON()),
			json.RawMessage(powerLevels.JSON()),
			json.RawMessage(joinRules.JSON()),
			json.RawMessage(aliceJoin.JSON()),
		},
		authEvents: []json.RawMessage{
			json.RawMessage(create.JSON()),
			json.RawMessage(powerLevels.JSON()),
			json.RawMessage(joinRules.JSON()),
		},
	}

	keys := keyring.NewCache(func(ctx context.Context, server event.ServerName) ([]byte, error) {
		t.Fatalf("unexpected remote key fetch for %s", server)
		return nil, nil
	})
	keys.Seed("remote.example", "ed25519:1", keyring.VerifyKey{Public: remotePub, ValidUntilTS: 9999999999999})
	keys.Seed("example.org", "ed25519:1", keyring.VerifyKey{Public: localPub, ValidUntilTS: 9999999999999})

	store := newMemStore()
	orch := NewOrchestrator("example.org", "ed25519:1", testSigner{localPriv}, keys, client, store, nil)

	joinEvent, err := orch.Join(context.Background(), roomID, "@bob:example.org", []event.ServerName{"remote.example"})
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if joinEvent.Sender() != "@bob:example.org" {
		t.Fatalf("expected join event sender @bob:example.org, got %s", joinEvent.Sender())
	}
	var content event.MemberContent
	if err := event.Decode(joinEvent.Content(), &content); err != nil || content.Membership != "join" {
		t.Fatalf("expected join event content membership=join, got %+v (err=%v)", content, err)
	}

	extremities, err := store.ForwardExtremities(context.Background(), roomID)
	if err != nil {
		t.Fatal(err)
	}
	if len(extremities) != 1 || extremities[0] != joinEvent.EventID() {
		t.Fatalf("expected join event to become the sole forward extremity, got %v", extremities)
	}

	current, err := store.CurrentState(context.Background(), roomID)
	if err != nil {
		t.Fatal(err)
	}
	bobSlot := current[event.StateKeyTuple{EventType: "m.room.member", StateKey: "@bob:example.org"}]
	if bobSlot != "" {
		t.Fatalf("expected bob's own join event not to be folded into the absorbed pre-join state, got %s", bobSlot)
	}
	aliceSlot := current[event.StateKeyTuple{EventType: "m.room.member", StateKey: "@alice:remote.example"}]
	if aliceSlot != aliceJoin.EventID() {
		t.Fatalf("expected alice's join to be part of the absorbed current state, got %s", aliceSlot)
	}
}
