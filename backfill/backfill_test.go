package backfill

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/matrixcore/event"
	"github.com/matrix-org/matrixcore/ingress"
	"github.com/matrix-org/matrixcore/keyring"
	"github.com/matrix-org/matrixcore/stateres"
	"github.com/matrix-org/matrixcore/txn"
)

var _ ingress.Store = (*memStore)(nil)

type memStore struct {
	mu   sync.Mutex
	byID map[string]*event.Event
}

func newMemStore() *memStore {
	return &memStore{byID: map[string]*event.Event{}}
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
	return nil, nil
}

func (m *memStore) SetForwardExtremities(ctx context.Context, roomID string, eventIDs []string) error {
	return nil
}

func (m *memStore) CurrentState(ctx context.Context, roomID string) (stateres.StateMap, error) {
	return stateres.StateMap{}, nil
}

func (m *memStore) SetCurrentState(ctx context.Context, roomID string, groupID int64) error {
	return nil
}

func (m *memStore) PutStateGroup(ctx context.Context, roomID string, parentID int64, full stateres.StateMap) (int64, error) {
	return 0, nil
}

type fixedSigner struct{ priv ed25519.PrivateKey }

func (s fixedSigner) Sign(message []byte) (event.Base64String, error) {
	return event.Base64String(ed25519.Sign(s.priv, message)), nil
}

func build(t *testing.T, priv ed25519.PrivateKey, sender, roomID, typ string, content interface{}, prevEvents, authEvents []string, depth int64) *event.Event {
	t.Helper()
	c, err := event.Encode(content)
	if err != nil {
		t.Fatal(err)
	}
	proto := event.ProtoEvent{Sender: sender, RoomID: roomID, Type: typ, Content: c}
	eb := event.NewEventBuilder(proto, prevEvents, authEvents, depth, event.Timestamp(1000+depth))
	ev, err := eb.Build(event.RoomVersionV11, "remote.example", "ed25519:1", fixedSigner{priv})
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

func newTestKeyCache(t *testing.T, pub ed25519.PublicKey) *keyring.Cache {
	t.Helper()
	fetch := func(ctx context.Context, server event.ServerName) ([]byte, error) {
		t.Fatalf("unexpected remote key fetch for %s", server)
		return nil, nil
	}
	c := keyring.NewCache(fetch)
	c.Seed("remote.example", "ed25519:1", keyring.VerifyKey{Public: pub, ValidUntilTS: 9999999999999})
	return c
}

type fakeRequester struct {
	servers []event.ServerName
	txns    map[event.ServerName]*txn.Transaction
	errs    map[event.ServerName]error
	calls   []event.ServerName
}

func (f *fakeRequester) ServersAtEvent(ctx context.Context, roomID, eventID string) []event.ServerName {
	return f.servers
}

func (f *fakeRequester) Backfill(ctx context.Context, server event.ServerName, roomID string, fromEventIDs []string, limit int) (*txn.Transaction, error) {
	f.calls = append(f.calls, server)
	if err, ok := f.errs[server]; ok {
		return nil, err
	}
	return f.txns[server], nil
}

func TestRequestBackfillSkipsFailingServer(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	create := build(t, priv, "@alice:remote.example", "!r:remote.example", "m.room.create", map[string]string{"creator": "@alice:remote.example"}, nil, nil, 1)
	msg := build(t, priv, "@alice:remote.example", "!r:remote.example", "m.room.message", map[string]string{"body": "hi"}, []string{create.EventID()}, []string{create.EventID()}, 2)

	keys := newTestKeyCache(t, pub)
	r := &fakeRequester{
		servers: []event.ServerName{"bad.example", "good.example"},
		errs:    map[event.ServerName]error{"bad.example": context.DeadlineExceeded},
		txns: map[event.ServerName]*txn.Transaction{
			"good.example": {PDUs: rawPDUs(msg, create)},
		},
	}

	got, err := RequestBackfill(context.Background(), r, keys, "!r:remote.example", event.RoomVersionV11, []string{msg.EventID()}, 10)
	if err != nil {
		t.Fatalf("RequestBackfill returned error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if len(r.calls) != 2 {
		t.Fatalf("expected both servers to be tried (the first failing), got %v", r.calls)
	}
}

func TestRequestBackfillEmptyFromEventIDs(t *testing.T) {
	got, err := RequestBackfill(context.Background(), &fakeRequester{}, nil, "!r:remote.example", event.RoomVersionV11, nil, 10)
	if err != nil || got != nil {
		t.Fatalf("expected a nil, nil result for no starting events, got %v, %v", got, err)
	}
}

func TestRespondWalksBackwardThroughKnownGraph(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	store := newMemStore()
	create := build(t, priv, "@alice:remote.example", "!r:remote.example", "m.room.create", map[string]string{"creator": "@alice:remote.example"}, nil, nil, 1)
	msg := build(t, priv, "@alice:remote.example", "!r:remote.example", "m.room.message", map[string]string{"body": "hi"}, []string{create.EventID()}, []string{create.EventID()}, 2)
	store.PutEvent(context.Background(), create, false)
	store.PutEvent(context.Background(), msg, false)

	got, err := Respond(context.Background(), store, "!r:remote.example", []string{msg.EventID()}, 10)
	if err != nil {
		t.Fatalf("Respond returned error: %v", err)
	}
	if len(got.PDUs) != 2 {
		t.Fatalf("expected both msg and create to be walked, got %d PDUs", len(got.PDUs))
	}
}

func TestRespondMissingEventsStopsAtEarliestBoundary(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	store := newMemStore()
	create := build(t, priv, "@alice:remote.example", "!r:remote.example", "m.room.create", map[string]string{"creator": "@alice:remote.example"}, nil, nil, 1)
	msg1 := build(t, priv, "@alice:remote.example", "!r:remote.example", "m.room.message", map[string]string{"body": "one"}, []string{create.EventID()}, []string{create.EventID()}, 2)
	msg2 := build(t, priv, "@alice:remote.example", "!r:remote.example", "m.room.message", map[string]string{"body": "two"}, []string{msg1.EventID()}, []string{create.EventID()}, 3)
	for _, ev := range []*event.Event{create, msg1, msg2} {
		if err := store.PutEvent(context.Background(), ev, false); err != nil {
			t.Fatal(err)
		}
	}

	got, err := RespondMissingEvents(context.Background(), store, "!r:remote.example", []string{create.EventID()}, []string{msg2.EventID()}, 10)
	if err != nil {
		t.Fatalf("RespondMissingEvents returned error: %v", err)
	}
	ids := make(map[string]bool, len(got))
	for _, ev := range got {
		ids[ev.EventID()] = true
	}
	if !ids[msg2.EventID()] || !ids[msg1.EventID()] {
		t.Fatalf("expected msg1 and msg2 in the gap, got %v", got)
	}
	if ids[create.EventID()] {
		t.Fatalf("expected the earliest_events boundary event to be excluded, got %v", got)
	}
}

func rawPDUs(events ...*event.Event) []json.RawMessage {
	out := make([]json.RawMessage, len(events))
	for i, ev := range events {
		out[i] = json.RawMessage(ev.JSON())
	}
	return out
}
