package eventstore

import (
	"context"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/matrixcore/event"
	"github.com/matrix-org/matrixcore/stateres"
)

type testSigner struct{ priv ed25519.PrivateKey }

func (s testSigner) Sign(message []byte) (event.Base64String, error) {
	return event.Base64String(ed25519.Sign(s.priv, message)), nil
}

func mustBuild(t *testing.T, sender, roomID, typ, stateKey string, content interface{}, prevEvents, authEvents []string, depth int64) *event.Event {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
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
	ev, err := eb.Build(event.RoomVersionV11, "example.org", "ed25519:1", testSigner{priv})
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndGetEventRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev := mustBuild(t, "@alice:example.org", "!r:example.org", "m.room.create", "", map[string]string{"creator": "@alice:example.org"}, nil, nil, 1)
	if err := s.PutEvent(ctx, ev, false); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, ev.EventID())
	if err != nil {
		t.Fatal(err)
	}
	if got.EventID() != ev.EventID() {
		t.Fatalf("round-tripped event id mismatch: got %s want %s", got.EventID(), ev.EventID())
	}
	if got.RoomID() != ev.RoomID() || got.Type() != ev.Type() {
		t.Fatal("round-tripped event fields mismatch")
	}
}

func TestPutEventIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev := mustBuild(t, "@alice:example.org", "!r:example.org", "m.room.create", "", map[string]string{"creator": "@alice:example.org"}, nil, nil, 1)
	if err := s.PutEvent(ctx, ev, false); err != nil {
		t.Fatal(err)
	}
	if err := s.PutEvent(ctx, ev, false); err != nil {
		t.Fatalf("re-inserting the same event id should be a no-op, got: %v", err)
	}
}

func TestGetEventNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get(context.Background(), "$missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestForwardExtremitiesRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	roomID := "!r:example.org"

	if err := s.SetForwardExtremities(ctx, roomID, []string{"$a", "$b"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.ForwardExtremities(ctx, roomID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 forward extremities, got %d", len(got))
	}

	if err := s.SetForwardExtremities(ctx, roomID, []string{"$c"}); err != nil {
		t.Fatal(err)
	}
	got, err = s.ForwardExtremities(ctx, roomID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "$c" {
		t.Fatalf("expected forward extremities to be replaced wholesale, got %v", got)
	}
}

func TestAuthChainWalksTransitiveClosure(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	create := mustBuild(t, "@alice:example.org", "!r:example.org", "m.room.create", "", map[string]string{"creator": "@alice:example.org"}, nil, nil, 1)
	pl := mustBuild(t, "@alice:example.org", "!r:example.org", "m.room.power_levels", "", map[string]int{}, nil, []string{create.EventID()}, 2)
	join := mustBuild(t, "@alice:example.org", "!r:example.org", "m.room.member", "@alice:example.org", map[string]string{"membership": "join"}, nil, []string{create.EventID(), pl.EventID()}, 3)

	for _, ev := range []*event.Event{create, pl, join} {
		if err := s.PutEvent(ctx, ev, false); err != nil {
			t.Fatal(err)
		}
	}

	chain, err := s.AuthChain(ctx, []string{join.EventID()})
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 3 {
		t.Fatalf("expected auth chain of 3 events (create, power_levels, join itself as seed), got %d", len(chain))
	}
}

func TestStateGroupDeltaChainResolvesFullState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	roomID := "!r:example.org"

	createKey := event.StateKeyTuple{EventType: "m.room.create", StateKey: ""}
	plKey := event.StateKeyTuple{EventType: "m.room.power_levels", StateKey: ""}
	aliceKey := event.StateKeyTuple{EventType: "m.room.member", StateKey: "@alice:example.org"}

	root := stateres.StateMap{createKey: "$create", plKey: "$pl"}
	rootID, err := s.PutStateGroup(ctx, roomID, 0, root)
	if err != nil {
		t.Fatal(err)
	}

	// Child group overrides nothing and adds alice's join. It is passed as
	// a full snapshot (root's entries plus the new one); PutStateGroup
	// accepts either that or just the changed slots, since GetStateAt
	// overlays each group on its parent chain.
	child := stateres.StateMap{createKey: "$create", plKey: "$pl", aliceKey: "$alice-join"}
	childID, err := s.PutStateGroup(ctx, roomID, rootID, child)
	if err != nil {
		t.Fatal(err)
	}

	resolved, err := s.GetStateAt(ctx, childID)
	if err != nil {
		t.Fatal(err)
	}
	if resolved[createKey] != "$create" || resolved[plKey] != "$pl" || resolved[aliceKey] != "$alice-join" {
		t.Fatalf("unexpected resolved state: %v", resolved)
	}

	if err := s.SetCurrentState(ctx, roomID, childID); err != nil {
		t.Fatal(err)
	}
	current, err := s.CurrentState(ctx, roomID)
	if err != nil {
		t.Fatal(err)
	}
	if current[aliceKey] != "$alice-join" {
		t.Fatalf("expected current state to reflect the live group, got %v", current)
	}
}
