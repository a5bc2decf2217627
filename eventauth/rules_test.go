package eventauth

import (
	"testing"

	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/matrixcore/event"
)

type testSigner struct{ priv ed25519.PrivateKey }

func (s testSigner) Sign(message []byte) (event.Base64String, error) {
	return event.Base64String(ed25519.Sign(s.priv, message)), nil
}

func build(t *testing.T, sender, roomID, typ, stateKey string, content interface{}, authEvents []string) *event.Event {
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
	eb := event.NewEventBuilder(proto, nil, authEvents, 1, event.Timestamp(1000))
	ev, err := eb.Build(event.RoomVersionV11, "example.org", "ed25519:1", testSigner{priv})
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

func TestCreateRule(t *testing.T) {
	create := build(t, "@alice:example.org", "!room:example.org", "m.room.create", "", map[string]string{"creator": "@alice:example.org"}, nil)
	if err := checkCreate(create, StateSet{}); err != nil {
		t.Fatalf("valid create rejected: %v", err)
	}

	badDomain := build(t, "@alice:other.org", "!room:example.org", "m.room.create", "", map[string]string{"creator": "@alice:other.org"}, nil)
	if err := checkCreate(badDomain, StateSet{}); err == nil {
		t.Fatal("create with mismatched domain must be rejected")
	}
}

func TestMembershipJoinRequiresInviteUnderInviteJoinRule(t *testing.T) {
	create := build(t, "@alice:example.org", "!room:example.org", "m.room.create", "", map[string]string{"creator": "@alice:example.org"}, nil)
	joinRules := build(t, "@alice:example.org", "!room:example.org", "m.room.join_rules", "", event.JoinRulesContent{JoinRule: event.JoinRuleInvite}, nil)
	state := FromEvents([]*event.Event{create, joinRules})

	join := build(t, "@bob:example.org", "!room:example.org", "m.room.member", "@bob:example.org", event.MemberContent{Membership: "join"}, nil)
	if err := Check(join, state, RedactionTarget{}); err == nil {
		t.Fatal("join without an invite under join_rule=invite must fail")
	}

	invite := build(t, "@alice:example.org", "!room:example.org", "m.room.member", "@bob:example.org", event.MemberContent{Membership: "invite"}, nil)
	aliceMember := build(t, "@alice:example.org", "!room:example.org", "m.room.member", "@alice:example.org", event.MemberContent{Membership: "join"}, nil)
	state2 := FromEvents([]*event.Event{create, joinRules, aliceMember, invite})
	if err := Check(join, state2, RedactionTarget{}); err != nil {
		t.Fatalf("join with an outstanding invite must succeed: %v", err)
	}
}

func TestMembershipPublicJoinNeedsNoInvite(t *testing.T) {
	create := build(t, "@alice:example.org", "!room:example.org", "m.room.create", "", map[string]string{"creator": "@alice:example.org"}, nil)
	joinRules := build(t, "@alice:example.org", "!room:example.org", "m.room.join_rules", "", event.JoinRulesContent{JoinRule: event.JoinRulePublic}, nil)
	state := FromEvents([]*event.Event{create, joinRules})

	join := build(t, "@bob:example.org", "!room:example.org", "m.room.member", "@bob:example.org", event.MemberContent{Membership: "join"}, nil)
	if err := Check(join, state, RedactionTarget{}); err != nil {
		t.Fatalf("public join must succeed: %v", err)
	}
}

func TestPowerLevelsCannotRaiseOthersAboveSelf(t *testing.T) {
	create := build(t, "@alice:example.org", "!room:example.org", "m.room.create", "", map[string]string{"creator": "@alice:example.org"}, nil)
	fifty := int64(50)
	hundred := int64(100)
	current := event.PowerLevelsContent{Users: map[string]int64{"@alice:example.org": 50}, UsersDefault: &fifty}
	pl := build(t, "@alice:example.org", "!room:example.org", "m.room.power_levels", "", current, nil)
	state := FromEvents([]*event.Event{create, pl})

	next := event.PowerLevelsContent{Users: map[string]int64{"@alice:example.org": 50, "@bob:example.org": 100}, UsersDefault: &fifty}
	candidate := build(t, "@alice:example.org", "!room:example.org", "m.room.power_levels", "", next, nil)
	if err := checkPowerLevels(candidate, state); err == nil {
		t.Fatal("alice at level 50 must not be able to raise bob to 100")
	}

	next2 := event.PowerLevelsContent{Users: map[string]int64{"@alice:example.org": 50, "@bob:example.org": 50}, UsersDefault: &fifty}
	candidate2 := build(t, "@alice:example.org", "!room:example.org", "m.room.power_levels", "", next2, nil)
	if err := checkPowerLevels(candidate2, state); err != nil {
		t.Fatalf("raising bob to alice's own level should be allowed: %v", err)
	}
	_ = hundred
}

func TestDefaultRuleRequiresJoinedSenderAndPowerLevel(t *testing.T) {
	create := build(t, "@alice:example.org", "!room:example.org", "m.room.create", "", map[string]string{"creator": "@alice:example.org"}, nil)
	aliceMember := build(t, "@alice:example.org", "!room:example.org", "m.room.member", "@alice:example.org", event.MemberContent{Membership: "join"}, nil)
	state := FromEvents([]*event.Event{create, aliceMember})

	msg := build(t, "@alice:example.org", "!room:example.org", "m.room.message", "\x00none", map[string]string{"body": "hi"}, nil)
	if err := checkDefault(msg, state); err != nil {
		t.Fatalf("joined sender should be able to send a message: %v", err)
	}

	msgFromStranger := build(t, "@mallory:evil.org", "!room:example.org", "m.room.message", "\x00none", map[string]string{"body": "hi"}, nil)
	if err := checkDefault(msgFromStranger, state); err == nil {
		t.Fatal("non-joined sender must not be able to send a message")
	}
}
