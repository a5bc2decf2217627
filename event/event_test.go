package event

import (
	"encoding/json"
	"testing"

	"golang.org/x/crypto/ed25519"
)

// S2 content hash fixture (spec.md §8).
func TestContentHashFixture(t *testing.T) {
	raw := map[string]interface{}{
		"auth_events":      []string{"$A", "$B"},
		"content":          map[string]interface{}{"membership": "join"},
		"depth":            1399,
		"origin_server_ts": 1759753025984,
		"prev_events":      []string{"$C"},
		"room_id":          "!R:h",
		"sender":            "@u:h",
		"state_key":        "@u:h",
		"type":             "m.room.member",
	}
	b, err := json.Marshal(raw)
	if err != nil {
		t.Fatal(err)
	}
	sum, err := contentHash(b)
	if err != nil {
		t.Fatal(err)
	}
	got := EncodeUnpaddedBase64URL(sum[:])
	want := "x8vNFczuKAWlLMO-F7XWzAZRCS0zlplC6l7HcxihZfQ"
	if got != want {
		t.Fatalf("content hash mismatch: got %s want %s", got, want)
	}
}

func TestRedactMemberEvent(t *testing.T) {
	e := &Event{
		eventJSON: []byte(`{}`),
		fields: eventFields{
			EventID: "$ev",
			RoomID:  "!R:h",
			Sender:  "@u:h",
			Type:    "m.room.member",
			Content: RawJSON(`{"membership":"join","displayname":"Bob","reason":"hi"}`),
			Unsigned: RawJSON(`{"age":5}`),
		},
	}
	e.eventJSON, _ = json.Marshal(struct {
		EventID  string  `json:"event_id"`
		RoomID   string  `json:"room_id"`
		Sender   string  `json:"sender"`
		Type     string  `json:"type"`
		Content  RawJSON `json:"content"`
		Unsigned RawJSON `json:"unsigned"`
	}{"$ev", "!R:h", "@u:h", "m.room.member", e.fields.Content, e.fields.Unsigned})

	redacted, err := e.Redact()
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(redacted, &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["unsigned"]; ok {
		t.Fatal("redacted event must not carry unsigned")
	}
	var content map[string]json.RawMessage
	if err := json.Unmarshal(m["content"], &content); err != nil {
		t.Fatal(err)
	}
	if _, ok := content["displayname"]; ok {
		t.Fatal("displayname must not survive redaction of m.room.member")
	}
	if string(content["membership"]) != `"join"` {
		t.Fatal("membership must survive redaction")
	}
}

func TestRedactUnknownTypeDropsAllContent(t *testing.T) {
	raw := []byte(`{"event_id":"$e","room_id":"!R:h","sender":"@u:h","type":"m.room.message","content":{"body":"hello"}}`)
	redacted, err := redactEventJSON(raw, "m.room.message")
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(redacted, &m); err != nil {
		t.Fatal(err)
	}
	if string(m["content"]) != "{}" {
		t.Fatalf("expected empty content, got %s", m["content"])
	}
}

type fixedSigner struct{ priv ed25519.PrivateKey }

func (s fixedSigner) Sign(message []byte) (Base64String, error) {
	return Base64String(ed25519.Sign(s.priv, message)), nil
}

func TestBuilderSignAndVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	proto := ProtoEvent{
		Sender:  "@alice:example.org",
		RoomID:  "!room:example.org",
		Type:    "m.room.member",
		Content: RawJSON(`{"membership":"join"}`),
	}
	sk := "@alice:example.org"
	proto.StateKey = &sk
	eb := NewEventBuilder(proto, []string{"$prev"}, []string{"$create"}, 2, Timestamp(1759753025984))

	built, err := eb.Build(RoomVersionV11, ServerName("example.org"), "ed25519:1", fixedSigner{priv})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if built.EventID() == "" {
		t.Fatal("room version 11 events must have a derived event id")
	}
	if err := built.CheckContentHash(); err != nil {
		t.Fatalf("content hash check failed: %v", err)
	}
	verify := func(publicKey, message, signature []byte) bool {
		return ed25519.Verify(publicKey, message, signature)
	}
	if err := VerifySignature(built.JSON(), built.Type(), ServerName("example.org"), "ed25519:1", pub, verify); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}

	// Replacing the signature with one over a different payload must fail verification.
	tampered := ed25519.Sign(priv, []byte("not the real payload"))
	sigs := built.Signatures()
	sigs["example.org"]["ed25519:1"] = Base64String(tampered)
	sigsJSON, _ := json.Marshal(sigs)
	var full map[string]json.RawMessage
	_ = json.Unmarshal(built.JSON(), &full)
	full["signatures"] = sigsJSON
	tamperedJSON, _ := json.Marshal(full)
	if err := VerifySignature(tamperedJSON, built.Type(), ServerName("example.org"), "ed25519:1", pub, verify); err == nil {
		t.Fatal("expected tampered signature to fail verification")
	}
}

func TestDeriveEventIDDeterministic(t *testing.T) {
	proto := ProtoEvent{Sender: "@a:h", RoomID: "!r:h", Type: "m.room.create", Content: RawJSON(`{"creator":"@a:h"}`)}
	eb1 := NewEventBuilder(proto, nil, nil, 1, Timestamp(100))
	eb2 := NewEventBuilder(proto, nil, nil, 1, Timestamp(100))
	_, priv, _ := ed25519.GenerateKey(nil)
	signer := fixedSigner{priv}
	e1, err := eb1.Build(RoomVersionV11, "h", "ed25519:1", signer)
	if err != nil {
		t.Fatal(err)
	}
	e2, err := eb2.Build(RoomVersionV11, "h", "ed25519:1", signer)
	if err != nil {
		t.Fatal(err)
	}
	if e1.EventID() != e2.EventID() {
		t.Fatalf("event id derivation must be deterministic: %s != %s", e1.EventID(), e2.EventID())
	}
}

func TestPowerLevelsDefaults(t *testing.T) {
	var p PowerLevelsContent
	if p.EffectiveStateDefault() != 50 {
		t.Fatal("state_default must default to 50")
	}
	if p.EffectiveUsersDefault() != 0 {
		t.Fatal("users_default must default to 0")
	}
	if p.EventLevel("m.room.name", true) != 50 {
		t.Fatal("unlisted state event must fall through to state_default")
	}
	if p.EventLevel("m.room.message", false) != 0 {
		t.Fatal("unlisted message event must fall through to events_default")
	}
}
