package eventauth

import (
	"fmt"
	"strings"

	"github.com/matrix-org/matrixcore/event"
)

// AuthFailed is returned when a candidate event fails one of the rules in
// spec.md §4.4. The caller (ingress) decides whether a given AuthFailed
// means reject or soft-fail depending on which state set it was evaluated
// against; this package itself has no opinion on that.
type AuthFailed struct{ Reason string }

func (e AuthFailed) Error() string { return "eventauth: " + e.Reason }

func fail(format string, args ...interface{}) error {
	return AuthFailed{Reason: fmt.Sprintf(format, args...)}
}

// RedactionTarget carries the one piece of information about the event a
// m.room.redaction names that rule 6 needs but a StateSet cannot resolve
// on its own (the target is an arbitrary non-state event, not a state
// slot): its original sender and room. The caller (ingress, backed by the
// Event Store) looks this up before calling Check; when the target is
// unknown (e.g. not yet replicated), pass the zero value and rule 6 falls
// back to requiring redact power.
type RedactionTarget struct {
	Sender string
	RoomID string
	Known  bool
}

// Check runs the seven ordered rules of spec.md §4.4 against candidate,
// using authState as the authorizing state snapshot (either the state
// named by candidate's own auth_events, or the room's current resolved
// state — see spec.md §4.7 steps 4 and 5). Returns nil if every rule
// passes, else an AuthFailed naming which one did not. target is only
// consulted when candidate is a m.room.redaction; pass the zero value
// otherwise.
func Check(candidate *event.Event, authState StateSet, target RedactionTarget) error {
	if err := checkCreate(candidate, authState); err != nil {
		return err
	}
	if err := checkCreatePresent(candidate, authState); err != nil {
		return err
	}
	if err := checkTombstone(candidate, authState); err != nil {
		return err
	}
	if err := checkMembership(candidate, authState); err != nil {
		return err
	}
	if err := checkPowerLevels(candidate, authState); err != nil {
		return err
	}
	if err := checkRedaction(candidate, authState, target); err != nil {
		return err
	}
	if err := checkDefault(candidate, authState); err != nil {
		return err
	}
	return nil
}

// Rule 1: m.room.create.
func checkCreate(candidate *event.Event, authState StateSet) error {
	if candidate.Type() != "m.room.create" {
		return nil
	}
	if len(candidate.PrevEvents()) != 0 {
		return fail("m.room.create must have no prev_events")
	}
	if len(candidate.AuthEvents()) != 0 {
		return fail("m.room.create must have no auth_events")
	}
	senderDomain := domainOf(candidate.Sender())
	roomDomain := domainOf(candidate.RoomID())
	if senderDomain == "" || senderDomain != roomDomain {
		return fail("m.room.create sender domain %q must match room_id domain %q", senderDomain, roomDomain)
	}
	if existing := authState.create(); existing != nil && existing.EventID() != candidate.EventID() {
		return fail("room already has a m.room.create event")
	}
	return nil
}

// domainOf extracts the part after the first ':' in an id of the form
// "{sigil}local:domain".
func domainOf(id string) string {
	i := strings.IndexByte(id, ':')
	if i < 0 {
		return ""
	}
	return id[i+1:]
}

// Rule 2: the authorizing state must contain m.room.create.
func checkCreatePresent(candidate *event.Event, authState StateSet) error {
	if candidate.Type() == "m.room.create" {
		return nil
	}
	if authState.create() == nil {
		return fail("authorizing state has no m.room.create event")
	}
	return nil
}

// Rule 3: a tombstoned room rejects anything but the tombstone itself or a
// predecessor reference to it.
func checkTombstone(candidate *event.Event, authState StateSet) error {
	tombstone := authState.Get("m.room.tombstone", "")
	if tombstone == nil {
		return nil
	}
	if candidate.Type() == "m.room.tombstone" {
		return nil
	}
	if candidate.Type() == "m.room.create" {
		var content event.CreateContent
		if err := event.Decode(candidate.Content(), &content); err == nil && content.Predecessor != nil {
			return nil
		}
	}
	return fail("room has been tombstoned by %s", tombstone.EventID())
}

// Rule 4: membership transitions.
func checkMembership(candidate *event.Event, authState StateSet) error {
	if candidate.Type() != "m.room.member" {
		return nil
	}
	sk := candidate.StateKey()
	if sk == nil {
		return fail("m.room.member must be a state event")
	}
	target := *sk
	var content event.MemberContent
	if err := event.Decode(candidate.Content(), &content); err != nil {
		return fail("m.room.member content did not decode: %v", err)
	}

	senderMembership := membershipOf(authState.member(candidate.Sender()))
	targetMembership := membershipOf(authState.member(target))
	joinRule := joinRuleOf(authState)
	pl := powerLevelsOf(authState)
	senderLevel := pl.UserLevel(candidate.Sender())
	targetLevel := pl.UserLevel(target)

	switch content.Membership {
	case "invite":
		if targetMembership == "ban" {
			return fail("cannot invite a banned user")
		}
		if targetMembership == "join" || targetMembership == "invite" {
			return nil
		}
		if senderMembership != "join" {
			return fail("invite sender must be joined")
		}
		if senderLevel < pl.EffectiveInvite() {
			return fail("invite sender lacks invite power")
		}
		return nil

	case "join":
		if candidate.Sender() != target {
			return fail("join sender must match target")
		}
		if targetMembership == "ban" {
			return fail("banned user cannot join")
		}
		if targetMembership == "join" {
			return nil // idempotent re-join
		}
		if authState.joinRules() == nil {
			// No join_rules event yet: the only join this early in a
			// room's life is the creator's own bootstrap join, the
			// event that conventionally follows m.room.create before
			// anything else exists to consult.
			if create := authState.create(); create != nil {
				var c event.CreateContent
				if err := event.Decode(create.Content(), &c); err == nil && c.Creator == target {
					return nil
				}
			}
			return fail("join not permitted before join_rules exists, except by the room creator")
		}
		switch joinRule {
		case event.JoinRulePublic:
			return nil
		case event.JoinRuleKnock, event.JoinRuleInvite:
			if targetMembership != "invite" {
				return fail("join requires an outstanding invite under join_rule %q", joinRule)
			}
			return nil
		case event.JoinRuleRestricted:
			if targetMembership == "invite" {
				return nil
			}
			if content.JoinAuthorisedViaUsersServer == "" {
				return fail("restricted join requires join_authorised_via_users_server")
			}
			authoriser := content.JoinAuthorisedViaUsersServer
			if membershipOf(authState.member(authoriser)) != "join" {
				return fail("join authoriser %q is not joined", authoriser)
			}
			if pl.UserLevel(authoriser) < pl.EffectiveInvite() {
				return fail("join authoriser %q lacks invite power", authoriser)
			}
			return nil
		default:
			return fail("join not permitted under join_rule %q", joinRule)
		}

	case "leave":
		if candidate.Sender() == target {
			if targetMembership == "ban" {
				return fail("a banned user cannot leave on their own behalf")
			}
			return nil
		}
		// a kick
		if targetMembership == "ban" {
			return fail("cannot kick an already-banned user")
		}
		if senderMembership != "join" {
			return fail("kick sender must be joined")
		}
		if senderLevel < pl.EffectiveKick() || senderLevel <= targetLevel {
			return fail("kick sender lacks sufficient power over target")
		}
		return nil

	case "ban":
		if senderMembership != "join" {
			return fail("ban sender must be joined")
		}
		if senderLevel < pl.EffectiveBan() || senderLevel <= targetLevel {
			return fail("ban sender lacks sufficient power over target")
		}
		return nil

	case "knock":
		if joinRule != event.JoinRuleKnock {
			return fail("knock not permitted under join_rule %q", joinRule)
		}
		if candidate.Sender() != target {
			return fail("knock sender must match target")
		}
		if targetMembership == "ban" || targetMembership == "join" || targetMembership == "invite" {
			return fail("cannot knock from membership state %q", targetMembership)
		}
		return nil

	default:
		return fail("unknown membership transition %q", content.Membership)
	}
}

// Rule 5: power-level changes.
func checkPowerLevels(candidate *event.Event, authState StateSet) error {
	if candidate.Type() != "m.room.power_levels" {
		return nil
	}
	var next event.PowerLevelsContent
	if err := event.Decode(candidate.Content(), &next); err != nil {
		return fail("m.room.power_levels content did not decode: %v", err)
	}
	if authState.powerLevels() == nil {
		// The room's first power_levels event has nothing to violate yet;
		// later events are checked against it once it exists.
		return nil
	}
	current := powerLevelsOf(authState)
	senderLevel := current.UserLevel(candidate.Sender())

	checks := []struct {
		name string
		old  int64
		new  int64
	}{
		{"ban", current.EffectiveBan(), next.EffectiveBan()},
		{"kick", current.EffectiveKick(), next.EffectiveKick()},
		{"redact", current.EffectiveRedact(), next.EffectiveRedact()},
		{"invite", current.EffectiveInvite(), next.EffectiveInvite()},
		{"state_default", current.EffectiveStateDefault(), next.EffectiveStateDefault()},
		{"events_default", current.EffectiveEventsDefault(), next.EffectiveEventsDefault()},
		{"users_default", current.EffectiveUsersDefault(), next.EffectiveUsersDefault()},
	}
	for _, c := range checks {
		if c.new > c.old && senderLevel < c.new {
			return fail("sender level %d insufficient to raise %s to %d", senderLevel, c.name, c.new)
		}
	}
	for evType, lvl := range next.Events {
		if old, ok := current.Events[evType]; !ok || lvl > old {
			if senderLevel < lvl {
				return fail("sender level %d insufficient to raise events[%q] to %d", senderLevel, evType, lvl)
			}
		}
	}
	for user, lvl := range next.Users {
		oldLvl := current.UserLevel(user)
		if lvl > oldLvl && senderLevel < lvl {
			return fail("sender level %d cannot raise %s above own level to %d", senderLevel, user, lvl)
		}
		if lvl != oldLvl && oldLvl > senderLevel {
			return fail("sender level %d cannot modify %s whose level %d exceeds sender's", senderLevel, user, oldLvl)
		}
	}
	return nil
}

// Rule 6: redactions. Sender must have redact power, or be the original
// sender of the event being redacted (and it must be in the same room).
func checkRedaction(candidate *event.Event, authState StateSet, target RedactionTarget) error {
	if candidate.Type() != "m.room.redaction" {
		return nil
	}
	pl := powerLevelsOf(authState)
	if pl.UserLevel(candidate.Sender()) >= pl.EffectiveRedact() {
		return nil
	}
	if target.Known && target.Sender == candidate.Sender() && target.RoomID == candidate.RoomID() {
		return nil
	}
	return fail("redaction sender lacks redact power and is not the original sender of %s", candidate.Redacts())
}

// Rule 7: everything else falls through events -> state_default/events_default.
func checkDefault(candidate *event.Event, authState StateSet) error {
	switch candidate.Type() {
	case "m.room.create", "m.room.member", "m.room.power_levels", "m.room.redaction":
		return nil
	}
	senderMembership := membershipOf(authState.member(candidate.Sender()))
	if senderMembership != "join" {
		return fail("sender must be joined to send %q", candidate.Type())
	}
	pl := powerLevelsOf(authState)
	required := pl.EventLevel(candidate.Type(), candidate.IsState())
	if pl.UserLevel(candidate.Sender()) < required {
		return fail("sender power level insufficient for %q (needs %d)", candidate.Type(), required)
	}
	return nil
}
