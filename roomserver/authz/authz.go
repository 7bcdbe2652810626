// Package authz implements the room authorization engine: an ordered chain
// of pure rules deciding whether an event may be accepted into a room given
// the state its auth_events point at.
package authz

import (
	"sort"

	"github.com/matrix-stateserver/stateserver/roomserver/api"
	"github.com/matrix-stateserver/stateserver/roomserver/eventpkg"
	"github.com/matrix-stateserver/stateserver/roomserver/powerlevel"
	"github.com/matrix-stateserver/stateserver/roomserver/types"
)

// RoomVersion1RuleSet is the only api.RuleSet this core implements: the
// ordered rule chain in this file, unmodified from room version 1.
type RoomVersion1RuleSet struct{}

func (RoomVersion1RuleSet) Version() types.RoomVersion { return types.RoomVersion1 }

var _ api.RuleSet = RoomVersion1RuleSet{}

// AuthEvents is the minimal view of a room's state the engine needs to
// authorize an event. roomstate.RoomState satisfies this interface, as does
// any in-progress working snapshot built during state resolution.
type AuthEvents interface {
	CreateEvent() (*eventpkg.Event, bool)
	PowerLevelsEvent() (*eventpkg.Event, bool)
	JoinRulesEvent() (*eventpkg.Event, bool)
	Member(userID string) (*eventpkg.Event, bool)
}

func effectivePowerLevels(auth AuthEvents) powerlevel.PowerLevels {
	if ev, ok := auth.PowerLevelsEvent(); ok {
		if pl, ok := ev.AsPowerLevels(); ok {
			return pl
		}
	}
	if ev, ok := auth.CreateEvent(); ok {
		if c, ok := ev.AsCreate(); ok {
			return powerlevel.CreatorLevels(c.Creator)
		}
	}
	return powerlevel.Parse(nil)
}

func membershipOf(auth AuthEvents, userID string) eventpkg.Membership {
	ev, ok := auth.Member(userID)
	if !ok {
		return ""
	}
	mc, ok := ev.AsMember()
	if !ok {
		return ""
	}
	return mc.Membership
}

// Allowed runs the full ordered rule chain against event, returning nil if
// the event is authorized or a *types.Error of kind ErrAuthFailed naming the
// rule that rejected it.
func Allowed(event *eventpkg.Event, auth AuthEvents) error {
	for _, rule := range ruleChain {
		if err := rule.fn(event, auth); err != nil {
			return err
		}
	}
	return nil
}

type namedRule struct {
	name string
	fn   func(event *eventpkg.Event, auth AuthEvents) error
}

var ruleChain = []namedRule{
	{"create_event", createEventRule},
	{"auth_events_well_formed", authEventsWellFormedRule},
	{"sender_membership", senderMembershipRule},
	{"membership_transition", membershipTransitionRule},
	{"power_levels_change", powerLevelsChangeRule},
	{"redaction", redactionRule},
	{"generic_event", genericEventRule},
}

func fail(rule string) error { return types.NewAuthFailed(rule) }

// createEventRule: an m.room.create event is always allowed to start a room
// (it has no auth_events to check against); every other event requires a
// create event to already be present in auth_events.
func createEventRule(event *eventpkg.Event, auth AuthEvents) error {
	if event.Type() == "m.room.create" {
		if len(event.AuthEvents()) != 0 {
			return fail("create_event")
		}
		return nil
	}
	if _, ok := auth.CreateEvent(); !ok {
		return fail("create_event")
	}
	return nil
}

// authEventsWellFormedRule rejects events with no auth_events (every event
// but the room creation must point at some prior auth state) or with
// duplicate auth_events entries.
func authEventsWellFormedRule(event *eventpkg.Event, auth AuthEvents) error {
	if event.Type() == "m.room.create" {
		return nil
	}
	authIDs := event.AuthEvents()
	if len(authIDs) == 0 {
		return fail("auth_events_well_formed")
	}
	seen := make(map[string]bool, len(authIDs))
	for _, id := range authIDs {
		if seen[id] {
			return fail("auth_events_well_formed")
		}
		seen[id] = true
	}
	return nil
}

// senderMembershipRule requires the sender to currently be joined to the
// room for any event other than the room's own creation or the sender's own
// membership event.
func senderMembershipRule(event *eventpkg.Event, auth AuthEvents) error {
	if event.Type() == "m.room.create" {
		return nil
	}
	if event.Type() == "m.room.member" {
		return nil // handled by membershipTransitionRule
	}
	if membershipOf(auth, event.Sender()) != eventpkg.MembershipJoin {
		return fail("sender_membership")
	}
	return nil
}

// membershipTransitionRule implements the membership transition table: who
// may move a target user from their current membership to the one the event
// requests.
func membershipTransitionRule(event *eventpkg.Event, auth AuthEvents) error {
	if event.Type() != "m.room.member" {
		return nil
	}
	mc, ok := event.AsMember()
	if !ok {
		return fail("membership_transition")
	}
	target := *event.StateKey()
	sender := event.Sender()
	current := membershipOf(auth, target)
	pl := effectivePowerLevels(auth)
	senderLevel := pl.UserLevel(sender)
	targetLevel := pl.UserLevel(target)

	joinRule := "invite"
	if ev, ok := auth.JoinRulesEvent(); ok {
		if jr, ok := ev.JoinRule(); ok {
			joinRule = jr
		}
	}

	switch mc.Membership {
	case eventpkg.MembershipJoin:
		if current == eventpkg.MembershipBan {
			return fail("membership_transition")
		}
		if sender != target {
			return fail("membership_transition")
		}
		// The room's creator may make the first join into the room.
		if current == "" {
			if ev, ok := auth.CreateEvent(); ok {
				if c, ok := ev.AsCreate(); ok && c.Creator == target {
					return nil
				}
			}
		}
		switch joinRule {
		case "public":
			return nil
		case "invite":
			if current == eventpkg.MembershipInvite || current == eventpkg.MembershipJoin {
				return nil
			}
			return fail("membership_transition")
		default:
			if current == eventpkg.MembershipJoin {
				return nil
			}
			return fail("membership_transition")
		}

	case eventpkg.MembershipInvite:
		if sender == target {
			return fail("membership_transition")
		}
		if membershipOf(auth, sender) != eventpkg.MembershipJoin {
			return fail("membership_transition")
		}
		if current == eventpkg.MembershipJoin || current == eventpkg.MembershipBan {
			return fail("membership_transition")
		}
		if !pl.CanInvite(sender) {
			return fail("membership_transition")
		}
		return nil

	case eventpkg.MembershipLeave:
		if sender == target {
			if current == eventpkg.MembershipBan {
				return fail("membership_transition")
			}
			return nil
		}
		if membershipOf(auth, sender) != eventpkg.MembershipJoin {
			return fail("membership_transition")
		}
		if current != eventpkg.MembershipJoin && current != eventpkg.MembershipInvite {
			return fail("membership_transition")
		}
		if !pl.CanKick(sender) || targetLevel >= senderLevel {
			return fail("membership_transition")
		}
		return nil

	case eventpkg.MembershipBan:
		if membershipOf(auth, sender) != eventpkg.MembershipJoin {
			return fail("membership_transition")
		}
		if !pl.CanBan(sender) || targetLevel >= senderLevel {
			return fail("membership_transition")
		}
		return nil

	case eventpkg.MembershipKnock:
		if sender != target {
			return fail("membership_transition")
		}
		if joinRule != "knock" {
			return fail("membership_transition")
		}
		if current == eventpkg.MembershipJoin || current == eventpkg.MembershipBan || current == eventpkg.MembershipInvite {
			return fail("membership_transition")
		}
		return nil
	}

	return fail("membership_transition")
}

// powerLevelsChangeRule requires that whoever submits a new
// m.room.power_levels event already has a power level at least as high as
// every level they are changing, and at least as high as every level the
// new content would set, preventing privilege escalation.
func powerLevelsChangeRule(event *eventpkg.Event, auth AuthEvents) error {
	if event.Type() != "m.room.power_levels" {
		return nil
	}
	newPL, ok := event.AsPowerLevels()
	if !ok {
		return fail("power_levels_change")
	}
	oldPL := effectivePowerLevels(auth)
	senderLevel := oldPL.UserLevel(event.Sender())

	if senderLevel < oldPL.EventLevel("m.room.power_levels", true) {
		return fail("power_levels_change")
	}

	levelPairs := [][2]int64{
		{oldPL.UsersDefault, newPL.UsersDefault},
		{oldPL.EventsDefault, newPL.EventsDefault},
		{oldPL.StateDefault, newPL.StateDefault},
		{oldPL.Ban, newPL.Ban},
		{oldPL.Kick, newPL.Kick},
		{oldPL.Redact, newPL.Redact},
		{oldPL.Invite, newPL.Invite},
	}
	for _, pair := range levelPairs {
		if (pair[0] != pair[1]) && (pair[0] > senderLevel || pair[1] > senderLevel) {
			return fail("power_levels_change")
		}
	}
	for user, lvl := range newPL.Users {
		old := oldPL.UserLevel(user)
		if old != lvl && (old > senderLevel || lvl > senderLevel) {
			return fail("power_levels_change")
		}
	}
	for evType, lvl := range newPL.Events {
		old := oldPL.EventLevel(evType, true)
		if old != lvl && (old > senderLevel || lvl > senderLevel) {
			return fail("power_levels_change")
		}
	}
	return nil
}

// redactionRule requires the sender hold at least the room's redact level,
// or be redacting their own event (left to the caller: this engine only
// checks the sender's general permission to issue redactions).
func redactionRule(event *eventpkg.Event, auth AuthEvents) error {
	if event.Type() != "m.room.redaction" {
		return nil
	}
	pl := effectivePowerLevels(auth)
	if !pl.CanRedact(event.Sender()) {
		return fail("redaction")
	}
	return nil
}

// genericEventRule is the catch-all: the sender must hold the power level
// required to send an event of this type, state or otherwise.
func genericEventRule(event *eventpkg.Event, auth AuthEvents) error {
	switch event.Type() {
	case "m.room.create", "m.room.member", "m.room.power_levels", "m.room.redaction":
		return nil // handled by dedicated rules above
	}
	pl := effectivePowerLevels(auth)
	if !pl.CanSendEvent(event.Sender(), event.Type(), event.IsState()) {
		return fail("generic_event")
	}
	return nil
}

// CanInvite, CanKick, CanBan, CanRedact and CanSendEvent are convenience
// predicates over a room's current effective power levels, used by
// collaborators that want to pre-check a user's permission without
// re-deriving power level arithmetic themselves.
func CanInvite(auth AuthEvents, user string) bool { return effectivePowerLevels(auth).CanInvite(user) }
func CanKick(auth AuthEvents, user string) bool    { return effectivePowerLevels(auth).CanKick(user) }
func CanBan(auth AuthEvents, user string) bool      { return effectivePowerLevels(auth).CanBan(user) }
func CanRedact(auth AuthEvents, user string) bool   { return effectivePowerLevels(auth).CanRedact(user) }
func CanSendEvent(auth AuthEvents, user, eventType string, isState bool) bool {
	return effectivePowerLevels(auth).CanSendEvent(user, eventType, isState)
}

// SortedAuthEventIDs returns a sorted copy of event's auth_events.
func SortedAuthEventIDs(event *eventpkg.Event) []string {
	ids := append([]string(nil), event.AuthEvents()...)
	sort.Strings(ids)
	return ids
}
