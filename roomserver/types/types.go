// Package types holds the value types shared across the room state core:
// state key tuples, state entries, room versions and the sentinel error
// values returned by the authorization engine, state resolver and state
// manager.
package types

import "fmt"

// StateKeyTuple identifies a single slot in a room's state map: a state
// event's type paired with its state_key. Two state events with the same
// tuple conflict; only one may occupy the slot in any given RoomState.
type StateKeyTuple struct {
	EventType string
	StateKey  string
}

func (t StateKeyTuple) String() string {
	return fmt.Sprintf("%s/%s", t.EventType, t.StateKey)
}

// Less orders tuples by event type then state key, matching the ordering
// used by stateEntrySorter in the reference implementation this package is
// modelled on.
func (t StateKeyTuple) Less(other StateKeyTuple) bool {
	if t.EventType != other.EventType {
		return t.EventType < other.EventType
	}
	return t.StateKey < other.StateKey
}

// StateEntry binds a StateKeyTuple to the event id currently occupying it.
type StateEntry struct {
	StateKeyTuple
	EventID string
}

// StateEntrySorter sorts StateEntry slices by their StateKeyTuple, enabling
// binary-search lookups. Mirrors the sorter/lookup idiom used throughout the
// room state map and state resolver.
type StateEntrySorter []StateEntry

func (s StateEntrySorter) Len() int      { return len(s) }
func (s StateEntrySorter) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s StateEntrySorter) Less(i, j int) bool {
	return s[i].StateKeyTuple.Less(s[j].StateKeyTuple)
}

// RoomVersion identifies the authorization/state-resolution rule set a room
// was created with. Only RoomVersion1 behaviour is implemented; the seam
// exists so later versions' deviations can be added without reshaping
// callers.
type RoomVersion string

const (
	RoomVersion1 RoomVersion = "1"
)

// Well-known state key tuples used by the authorization engine.
var (
	CreateTuple          = StateKeyTuple{EventType: "m.room.create", StateKey: ""}
	PowerLevelsTuple      = StateKeyTuple{EventType: "m.room.power_levels", StateKey: ""}
	JoinRulesTuple        = StateKeyTuple{EventType: "m.room.join_rules", StateKey: ""}
	HistoryVisibilityTuple = StateKeyTuple{EventType: "m.room.history_visibility", StateKey: ""}
	GuestAccessTuple      = StateKeyTuple{EventType: "m.room.guest_access", StateKey: ""}
	NameTuple             = StateKeyTuple{EventType: "m.room.name", StateKey: ""}
	TopicTuple            = StateKeyTuple{EventType: "m.room.topic", StateKey: ""}
	CanonicalAliasTuple   = StateKeyTuple{EventType: "m.room.canonical_alias", StateKey: ""}
	EncryptionTuple       = StateKeyTuple{EventType: "m.room.encryption", StateKey: ""}
)

// MemberTuple returns the state key tuple for a given user's membership event.
func MemberTuple(userID string) StateKeyTuple {
	return StateKeyTuple{EventType: "m.room.member", StateKey: userID}
}
