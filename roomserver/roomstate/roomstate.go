// Package roomstate implements the room state map: an immutable snapshot of
// (event_type, state_key) -> event_id, plus the derived views built on top
// of it.
package roomstate

import (
	"sort"

	"github.com/matrix-stateserver/stateserver/roomserver/eventpkg"
	"github.com/matrix-stateserver/stateserver/roomserver/powerlevel"
	"github.com/matrix-stateserver/stateserver/roomserver/types"
)

// RoomState is an immutable snapshot of a room's current state events,
// represented as a tuple-sorted slice so lookups can binary search it. Apply
// returns a new RoomState; the receiver is never mutated.
type RoomState struct {
	entries []types.StateEntry // sorted by StateKeyTuple
	events  map[string]*eventpkg.Event
}

// Empty returns a RoomState with no entries.
func Empty() RoomState {
	return RoomState{events: map[string]*eventpkg.Event{}}
}

// FromEvents builds a RoomState from a set of state events, keeping only the
// latest entry for every repeated tuple (callers should already have
// resolved conflicts; this exists for constructing a snapshot from storage).
func FromEvents(events []*eventpkg.Event) RoomState {
	byTuple := make(map[types.StateKeyTuple]*eventpkg.Event, len(events))
	evByID := make(map[string]*eventpkg.Event, len(events))
	for _, ev := range events {
		if !ev.IsState() {
			continue
		}
		byTuple[ev.StateKeyTuple()] = ev
		evByID[ev.EventID()] = ev
	}
	entries := make([]types.StateEntry, 0, len(byTuple))
	for tuple, ev := range byTuple {
		entries = append(entries, types.StateEntry{StateKeyTuple: tuple, EventID: ev.EventID()})
	}
	sort.Sort(types.StateEntrySorter(entries))
	return RoomState{entries: entries, events: evByID}
}

func (s RoomState) lookup(tuple types.StateKeyTuple) (string, bool) {
	i := sort.Search(len(s.entries), func(i int) bool {
		return !s.entries[i].StateKeyTuple.Less(tuple)
	})
	if i < len(s.entries) && s.entries[i].StateKeyTuple == tuple {
		return s.entries[i].EventID, true
	}
	return "", false
}

// Get returns the event occupying a state slot, if any.
func (s RoomState) Get(eventType, stateKey string) (*eventpkg.Event, bool) {
	eventID, ok := s.lookup(types.StateKeyTuple{EventType: eventType, StateKey: stateKey})
	if !ok {
		return nil, false
	}
	ev, ok := s.events[eventID]
	return ev, ok
}

// Entries returns the snapshot's entries in tuple-sorted order. The returned
// slice must not be mutated.
func (s RoomState) Entries() []types.StateEntry { return s.entries }

// EntriesAsEvents returns the full state events occupying the snapshot, in
// tuple-sorted order. Used to feed a snapshot into state resolution as one
// of the conflicting branches.
func (s RoomState) EntriesAsEvents() []*eventpkg.Event {
	out := make([]*eventpkg.Event, 0, len(s.entries))
	for _, e := range s.entries {
		if ev, ok := s.events[e.EventID]; ok {
			out = append(out, ev)
		}
	}
	return out
}

// Len returns the number of state slots occupied.
func (s RoomState) Len() int { return len(s.entries) }

// Apply returns a new RoomState with the given state events occupying their
// tuples, replacing whatever previously occupied them.
func (s RoomState) Apply(events ...*eventpkg.Event) RoomState {
	byTuple := make(map[types.StateKeyTuple]string, len(s.entries)+len(events))
	evByID := make(map[string]*eventpkg.Event, len(s.events)+len(events))
	for k, v := range s.events {
		evByID[k] = v
	}
	for _, e := range s.entries {
		byTuple[e.StateKeyTuple] = e.EventID
	}
	for _, ev := range events {
		if !ev.IsState() {
			continue
		}
		byTuple[ev.StateKeyTuple()] = ev.EventID()
		evByID[ev.EventID()] = ev
	}
	entries := make([]types.StateEntry, 0, len(byTuple))
	for tuple, id := range byTuple {
		entries = append(entries, types.StateEntry{StateKeyTuple: tuple, EventID: id})
	}
	sort.Sort(types.StateEntrySorter(entries))
	return RoomState{entries: entries, events: evByID}
}

// Diff compares s to other, returning entries present only in other
// (added/replaced, keyed by the new value) and tuples present in s but
// missing from other (removed).
func (s RoomState) Diff(other RoomState) (changed, removed []types.StateEntry) {
	otherByTuple := make(map[types.StateKeyTuple]string, len(other.entries))
	for _, e := range other.entries {
		otherByTuple[e.StateKeyTuple] = e.EventID
	}
	seen := make(map[types.StateKeyTuple]bool, len(s.entries))
	for _, e := range s.entries {
		seen[e.StateKeyTuple] = true
		if newID, ok := otherByTuple[e.StateKeyTuple]; !ok {
			removed = append(removed, e)
		} else if newID != e.EventID {
			changed = append(changed, types.StateEntry{StateKeyTuple: e.StateKeyTuple, EventID: newID})
		}
	}
	for _, e := range other.entries {
		if !seen[e.StateKeyTuple] {
			changed = append(changed, e)
		}
	}
	return changed, removed
}

// Members returns the user ids whose m.room.member event currently has the
// given membership.
func (s RoomState) Members(membership eventpkg.Membership) []string {
	var users []string
	for _, e := range s.entries {
		if e.EventType != "m.room.member" {
			continue
		}
		ev, ok := s.events[e.EventID]
		if !ok {
			continue
		}
		if mc, ok := ev.AsMember(); ok && mc.Membership == membership {
			users = append(users, e.StateKey)
		}
	}
	sort.Strings(users)
	return users
}

// Member returns the membership event for a user, if any.
func (s RoomState) Member(userID string) (*eventpkg.Event, bool) {
	return s.Get("m.room.member", userID)
}

// CreateEvent returns the room's m.room.create event, if any.
func (s RoomState) CreateEvent() (*eventpkg.Event, bool) {
	return s.Get(types.CreateTuple.EventType, "")
}

// PowerLevelsEvent returns the room's m.room.power_levels event, if any.
func (s RoomState) PowerLevelsEvent() (*eventpkg.Event, bool) {
	return s.Get(types.PowerLevelsTuple.EventType, "")
}

// JoinRulesEvent returns the room's m.room.join_rules event, if any.
func (s RoomState) JoinRulesEvent() (*eventpkg.Event, bool) {
	return s.Get(types.JoinRulesTuple.EventType, "")
}

// PowerLevels returns the room's current power levels, falling back to the
// creator-is-all-powerful synthetic levels when no m.room.power_levels event
// has been set yet.
func (s RoomState) PowerLevels() powerlevel.PowerLevels {
	if ev, ok := s.Get(types.PowerLevelsTuple.EventType, ""); ok {
		if pl, ok := ev.AsPowerLevels(); ok {
			return pl
		}
	}
	if createEv, ok := s.Get(types.CreateTuple.EventType, ""); ok {
		if c, ok := createEv.AsCreate(); ok {
			return powerlevel.CreatorLevels(c.Creator)
		}
	}
	return powerlevel.Parse(nil)
}

// UserPowerLevel is a convenience wrapper over PowerLevels().UserLevel.
func (s RoomState) UserPowerLevel(userID string) int64 {
	return s.PowerLevels().UserLevel(userID)
}

// Summary is a derived, read-only bundle of a room's headline state,
// matching the shape a client room list or room header would want.
type Summary struct {
	RoomID            string
	Name              string
	Topic             string
	CanonicalAlias    string
	JoinRule          string
	HistoryVisibility string
	Encrypted         bool
	JoinedMemberCount int
	InvitedMemberCount int
}

// Summarize builds a Summary from the snapshot.
func (s RoomState) Summarize(roomID string) Summary {
	sum := Summary{RoomID: roomID}
	if ev, ok := s.Get(types.NameTuple.EventType, ""); ok {
		sum.Name = ev.Get("name").String()
	}
	if ev, ok := s.Get(types.TopicTuple.EventType, ""); ok {
		sum.Topic = ev.Get("topic").String()
	}
	if ev, ok := s.Get(types.CanonicalAliasTuple.EventType, ""); ok {
		sum.CanonicalAlias = ev.Get("alias").String()
	}
	if ev, ok := s.Get(types.JoinRulesTuple.EventType, ""); ok {
		if jr, ok := ev.JoinRule(); ok {
			sum.JoinRule = jr
		}
	}
	if ev, ok := s.Get(types.HistoryVisibilityTuple.EventType, ""); ok {
		if hv, ok := ev.HistoryVisibility(); ok {
			sum.HistoryVisibility = hv
		}
	}
	if _, ok := s.Get(types.EncryptionTuple.EventType, ""); ok {
		sum.Encrypted = true
	}
	sum.JoinedMemberCount = len(s.Members(eventpkg.MembershipJoin))
	sum.InvitedMemberCount = len(s.Members(eventpkg.MembershipInvite))
	return sum
}
