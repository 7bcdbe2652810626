// Package testevents builds minimal valid events for use in package tests
// across the room state core, so each package's tests don't have to
// re-implement event construction boilerplate.
package testevents

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matrix-stateserver/stateserver/roomserver/eventpkg"
	"github.com/matrix-stateserver/stateserver/roomserver/types"
)

var clock = time.UnixMilli(1700000000000)

// Next advances and returns the shared test clock, so successive events in
// a test get distinct, increasing origin_server_ts values.
func Next() time.Time {
	clock = clock.Add(time.Millisecond)
	return clock
}

func build(b eventpkg.Builder) *eventpkg.Event {
	ev, err := b.Build(Next(), types.RoomVersion1)
	if err != nil {
		panic(err)
	}
	return ev
}

// Create returns a new m.room.create event for roomID authored by creator.
func Create(roomID, creator string) *eventpkg.Event {
	empty := ""
	content, _ := json.Marshal(map[string]string{"creator": creator, "room_version": string(types.RoomVersion1)})
	return build(eventpkg.Builder{
		RoomID: roomID, Sender: creator, Type: "m.room.create",
		StateKey: &empty, Content: content,
	})
}

// Member returns a new m.room.member event setting target's membership,
// authored by sender, with the given auth_events.
func Member(roomID, sender, target, membership string, authEvents []string, prevEvents []string) *eventpkg.Event {
	content, _ := json.Marshal(map[string]string{"membership": membership})
	return build(eventpkg.Builder{
		RoomID: roomID, Sender: sender, Type: "m.room.member",
		StateKey: &target, Content: content, AuthEvents: authEvents, PrevEvents: prevEvents,
	})
}

// PowerLevels returns a new m.room.power_levels event.
func PowerLevels(roomID, sender string, content json.RawMessage, authEvents []string) *eventpkg.Event {
	empty := ""
	return build(eventpkg.Builder{
		RoomID: roomID, Sender: sender, Type: "m.room.power_levels",
		StateKey: &empty, Content: content, AuthEvents: authEvents,
	})
}

// JoinRules returns a new m.room.join_rules event.
func JoinRules(roomID, sender, rule string, authEvents []string) *eventpkg.Event {
	empty := ""
	content, _ := json.Marshal(map[string]string{"join_rule": rule})
	return build(eventpkg.Builder{
		RoomID: roomID, Sender: sender, Type: "m.room.join_rules",
		StateKey: &empty, Content: content, AuthEvents: authEvents,
	})
}

// Message returns a new non-state event.
func Message(roomID, sender, body string, authEvents, prevEvents []string) *eventpkg.Event {
	content, _ := json.Marshal(map[string]string{"body": body, "msgtype": "m.text"})
	return build(eventpkg.Builder{
		RoomID: roomID, Sender: sender, Type: "m.room.message",
		Content: content, AuthEvents: authEvents, PrevEvents: prevEvents,
	})
}

// StandardRoom builds a minimal, fully-authorized room: create, creator's
// join, and power_levels, returning them in auth-chain order along with the
// creator's user id for convenience.
func StandardRoom(roomID, creator string) (create, join, powerLevels *eventpkg.Event) {
	create = Create(roomID, creator)
	join = Member(roomID, creator, creator, "join", []string{create.EventID()}, []string{create.EventID()})
	content, _ := json.Marshal(map[string]interface{}{
		"users": map[string]int{creator: 100},
	})
	powerLevels = PowerLevels(roomID, creator, content, []string{create.EventID(), join.EventID()})
	return
}

// AssertIDsUnique panics if events contains two events with the same id;
// useful as a cheap sanity check in tests that build many events.
func AssertIDsUnique(events ...*eventpkg.Event) {
	seen := map[string]bool{}
	for _, e := range events {
		if seen[e.EventID()] {
			panic(fmt.Sprintf("duplicate event id %s", e.EventID()))
		}
		seen[e.EventID()] = true
	}
}
