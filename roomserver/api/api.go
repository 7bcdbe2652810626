// Package api defines the contracts the state manager expects from its
// collaborators: a durable storage repository, a federation ingest path and
// a subscription sink. Concrete adapters (package federationapi, package
// syncapi) implement these against the manager.
package api

import (
	"context"

	"github.com/matrix-stateserver/stateserver/roomserver/eventpkg"
	"github.com/matrix-stateserver/stateserver/roomserver/roomstate"
	"github.com/matrix-stateserver/stateserver/roomserver/types"
)

// Direction selects which way list_room_events pages through a room's
// timeline relative to the since marker.
type Direction int

const (
	DirectionForward Direction = iota
	DirectionBackward
)

// Storage is the durable persistence boundary: the manager never assumes a
// particular database, only that events and snapshots can be written and
// read back by id. atEvent on the snapshot methods identifies the event the
// snapshot was computed after ("" means the room's current, live snapshot),
// so a historical state can be loaded directly when one was stored, and
// reconstructed from a prior snapshot plus the intervening timeline
// otherwise (see Manager.GetStateAt).
type Storage interface {
	StoreEvent(ctx context.Context, event *eventpkg.Event) error
	EventByID(ctx context.Context, eventID string) (*eventpkg.Event, error)
	EventsByIDs(ctx context.Context, eventIDs []string) ([]*eventpkg.Event, error)
	StoreSnapshot(ctx context.Context, roomID, atEvent string, snapshot roomstate.RoomState) error
	LoadStateSnapshot(ctx context.Context, roomID, atEvent string) (snapshot roomstate.RoomState, ok bool, err error)
	ForwardExtremities(ctx context.Context, roomID string) ([]string, error)

	// ListRoomEvents pages through roomID's timeline starting just after
	// since (or from the most recent/oldest end when since is ""),
	// returning at most limit events and a next marker to resume from
	// ("" once the listing is exhausted).
	ListRoomEvents(ctx context.Context, roomID, since string, limit int, dir Direction) (events []*eventpkg.Event, next string, err error)

	// RoomsForUser lists the ids of rooms userID currently holds a join or
	// invite membership in, used to fan a user's rooms into one merged
	// change stream.
	RoomsForUser(ctx context.Context, userID string) ([]string, error)
}

// Change describes one state-affecting transition a subscriber is notified
// of after a room's state map is updated.
type Change struct {
	RoomID  string
	EventID string
	Kind    ChangeKind
}

// ChangeKind distinguishes the reason a Change was emitted.
type ChangeKind int

const (
	ChangeNewEvent ChangeKind = iota
	ChangeStateUpdated
	ChangeMembership
)

// Subscription is the sink the manager publishes room Changes to, via
// Manager.SubscribeSink. Notify must not block: the manager fans a change
// out to every subscriber of a room concurrently and the slowest
// implementation's Notify call sets the floor on how long that fan-out
// takes. manager.Subscribe's channel-based subscribers are themselves
// backed by an internal Subscription whose Notify does a non-blocking send.
type Subscription interface {
	Notify(change Change)
}

// FederationIngest is the path by which events arriving from outside the
// local server (or from a backfill request) reach the manager. Accept
// returns a types.Error of kind ErrUnknownEvent when the event's auth or
// prev events are not locally known, signalling the caller should attempt a
// bounded backfill before retrying.
type FederationIngest interface {
	Accept(ctx context.Context, roomID string, event *eventpkg.Event) error
	RequestBackfill(ctx context.Context, roomID string, eventIDs []string) ([]*eventpkg.Event, error)
}

// RuleSet seams the authorization and state-resolution behaviour by room
// version. A Manager is constructed with one and rejects events whose room
// version its RuleSet doesn't claim before ever handing them to the
// authorization engine. Only RoomVersion1 is implemented
// (authz.RoomVersion1RuleSet).
type RuleSet interface {
	Version() types.RoomVersion
}
