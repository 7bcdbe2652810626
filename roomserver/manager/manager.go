// Package manager implements the state manager: the single mediator through
// which events are submitted, room state is read, and state changes are
// published to subscribers. Writes to any one room are serialized through a
// per-room lock; writes to different rooms proceed concurrently.
package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/matrix-stateserver/stateserver/roomserver/api"
	"github.com/matrix-stateserver/stateserver/roomserver/authz"
	"github.com/matrix-stateserver/stateserver/roomserver/eventpkg"
	"github.com/matrix-stateserver/stateserver/roomserver/roomstate"
	"github.com/matrix-stateserver/stateserver/roomserver/statecache"
	"github.com/matrix-stateserver/stateserver/roomserver/stateres"
	"github.com/matrix-stateserver/stateserver/roomserver/types"
)

// Outcome classifies the result of submitting an event.
type Outcome int

const (
	Accepted Outcome = iota
	Rejected
	SoftFailed
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case SoftFailed:
		return "soft_failed"
	default:
		return "unknown"
	}
}

// Result is returned from SubmitEvent.
type Result struct {
	Outcome Outcome
	Reason  error
}

// channelSink is the Subscription implementation backing Manager.Subscribe's
// channel-based subscribers: Notify is a non-blocking send, so a change that
// arrives while the channel is full is discarded for that subscriber rather
// than blocking the publisher.
type channelSink struct {
	ch chan api.Change
}

func (s *channelSink) Notify(change api.Change) {
	select {
	case s.ch <- change:
	default:
	}
}

type subscriber struct {
	id   string
	sink api.Subscription
}

const subscriberBufferSize = 64

// maxHistoryReplay bounds how many timeline events GetStateAt will walk
// backward through looking for the nearest stored snapshot before giving up.
const maxHistoryReplay = 256

// Manager mediates all reads and writes of room state.
type Manager struct {
	storage api.Storage
	cache   *statecache.Cache
	log     *logrus.Entry
	ruleSet api.RuleSet

	roomLocksMu sync.Mutex
	roomLocks   map[string]*sync.Mutex

	subsMu sync.Mutex
	subs   map[string][]*subscriber

	resolveGroup singleflight.Group
}

// New constructs a Manager over storage, caching derived views in cache and
// authorizing events against authz.RoomVersion1RuleSet.
func New(storage api.Storage, cache *statecache.Cache) *Manager {
	return &Manager{
		storage:   storage,
		cache:     cache,
		log:       logrus.WithField("component", "state_manager"),
		ruleSet:   authz.RoomVersion1RuleSet{},
		roomLocks: map[string]*sync.Mutex{},
		subs:      map[string][]*subscriber{},
	}
}

func (m *Manager) lockFor(roomID string) *sync.Mutex {
	m.roomLocksMu.Lock()
	defer m.roomLocksMu.Unlock()
	l, ok := m.roomLocks[roomID]
	if !ok {
		l = &sync.Mutex{}
		m.roomLocks[roomID] = l
	}
	return l
}

// GetState returns the room's current resolved state snapshot, serving from
// cache when possible and collapsing concurrent recomputation for the same
// room via singleflight.
func (m *Manager) GetState(ctx context.Context, roomID string) (roomstate.RoomState, error) {
	return m.GetStateAt(ctx, roomID, "")
}

// GetStateAt returns the room's state as of atEvent (inclusive), or the
// room's current live state when atEvent is "". A historical atEvent is
// loaded directly when storage has a snapshot recorded for it, and
// otherwise reconstructed by walking backward through the timeline to the
// nearest prior stored snapshot and replaying the events in between, per
// the federation catch-up path this core exposes alongside Resolve.
func (m *Manager) GetStateAt(ctx context.Context, roomID, atEvent string) (roomstate.RoomState, error) {
	if atEvent == "" {
		if snap, ok := m.cache.Get(roomID); ok {
			return snap, nil
		}
		v, err, _ := m.resolveGroup.Do(roomID, func() (interface{}, error) {
			snap, _, err := m.storage.LoadStateSnapshot(ctx, roomID, "")
			if err != nil {
				return roomstate.RoomState{}, err
			}
			m.cache.Set(roomID, snap, 0)
			return snap, nil
		})
		if err != nil {
			return roomstate.RoomState{}, types.NewError(types.ErrStorageError, err)
		}
		return v.(roomstate.RoomState), nil
	}

	if snap, ok, err := m.storage.LoadStateSnapshot(ctx, roomID, atEvent); err != nil {
		return roomstate.RoomState{}, types.NewError(types.ErrStorageError, pkgerrors.Wrapf(err, "loading snapshot at %s", atEvent))
	} else if ok {
		return snap, nil
	}
	return m.reconstructStateAt(ctx, roomID, atEvent)
}

// reconstructStateAt walks roomID's timeline backward from its current end
// looking for the nearest event at or before atEvent with a stored
// snapshot, then replays every event from there forward through atEvent to
// rebuild the historical state.
func (m *Manager) reconstructStateAt(ctx context.Context, roomID, atEvent string) (roomstate.RoomState, error) {
	events, _, err := m.storage.ListRoomEvents(ctx, roomID, "", maxHistoryReplay, api.DirectionBackward)
	if err != nil {
		return roomstate.RoomState{}, types.NewError(types.ErrStorageError, pkgerrors.Wrap(err, "listing room events for historical reconstruction"))
	}

	var toReplay []*eventpkg.Event
	var base roomstate.RoomState
	var baseFound bool
	var targetSeen bool
	for _, ev := range events {
		if ev.EventID() == atEvent {
			targetSeen = true
		}
		if !targetSeen {
			continue
		}
		toReplay = append([]*eventpkg.Event{ev}, toReplay...)
		if snap, ok, err := m.storage.LoadStateSnapshot(ctx, roomID, ev.EventID()); err == nil && ok {
			base = snap
			baseFound = true
			break
		}
	}
	if !targetSeen {
		return roomstate.RoomState{}, types.NewError(types.ErrUnknownEvent, fmt.Errorf("event %s not found in room %s timeline", atEvent, roomID))
	}
	if !baseFound {
		return roomstate.RoomState{}, types.NewError(types.ErrStorageError, fmt.Errorf("no snapshot found within %d events of %s", maxHistoryReplay, atEvent))
	}
	return base.Apply(toReplay...), nil
}

// SubmitEvent runs an incoming event through the full accept workflow:
// look up its auth and prev events (reporting ErrUnknownEvent when any is
// missing from storage), authorize it, fold it into the room's state
// (running state resolution when its prev_events fork the room's current
// extremities), persist the result and notify subscribers. The per-room
// lock held for the duration serializes this against every other submission
// for the same room.
func (m *Manager) SubmitEvent(ctx context.Context, roomID string, event *eventpkg.Event) (Result, error) {
	lock := m.lockFor(roomID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{}, types.NewError(types.ErrCancelled, err)
	}

	if event.RoomVersion() != m.ruleSet.Version() {
		return Result{Outcome: Rejected, Reason: types.NewAuthFailed("unsupported_room_version")}, nil
	}

	authEvents, err := m.storage.EventsByIDs(ctx, event.AuthEvents())
	if err != nil {
		return Result{}, types.NewError(types.ErrUnknownEvent, err)
	}
	if len(authEvents) != len(event.AuthEvents()) {
		return Result{}, types.NewError(types.ErrUnknownEvent, nil)
	}
	if prevIDs := event.PrevEvents(); len(prevIDs) > 0 {
		prevEvents, err := m.storage.EventsByIDs(ctx, prevIDs)
		if err != nil {
			return Result{}, types.NewError(types.ErrUnknownEvent, err)
		}
		if len(prevEvents) != len(prevIDs) {
			return Result{}, types.NewError(types.ErrUnknownEvent, nil)
		}
	}
	authSnapshot := roomstate.FromEvents(authEvents)

	if err := authz.Allowed(event, authSnapshot); err != nil {
		m.log.WithFields(logrus.Fields{
			"room_id":  roomID,
			"event_id": event.EventID(),
			"reason":   err,
		}).Debug("rejected event")
		return Result{Outcome: Rejected, Reason: err}, nil
	}

	current, err := m.GetState(ctx, roomID)
	if err != nil {
		return Result{}, types.NewError(types.ErrUnknownRoom, err)
	}

	extremityIDs, err := m.storage.ForwardExtremities(ctx, roomID)
	if err != nil {
		return Result{}, types.NewError(types.ErrStorageError, pkgerrors.Wrap(err, "fetching forward extremities"))
	}

	var resolved roomstate.RoomState
	var softFails []stateres.SoftFailed
	if len(event.PrevEvents()) > 1 || forksExtremities(event, extremityIDs) {
		branches := [][]*eventpkg.Event{current.EntriesAsEvents(), {event}}
		authByID := make(map[string]*eventpkg.Event, len(authEvents))
		for _, ev := range authEvents {
			authByID[ev.EventID()] = ev
		}
		resolved, softFails = stateres.Resolve(branches, authByID)
	} else if event.IsState() {
		if err := authz.Allowed(event, current); err != nil {
			return Result{Outcome: SoftFailed, Reason: err}, m.storeSoftFailed(ctx, roomID, event)
		}
		resolved = current.Apply(event)
	} else {
		resolved = current
	}

	if err := m.storage.StoreEvent(ctx, event); err != nil {
		return Result{}, types.NewError(types.ErrStorageError, pkgerrors.Wrapf(err, "storing event %s", event.EventID()))
	}
	if err := m.storage.StoreSnapshot(ctx, roomID, event.EventID(), resolved); err != nil {
		return Result{}, types.NewError(types.ErrStorageError, pkgerrors.Wrapf(err, "storing snapshot for room %s", roomID))
	}
	if err := m.storage.StoreSnapshot(ctx, roomID, "", resolved); err != nil {
		return Result{}, types.NewError(types.ErrStorageError, pkgerrors.Wrapf(err, "storing live snapshot for room %s", roomID))
	}
	m.cache.Set(roomID, resolved, len(authEvents))

	for _, sf := range softFails {
		if sf.EventID == event.EventID() {
			m.publish(roomID, api.Change{RoomID: roomID, EventID: event.EventID(), Kind: api.ChangeNewEvent})
			return Result{Outcome: SoftFailed, Reason: sf.Reason}, nil
		}
	}

	m.publish(roomID, api.Change{RoomID: roomID, EventID: event.EventID(), Kind: api.ChangeStateUpdated})
	return Result{Outcome: Accepted}, nil
}

// Resolve runs state resolution v2 directly over a set of conflicting
// branches of full events, authorizing each against auth events drawn from
// storage, and persists and publishes the result. It exposes the state
// resolver (package stateres) to collaborators outside SubmitEvent's single
// linear path — namely the federation catch-up flow, which independently
// assembles a backfilled branch that must be merged against the room's
// locally known branch before the triggering event can be retried.
func (m *Manager) Resolve(ctx context.Context, roomID string, branches [][]*eventpkg.Event) (roomstate.RoomState, []stateres.SoftFailed, error) {
	lock := m.lockFor(roomID)
	lock.Lock()
	defer lock.Unlock()

	authEventIDSet := map[string]bool{}
	for _, branch := range branches {
		for _, ev := range branch {
			for _, id := range ev.AuthEvents() {
				authEventIDSet[id] = true
			}
		}
	}
	authEventIDs := make([]string, 0, len(authEventIDSet))
	for id := range authEventIDSet {
		authEventIDs = append(authEventIDs, id)
	}
	authEvents, err := m.storage.EventsByIDs(ctx, authEventIDs)
	if err != nil {
		return roomstate.RoomState{}, nil, types.NewError(types.ErrStorageError, pkgerrors.Wrap(err, "fetching auth events for resolution"))
	}
	authByID := make(map[string]*eventpkg.Event, len(authEvents))
	for _, ev := range authEvents {
		authByID[ev.EventID()] = ev
	}

	resolved, softFails := stateres.Resolve(branches, authByID)

	if err := m.storage.StoreSnapshot(ctx, roomID, "", resolved); err != nil {
		return roomstate.RoomState{}, nil, types.NewError(types.ErrStorageError, pkgerrors.Wrapf(err, "storing resolved snapshot for room %s", roomID))
	}
	m.cache.Set(roomID, resolved, len(authEvents))
	m.publish(roomID, api.Change{RoomID: roomID, Kind: api.ChangeStateUpdated})

	return resolved, softFails, nil
}

func (m *Manager) storeSoftFailed(ctx context.Context, roomID string, event *eventpkg.Event) error {
	if err := m.storage.StoreEvent(ctx, event); err != nil {
		return types.NewError(types.ErrStorageError, pkgerrors.Wrapf(err, "storing soft-failed event %s", event.EventID()))
	}
	return nil
}

func forksExtremities(event *eventpkg.Event, extremityIDs []string) bool {
	extremitySet := make(map[string]bool, len(extremityIDs))
	for _, id := range extremityIDs {
		extremitySet[id] = true
	}
	for _, p := range event.PrevEvents() {
		if !extremitySet[p] {
			return true
		}
	}
	return false
}

// Subscribe registers a new subscriber to roomID's change stream, returning
// a channel of Changes and a cancel function. A change published while the
// subscriber's channel is full (it isn't draining fast enough) is discarded
// for that subscriber rather than blocking the publisher. The subscriber is
// not dropped: it stays registered and its channel stays open until cancel
// is called, which unregisters it and closes the channel.
func (m *Manager) Subscribe(roomID string) (<-chan api.Change, func()) {
	ch := make(chan api.Change, subscriberBufferSize)
	_, cancel := m.SubscribeSink(roomID, &channelSink{ch: ch})
	return ch, func() {
		cancel()
		close(ch)
	}
}

// SubscribeSink registers sink against roomID's change stream directly,
// returning its subscriber id and a cancel function. Unlike Subscribe, the
// caller's Subscription controls its own delivery semantics; the manager
// only guarantees Notify calls for different subscribers are fanned out
// concurrently so one slow sink cannot hold up another.
func (m *Manager) SubscribeSink(roomID string, sink api.Subscription) (string, func()) {
	s := &subscriber{id: uuid.NewString(), sink: sink}
	m.subsMu.Lock()
	m.subs[roomID] = append(m.subs[roomID], s)
	m.subsMu.Unlock()

	cancel := func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		list := m.subs[roomID]
		for i, sub := range list {
			if sub.id == s.id {
				m.subs[roomID] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return s.id, cancel
}

// SubscribeUser fans the per-room change streams of every room userID
// currently holds a join or invite membership in into one merged channel.
// The returned cancel function detaches from every underlying room stream
// and closes the merged channel.
func (m *Manager) SubscribeUser(ctx context.Context, userID string) (<-chan api.Change, func(), error) {
	roomIDs, err := m.storage.RoomsForUser(ctx, userID)
	if err != nil {
		return nil, nil, types.NewError(types.ErrStorageError, pkgerrors.Wrap(err, "listing rooms for user"))
	}

	merged := make(chan api.Change, subscriberBufferSize)
	done := make(chan struct{})
	var wg sync.WaitGroup
	cancels := make([]func(), 0, len(roomIDs))

	for _, roomID := range roomIDs {
		ch, cancel := m.Subscribe(roomID)
		cancels = append(cancels, cancel)
		wg.Add(1)
		go func(ch <-chan api.Change) {
			defer wg.Done()
			for {
				select {
				case change, ok := <-ch:
					if !ok {
						return
					}
					select {
					case merged <- change:
					case <-done:
						return
					}
				case <-done:
					return
				}
			}
		}(ch)
	}

	cancelAll := func() {
		close(done)
		for _, c := range cancels {
			c()
		}
		wg.Wait()
		close(merged)
	}
	return merged, cancelAll, nil
}

// publish fans change out to every subscriber of roomID concurrently via
// errgroup, so the slowest subscriber's Notify sets the bound on how long
// publish takes rather than the sum of every subscriber's Notify time.
func (m *Manager) publish(roomID string, change api.Change) {
	m.subsMu.Lock()
	subs := append([]*subscriber(nil), m.subs[roomID]...)
	m.subsMu.Unlock()

	var g errgroup.Group
	for _, s := range subs {
		s := s
		g.Go(func() error {
			s.sink.Notify(change)
			return nil
		})
	}
	_ = g.Wait()
}
