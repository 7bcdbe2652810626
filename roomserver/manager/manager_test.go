package manager

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/matrix-stateserver/stateserver/roomserver/api"
	"github.com/matrix-stateserver/stateserver/roomserver/eventpkg"
	"github.com/matrix-stateserver/stateserver/roomserver/internal/testevents"
	"github.com/matrix-stateserver/stateserver/roomserver/roomstate"
	"github.com/matrix-stateserver/stateserver/roomserver/statecache"
	"github.com/matrix-stateserver/stateserver/roomserver/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStorage struct {
	mu           sync.Mutex
	events       map[string]*eventpkg.Event
	order        []string
	snapshots    map[string]roomstate.RoomState
	forward      map[string][]string
	roomsForUser map[string][]string
}

func newMemStorage() *memStorage {
	return &memStorage{
		events:       map[string]*eventpkg.Event{},
		snapshots:    map[string]roomstate.RoomState{},
		forward:      map[string][]string{},
		roomsForUser: map[string][]string{},
	}
}

func (m *memStorage) StoreEvent(ctx context.Context, event *eventpkg.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.events[event.EventID()]; !exists {
		m.order = append(m.order, event.EventID())
	}
	m.events[event.EventID()] = event
	return nil
}

func (m *memStorage) EventByID(ctx context.Context, eventID string) (*eventpkg.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[eventID], nil
}

func (m *memStorage) EventsByIDs(ctx context.Context, eventIDs []string) ([]*eventpkg.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*eventpkg.Event, 0, len(eventIDs))
	for _, id := range eventIDs {
		if ev, ok := m.events[id]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func snapshotKey(roomID, atEvent string) string { return roomID + "|" + atEvent }

func (m *memStorage) StoreSnapshot(ctx context.Context, roomID, atEvent string, snapshot roomstate.RoomState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snapshotKey(roomID, atEvent)] = snapshot
	return nil
}

func (m *memStorage) LoadStateSnapshot(ctx context.Context, roomID, atEvent string) (roomstate.RoomState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[snapshotKey(roomID, atEvent)]
	return snap, ok, nil
}

func (m *memStorage) ForwardExtremities(ctx context.Context, roomID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forward[roomID], nil
}

func (m *memStorage) setForward(roomID string, ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forward[roomID] = ids
}

// ListRoomEvents serves every stored event for roomID in insertion order
// (reversed for DirectionBackward), ignoring since and limit: the test fake
// only needs to support the bounded historical-reconstruction walk, not real
// pagination.
func (m *memStorage) ListRoomEvents(ctx context.Context, roomID, since string, limit int, dir api.Direction) ([]*eventpkg.Event, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*eventpkg.Event
	for _, id := range m.order {
		ev := m.events[id]
		if ev.RoomID() == roomID {
			out = append(out, ev)
		}
	}
	if dir == api.DirectionBackward {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, "", nil
}

func (m *memStorage) RoomsForUser(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomsForUser[userID], nil
}

func (m *memStorage) setRoomsForUser(userID string, roomIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roomsForUser[userID] = roomIDs
}

func newTestManager(t *testing.T) (*Manager, *memStorage) {
	t.Helper()
	cache, err := statecache.New(statecache.Config{MaxRooms: 100, MaxEventsPerRoom: 100, DefaultTTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(cache.Close)
	storage := newMemStorage()
	return New(storage, cache), storage
}

func TestSubmitEventAcceptsValidMessage(t *testing.T) {
	t.Parallel()
	mgr, storage := newTestManager(t)
	ctx := context.Background()

	create, join, pl := testevents.StandardRoom("!r:x", "@creator:x")
	for _, ev := range []*eventpkg.Event{create, join, pl} {
		require.NoError(t, storage.StoreEvent(ctx, ev))
	}
	require.NoError(t, storage.StoreSnapshot(ctx, "!r:x", "", roomstate.Empty().Apply(create, join, pl)))
	storage.setForward("!r:x", pl.EventID())

	msg := testevents.Message("!r:x", "@creator:x", "hello", []string{create.EventID(), join.EventID(), pl.EventID()}, []string{pl.EventID()})
	result, err := mgr.SubmitEvent(ctx, "!r:x", msg)
	require.NoError(t, err)
	assert.Equal(t, Accepted, result.Outcome)
}

func TestSubmitEventRejectsUnauthorizedSender(t *testing.T) {
	t.Parallel()
	mgr, storage := newTestManager(t)
	ctx := context.Background()

	create, join, pl := testevents.StandardRoom("!r:x", "@creator:x")
	for _, ev := range []*eventpkg.Event{create, join, pl} {
		require.NoError(t, storage.StoreEvent(ctx, ev))
	}
	require.NoError(t, storage.StoreSnapshot(ctx, "!r:x", "", roomstate.Empty().Apply(create, join, pl)))
	storage.setForward("!r:x", pl.EventID())

	msg := testevents.Message("!r:x", "@stranger:x", "hello", []string{create.EventID(), pl.EventID()}, []string{pl.EventID()})
	result, err := mgr.SubmitEvent(ctx, "!r:x", msg)
	require.NoError(t, err)
	assert.Equal(t, Rejected, result.Outcome)
}

func TestSubscribePublishesAcceptedEvents(t *testing.T) {
	t.Parallel()
	mgr, storage := newTestManager(t)
	ctx := context.Background()

	create, join, pl := testevents.StandardRoom("!r:x", "@creator:x")
	for _, ev := range []*eventpkg.Event{create, join, pl} {
		require.NoError(t, storage.StoreEvent(ctx, ev))
	}
	require.NoError(t, storage.StoreSnapshot(ctx, "!r:x", "", roomstate.Empty().Apply(create, join, pl)))
	storage.setForward("!r:x", pl.EventID())

	changes, cancel := mgr.Subscribe("!r:x")
	defer cancel()

	msg := testevents.Message("!r:x", "@creator:x", "hello", []string{create.EventID(), join.EventID(), pl.EventID()}, []string{pl.EventID()})
	_, err := mgr.SubmitEvent(ctx, "!r:x", msg)
	require.NoError(t, err)

	select {
	case change := <-changes:
		assert.Equal(t, msg.EventID(), change.EventID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published change")
	}
}

func TestSubmitEventRejectsUnsupportedRoomVersion(t *testing.T) {
	t.Parallel()
	mgr, storage := newTestManager(t)
	ctx := context.Background()

	create, join, pl := testevents.StandardRoom("!r:x", "@creator:x")
	for _, ev := range []*eventpkg.Event{create, join, pl} {
		require.NoError(t, storage.StoreEvent(ctx, ev))
	}
	require.NoError(t, storage.StoreSnapshot(ctx, "!r:x", "", roomstate.Empty().Apply(create, join, pl)))
	storage.setForward("!r:x", pl.EventID())

	msg, err := eventpkg.Builder{
		RoomID: "!r:x", Sender: "@creator:x", Type: "m.room.message",
		Content:    []byte(`{"body":"hello"}`),
		AuthEvents: []string{create.EventID(), join.EventID(), pl.EventID()},
		PrevEvents: []string{pl.EventID()},
	}.Build(testevents.Next(), types.RoomVersion("9999"))
	require.NoError(t, err)

	result, err := mgr.SubmitEvent(ctx, "!r:x", msg)
	require.NoError(t, err)
	assert.Equal(t, Rejected, result.Outcome)
}

func TestGetStateAtReconstructsFromPriorSnapshotAndReplay(t *testing.T) {
	t.Parallel()
	mgr, storage := newTestManager(t)
	ctx := context.Background()

	create, join, pl := testevents.StandardRoom("!r:x", "@creator:x")
	for _, ev := range []*eventpkg.Event{create, join, pl} {
		require.NoError(t, storage.StoreEvent(ctx, ev))
	}
	base := roomstate.Empty().Apply(create, join, pl)
	require.NoError(t, storage.StoreSnapshot(ctx, "!r:x", pl.EventID(), base))
	require.NoError(t, storage.StoreSnapshot(ctx, "!r:x", "", base))

	empty := ""
	topicContent, err := json.Marshal(map[string]string{"topic": "hello"})
	require.NoError(t, err)
	topic, err := eventpkg.Builder{
		RoomID: "!r:x", Sender: "@creator:x", Type: "m.room.topic",
		StateKey:   &empty,
		Content:    topicContent,
		AuthEvents: []string{create.EventID(), join.EventID(), pl.EventID()},
		PrevEvents: []string{pl.EventID()},
	}.Build(testevents.Next(), types.RoomVersion1)
	require.NoError(t, err)
	require.NoError(t, storage.StoreEvent(ctx, topic))
	// Deliberately no snapshot stored for topic.EventID(): GetStateAt must
	// fall back to replaying from the nearest prior snapshot (pl.EventID()).

	state, err := mgr.GetStateAt(ctx, "!r:x", topic.EventID())
	require.NoError(t, err)
	ev, ok := state.Get("m.room.topic", "")
	require.True(t, ok)
	assert.Equal(t, topic.EventID(), ev.EventID())
}

func TestResolvePersistsAndPublishesMergedState(t *testing.T) {
	t.Parallel()
	mgr, storage := newTestManager(t)
	ctx := context.Background()

	create, join, pl := testevents.StandardRoom("!r:x", "@creator:x")
	for _, ev := range []*eventpkg.Event{create, join, pl} {
		require.NoError(t, storage.StoreEvent(ctx, ev))
	}
	require.NoError(t, storage.StoreSnapshot(ctx, "!r:x", "", roomstate.Empty().Apply(create, join, pl)))
	storage.setForward("!r:x", pl.EventID())

	changes, cancel := mgr.Subscribe("!r:x")
	defer cancel()

	branchA := []*eventpkg.Event{create, join, pl}
	branchB := []*eventpkg.Event{create, join, pl}
	resolved, softFails, err := mgr.Resolve(ctx, "!r:x", [][]*eventpkg.Event{branchA, branchB})
	require.NoError(t, err)
	assert.Empty(t, softFails)
	_, ok := resolved.Get("m.room.power_levels", "")
	assert.True(t, ok)

	select {
	case change := <-changes:
		assert.Equal(t, "!r:x", change.RoomID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published change")
	}
}

func TestSubscribeUserMergesStreamsAcrossJoinedRooms(t *testing.T) {
	t.Parallel()
	mgr, storage := newTestManager(t)
	ctx := context.Background()

	createA, joinA, plA := testevents.StandardRoom("!a:x", "@creator:x")
	createB, joinB, plB := testevents.StandardRoom("!b:x", "@creator:x")
	for _, ev := range []*eventpkg.Event{createA, joinA, plA, createB, joinB, plB} {
		require.NoError(t, storage.StoreEvent(ctx, ev))
	}
	require.NoError(t, storage.StoreSnapshot(ctx, "!a:x", "", roomstate.Empty().Apply(createA, joinA, plA)))
	require.NoError(t, storage.StoreSnapshot(ctx, "!b:x", "", roomstate.Empty().Apply(createB, joinB, plB)))
	storage.setForward("!a:x", plA.EventID())
	storage.setForward("!b:x", plB.EventID())
	storage.setRoomsForUser("@creator:x", "!a:x", "!b:x")

	merged, cancel, err := mgr.SubscribeUser(ctx, "@creator:x")
	require.NoError(t, err)
	defer cancel()

	msgA := testevents.Message("!a:x", "@creator:x", "hi", []string{createA.EventID(), joinA.EventID(), plA.EventID()}, []string{plA.EventID()})
	_, err = mgr.SubmitEvent(ctx, "!a:x", msgA)
	require.NoError(t, err)

	msgB := testevents.Message("!b:x", "@creator:x", "hi", []string{createB.EventID(), joinB.EventID(), plB.EventID()}, []string{plB.EventID()})
	_, err = mgr.SubmitEvent(ctx, "!b:x", msgB)
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case change := <-merged:
			seen[change.RoomID] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for merged change")
		}
	}
	assert.True(t, seen["!a:x"])
	assert.True(t, seen["!b:x"])
}
