package federationapi

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matrix-stateserver/stateserver/roomserver/api"
	"github.com/matrix-stateserver/stateserver/roomserver/eventpkg"
	"github.com/matrix-stateserver/stateserver/roomserver/internal/testevents"
	"github.com/matrix-stateserver/stateserver/roomserver/manager"
	"github.com/matrix-stateserver/stateserver/roomserver/roomstate"
	"github.com/matrix-stateserver/stateserver/roomserver/statecache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStorage struct {
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
	if _, exists := m.events[event.EventID()]; !exists {
		m.order = append(m.order, event.EventID())
	}
	m.events[event.EventID()] = event
	return nil
}

func (m *memStorage) EventByID(ctx context.Context, eventID string) (*eventpkg.Event, error) {
	return m.events[eventID], nil
}

func (m *memStorage) EventsByIDs(ctx context.Context, eventIDs []string) ([]*eventpkg.Event, error) {
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
	m.snapshots[snapshotKey(roomID, atEvent)] = snapshot
	return nil
}

func (m *memStorage) LoadStateSnapshot(ctx context.Context, roomID, atEvent string) (roomstate.RoomState, bool, error) {
	snap, ok := m.snapshots[snapshotKey(roomID, atEvent)]
	return snap, ok, nil
}

func (m *memStorage) ForwardExtremities(ctx context.Context, roomID string) ([]string, error) {
	return m.forward[roomID], nil
}

func (m *memStorage) ListRoomEvents(ctx context.Context, roomID, since string, limit int, dir api.Direction) ([]*eventpkg.Event, string, error) {
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
	return m.roomsForUser[userID], nil
}

// fakeFederation answers backfill requests from a fixed pool of events,
// regardless of which ids were actually asked for.
type fakeFederation struct {
	pool         []*eventpkg.Event
	backfillErr  error
	backfillCall int32
}

func (f *fakeFederation) Accept(ctx context.Context, roomID string, event *eventpkg.Event) error {
	return nil
}

func (f *fakeFederation) RequestBackfill(ctx context.Context, roomID string, eventIDs []string) ([]*eventpkg.Event, error) {
	atomic.AddInt32(&f.backfillCall, 1)
	if f.backfillErr != nil {
		return nil, f.backfillErr
	}
	return f.pool, nil
}

func newTestWorker(t *testing.T, fed *fakeFederation) (*IngestWorker, *memStorage) {
	t.Helper()
	cache, err := statecache.New(statecache.Config{MaxRooms: 100, MaxEventsPerRoom: 100, DefaultTTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(cache.Close)
	storage := newMemStorage()
	mgr := manager.New(storage, cache)
	return NewIngestWorker(mgr, fed), storage
}

func TestAcceptSubmitsEventDirectlyWhenDependenciesKnown(t *testing.T) {
	t.Parallel()
	fed := &fakeFederation{}
	worker, storage := newTestWorker(t, fed)
	ctx := context.Background()

	create, join, pl := testevents.StandardRoom("!r:x", "@creator:x")
	for _, ev := range []*eventpkg.Event{create, join, pl} {
		require.NoError(t, storage.StoreEvent(ctx, ev))
	}
	require.NoError(t, storage.StoreSnapshot(ctx, "!r:x", "", roomstate.Empty().Apply(create, join, pl)))
	storage.forward["!r:x"] = []string{pl.EventID()}

	msg := testevents.Message("!r:x", "@creator:x", "hello",
		[]string{create.EventID(), join.EventID(), pl.EventID()}, []string{pl.EventID()})

	require.NoError(t, worker.Accept(ctx, "!r:x", msg))
	assert.EqualValues(t, 0, fed.backfillCall)
}

func TestAcceptRequestsBackfillWhenAuthEventsUnknown(t *testing.T) {
	t.Parallel()
	create, join, pl := testevents.StandardRoom("!r:x", "@creator:x")
	fed := &fakeFederation{pool: []*eventpkg.Event{create, join, pl}}
	worker, storage := newTestWorker(t, fed)
	ctx := context.Background()

	require.NoError(t, storage.StoreSnapshot(ctx, "!r:x", "", roomstate.Empty().Apply(create, join, pl)))
	storage.forward["!r:x"] = []string{pl.EventID()}

	msg := testevents.Message("!r:x", "@creator:x", "hello",
		[]string{create.EventID(), join.EventID(), pl.EventID()}, []string{pl.EventID()})

	require.NoError(t, worker.Accept(ctx, "!r:x", msg))
	assert.EqualValues(t, 1, fed.backfillCall)
	_, stored := storage.events[msg.EventID()]
	assert.True(t, stored)
}

func TestBackoffDurationGrowsWithRetryCountAndCapsAtMaximum(t *testing.T) {
	t.Parallel()
	d0 := backoffDuration(0)
	d5 := backoffDuration(5)
	assert.Less(t, d0, d5+time.Second) // jittered, but growth trend holds with margin
	dHigh := backoffDuration(30)
	assert.LessOrEqual(t, dHigh, maxBackoff)
}
