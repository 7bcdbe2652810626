// Package syncapi is a thin, read-only consumer of the state manager's
// change stream: it maintains an in-memory per-room summary projection for
// whatever reads a client-facing sync response from (out of scope here).
package syncapi

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/matrix-stateserver/stateserver/roomserver/api"
	"github.com/matrix-stateserver/stateserver/roomserver/manager"
	"github.com/matrix-stateserver/stateserver/roomserver/roomstate"
)

// RoomConsumer subscribes to one room's change stream and keeps the latest
// resolved summary available for readers without re-querying the manager on
// every access. It registers itself directly as an api.Subscription sink
// rather than going through a channel, so the manager's fan-out calls
// RoomConsumer.Notify concurrently alongside every other subscriber of the
// same room.
type RoomConsumer struct {
	mgr    *manager.Manager
	roomID string
	log    *logrus.Entry

	mu     sync.RWMutex
	latest roomstate.Summary
	cancel func()
}

var _ api.Subscription = (*RoomConsumer)(nil)

// NewRoomConsumer starts consuming roomID's change stream from mgr, seeding
// the summary from the room's current state. Call Close to unsubscribe.
func NewRoomConsumer(mgr *manager.Manager, roomID string) *RoomConsumer {
	c := &RoomConsumer{
		mgr:    mgr,
		roomID: roomID,
		log:    logrus.WithFields(logrus.Fields{"component": "sync_consumer", "room_id": roomID}),
	}
	_, cancel := mgr.SubscribeSink(roomID, c)
	c.cancel = cancel
	c.Notify(api.Change{RoomID: roomID})
	return c
}

// Notify implements api.Subscription: it refreshes the cached summary from
// the manager's current resolved state whenever the room changes.
func (c *RoomConsumer) Notify(change api.Change) {
	ctx := context.Background()
	state, err := c.mgr.GetState(ctx, c.roomID)
	if err != nil {
		c.log.WithError(err).WithField("event_id", change.EventID).Warn("failed to refresh room state after change")
		return
	}
	c.mu.Lock()
	c.latest = state.Summarize(c.roomID)
	c.mu.Unlock()
}

// Summary returns the most recently observed room summary.
func (c *RoomConsumer) Summary() roomstate.Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

// Close unsubscribes from the room's change stream.
func (c *RoomConsumer) Close() {
	c.cancel()
}
