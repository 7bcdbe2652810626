// Package federationapi adapts inbound federation traffic to the state
// manager: it is a consumer of the manager, not a server of its own. When
// the manager reports an event's auth or prev events are unknown, this
// package requests backfill for them and resubmits the event once. Each
// failed attempt is counted per event and records a jittered exponential
// backoff time for it; nothing in this package waits for that time or
// retries on its own.
package federationapi

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matrix-stateserver/stateserver/roomserver/api"
	"github.com/matrix-stateserver/stateserver/roomserver/eventpkg"
	"github.com/matrix-stateserver/stateserver/roomserver/manager"
	"github.com/matrix-stateserver/stateserver/roomserver/types"
)

const (
	minBackoff      = time.Second
	maxBackoff      = time.Minute * 5
	maxRetries      = 12
	maxJitter       = 1.4
	minJitter       = 0.8
	maxBackfillChain = 64
)

// retryInfo tracks one event's outstanding ingest retry state.
type retryInfo struct {
	retryAt    time.Time
	retryCount uint32
}

// IngestWorker accepts events from federation, handing them to the manager
// and driving bounded backfill retries when the manager reports an unknown
// auth or prev event.
type IngestWorker struct {
	mgr    *manager.Manager
	fed    api.FederationIngest
	log    *logrus.Entry

	mu      sync.Mutex
	pending map[string]*retryInfo // eventID -> retry state
}

// NewIngestWorker constructs an IngestWorker over mgr, using fed to request
// backfill when an event can't yet be authorized against locally known
// state.
func NewIngestWorker(mgr *manager.Manager, fed api.FederationIngest) *IngestWorker {
	return &IngestWorker{
		mgr:     mgr,
		fed:     fed,
		log:     logrus.WithField("component", "federation_ingest"),
		pending: map[string]*retryInfo{},
	}
}

func backoffDuration(retryCount uint32) time.Duration {
	jitter := rand.Float64()*(maxJitter-minJitter) + minJitter
	backoff := float64(minBackoff) * math.Pow(2, float64(retryCount)) * jitter
	d := time.Duration(backoff)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// Accept submits event into roomID via the state manager. If the manager
// reports the event's dependencies are unknown, Accept requests backfill of
// the event's auth and prev events, submits up to maxBackfillChain of the
// returned events, merges them against the room's current state and
// resubmits event once. Accept does not wait or loop: when that attempt
// fails it records the failure and a backoff time for event and returns the
// error. Once an event has failed maxRetries times, Accept returns a
// SoftFailed error ("backfill_exhausted") and forgets its retry state.
func (w *IngestWorker) Accept(ctx context.Context, roomID string, event *eventpkg.Event) error {
	result, err := w.mgr.SubmitEvent(ctx, roomID, event)
	if err == nil {
		return w.handleResult(ctx, roomID, event, result)
	}

	var stateErr *types.Error
	if !errors.As(err, &stateErr) || stateErr.Kind != types.ErrUnknownEvent {
		return err
	}

	return w.retryWithBackfill(ctx, roomID, event)
}

func (w *IngestWorker) handleResult(ctx context.Context, roomID string, event *eventpkg.Event, result manager.Result) error {
	switch result.Outcome {
	case manager.Rejected:
		w.log.WithFields(logrus.Fields{
			"room_id": roomID, "event_id": event.EventID(), "reason": result.Reason,
		}).Warn("federation event rejected by authorization")
		return result.Reason
	case manager.SoftFailed:
		w.log.WithFields(logrus.Fields{
			"room_id": roomID, "event_id": event.EventID(), "reason": result.Reason,
		}).Info("federation event soft-failed")
		return nil
	default:
		return nil
	}
}

func (w *IngestWorker) retryWithBackfill(ctx context.Context, roomID string, event *eventpkg.Event) error {
	missing := append(append([]string(nil), event.AuthEvents()...), event.PrevEvents()...)
	fetched, err := w.fed.RequestBackfill(ctx, roomID, missing)
	if err != nil {
		return w.scheduleRetry(roomID, event, err)
	}
	if len(fetched) > maxBackfillChain {
		fetched = fetched[:maxBackfillChain]
	}
	for _, ev := range fetched {
		if _, err := w.mgr.SubmitEvent(ctx, roomID, ev); err != nil {
			w.log.WithError(err).WithField("event_id", ev.EventID()).Debug("backfilled event not yet accepted")
		}
	}

	// The backfilled chain and the room's locally known state are two
	// branches of the same room graph until they're explicitly merged: run
	// them through the same resolver SubmitEvent uses internally so the
	// catch-up converges on one state before event is retried against it.
	current, err := w.mgr.GetState(ctx, roomID)
	if err != nil {
		return w.scheduleRetry(roomID, event, err)
	}
	if len(fetched) > 0 {
		branches := [][]*eventpkg.Event{current.EntriesAsEvents(), append(append([]*eventpkg.Event{}, fetched...), event)}
		if _, _, err := w.mgr.Resolve(ctx, roomID, branches); err != nil {
			w.log.WithError(err).WithField("room_id", roomID).Debug("federation catch-up resolution failed")
		}
	}

	result, err := w.mgr.SubmitEvent(ctx, roomID, event)
	if err != nil {
		return w.scheduleRetry(roomID, event, err)
	}
	w.clearRetry(event.EventID())
	return w.handleResult(ctx, roomID, event, result)
}

func (w *IngestWorker) scheduleRetry(roomID string, event *eventpkg.Event, cause error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, ok := w.pending[event.EventID()]
	if !ok {
		info = &retryInfo{}
		w.pending[event.EventID()] = info
	}
	info.retryCount++
	if info.retryCount >= maxRetries {
		delete(w.pending, event.EventID())
		w.log.WithFields(logrus.Fields{"room_id": roomID, "event_id": event.EventID()}).
			Warn("giving up on backfill after max retries, leaving event soft-failed")
		return types.NewSoftFailed("backfill_exhausted")
	}
	info.retryAt = time.Now().Add(backoffDuration(info.retryCount))
	return cause
}

func (w *IngestWorker) clearRetry(eventID string) {
	w.mu.Lock()
	delete(w.pending, eventID)
	w.mu.Unlock()
}
