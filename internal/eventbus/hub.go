// Package eventbus fans run events out to live subscribers (SSE clients)
// with strict eventId ordering, on top of the durable log kept by the
// repository. Replay and live delivery are stitched together so a
// subscriber attaching mid-run never sees a gap or a duplicate.
package eventbus

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/orchestratord/internal/domain"
	"github.com/kandev/orchestratord/internal/logging"
	"github.com/kandev/orchestratord/internal/repository"
)

// defaultQueueSize bounds the number of live events buffered per
// subscriber before new events are dropped. A slow SSE client falls
// behind rather than blocking the publisher.
const defaultQueueSize = 256

// Hub fans out published run events to subscribers. All Publish calls
// for a given run must come from a single caller (the repository's
// writer path already serializes this), so delivery to each
// subscriber's channel happens in publish order with no dispatch
// goroutine in between -- a channel send preserves the order its
// caller used, unlike spawning a goroutine per event.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]map[*subscriber]struct{}
	repo      *repository.Repository
	log       *logging.Logger
	queueSize int
	mirror    *NatsMirror
}

// New creates a Hub backed by repo for replay lookups.
func New(repo *repository.Repository, log *logging.Logger) *Hub {
	return &Hub{
		subs:      make(map[string]map[*subscriber]struct{}),
		repo:      repo,
		log:       log,
		queueSize: defaultQueueSize,
	}
}

// SetMirror attaches an optional out-of-process NATS mirror; every
// Publish call after this forwards a copy to it. Passing nil disables
// mirroring (the default).
func (h *Hub) SetMirror(mirror *NatsMirror) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mirror = mirror
}

type subscriber struct {
	runID   string
	ch      chan domain.Event
	dropped int
}

// Subscription is a handle returned by Hub.Subscribe. Next blocks until
// an event is available, the context is canceled, or the subscription
// is closed.
type Subscription struct {
	hub    *Hub
	sub    *subscriber
	replay []domain.Event
	// pending holds events drained from the subscriber's channel at
	// attach time that arrived after the replay snapshot was taken;
	// they're replayed-equivalent duplicates if <= attachEventID
	// (dropped) or genuinely new live events otherwise (kept, in
	// order, ahead of whatever arrives on the channel next).
	pending []domain.Event
	// attachEventID is the latestEventId observed at attach time; live
	// events with EventID <= attachEventID were already delivered via
	// replay and must be skipped to avoid duplicates.
	attachEventID int64
}

// Subscribe registers a live subscriber for runID and returns a
// Subscription that first yields any events after sinceEventID up to
// the moment of attachment, then forwards events as they're published.
func (h *Hub) Subscribe(runID string, sinceEventID int64) (*Subscription, error) {
	sub := &subscriber{runID: runID, ch: make(chan domain.Event, h.queueSize)}

	h.mu.Lock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[*subscriber]struct{})
	}
	h.subs[runID][sub] = struct{}{}
	h.mu.Unlock()

	counters, err := h.repo.GetRunCounters(runID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		h.unregister(sub)
		return nil, err
	}
	var attachEventID int64
	if counters != nil {
		attachEventID = counters.LatestEventID
	}

	replay, err := h.repo.ListRunEvents(runID, sinceEventID)
	if err != nil {
		h.unregister(sub)
		return nil, err
	}
	// Drop anything replay picked up beyond the attach point; those
	// arrive again through the live channel.
	trimmed := replay[:0:0]
	for _, ev := range replay {
		if ev.EventID <= attachEventID {
			trimmed = append(trimmed, ev)
		}
	}

	// The subscriber was registered before the counters snapshot was
	// taken, so its channel may already hold events published in that
	// window. Drain them now: anything <= attachEventID duplicates the
	// replay above and is discarded; anything newer is a genuine live
	// event that must not be lost, so it's queued ahead of the channel.
	var pending []domain.Event
drain:
	for {
		select {
		case ev := <-sub.ch:
			if ev.EventID > attachEventID {
				pending = append(pending, ev)
			}
		default:
			break drain
		}
	}

	return &Subscription{hub: h, sub: sub, replay: trimmed, pending: pending, attachEventID: attachEventID}, nil
}

// Next returns the next event for this subscription, blocking as
// needed. ok is false when ctx is done or the subscription was closed
// with no more buffered events.
func (s *Subscription) Next(ctx context.Context) (domain.Event, bool) {
	if len(s.replay) > 0 {
		ev := s.replay[0]
		s.replay = s.replay[1:]
		return ev, true
	}
	if len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		return ev, true
	}
	for {
		select {
		case ev, ok := <-s.sub.ch:
			if !ok {
				return domain.Event{}, false
			}
			if ev.EventID <= s.attachEventID {
				continue
			}
			return ev, true
		case <-ctx.Done():
			return domain.Event{}, false
		}
	}
}

// Close unregisters the subscription from the hub.
func (s *Subscription) Close() {
	s.hub.unregister(s.sub)
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sub.runID]; ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			close(sub.ch)
		}
		if len(set) == 0 {
			delete(h.subs, sub.runID)
		}
	}
}

// Publish fans event out to every live subscriber of its run. Delivery
// is non-blocking per subscriber: a subscriber whose queue is full has
// the event dropped and must fall back to polling/replay to recover.
func (h *Hub) Publish(event domain.Event) {
	h.mu.RLock()
	set := h.subs[event.RunID]
	subs := make([]*subscriber, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	mirror := h.mirror
	h.mu.RUnlock()

	mirror.Publish(event)

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			sub.dropped++
			if h.log != nil {
				h.log.Warn("eventbus: dropping event for slow subscriber",
					zap.String("run_id", event.RunID),
					zap.Int64("event_id", event.EventID),
					zap.Int("dropped_total", sub.dropped))
			}
		}
	}
}

// SubscriberCount returns the number of live subscribers for runID,
// mainly for tests and diagnostics.
func (h *Hub) SubscriberCount(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[runID])
}
