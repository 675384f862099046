// Package broadcast fans download snapshots out to subscribed observers.
//
// The hub is constructed once at process startup and torn down on shutdown.
// Everything that needs it receives it explicitly.
package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/isoforge/isoforge/internal/download"
	"github.com/isoforge/isoforge/internal/telemetry"
)

// Message types pushed over the progress channel.
const (
	TypeProgress  = "download_progress"
	TypeConnected = "connected"
	TypePong      = "pong"
)

// subscriberQueueSize bounds each subscriber's outbound queue. When a slow
// observer falls behind, the oldest queued message is dropped; delivery is
// best-effort per connection.
const subscriberQueueSize = 64

// Message is one frame on the push channel.
type Message struct {
	Type       string             `json:"type"`
	DownloadID int64              `json:"download_id,omitempty"`
	ClientID   string             `json:"client_id,omitempty"`
	Data       *download.Snapshot `json:"data,omitempty"`
}

// Subscriber is one connected observer. Its queue is drained by the owning
// connection; the hub never blocks on it.
type Subscriber struct {
	ID string

	ch chan Message

	mu  sync.Mutex
	all bool
	ids map[int64]struct{}
}

// Updates returns the subscriber's outbound queue.
func (s *Subscriber) Updates() <-chan Message {
	return s.ch
}

// Subscribe adds a specific download to the subscriber's watch set.
func (s *Subscriber) Subscribe(downloadID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.all = false
	s.ids[downloadID] = struct{}{}
}

// Unsubscribe removes a download from the subscriber's watch set.
func (s *Subscriber) Unsubscribe(downloadID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.ids, downloadID)
}

// SubscribeAll switches the subscriber to receive every download's updates.
func (s *Subscriber) SubscribeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.all = true
	s.ids = make(map[int64]struct{})
}

func (s *Subscriber) wants(downloadID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.all {
		return true
	}

	_, ok := s.ids[downloadID]

	return ok
}

// Hub is the process-wide progress bus. Publishes are rate-limited per
// record; state transitions always go out immediately.
type Hub struct {
	interval  time.Duration
	logger    *slog.Logger
	telemetry *telemetry.Telemetry

	mu       sync.Mutex
	subs     map[string]*Subscriber
	lastEmit map[int64]time.Time
	closed   bool
}

// NewHub creates a hub with the given per-record emission interval.
func NewHub(interval time.Duration, logger *slog.Logger, tel *telemetry.Telemetry) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		interval:  interval,
		logger:    logger,
		telemetry: tel,
		subs:      make(map[string]*Subscriber),
		lastEmit:  make(map[int64]time.Time),
	}
}

// Register adds a new observer. No historical backlog is delivered; the
// subscriber only sees updates generated after this call.
func (h *Hub) Register(all bool, downloadIDs ...int64) *Subscriber {
	sub := &Subscriber{
		ID:  uuid.New().String(),
		ch:  make(chan Message, subscriberQueueSize),
		all: all,
		ids: make(map[int64]struct{}, len(downloadIDs)),
	}

	for _, id := range downloadIDs {
		sub.ids[id] = struct{}{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(sub.ch)

		return sub
	}

	h.subs[sub.ID] = sub

	if h.telemetry != nil {
		h.telemetry.IncrementSubscribers()
	}

	h.logger.Debug("progress subscriber connected", "client_id", sub.ID)

	return sub
}

// Remove disconnects an observer and closes its queue.
func (h *Hub) Remove(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.ID]; !ok {
		return
	}

	delete(h.subs, sub.ID)
	close(sub.ch)

	if h.telemetry != nil {
		h.telemetry.DecrementSubscribers()
	}

	h.logger.Debug("progress subscriber disconnected", "client_id", sub.ID)
}

// Publish fans a snapshot out to every matching subscriber. Non-transition
// updates for a record are dropped when they arrive faster than the
// configured interval. Per-record ordering is preserved: all sends happen
// under the hub lock in publish order.
func (h *Hub) Publish(downloadID int64, snap download.Snapshot, transition bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	now := time.Now()

	if !transition {
		if last, ok := h.lastEmit[downloadID]; ok && now.Sub(last) < h.interval {
			return
		}
	}

	h.lastEmit[downloadID] = now

	// Terminal records publish nothing further; stop tracking them.
	if snap.State.Terminal() {
		delete(h.lastEmit, downloadID)
	}

	msg := Message{
		Type:       TypeProgress,
		DownloadID: downloadID,
		Data:       &snap,
	}

	for _, sub := range h.subs {
		if !sub.wants(downloadID) {
			continue
		}

		h.offer(sub, msg)
	}
}

// offer enqueues without blocking; when the queue is full the oldest message
// is discarded to make room for the newest.
func (h *Hub) offer(sub *Subscriber, msg Message) {
	select {
	case sub.ch <- msg:
	default:
		select {
		case <-sub.ch:
		default:
		}

		select {
		case sub.ch <- msg:
		default:
			return
		}
	}

	if h.telemetry != nil {
		h.telemetry.RecordBroadcast()
	}
}

// SubscriberCount returns the number of connected observers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}

// Close disconnects all observers. Subsequent publishes are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.closed = true

	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
