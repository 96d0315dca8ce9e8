// Package bus fans progress events out to in-process subscribers.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"rsagent/internal/domain"
)

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 16

// AllSessions subscribes to the events of every session.
const AllSessions = ""

// Hub is a non-blocking progress channel. Each subscriber has a small
// buffer; when it is full the event is dropped for that subscriber only.
// There is no history and no replay.
type Hub struct {
	mu         sync.RWMutex
	subs       map[string]map[uint64]chan domain.ProgressEvent
	nextID     uint64
	closed     bool
	bufferSize int
	dropped    atomic.Uint64
	logger     *slog.Logger
	now        func() time.Time
}

var _ domain.ProgressPublisher = (*Hub)(nil)

// New creates a Hub with the given per-subscriber buffer size.
func New(bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:       make(map[string]map[uint64]chan domain.ProgressEvent),
		bufferSize: bufferSize,
		logger:     logger,
		now:        time.Now,
	}
}

// Publish never blocks.
func (h *Hub) Publish(sessionID string, stage domain.Stage, message string) {
	ev := domain.ProgressEvent{
		SessionID: sessionID,
		Stage:     stage,
		Message:   message,
		Timestamp: h.now(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}
	h.deliver(h.subs[sessionID], ev)
	if sessionID != AllSessions {
		h.deliver(h.subs[AllSessions], ev)
	}
}

func (h *Hub) deliver(subs map[uint64]chan domain.ProgressEvent, ev domain.ProgressEvent) {
	for id, ch := range subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
			h.logger.Debug("progress event dropped, subscriber full",
				"session_id", ev.SessionID,
				"stage", ev.Stage,
				"subscriber", id,
			)
		}
	}
}

// Subscribe returns a channel receiving the events published for
// sessionID from now on; AllSessions receives every event. cancel closes
// the channel and may be called more than once.
func (h *Hub) Subscribe(sessionID string) (<-chan domain.ProgressEvent, func()) {
	ch := make(chan domain.ProgressEvent, h.bufferSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.nextID++
	id := h.nextID
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[uint64]chan domain.ProgressEvent)
	}
	h.subs[sessionID][id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		set, ok := h.subs[sessionID]
		if !ok {
			return
		}
		if c, ok := set[id]; ok {
			delete(set, id)
			close(c)
		}
		if len(set) == 0 {
			delete(h.subs, sessionID)
		}
	}
	return ch, cancel
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// Dropped reports how many deliveries were skipped because a subscriber
// was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are ignored and
// later subscriptions receive an already closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sid, set := range h.subs {
		for _, ch := range set {
			close(ch)
		}
		delete(h.subs, sid)
	}
}
