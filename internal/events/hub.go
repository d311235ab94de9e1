package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// EndedEvent is the terminal event broadcast when a session stream closes.
const EndedEvent = "session_ended"

// EndReason explains why a session stream closed.
type EndReason string

const (
	ReasonUnwatched      EndReason = "unwatched"
	ReasonFileDeleted    EndReason = "file_deleted"
	ReasonNoDestinations EndReason = "no_destinations"
	ReasonShutdown       EndReason = "shutdown"
)

// subscriberBuffer bounds a subscriber's outbound queue. A subscriber that
// falls this far behind is disconnected rather than allowed to stall the hub.
const subscriberBuffer = DefaultCapacity + 64

// Subscriber is one SSE client. Events() yields fully framed event-stream
// records; the channel closes when the subscriber is disconnected.
type Subscriber struct {
	ch     chan []byte
	closed bool
}

// Events returns the framed event stream for this subscriber.
func (s *Subscriber) Events() <-chan []byte { return s.ch }

// Hub fans buffered and live events out to per-session subscriber sets.
type Hub struct {
	mu       sync.Mutex
	buf      *Buffer
	sessions map[string]map[*Subscriber]struct{}
	logger   *slog.Logger
}

// NewHub creates a Hub over the given buffer.
func NewHub(buf *Buffer) *Hub {
	return &Hub{
		buf:      buf,
		sessions: make(map[string]map[*Subscriber]struct{}),
		logger:   slog.Default().With("component", "hub"),
	}
}

// frame serialises one envelope into event-stream framing.
func frame(env Envelope) []byte {
	return []byte(fmt.Sprintf("id:%s\nevent:%s\ndata:%s\n\n", env.ID, env.Kind, env.Data))
}

// Connect replays all buffered events newer than lastEventID to a new
// subscriber and registers it for live broadcast. The returned cancel
// function detaches the subscriber; it is safe to call more than once.
func (h *Hub) Connect(session, lastEventID string) (*Subscriber, func()) {
	replay := h.buf.Since(session, lastEventID)

	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscriber{ch: make(chan []byte, subscriberBuffer)}
	for _, env := range replay {
		sub.ch <- frame(env)
	}

	set, ok := h.sessions[session]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.sessions[session] = set
	}
	set[sub] = struct{}{}

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.drop(session, sub)
	}
	return sub, cancel
}

// drop removes and closes a subscriber. Caller must hold h.mu.
func (h *Hub) drop(session string, sub *Subscriber) {
	set, ok := h.sessions[session]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	if len(set) == 0 {
		delete(h.sessions, session)
	}
}

// Broadcast delivers an envelope to every subscriber of the session. A
// subscriber whose queue is full is disconnected so a slow consumer can never
// block upstream.
func (h *Hub) Broadcast(session string, env Envelope) {
	framed := frame(env)

	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.sessions[session] {
		select {
		case sub.ch <- framed:
		default:
			h.logger.Warn("dropping slow subscriber", "session", session)
			h.drop(session, sub)
		}
	}
}

// CloseSession broadcasts a terminal session_ended event carrying the reason,
// then disconnects every subscriber of the session.
func (h *Hub) CloseSession(session string, reason EndReason) {
	payload, _ := json.Marshal(map[string]string{"reason": string(reason)})
	env := h.buf.Add(session, EndedEvent, payload)
	framed := frame(env)

	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.sessions[session] {
		select {
		case sub.ch <- framed:
		default:
		}
		h.drop(session, sub)
	}
}

// CloseAll ends every session stream with the given reason.
func (h *Hub) CloseAll(reason EndReason) {
	h.mu.Lock()
	sessions := make([]string, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		h.CloseSession(s, reason)
	}
}

// ClientCount returns the number of live subscribers for a session.
func (h *Hub) ClientCount(session string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[session])
}
