// Package events holds the per-session event buffer and the SSE fan-out hub.
package events

import (
	"encoding/json"
	"strconv"
	"sync"
)

// DefaultCapacity bounds the per-session ring. Oldest events fall off once
// exceeded; ClearAll makes long retention pointless anyway.
const DefaultCapacity = 4096

// Envelope is one buffered event: a session-monotonic id, the variant tag,
// and the serialised payload.
type Envelope struct {
	ID   string          `json:"id"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// ring is a fixed-capacity circular buffer of envelopes, following the
// write-position scheme of the hub's line buffer.
type ring struct {
	entries []Envelope
	pos     int
	next    uint64 // next event id to assign
}

// ordered returns the buffered envelopes oldest to newest.
func (r *ring) ordered() []Envelope {
	n := len(r.entries)
	if n == 0 || r.pos == 0 || n < cap(r.entries) {
		return r.entries[:n]
	}
	out := make([]Envelope, n)
	copy(out, r.entries[r.pos:])
	copy(out[n-r.pos:], r.entries[:r.pos])
	return out
}

func (r *ring) append(e Envelope) {
	if len(r.entries) < cap(r.entries) {
		r.entries = append(r.entries, e)
	} else {
		r.entries[r.pos] = e
	}
	r.pos = (r.pos + 1) % cap(r.entries)
}

// Buffer is the set of per-session event rings.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	sessions map[string]*ring
}

// NewBuffer creates a Buffer. capacity <= 0 selects DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		capacity: capacity,
		sessions: make(map[string]*ring),
	}
}

func (b *Buffer) getOrCreate(session string) *ring {
	r, ok := b.sessions[session]
	if !ok {
		r = &ring{entries: make([]Envelope, 0, b.capacity), next: 1}
		b.sessions[session] = r
	}
	return r
}

// Seed raises the session's next event id so ids issued after a restart are
// strictly greater than anything from the prior run. Never lowers it.
func (b *Buffer) Seed(session string, next uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.getOrCreate(session)
	if next > r.next {
		r.next = next
	}
}

// Add appends an event and returns its envelope with the assigned id.
func (b *Buffer) Add(session, kind string, data json.RawMessage) Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.getOrCreate(session)
	env := Envelope{
		ID:   strconv.FormatUint(r.next, 10),
		Kind: kind,
		Data: data,
	}
	r.next++
	r.append(env)
	return env
}

// Since returns all buffered events with id strictly greater than afterID, in
// append order. An empty afterID returns everything still buffered.
func (b *Buffer) Since(session, afterID string) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.sessions[session]
	if !ok {
		return nil
	}

	var after uint64
	if afterID != "" {
		if n, err := strconv.ParseUint(afterID, 10, 64); err == nil {
			after = n
		}
	}

	all := r.ordered()
	out := make([]Envelope, 0, len(all))
	for _, e := range all {
		if n, err := strconv.ParseUint(e.ID, 10, 64); err == nil && n > after {
			out = append(out, e)
		}
	}
	return out
}

// Drop discards the session's ring entirely.
func (b *Buffer) Drop(session string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, session)
}
