// Package debounce coalesces rapid update requests per message binding and
// suppresses deliveries whose content matches what the platform already has.
package debounce

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/joestump/claude-watch/internal/platform"
)

// Default per-platform coalescing delays.
const (
	TelegramDelay = 500 * time.Millisecond
	SlackDelay    = 2 * time.Second
)

// deliveryTimeout bounds one delivery closure end to end.
const deliveryTimeout = 30 * time.Second

// Key identifies a binding: one live message on one destination.
type Key struct {
	Variant    platform.Variant
	Identifier string
	MessageID  string
}

// Func performs the delivery when the timer fires. Failures are logged and
// absorbed; the binding stays eligible for the next update.
type Func func(ctx context.Context) error

type pendingUpdate struct {
	timer   *time.Timer
	content string
	fn      Func
}

// Debouncer owns the per-binding timers and the last-pushed-content record.
// The next timer for a key only arms after the previous fire has returned, so
// two deliveries on one binding never run concurrently.
type Debouncer struct {
	mu         sync.Mutex
	delays     map[platform.Variant]time.Duration
	pending    map[Key]*pendingUpdate
	lastPushed map[Key]string
	inFlight   map[Key]*sync.Mutex
	logger     *slog.Logger
}

// New creates a Debouncer with the default platform delays.
func New() *Debouncer {
	return &Debouncer{
		delays: map[platform.Variant]time.Duration{
			platform.VariantTelegram: TelegramDelay,
			platform.VariantSlack:    SlackDelay,
		},
		pending:    make(map[Key]*pendingUpdate),
		lastPushed: make(map[Key]string),
		inFlight:   make(map[Key]*sync.Mutex),
		logger:     slog.Default().With("component", "debounce"),
	}
}

// SetDelay overrides the coalescing delay for a platform.
func (d *Debouncer) SetDelay(v platform.Variant, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delays[v] = delay
}

// Schedule requests a delivery of content for the binding. Returns false
// (skipped) when content equals the last successfully pushed content for the
// key. Otherwise any pending timer is replaced and a fresh delay starts.
func (d *Debouncer) Schedule(key Key, content string, fn Func) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.lastPushed[key]; ok && last == content {
		return false
	}

	delay := d.delays[key.Variant]
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
		p.content = content
		p.fn = fn
		p.timer = time.AfterFunc(delay, func() { d.fire(key) })
		return true
	}

	d.pending[key] = &pendingUpdate{
		content: content,
		fn:      fn,
		timer:   time.AfterFunc(delay, func() { d.fire(key) }),
	}
	return true
}

// keyMutex returns the per-key delivery mutex. Caller must hold d.mu.
func (d *Debouncer) keyMutex(key Key) *sync.Mutex {
	m, ok := d.inFlight[key]
	if !ok {
		m = &sync.Mutex{}
		d.inFlight[key] = m
	}
	return m
}

// fire removes the pending entry and runs its delivery. Only a successful
// delivery advances lastPushed.
func (d *Debouncer) fire(key Key) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	km := d.keyMutex(key)
	content, fn := p.content, p.fn
	d.mu.Unlock()

	km.Lock()
	defer km.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		d.logger.Warn("delivery failed", "binding", key.Identifier, "error", err)
		return
	}

	d.mu.Lock()
	d.lastPushed[key] = content
	d.mu.Unlock()
}

// Fire delivers a specific pending binding now, synchronously.
func (d *Debouncer) Fire(key Key) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if ok {
		p.timer.Stop()
	}
	d.mu.Unlock()
	if ok {
		d.fire(key)
	}
}

// Flush synchronously fires every pending timer now.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	keys := make([]Key, 0, len(d.pending))
	for key, p := range d.pending {
		p.timer.Stop()
		keys = append(keys, key)
	}
	d.mu.Unlock()

	for _, key := range keys {
		d.fire(key)
	}
}

// Cancel drops a pending timer without firing.
func (d *Debouncer) Cancel(key Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
		delete(d.pending, key)
	}
}

// CancelAll drops every pending timer without firing.
func (d *Debouncer) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
}

// Forget discards the last-pushed record for a key, e.g. when the platform
// message behind it was replaced.
func (d *Debouncer) Forget(key Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastPushed, key)
	delete(d.inFlight, key)
}

// PendingCount returns the number of armed timers.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// RecordPushed notes content as already delivered for the key, so the next
// identical schedule is skipped. Used when a message is first sent outside
// the debounce path.
func (d *Debouncer) RecordPushed(key Key, content string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastPushed[key] = content
}
