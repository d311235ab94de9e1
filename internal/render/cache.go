package render

import (
	"sync"
	"time"

	"github.com/joestump/claude-watch/internal/events"
	"github.com/joestump/claude-watch/internal/platform"
)

// Key addresses one cached rendering.
type Key struct {
	Preset  Preset
	Variant platform.Variant
}

type entry struct {
	rendered map[Key]string
	touched  time.Time
}

// Cache holds the latest rendered strings per session. Rebuild recomputes
// every preset/platform combination from scratch; there is no incremental
// path.
type Cache struct {
	mu       sync.Mutex
	sessions map[string]*entry
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{sessions: make(map[string]*entry)}
}

// Rebuild folds the envelopes and re-renders all presets for both platforms.
func (c *Cache) Rebuild(session string, envs []events.Envelope) {
	blocks := Fold(envs)

	rendered := make(map[Key]string, len(Presets)*2)
	for _, p := range Presets {
		rendered[Key{Preset: p, Variant: platform.VariantTelegram}] = Telegram(blocks, p)
		rendered[Key{Preset: p, Variant: platform.VariantSlack}] = Slack(blocks, p)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[session] = &entry{rendered: rendered, touched: time.Now()}
}

// Get returns the cached rendering, or "" and false if none is built.
func (c *Cache) Get(session string, preset Preset, variant platform.Variant) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.sessions[session]
	if !ok {
		return "", false
	}
	e.touched = time.Now()
	s, ok := e.rendered[Key{Preset: preset, Variant: variant}]
	return s, ok
}

// Drop discards a session's cache entry.
func (c *Cache) Drop(session string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, session)
}

// EvictIdle removes entries idle longer than idleFor, skipping sessions that
// still have bindings. Returns how many entries were evicted.
func (c *Cache) EvictIdle(idleFor time.Duration, hasBindings func(session string) bool) int {
	cutoff := time.Now().Add(-idleFor)

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for session, e := range c.sessions {
		if e.touched.After(cutoff) {
			continue
		}
		if hasBindings != nil && hasBindings(session) {
			continue
		}
		delete(c.sessions, session)
		evicted++
	}
	return evicted
}
