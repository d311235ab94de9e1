// Package registry owns the in-memory session → destinations index, keeps it
// in step with the persisted configuration, and enforces the keep-alive grace
// period after a session's last destination detaches.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joestump/claude-watch/internal/config"
	"github.com/joestump/claude-watch/internal/platform"
)

// DefaultKeepAlive is the grace period between the last detach and session
// teardown, so a quick re-attach keeps the session's state.
const DefaultKeepAlive = 60 * time.Second

// ErrUnknownSession is returned when attaching to an unknown session without
// a source path.
var ErrUnknownSession = errors.New("registry: unknown session and no path given")

// ConfigStore persists session configuration changes.
type ConfigStore interface {
	SaveConfig(cfg *config.Config) error
}

// Registry tracks attached destinations per session.
type Registry struct {
	cfg       *config.Config
	store     ConfigStore
	keepAlive time.Duration
	logger    *slog.Logger

	// OnSessionStart fires when a session gains its first destination
	// (or once per restored session). OnSessionStop fires when the
	// keep-alive expires with the session still empty.
	OnSessionStart func(sessionID, path string)
	OnSessionStop  func(sessionID string)

	mu       sync.Mutex
	attached map[string][]platform.Destination
	timers   map[string]*time.Timer
	shutdown bool
}

// New creates a Registry over the given configuration.
func New(cfg *config.Config, store ConfigStore, keepAlive time.Duration) *Registry {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return &Registry{
		cfg:       cfg,
		store:     store,
		keepAlive: keepAlive,
		logger:    slog.Default().With("component", "registry"),
		attached:  make(map[string][]platform.Destination),
		timers:    make(map[string]*time.Timer),
	}
}

// Attach adds a destination to a session. Returns false when an identical
// (variant, identifier) destination is already attached; attaching an
// existing destination never errors. A session unknown to both runtime and
// config requires a source path.
func (r *Registry) Attach(sessionID, sourcePath string, dest platform.Destination) (bool, error) {
	var startPath string

	r.mu.Lock()
	existing := r.attached[sessionID]
	sess, known := r.cfg.Sessions[sessionID]
	if !known && sourcePath == "" {
		r.mu.Unlock()
		return false, ErrUnknownSession
	}
	path := sess.Path
	if path == "" {
		path = sourcePath
	}

	for _, d := range existing {
		if d.Variant == dest.Variant && d.Identifier() == dest.Identifier() {
			r.cancelTimerLocked(sessionID)
			r.mu.Unlock()
			return false, nil
		}
	}

	first := len(existing) == 0
	r.attached[sessionID] = append(existing, dest)
	r.cancelTimerLocked(sessionID)

	sess.Path = path
	appendDestination(&sess, dest)
	r.cfg.Sessions[sessionID] = sess
	if first {
		startPath = path
	}
	r.mu.Unlock()

	if err := r.store.SaveConfig(r.cfg); err != nil {
		r.logger.Warn("persist attach failed", "session", sessionID, "error", err)
	}

	if startPath != "" && r.OnSessionStart != nil {
		r.OnSessionStart(sessionID, startPath)
	}
	return true, nil
}

// Detach removes a destination. Returns false when it was not attached.
// When the last destination goes, the keep-alive timer arms; if it expires
// with the session still empty, OnSessionStop fires.
func (r *Registry) Detach(sessionID string, dest platform.Destination) (bool, error) {
	r.mu.Lock()
	existing := r.attached[sessionID]
	idx := -1
	for i, d := range existing {
		if d.Variant == dest.Variant && d.Identifier() == dest.Identifier() {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return false, nil
	}

	existing = append(existing[:idx], existing[idx+1:]...)
	if len(existing) == 0 {
		delete(r.attached, sessionID)
		r.armTimerLocked(sessionID)
	} else {
		r.attached[sessionID] = existing
	}

	if sess, ok := r.cfg.Sessions[sessionID]; ok {
		removeDestination(&sess, dest)
		r.cfg.Sessions[sessionID] = sess
	}
	r.mu.Unlock()

	if err := r.store.SaveConfig(r.cfg); err != nil {
		r.logger.Warn("persist detach failed", "session", sessionID, "error", err)
	}
	return true, nil
}

// RestoreFromConfig populates runtime state from the persisted session map
// and fires OnSessionStart once for every session with destinations.
func (r *Registry) RestoreFromConfig() {
	type start struct{ id, path string }
	var starts []start

	r.mu.Lock()
	for id, sess := range r.cfg.Sessions {
		var dests []platform.Destination
		for _, tg := range sess.Destinations.Telegram {
			threadID := 0
			if tg.ThreadID != nil {
				threadID = *tg.ThreadID
			}
			dests = append(dests, platform.Telegram(tg.ChatID, threadID))
		}
		for _, sl := range sess.Destinations.Slack {
			dests = append(dests, platform.Slack(sl.Channel))
		}
		if len(dests) == 0 {
			continue
		}
		r.attached[id] = dests
		starts = append(starts, start{id: id, path: sess.Path})
	}
	r.mu.Unlock()

	if r.OnSessionStart != nil {
		for _, s := range starts {
			r.OnSessionStart(s.id, s.path)
		}
	}
}

// Destinations returns the attached destinations for a session.
func (r *Registry) Destinations(sessionID string) []platform.Destination {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]platform.Destination, len(r.attached[sessionID]))
	copy(out, r.attached[sessionID])
	return out
}

// HasDestinations reports whether the session has at least one destination.
func (r *Registry) HasDestinations(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attached[sessionID]) > 0
}

// SessionPath returns the configured transcript path for a session.
func (r *Registry) SessionPath(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.cfg.Sessions[sessionID]
	return sess.Path, ok
}

// Forget drops a session from runtime and persistent state (e.g. after its
// transcript file was deleted) without firing keep-alive callbacks.
func (r *Registry) Forget(sessionID string) {
	r.mu.Lock()
	delete(r.attached, sessionID)
	r.cancelTimerLocked(sessionID)
	delete(r.cfg.Sessions, sessionID)
	r.mu.Unlock()

	if err := r.store.SaveConfig(r.cfg); err != nil {
		r.logger.Warn("persist forget failed", "session", sessionID, "error", err)
	}
}

// Shutdown cancels all keep-alive timers without firing them.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdown = true
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
}

// armTimerLocked starts the keep-alive countdown. Caller must hold r.mu.
func (r *Registry) armTimerLocked(sessionID string) {
	if r.shutdown {
		return
	}
	r.cancelTimerLocked(sessionID)
	r.timers[sessionID] = time.AfterFunc(r.keepAlive, func() {
		r.mu.Lock()
		delete(r.timers, sessionID)
		stillEmpty := len(r.attached[sessionID]) == 0 && !r.shutdown
		r.mu.Unlock()

		if stillEmpty && r.OnSessionStop != nil {
			r.OnSessionStop(sessionID)
		}
	})
}

func (r *Registry) cancelTimerLocked(sessionID string) {
	if timer, ok := r.timers[sessionID]; ok {
		timer.Stop()
		delete(r.timers, sessionID)
	}
}

func appendDestination(sess *config.SessionConfig, dest platform.Destination) {
	switch dest.Variant {
	case platform.VariantTelegram:
		for _, tg := range sess.Destinations.Telegram {
			if sameTelegram(tg, dest) {
				return
			}
		}
		td := config.TelegramDestination{ChatID: dest.ChatID}
		if dest.ThreadID != 0 {
			t := dest.ThreadID
			td.ThreadID = &t
		}
		sess.Destinations.Telegram = append(sess.Destinations.Telegram, td)
	case platform.VariantSlack:
		for _, sl := range sess.Destinations.Slack {
			if sl.Channel == dest.Channel {
				return
			}
		}
		sess.Destinations.Slack = append(sess.Destinations.Slack,
			config.SlackDestination{Channel: dest.Channel})
	}
}

func removeDestination(sess *config.SessionConfig, dest platform.Destination) {
	switch dest.Variant {
	case platform.VariantTelegram:
		out := sess.Destinations.Telegram[:0]
		for _, tg := range sess.Destinations.Telegram {
			if !sameTelegram(tg, dest) {
				out = append(out, tg)
			}
		}
		sess.Destinations.Telegram = out
	case platform.VariantSlack:
		out := sess.Destinations.Slack[:0]
		for _, sl := range sess.Destinations.Slack {
			if sl.Channel != dest.Channel {
				out = append(out, sl)
			}
		}
		sess.Destinations.Slack = out
	}
}

func sameTelegram(tg config.TelegramDestination, dest platform.Destination) bool {
	threadID := 0
	if tg.ThreadID != nil {
		threadID = *tg.ThreadID
	}
	return tg.ChatID == dest.ChatID && threadID == dest.ThreadID
}

// String renders a destination for logs and errors.
func String(dest platform.Destination) string {
	return fmt.Sprintf("%s/%s", dest.Variant, dest.Identifier())
}
