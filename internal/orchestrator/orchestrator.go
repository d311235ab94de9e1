// Package orchestrator wires the tailer, transformer, event buffer, SSE hub,
// render cache, debouncer and platform clients into the per-session pipeline.
// It owns all mutable session state; HTTP handlers call into it and never
// touch the underlying structures directly.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joestump/claude-watch/internal/config"
	"github.com/joestump/claude-watch/internal/debounce"
	"github.com/joestump/claude-watch/internal/events"
	"github.com/joestump/claude-watch/internal/platform"
	"github.com/joestump/claude-watch/internal/registry"
	"github.com/joestump/claude-watch/internal/render"
	"github.com/joestump/claude-watch/internal/state"
	"github.com/joestump/claude-watch/internal/tailer"
	"github.com/joestump/claude-watch/internal/transform"
)

// Binding lifetimes. A binding whose message has not been touched for its
// TTL is marked expired; expired bindings are reaped after a day and the
// next delivery starts a fresh message.
const (
	defaultBindingTTL = 30 * time.Second
	maxBindingTTL     = 300 * time.Second
	bindingReapAfter  = 24 * time.Hour

	cacheIdleEvict = 30 * time.Minute
	cacheSweepTick = 5 * time.Minute
	reapTick       = time.Hour
)

// Sentinel errors the HTTP layer maps onto status codes.
var (
	ErrSessionUnknown = errors.New("unknown session")
	ErrFileMissing    = errors.New("transcript file does not exist")
	ErrNotConfigured  = errors.New("platform credentials not configured")
)

type bindingKey struct {
	Session    string
	Variant    platform.Variant
	Identifier string
	Preset     render.Preset
}

// binding pairs one attached destination with the live platform message it
// keeps current. An empty handle means the next delivery sends rather than
// edits.
type binding struct {
	key          bindingKey
	dest         platform.Destination
	handle       platform.MessageHandle
	ttl          time.Duration
	lastActivity time.Time
	expiredAt    time.Time // zero while active
}

// sessionState is the transformer-side state of one watched session. proc
// serialises batch processing so records are transformed in file order.
type sessionState struct {
	proc        sync.Mutex
	ctx         *transform.Context
	lineNumber  uint64
	nextEventID uint64
}

// Orchestrator is the coordination core of the service.
type Orchestrator struct {
	cfg     *config.Config
	store   *state.Store
	buf     *events.Buffer
	hub     *events.Hub
	cache   *render.Cache
	deb     *debounce.Debouncer
	reg     *registry.Registry
	tail    *tailer.Tailer
	clients map[platform.Variant]platform.Client
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
	bindings map[bindingKey]*binding

	started time.Time
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New assembles an Orchestrator. The registry's lifecycle callbacks are
// claimed here; clients may be missing entries for unconfigured platforms.
func New(cfg *config.Config, store *state.Store, buf *events.Buffer, hub *events.Hub,
	cache *render.Cache, deb *debounce.Debouncer, reg *registry.Registry,
	clients map[platform.Variant]platform.Client) (*Orchestrator, error) {

	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		buf:      buf,
		hub:      hub,
		cache:    cache,
		deb:      deb,
		reg:      reg,
		clients:  clients,
		logger:   slog.Default().With("component", "orchestrator"),
		sessions: make(map[string]*sessionState),
		bindings: make(map[bindingKey]*binding),
		started:  time.Now(),
		stop:     make(chan struct{}),
	}

	tl, err := tailer.New(o.onFileChange, o.onFileDelete)
	if err != nil {
		return nil, err
	}
	o.tail = tl

	reg.OnSessionStart = o.startWatch
	reg.OnSessionStop = func(sessionID string) {
		o.stopSession(sessionID, events.ReasonNoDestinations)
	}
	return o, nil
}

// Start restores persisted sessions and launches the maintenance loops.
func (o *Orchestrator) Start() {
	o.store.CleanDebris()
	o.reg.RestoreFromConfig()

	interval := time.Duration(o.cfg.Database.CheckpointInterval) * time.Second
	o.loop(interval, o.flushCheckpoints)
	o.loop(cacheSweepTick, func() {
		o.cache.EvictIdle(cacheIdleEvict, o.reg.HasDestinations)
	})
	o.loop(reapTick, o.reapBindings)
}

func (o *Orchestrator) loop(interval time.Duration, fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-o.stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// AttachParams is a validated /attach request.
type AttachParams struct {
	SessionID   string
	Path        string
	Destination platform.Destination
	Preset      render.Preset
	ReplayCount int
}

// AttachResult reports what an attach produced.
type AttachResult struct {
	Attached       bool
	MessageID      string
	ReplayedEvents int
}

// Attach validates credentials, registers the destination, optionally replays
// the transcript tail, and posts the initial message when there is content.
func (o *Orchestrator) Attach(ctx context.Context, p AttachParams) (*AttachResult, error) {
	client, ok := o.clients[p.Destination.Variant]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, p.Destination.Variant)
	}
	if err := client.Validate(ctx); err != nil {
		return nil, err
	}

	if _, known := o.reg.SessionPath(p.SessionID); !known {
		if p.Path == "" {
			return nil, registry.ErrUnknownSession
		}
		if _, err := os.Stat(p.Path); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrFileMissing, p.Path)
		}
	}

	o.mu.Lock()
	_, watching := o.sessions[p.SessionID]
	o.mu.Unlock()

	attached, err := o.reg.Attach(p.SessionID, p.Path, p.Destination)
	if err != nil {
		return nil, err
	}
	if !attached {
		// Already attached. The re-attach still takes effect on the preset:
		// the existing binding (possibly created lazily at the default) is
		// replaced and the current render delivered at the requested density.
		b := o.rebindPreset(p.SessionID, p.Destination, p.Preset)
		if content, ok := o.cache.Get(p.SessionID, p.Preset, p.Destination.Variant); ok &&
			len(o.buf.Since(p.SessionID, "")) > 0 {
			o.scheduleBinding(b, content)
		}
		return &AttachResult{Attached: false}, nil
	}

	res := &AttachResult{Attached: true}

	// Replay is only meaningful when this attach started the watch; rewinding
	// an already-live session would duplicate events.
	if !watching && p.ReplayCount > 0 {
		if _, err := o.tail.SeekTail(p.SessionID, p.ReplayCount); err != nil {
			o.logger.Warn("replay seek failed", "session", p.SessionID, "error", err)
		} else {
			res.ReplayedEvents = o.processSession(p.SessionID)
		}
	}

	b := o.ensureBinding(p.SessionID, p.Destination, p.Preset)

	content, ok := o.cache.Get(p.SessionID, p.Preset, p.Destination.Variant)
	if ok && len(o.buf.Since(p.SessionID, "")) > 0 {
		handle, err := client.Send(ctx, p.Destination, content)
		if err != nil {
			o.logger.Warn("initial send failed", "session", p.SessionID,
				"destination", p.Destination.String(), "error", err)
		} else {
			o.mu.Lock()
			b.handle = handle
			b.lastActivity = time.Now()
			o.mu.Unlock()
			o.deb.RecordPushed(o.debKey(b), content)
			res.MessageID = string(handle)
		}
	}
	return res, nil
}

// Detach removes a destination and tears down its binding. Returns false if
// the destination was not attached.
func (o *Orchestrator) Detach(sessionID string, dest platform.Destination) (bool, error) {
	removed, err := o.reg.Detach(sessionID, dest)
	if err != nil || !removed {
		return removed, err
	}

	o.mu.Lock()
	for key, b := range o.bindings {
		if key.Session == sessionID && key.Variant == dest.Variant &&
			key.Identifier == dest.Identifier() {
			o.deb.Cancel(o.debKey(b))
			o.deb.Forget(o.debKey(b))
			delete(o.bindings, key)
		}
	}
	o.mu.Unlock()
	return true, nil
}

// SessionKnown reports whether the session exists in configuration.
func (o *Orchestrator) SessionKnown(sessionID string) bool {
	_, ok := o.reg.SessionPath(sessionID)
	return ok
}

// Subscribe attaches an SSE subscriber with replay from lastEventID.
func (o *Orchestrator) Subscribe(sessionID, lastEventID string) (*events.Subscriber, func(), error) {
	if !o.SessionKnown(sessionID) {
		return nil, nil, ErrSessionUnknown
	}
	sub, cancel := o.hub.Connect(sessionID, lastEventID)
	return sub, cancel, nil
}

// SessionInfo is one row of the sessions listing.
type SessionInfo struct {
	SessionID    string
	Path         string
	Destinations config.Destinations
	SSEClients   int
}

// Sessions lists every configured session with its destinations and live
// subscriber count.
func (o *Orchestrator) Sessions() []SessionInfo {
	out := make([]SessionInfo, 0, len(o.cfg.Sessions))
	for id, sess := range o.cfg.Sessions {
		out = append(out, SessionInfo{
			SessionID:    id,
			Path:         sess.Path,
			Destinations: sess.Destinations,
			SSEClients:   o.hub.ClientCount(id),
		})
	}
	return out
}

// Health is the /health payload source.
type Health struct {
	UptimeSeconds   int64
	SessionsWatched int
	Telegram        bool
	Slack           bool
}

// HealthInfo reports service liveness details.
func (o *Orchestrator) HealthInfo() Health {
	o.mu.Lock()
	watched := len(o.sessions)
	o.mu.Unlock()
	return Health{
		UptimeSeconds:   int64(time.Since(o.started).Seconds()),
		SessionsWatched: watched,
		Telegram:        o.cfg.TelegramConfigured(),
		Slack:           o.cfg.SlackConfigured(),
	}
}

// HandleInteraction receives a parsed inbound callback payload (a question
// button press). Routing the answer back into the CLI session is the
// session runner's job; the watcher records the interaction.
func (o *Orchestrator) HandleInteraction(variant platform.Variant, payload string) {
	o.logger.Info("interaction received", "platform", variant, "payload", payload)
}

// startWatch begins tailing a session, resuming from its checkpoint when one
// exists. Invoked by the registry on first attach and on restore.
func (o *Orchestrator) startWatch(sessionID, path string) {
	o.mu.Lock()
	if _, ok := o.sessions[sessionID]; ok {
		o.mu.Unlock()
		return
	}
	st := &sessionState{ctx: transform.NewContext(), nextEventID: 1}
	o.sessions[sessionID] = st
	o.mu.Unlock()

	startPos := int64(-1) // live end
	if cp := o.store.LoadCheckpoint(sessionID); cp != nil {
		startPos = cp.FilePosition
		st.lineNumber = cp.LineNumber
		st.ctx = transform.ParseContext(cp.TransformerContext)
		if cp.NextEventID > 0 {
			st.nextEventID = cp.NextEventID
		}
		o.buf.Seed(sessionID, st.nextEventID)
	}

	if err := o.tail.Add(sessionID, path, startPos); err != nil {
		o.logger.Error("cannot watch transcript", "session", sessionID, "path", path, "error", err)
		o.mu.Lock()
		delete(o.sessions, sessionID)
		o.mu.Unlock()
		return
	}
	o.logger.Info("watching session", "session", sessionID, "path", path, "position", startPos)
}

// stopSession tears a session down: tail removed, pending writes flushed,
// buffer and cache dropped, checkpoint deleted, stream closed with reason.
func (o *Orchestrator) stopSession(sessionID string, reason events.EndReason) {
	o.mu.Lock()
	st, ok := o.sessions[sessionID]
	delete(o.sessions, sessionID)
	for key, b := range o.bindings {
		if key.Session == sessionID {
			o.deb.Cancel(o.debKey(b))
			o.deb.Forget(o.debKey(b))
			delete(o.bindings, key)
		}
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	o.tail.Remove(sessionID)
	o.hub.CloseSession(sessionID, reason)
	o.buf.Drop(sessionID)
	o.cache.Drop(sessionID)
	// Waiting on the processing mutex serialises the delete against any
	// in-flight batch, whose save then sees the session gone and skips.
	st.proc.Lock()
	if err := o.store.DeleteCheckpoint(sessionID); err != nil {
		o.logger.Warn("checkpoint delete failed", "session", sessionID, "error", err)
	}
	st.proc.Unlock()
	o.logger.Info("session stopped", "session", sessionID, "reason", reason)
}

// onFileChange is the tailer's debounced change callback.
func (o *Orchestrator) onFileChange(sessionID string) {
	o.processSession(sessionID)
}

// onFileDelete handles a vanished transcript: end the stream, drop all state
// including the session's config entry.
func (o *Orchestrator) onFileDelete(sessionID string) {
	o.logger.Info("transcript deleted", "session", sessionID)
	o.stopSession(sessionID, events.ReasonFileDeleted)
	o.reg.Forget(sessionID)
}

// processSession drains new records through the transformer and fans the
// resulting events out to the buffer, hub, cache and debouncer. Returns the
// number of events appended. Batches for one session never interleave.
func (o *Orchestrator) processSession(sessionID string) int {
	o.mu.Lock()
	st, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return 0
	}

	st.proc.Lock()
	defer st.proc.Unlock()

	records, pos, err := o.tail.ReadNew(sessionID)
	if err != nil {
		if !errors.Is(err, tailer.ErrUnknownSession) {
			o.logger.Warn("read failed", "session", sessionID, "error", err)
		}
		return 0
	}
	if len(records) == 0 {
		return 0
	}

	evs, ctx := transform.Apply(records, st.ctx)
	st.ctx = ctx
	st.lineNumber += uint64(len(records))

	for _, ev := range evs {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		env := o.buf.Add(sessionID, string(ev.Kind), data)
		if n, err := strconv.ParseUint(env.ID, 10, 64); err == nil {
			st.nextEventID = n + 1
		}
		o.hub.Broadcast(sessionID, env)
	}

	o.saveCheckpoint(sessionID, st, pos)

	if len(evs) == 0 {
		return 0
	}
	o.cache.Rebuild(sessionID, o.buf.Since(sessionID, ""))
	o.scheduleDeliveries(sessionID)
	return len(evs)
}

func (o *Orchestrator) saveCheckpoint(sessionID string, st *sessionState, pos int64) {
	// A save racing a teardown must not resurrect the deleted checkpoint.
	o.mu.Lock()
	_, live := o.sessions[sessionID]
	o.mu.Unlock()
	if !live {
		return
	}

	cp := &state.Checkpoint{
		FilePosition:       pos,
		LineNumber:         st.lineNumber,
		TransformerContext: st.ctx.Marshal(),
		NextEventID:        st.nextEventID,
		LastModified:       time.Now(),
	}
	if err := o.store.SaveCheckpoint(sessionID, cp); err != nil {
		o.logger.Warn("checkpoint save failed", "session", sessionID, "error", err)
	}
}

// scheduleDeliveries hands the freshly rebuilt renders to the debouncer, one
// per binding on the session. Destinations without a binding yet (restored
// sessions) get one lazily at the default preset.
func (o *Orchestrator) scheduleDeliveries(sessionID string) {
	for _, dest := range o.reg.Destinations(sessionID) {
		o.mu.Lock()
		b := o.findBinding(sessionID, dest)
		o.mu.Unlock()
		if b == nil {
			b = o.ensureBinding(sessionID, dest, render.PresetDesktop)
		}

		content, ok := o.cache.Get(sessionID, b.key.Preset, dest.Variant)
		if !ok {
			continue
		}
		o.scheduleBinding(b, content)
	}
}

// scheduleBinding submits one delivery. The closure edits the live message
// and falls back to a fresh send when the platform reports it gone.
func (o *Orchestrator) scheduleBinding(b *binding, content string) {
	client, ok := o.clients[b.dest.Variant]
	if !ok {
		return
	}

	key := o.debKey(b)
	o.deb.Schedule(key, content, func(ctx context.Context) error {
		o.mu.Lock()
		handle := b.handle
		o.mu.Unlock()

		if handle == "" {
			return o.sendFresh(ctx, client, b, key, content)
		}

		found, err := client.Update(ctx, b.dest, handle, content)
		if err != nil {
			return err
		}
		if !found {
			o.logger.Info("message gone, re-sending",
				"destination", b.dest.String(), "old_message", string(handle))
			return o.sendFresh(ctx, client, b, key, content)
		}
		o.touchBinding(b)
		return nil
	})
}

// sendFresh posts a new message and rebinds to its handle. The old debounce
// key's history is forgotten since the message behind it is gone.
func (o *Orchestrator) sendFresh(ctx context.Context, client platform.Client,
	b *binding, oldKey debounce.Key, content string) error {

	handle, err := client.Send(ctx, b.dest, content)
	if err != nil {
		return err
	}

	o.mu.Lock()
	b.handle = handle
	o.mu.Unlock()
	o.touchBinding(b)

	o.deb.Forget(oldKey)
	o.deb.RecordPushed(o.debKey(b), content)
	return nil
}

func (o *Orchestrator) touchBinding(b *binding) {
	o.mu.Lock()
	b.lastActivity = time.Now()
	b.expiredAt = time.Time{}
	o.mu.Unlock()
}

// rebindPreset moves a destination's binding to the given preset, carrying
// the live message handle over so the preset switch edits in place. The old
// preset's debounce state is dropped with its binding.
func (o *Orchestrator) rebindPreset(sessionID string, dest platform.Destination, preset render.Preset) *binding {
	o.mu.Lock()
	old := o.findBinding(sessionID, dest)
	if old != nil && old.key.Preset == preset {
		o.mu.Unlock()
		return old
	}
	var handle platform.MessageHandle
	if old != nil {
		handle = old.handle
		o.deb.Cancel(o.debKey(old))
		o.deb.Forget(o.debKey(old))
		delete(o.bindings, old.key)
	}
	o.mu.Unlock()

	b := o.ensureBinding(sessionID, dest, preset)
	if handle != "" {
		o.mu.Lock()
		b.handle = handle
		o.mu.Unlock()
	}
	return b
}

// ensureBinding returns the binding for (session, destination, preset),
// creating it if absent.
func (o *Orchestrator) ensureBinding(sessionID string, dest platform.Destination, preset render.Preset) *binding {
	key := bindingKey{
		Session:    sessionID,
		Variant:    dest.Variant,
		Identifier: dest.Identifier(),
		Preset:     preset,
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if b, ok := o.bindings[key]; ok {
		return b
	}
	b := &binding{
		key:          key,
		dest:         dest,
		ttl:          defaultBindingTTL,
		lastActivity: time.Now(),
	}
	o.bindings[key] = b
	return b
}

// findBinding locates any preset's binding for the destination. Caller must
// hold o.mu.
func (o *Orchestrator) findBinding(sessionID string, dest platform.Destination) *binding {
	for key, b := range o.bindings {
		if key.Session == sessionID && key.Variant == dest.Variant &&
			key.Identifier == dest.Identifier() {
			return b
		}
	}
	return nil
}

func (o *Orchestrator) debKey(b *binding) debounce.Key {
	return debounce.Key{
		Variant:    b.key.Variant,
		Identifier: b.key.Identifier,
		MessageID:  string(b.handle),
	}
}

// reapBindings expires idle bindings and removes those expired for longer
// than the retention window. A reaped binding's destination stays attached;
// the next delivery simply starts a new message.
func (o *Orchestrator) reapBindings() {
	now := time.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	for key, b := range o.bindings {
		ttl := b.ttl
		if ttl > maxBindingTTL {
			ttl = maxBindingTTL
		}
		if b.expiredAt.IsZero() && now.Sub(b.lastActivity) > ttl {
			b.expiredAt = now
		}
		if !b.expiredAt.IsZero() && now.Sub(b.expiredAt) > bindingReapAfter {
			delete(o.bindings, key)
		}
	}
}

// flushCheckpoints persists the current position of every watched session.
func (o *Orchestrator) flushCheckpoints() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		o.mu.Lock()
		st, ok := o.sessions[id]
		o.mu.Unlock()
		if !ok {
			continue
		}
		st.proc.Lock()
		o.saveCheckpoint(id, st, o.tail.Position(id))
		st.proc.Unlock()
	}
}

// Shutdown drains the pipeline in dependency order: maintenance loops,
// pending debounced writes, the tailer, final checkpoints, then the SSE
// streams.
func (o *Orchestrator) Shutdown() {
	close(o.stop)
	o.wg.Wait()

	o.reg.Shutdown()
	o.deb.Flush()

	if err := o.tail.Close(); err != nil {
		o.logger.Warn("tailer close failed", "error", err)
	}
	o.flushCheckpoints()
	o.hub.CloseAll(events.ReasonShutdown)
}
