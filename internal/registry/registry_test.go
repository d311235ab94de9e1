package registry

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joestump/claude-watch/internal/config"
	"github.com/joestump/claude-watch/internal/platform"
)

// memStore records config saves without touching disk.
type memStore struct {
	mu    sync.Mutex
	saves int
}

func (m *memStore) SaveConfig(cfg *config.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	return nil
}

func newTestRegistry(keepAlive time.Duration) (*Registry, *config.Config, *memStore) {
	cfg := config.Default()
	store := &memStore{}
	return New(cfg, store, keepAlive), cfg, store
}

func TestAttachIsIdempotent(t *testing.T) {
	r, cfg, _ := newTestRegistry(time.Minute)
	dest := platform.Telegram("-100123", 7)

	added, err := r.Attach("s", "/tmp/s.jsonl", dest)
	if err != nil || !added {
		t.Fatalf("first attach: added=%v err=%v", added, err)
	}
	added, err = r.Attach("s", "", dest)
	if err != nil {
		t.Fatalf("second attach errored: %v", err)
	}
	if added {
		t.Fatal("second attach of same destination should return false")
	}

	if got := len(r.Destinations("s")); got != 1 {
		t.Fatalf("destinations = %d, want 1", got)
	}
	if got := len(cfg.Sessions["s"].Destinations.Telegram); got != 1 {
		t.Fatalf("persisted destinations = %d, want 1", got)
	}
}

func TestAttachUnknownSessionWithoutPath(t *testing.T) {
	r, _, _ := newTestRegistry(time.Minute)
	if _, err := r.Attach("ghost", "", platform.Slack("C1")); err != ErrUnknownSession {
		t.Fatalf("err = %v, want ErrUnknownSession", err)
	}
}

func TestDistinctThreadsAreDistinctDestinations(t *testing.T) {
	r, _, _ := newTestRegistry(time.Minute)

	if added, _ := r.Attach("s", "/tmp/s.jsonl", platform.Telegram("-100", 2)); !added {
		t.Fatal("first thread attach failed")
	}
	if added, _ := r.Attach("s", "", platform.Telegram("-100", 3)); !added {
		t.Fatal("different thread should be a new destination")
	}
	if got := len(r.Destinations("s")); got != 2 {
		t.Fatalf("destinations = %d, want 2", got)
	}
}

func TestFirstAttachFiresSessionStart(t *testing.T) {
	r, _, _ := newTestRegistry(time.Minute)

	var starts atomic.Int32
	r.OnSessionStart = func(sessionID, path string) {
		if sessionID != "s" || path != "/tmp/s.jsonl" {
			t.Errorf("start callback got %q %q", sessionID, path)
		}
		starts.Add(1)
	}

	r.Attach("s", "/tmp/s.jsonl", platform.Telegram("-100", 0))
	r.Attach("s", "", platform.Slack("C1"))

	if starts.Load() != 1 {
		t.Fatalf("on_session_start fired %d times, want 1", starts.Load())
	}
}

func TestDetachReturnsFalseWhenAbsent(t *testing.T) {
	r, _, _ := newTestRegistry(time.Minute)
	removed, err := r.Detach("s", platform.Slack("C1"))
	if err != nil || removed {
		t.Fatalf("detach of absent destination: removed=%v err=%v", removed, err)
	}
}

func TestKeepAliveFiresAfterLastDetach(t *testing.T) {
	r, _, _ := newTestRegistry(20 * time.Millisecond)

	var stops atomic.Int32
	r.OnSessionStop = func(sessionID string) { stops.Add(1) }

	dest := platform.Slack("C1")
	r.Attach("s", "/tmp/s.jsonl", dest)
	r.Detach("s", dest)

	deadline := time.Now().Add(2 * time.Second)
	for stops.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if stops.Load() != 1 {
		t.Fatalf("on_session_stop fired %d times, want 1", stops.Load())
	}
}

func TestReattachCancelsKeepAlive(t *testing.T) {
	r, _, _ := newTestRegistry(30 * time.Millisecond)

	var stops atomic.Int32
	r.OnSessionStop = func(sessionID string) { stops.Add(1) }

	dest := platform.Slack("C1")
	r.Attach("s", "/tmp/s.jsonl", dest)
	r.Detach("s", dest)
	r.Attach("s", "", dest)

	time.Sleep(100 * time.Millisecond)
	if stops.Load() != 0 {
		t.Fatal("re-attach should cancel the keep-alive timer")
	}
}

func TestShutdownCancelsTimersWithoutFiring(t *testing.T) {
	r, _, _ := newTestRegistry(10 * time.Millisecond)

	var stops atomic.Int32
	r.OnSessionStop = func(sessionID string) { stops.Add(1) }

	dest := platform.Slack("C1")
	r.Attach("s", "/tmp/s.jsonl", dest)
	r.Detach("s", dest)
	r.Shutdown()

	time.Sleep(50 * time.Millisecond)
	if stops.Load() != 0 {
		t.Fatal("shutdown must not fire keep-alive callbacks")
	}
}

func TestRestoreFromConfig(t *testing.T) {
	cfg := config.Default()
	thread := 5
	cfg.Sessions["a"] = config.SessionConfig{
		Path: "/tmp/a.jsonl",
		Destinations: config.Destinations{
			Telegram: []config.TelegramDestination{{ChatID: "-100", ThreadID: &thread}},
			Slack:    []config.SlackDestination{{Channel: "C9"}},
		},
	}
	cfg.Sessions["empty"] = config.SessionConfig{Path: "/tmp/empty.jsonl"}

	r := New(cfg, &memStore{}, time.Minute)
	var starts atomic.Int32
	r.OnSessionStart = func(sessionID, path string) {
		if sessionID != "a" {
			t.Errorf("unexpected start for %q", sessionID)
		}
		starts.Add(1)
	}

	r.RestoreFromConfig()

	if starts.Load() != 1 {
		t.Fatalf("on_session_start fired %d times, want 1", starts.Load())
	}
	dests := r.Destinations("a")
	if len(dests) != 2 {
		t.Fatalf("restored destinations = %d, want 2", len(dests))
	}
	var sawThread bool
	for _, d := range dests {
		if d.Variant == platform.VariantTelegram && d.Identifier() == "-100:5" {
			sawThread = true
		}
	}
	if !sawThread {
		t.Fatalf("compound identifier lost on restore: %+v", dests)
	}
	if r.HasDestinations("empty") {
		t.Fatal("session without destinations should not restore as active")
	}
}

func TestDetachPersistsRemoval(t *testing.T) {
	r, cfg, _ := newTestRegistry(time.Minute)
	dest := platform.Telegram("-100", 0)
	r.Attach("s", "/tmp/s.jsonl", dest)

	removed, err := r.Detach("s", dest)
	if err != nil || !removed {
		t.Fatalf("detach: removed=%v err=%v", removed, err)
	}
	if got := len(cfg.Sessions["s"].Destinations.Telegram); got != 0 {
		t.Fatalf("persisted destinations after detach = %d", got)
	}
	// Path survives for future re-attach without a path argument.
	if cfg.Sessions["s"].Path != "/tmp/s.jsonl" {
		t.Fatal("session path should survive detach")
	}
}
