package debounce

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joestump/claude-watch/internal/platform"
)

func tgKey(id string) Key {
	return Key{Variant: platform.VariantTelegram, Identifier: "-100", MessageID: id}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScheduleCoalescesBurst(t *testing.T) {
	d := New()
	d.SetDelay(platform.VariantTelegram, 50*time.Millisecond)

	var calls atomic.Int32
	var delivered atomic.Value

	for i := 0; i < 10; i++ {
		content := string(rune('a' + i))
		if !d.Schedule(tgKey("1"), content, func(ctx context.Context) error {
			calls.Add(1)
			delivered.Store(content)
			return nil
		}) {
			t.Fatalf("schedule %d reported skipped", i)
		}
	}

	waitFor(t, func() bool { return calls.Load() == 1 }, "delivery never fired")
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("burst produced %d deliveries, want 1", calls.Load())
	}
	if delivered.Load().(string) != "j" {
		t.Fatalf("delivered %q, want latest content \"j\"", delivered.Load())
	}
}

func TestScheduleSkipsIdenticalContent(t *testing.T) {
	d := New()
	d.SetDelay(platform.VariantTelegram, time.Millisecond)

	var calls atomic.Int32
	fn := func(ctx context.Context) error { calls.Add(1); return nil }

	if !d.Schedule(tgKey("1"), "same", fn) {
		t.Fatal("first schedule should arm")
	}
	waitFor(t, func() bool { return calls.Load() == 1 }, "first delivery never fired")

	if d.Schedule(tgKey("1"), "same", fn) {
		t.Fatal("identical content should be skipped")
	}
	if !d.Schedule(tgKey("1"), "different", fn) {
		t.Fatal("changed content should arm")
	}
}

func TestFailedDeliveryStaysEligible(t *testing.T) {
	d := New()
	d.SetDelay(platform.VariantTelegram, time.Millisecond)

	var calls atomic.Int32
	fail := func(ctx context.Context) error { calls.Add(1); return errors.New("boom") }

	d.Schedule(tgKey("1"), "content", fail)
	waitFor(t, func() bool { return calls.Load() == 1 }, "delivery never fired")

	// Failure must not advance last-pushed; the same content schedules again.
	if !d.Schedule(tgKey("1"), "content", fail) {
		t.Fatal("content after failed delivery should not be suppressed")
	}
}

func TestFlushFiresPendingNow(t *testing.T) {
	d := New()
	d.SetDelay(platform.VariantTelegram, time.Hour)
	d.SetDelay(platform.VariantSlack, time.Hour)

	var calls atomic.Int32
	fn := func(ctx context.Context) error { calls.Add(1); return nil }

	d.Schedule(tgKey("1"), "a", fn)
	d.Schedule(Key{Variant: platform.VariantSlack, Identifier: "C1", MessageID: "9"}, "b", fn)

	d.Flush()
	if calls.Load() != 2 {
		t.Fatalf("flush fired %d deliveries, want 2", calls.Load())
	}
	if d.PendingCount() != 0 {
		t.Fatalf("pending after flush = %d", d.PendingCount())
	}
}

func TestCancelAllDropsWithoutFiring(t *testing.T) {
	d := New()
	d.SetDelay(platform.VariantTelegram, time.Hour)

	var calls atomic.Int32
	d.Schedule(tgKey("1"), "a", func(ctx context.Context) error { calls.Add(1); return nil })
	d.CancelAll()

	if d.PendingCount() != 0 || calls.Load() != 0 {
		t.Fatalf("pending=%d calls=%d", d.PendingCount(), calls.Load())
	}
}

func TestForgetAllowsResend(t *testing.T) {
	d := New()
	d.SetDelay(platform.VariantTelegram, time.Millisecond)

	var calls atomic.Int32
	fn := func(ctx context.Context) error { calls.Add(1); return nil }

	d.RecordPushed(tgKey("1"), "same")
	if d.Schedule(tgKey("1"), "same", fn) {
		t.Fatal("recorded content should suppress")
	}
	d.Forget(tgKey("1"))
	if !d.Schedule(tgKey("1"), "same", fn) {
		t.Fatal("forget should clear suppression")
	}
}

func TestRescheduleReplacesPendingContent(t *testing.T) {
	d := New()
	d.SetDelay(platform.VariantTelegram, 30*time.Millisecond)

	var delivered atomic.Value
	mk := func(content string) Func {
		return func(ctx context.Context) error {
			delivered.Store(content)
			return nil
		}
	}

	d.Schedule(tgKey("1"), "old", mk("old"))
	d.Schedule(tgKey("1"), "new", mk("new"))

	waitFor(t, func() bool { return delivered.Load() != nil }, "delivery never fired")
	if delivered.Load().(string) != "new" {
		t.Fatalf("delivered %q, want replaced content", delivered.Load())
	}
}
