package events

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func recvFrame(t *testing.T, sub *Subscriber) string {
	t.Helper()
	select {
	case frame, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscriber channel closed")
		}
		return string(frame)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return ""
	}
}

func TestConnectReplaysBufferedEvents(t *testing.T) {
	buf := NewBuffer(16)
	h := NewHub(buf)

	buf.Add("s", "add_block", json.RawMessage(`{"a":1}`))
	buf.Add("s", "add_block", json.RawMessage(`{"a":2}`))

	sub, cancel := h.Connect("s", "")
	defer cancel()

	first := recvFrame(t, sub)
	if first != "id:1\nevent:add_block\ndata:{\"a\":1}\n\n" {
		t.Fatalf("frame = %q", first)
	}
	second := recvFrame(t, sub)
	if !strings.HasPrefix(second, "id:2\n") {
		t.Fatalf("second frame = %q", second)
	}
}

func TestConnectHonoursLastEventID(t *testing.T) {
	buf := NewBuffer(16)
	h := NewHub(buf)
	buf.Add("s", "add_block", json.RawMessage(`{"a":1}`))
	buf.Add("s", "add_block", json.RawMessage(`{"a":2}`))

	sub, cancel := h.Connect("s", "1")
	defer cancel()

	frame := recvFrame(t, sub)
	if !strings.HasPrefix(frame, "id:2\n") {
		t.Fatalf("replay should start after id 1, got %q", frame)
	}
	select {
	case extra := <-sub.Events():
		t.Fatalf("unexpected extra frame %q", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	buf := NewBuffer(16)
	h := NewHub(buf)

	sub1, cancel1 := h.Connect("s", "")
	defer cancel1()
	sub2, cancel2 := h.Connect("s", "")
	defer cancel2()

	env := buf.Add("s", "add_block", json.RawMessage(`{"x":true}`))
	h.Broadcast("s", env)

	for _, sub := range []*Subscriber{sub1, sub2} {
		frame := recvFrame(t, sub)
		if !strings.Contains(frame, `data:{"x":true}`) {
			t.Fatalf("frame = %q", frame)
		}
	}
}

func TestCloseSessionEmitsTerminalEvent(t *testing.T) {
	buf := NewBuffer(16)
	h := NewHub(buf)

	sub, cancel := h.Connect("s", "")
	defer cancel()

	h.CloseSession("s", ReasonFileDeleted)

	frame := recvFrame(t, sub)
	if !strings.Contains(frame, "event:session_ended\ndata:{\"reason\":\"file_deleted\"}\n\n") {
		t.Fatalf("terminal frame = %q", frame)
	}

	// Channel closes after the terminal event.
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected closed channel after session end")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}

	if h.ClientCount("s") != 0 {
		t.Fatalf("client count = %d after close", h.ClientCount("s"))
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	buf := NewBuffer(16)
	h := NewHub(buf)

	sub, cancel := h.Connect("s", "")
	defer cancel()

	// Never read; the queue fills and the hub must disconnect rather than
	// block.
	for i := 0; i < subscriberBuffer+8; i++ {
		env := buf.Add("s", "add_block", json.RawMessage(`{}`))
		h.Broadcast("s", env)
	}

	if h.ClientCount("s") != 0 {
		t.Fatalf("slow subscriber should be dropped, count = %d", h.ClientCount("s"))
	}
	_ = sub
}

func TestCancelIsIdempotent(t *testing.T) {
	buf := NewBuffer(16)
	h := NewHub(buf)
	_, cancel := h.Connect("s", "")
	cancel()
	cancel()
	if h.ClientCount("s") != 0 {
		t.Fatal("subscriber still registered")
	}
}
