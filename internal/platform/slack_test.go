package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	goslack "github.com/slack-go/slack"
)

// slackMock serves the handful of Web API endpoints the client touches.
type slackMock struct {
	t        *testing.T
	handlers map[string]http.HandlerFunc
	srv      *httptest.Server
}

func newSlackMock(t *testing.T) *slackMock {
	t.Helper()
	m := &slackMock{t: t, handlers: map[string]http.HandlerFunc{}}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := m.handlers[r.URL.Path]
		if !ok {
			t.Errorf("unexpected call to %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h(w, r)
	}))
	t.Cleanup(m.srv.Close)

	m.handlers["/auth.test"] = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"team":"T1","user":"watch_bot"}`)
	}
	return m
}

func (m *slackMock) client() *SlackClient {
	return NewSlackClientWithAPIURL("xoxb-test", m.srv.URL+"/")
}

func sectionDoc(t *testing.T, n int) string {
	t.Helper()
	var set []goslack.Block
	for i := 0; i < n; i++ {
		set = append(set, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("line %d", i), false, false),
			nil, nil))
	}
	data, err := json.Marshal(goslack.Blocks{BlockSet: set})
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestSlackSendReturnsTS(t *testing.T) {
	m := newSlackMock(t)
	m.handlers["/chat.postMessage"] = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"channel":"C1","ts":"1700000000.000100"}`)
	}

	handle, err := m.client().Send(context.Background(), Slack("C1"), sectionDoc(t, 3))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if handle != "1700000000.000100" {
		t.Fatalf("handle = %q", handle)
	}
}

func TestSlackUpdateMessageNotFound(t *testing.T) {
	m := newSlackMock(t)
	m.handlers["/chat.update"] = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":false,"error":"message_not_found"}`)
	}

	found, err := m.client().Update(context.Background(), Slack("C1"), "1.2", sectionDoc(t, 1))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if found {
		t.Fatal("message_not_found should report found=false, not an error")
	}
}

func TestSlackUpdateSuccess(t *testing.T) {
	m := newSlackMock(t)
	m.handlers["/chat.update"] = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"channel":"C1","ts":"1.2","text":""}`)
	}

	found, err := m.client().Update(context.Background(), Slack("C1"), "1.2", sectionDoc(t, 1))
	if err != nil || !found {
		t.Fatalf("Update = (%v, %v)", found, err)
	}
}

func TestSlackBlockCap(t *testing.T) {
	c := NewSlackClient("xoxb-test")
	blocks, err := c.parseBlocks(sectionDoc(t, slackBlockLimit+10))
	if err != nil {
		t.Fatalf("parseBlocks: %v", err)
	}
	if len(blocks) != slackBlockLimit {
		t.Fatalf("blocks = %d, want %d", len(blocks), slackBlockLimit)
	}
	// Tail is replaced by the truncation note.
	last, ok := blocks[len(blocks)-1].(*goslack.ContextBlock)
	if !ok {
		t.Fatalf("last block is %T, want context truncation note", blocks[len(blocks)-1])
	}
	if len(last.ContextElements.Elements) == 0 {
		t.Fatal("truncation note empty")
	}
}

func TestSlackValidateFailure(t *testing.T) {
	m := newSlackMock(t)
	m.handlers["/auth.test"] = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":false,"error":"invalid_auth"}`)
	}

	err := m.client().Validate(context.Background())
	if err == nil {
		t.Fatal("expected auth error")
	}
	if _, ok := err.(*AuthError); !ok {
		t.Fatalf("err = %T, want *AuthError", err)
	}
}
