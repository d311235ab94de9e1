package transform

import (
	"testing"
)

func raw(lines ...string) [][]byte {
	out := make([][]byte, len(lines))
	for i, l := range lines {
		out[i] = []byte(l)
	}
	return out
}

func TestApplyUserString(t *testing.T) {
	evs, ctx := Apply(raw(`{"t":"user","message":{"content":"hello there"}}`), nil)
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	if evs[0].Kind != AddBlock || evs[0].Block.Kind != BlockUser || evs[0].Block.Text != "hello there" {
		t.Fatalf("unexpected event: %+v", evs[0])
	}
	if ctx.BlockSeq != 1 {
		t.Fatalf("block seq = %d, want 1", ctx.BlockSeq)
	}
}

func TestApplyAcceptsBothKindFields(t *testing.T) {
	evs, _ := Apply(raw(
		`{"t":"user","message":{"content":"via t"}}`,
		`{"type":"user","message":{"content":"via type"}}`,
	), nil)
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].Block.Text != "via t" || evs[1].Block.Text != "via type" {
		t.Fatalf("events: %+v %+v", evs[0].Block, evs[1].Block)
	}
}

func TestApplyAssistantTextThinkingAndTool(t *testing.T) {
	line := `{"t":"assistant","message":{"content":[` +
		`{"type":"thinking","thinking":"pondering"},` +
		`{"type":"text","text":"the answer"},` +
		`{"type":"tool_use","id":"tu_1","name":"Bash","input":{"command":"ls -la"}}]}}`
	evs, ctx := Apply(raw(line), nil)
	if len(evs) != 3 {
		t.Fatalf("expected 3 events, got %d", len(evs))
	}
	if evs[0].Block.Kind != BlockThinking {
		t.Errorf("first block kind = %s", evs[0].Block.Kind)
	}
	if evs[1].Block.Kind != BlockAssistant || evs[1].Block.Text != "the answer" {
		t.Errorf("second block: %+v", evs[1].Block)
	}
	tc := evs[2].Block
	if tc.Kind != BlockToolCall || tc.ToolName != "Bash" || tc.ToolSummary != "ls -la" {
		t.Errorf("tool call block: %+v", tc)
	}
	if seq, ok := ctx.OpenToolUse["tu_1"]; !ok || seq != tc.Seq {
		t.Errorf("open tool use not recorded: %v", ctx.OpenToolUse)
	}
}

func TestToolResultResolvesOpenCall(t *testing.T) {
	evs, ctx := Apply(raw(
		`{"t":"assistant","message":{"content":[{"type":"tool_use","id":"tu_9","name":"Read","input":{"file_path":"/etc/hosts"}}]}}`,
	), nil)
	callSeq := evs[0].Block.Seq

	evs2, ctx2 := Apply(raw(
		`{"t":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_9","content":"127.0.0.1 localhost"}]}}`,
	), ctx)
	if len(evs2) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs2))
	}
	up := evs2[0]
	if up.Kind != UpdateBlock || up.Block.Seq != callSeq || !up.Block.ToolDone {
		t.Fatalf("unexpected update event: %+v", up.Block)
	}
	if len(ctx2.OpenToolUse) != 0 {
		t.Errorf("tool use should be closed: %v", ctx2.OpenToolUse)
	}
}

func TestToolResultForUnknownIDDropped(t *testing.T) {
	evs, _ := Apply(raw(
		`{"t":"user","message":{"content":[{"type":"tool_result","tool_use_id":"ghost","content":"x"}]}}`,
	), nil)
	if len(evs) != 0 {
		t.Fatalf("orphan tool_result should produce no events, got %d", len(evs))
	}
}

func TestCompactBoundaryClearsAll(t *testing.T) {
	ctx := NewContext()
	ctx.OpenToolUse["tu_old"] = 3
	ctx.BlockSeq = 4

	evs, ctx2 := Apply(raw(`{"t":"system","subtype":"compact_boundary"}`), ctx)
	if len(evs) != 2 {
		t.Fatalf("expected ClearAll + compaction block, got %d events", len(evs))
	}
	if evs[0].Kind != ClearAll {
		t.Errorf("first event = %s, want clear_all", evs[0].Kind)
	}
	if evs[1].Block.Kind != BlockCompaction {
		t.Errorf("second event block kind = %s", evs[1].Block.Kind)
	}
	// Seq numbering continues across the clear.
	if evs[1].Block.Seq != 4 {
		t.Errorf("compaction seq = %d, want 4", evs[1].Block.Seq)
	}
	if len(ctx2.OpenToolUse) != 0 {
		t.Errorf("open tool uses should reset on compaction: %v", ctx2.OpenToolUse)
	}
}

func TestCompactSummaryUserRecordIgnored(t *testing.T) {
	evs, _ := Apply(raw(`{"t":"user","isCompactSummary":true,"message":{"content":"replayed context"}}`), nil)
	if len(evs) != 0 {
		t.Fatalf("compact summary should be silent, got %d events", len(evs))
	}
}

func TestSystemInitAndResult(t *testing.T) {
	evs, _ := Apply(raw(
		`{"t":"system","subtype":"init"}`,
		`{"t":"result","duration_ms":4200}`,
	), nil)
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].Block.Kind != BlockSystem || evs[0].Block.Text != "session started" {
		t.Errorf("init block: %+v", evs[0].Block)
	}
	if evs[1].Block.Kind != BlockDuration || evs[1].Block.DurationMs != 4200 {
		t.Errorf("duration block: %+v", evs[1].Block)
	}
}

func TestAskUserQuestionParsing(t *testing.T) {
	line := `{"t":"assistant","message":{"content":[{"type":"tool_use","id":"tu_q","name":"AskUserQuestion",` +
		`"input":{"questions":[{"question":"Deploy now?","options":["yes",{"label":"no"},{"label":""}]}]}}]}}`
	evs, _ := Apply(raw(line), nil)
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	b := evs[0].Block
	if b.Kind != BlockQuestion || len(b.Questions) != 1 {
		t.Fatalf("question block: %+v", b)
	}
	q := b.Questions[0]
	if q.Text != "Deploy now?" || q.ToolUseID != "tu_q" || q.Index != 0 {
		t.Errorf("question: %+v", q)
	}
	if len(q.Options) != 2 || q.Options[0] != "yes" || q.Options[1] != "no" {
		t.Errorf("options: %v", q.Options)
	}
}

func TestApplySkipsMalformedAndUnknown(t *testing.T) {
	evs, ctx := Apply(raw(
		`{broken`,
		`{"t":"mystery"}`,
		`{"t":"user","message":{"content":"still here"}}`,
	), nil)
	if len(evs) != 1 || evs[0].Block.Text != "still here" {
		t.Fatalf("events: %+v", evs)
	}
	if ctx.BlockSeq != 1 {
		t.Errorf("block seq = %d", ctx.BlockSeq)
	}
}

func TestApplyDoesNotMutateInputContext(t *testing.T) {
	ctx := NewContext()
	Apply(raw(`{"t":"user","message":{"content":"hi"}}`), ctx)
	if ctx.BlockSeq != 0 {
		t.Fatalf("input context mutated: BlockSeq = %d", ctx.BlockSeq)
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := NewContext()
	ctx.BlockSeq = 12
	ctx.OpenToolUse["tu_a"] = 7

	restored := ParseContext(ctx.Marshal())
	if restored.BlockSeq != 12 || restored.OpenToolUse["tu_a"] != 7 {
		t.Fatalf("round trip mismatch: %+v", restored)
	}

	if fresh := ParseContext([]byte("garbage")); fresh.BlockSeq != 0 || fresh.OpenToolUse == nil {
		t.Fatalf("corrupt context should parse as fresh: %+v", fresh)
	}
}
