package transform

import (
	"encoding/json"
	"strings"
)

// record is the minimal shape of one transcript JSONL line. Transcripts use
// both "t" and "type" for the record kind depending on writer version.
type record struct {
	T       string `json:"t,omitempty"`
	Type    string `json:"type,omitempty"`
	Subtype string `json:"subtype,omitempty"`
	Content string `json:"content,omitempty"`
	Message struct {
		Role    string          `json:"role,omitempty"`
		Content json.RawMessage `json:"content,omitempty"`
	} `json:"message,omitempty"`
	DurationMs int64 `json:"duration_ms,omitempty"`
	IsCompact  bool  `json:"isCompactSummary,omitempty"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Name      string          `json:"name,omitempty"`
	ID        string          `json:"id,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

func (r *record) kind() string {
	if r.T != "" {
		return r.T
	}
	return r.Type
}

// Apply transforms a batch of raw records into events. Malformed records are
// skipped. The input context is not mutated; the advanced copy is returned.
func Apply(records [][]byte, ctx *Context) ([]Event, *Context) {
	if ctx == nil {
		ctx = NewContext()
	}
	next := ctx.clone()
	var events []Event

	for _, raw := range records {
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		events = append(events, applyRecord(&rec, next)...)
	}
	return events, next
}

func applyRecord(rec *record, ctx *Context) []Event {
	switch rec.kind() {
	case "system":
		return applySystem(rec, ctx)
	case "user":
		return applyUser(rec, ctx)
	case "assistant":
		return applyAssistant(rec, ctx)
	case "result":
		return []Event{addBlock(ctx, Block{Kind: BlockDuration, DurationMs: rec.DurationMs})}
	default:
		return nil
	}
}

func applySystem(rec *record, ctx *Context) []Event {
	switch rec.Subtype {
	case "init":
		return []Event{addBlock(ctx, Block{Kind: BlockSystem, Text: "session started"})}
	case "compact_boundary":
		// Context compaction supersedes everything rendered so far.
		ctx.OpenToolUse = map[string]int{}
		return []Event{
			{Kind: ClearAll},
			addBlock(ctx, Block{Kind: BlockCompaction, Text: "context compacted"}),
		}
	}
	if text := strings.TrimSpace(rec.Content); text != "" {
		return []Event{addBlock(ctx, Block{Kind: BlockSystem, Text: text})}
	}
	return nil
}

func applyUser(rec *record, ctx *Context) []Event {
	// A compact summary is replayed context, not new user input.
	if rec.IsCompact {
		return nil
	}

	// String-form content is a plain user message.
	var text string
	if err := json.Unmarshal(rec.Message.Content, &text); err == nil {
		if text = strings.TrimSpace(text); text != "" {
			return []Event{addBlock(ctx, Block{Kind: BlockUser, Text: text})}
		}
		return nil
	}

	var blocks []contentBlock
	if err := json.Unmarshal(rec.Message.Content, &blocks); err != nil {
		return nil
	}
	var events []Event
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if t := strings.TrimSpace(b.Text); t != "" {
				events = append(events, addBlock(ctx, Block{Kind: BlockUser, Text: t}))
			}
		case "tool_result":
			if ev, ok := resolveToolUse(ctx, b); ok {
				events = append(events, ev)
			}
		}
	}
	return events
}

func applyAssistant(rec *record, ctx *Context) []Event {
	var blocks []contentBlock
	if err := json.Unmarshal(rec.Message.Content, &blocks); err != nil {
		return nil
	}
	var events []Event
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if t := strings.TrimSpace(b.Text); t != "" {
				events = append(events, addBlock(ctx, Block{Kind: BlockAssistant, Text: t}))
			}
		case "thinking":
			if t := strings.TrimSpace(b.Thinking); t != "" {
				events = append(events, addBlock(ctx, Block{Kind: BlockThinking, Text: t}))
			}
		case "tool_use":
			events = append(events, applyToolUse(ctx, b))
		}
	}
	return events
}

func applyToolUse(ctx *Context, b contentBlock) Event {
	if b.Name == "AskUserQuestion" {
		block := Block{
			Kind:      BlockQuestion,
			ToolName:  b.Name,
			ToolUseID: b.ID,
			Questions: parseQuestions(b.ID, b.Input),
		}
		ev := addBlock(ctx, block)
		if b.ID != "" {
			ctx.OpenToolUse[b.ID] = ev.Block.Seq
		}
		return ev
	}

	block := Block{
		Kind:        BlockToolCall,
		ToolName:    b.Name,
		ToolUseID:   b.ID,
		ToolSummary: toolSummary(b.Name, b.Input),
	}
	ev := addBlock(ctx, block)
	if b.ID != "" {
		ctx.OpenToolUse[b.ID] = ev.Block.Seq
	}
	return ev
}

// resolveToolUse turns a tool_result into an UpdateBlock for the matching
// TOOL_CALL or QUESTION block. Results for unknown ids (e.g. from before a
// compaction) are dropped.
func resolveToolUse(ctx *Context, b contentBlock) (Event, bool) {
	seq, ok := ctx.OpenToolUse[b.ToolUseID]
	if !ok {
		return Event{}, false
	}
	delete(ctx.OpenToolUse, b.ToolUseID)

	answer := truncate(collapseSpace(toolResultText(b.Content)), 200)
	block := &Block{
		Seq:       seq,
		ToolUseID: b.ToolUseID,
		ToolDone:  true,
		Text:      answer,
	}
	return Event{Kind: UpdateBlock, Block: block}, true
}

// parseQuestions decodes the AskUserQuestion input shape:
// {"questions": [{"question": "...", "options": [... | {"label": ...}]}]}.
func parseQuestions(toolUseID string, input json.RawMessage) []Question {
	var parsed struct {
		Questions []struct {
			Question string            `json:"question"`
			Options  []json.RawMessage `json:"options"`
		} `json:"questions"`
	}
	if err := json.Unmarshal(input, &parsed); err != nil {
		return nil
	}
	out := make([]Question, 0, len(parsed.Questions))
	for i, q := range parsed.Questions {
		question := Question{
			ToolUseID: toolUseID,
			Index:     i,
			Text:      strings.TrimSpace(q.Question),
		}
		for _, raw := range q.Options {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				question.Options = append(question.Options, s)
				continue
			}
			var labelled struct {
				Label string `json:"label"`
			}
			if err := json.Unmarshal(raw, &labelled); err == nil && labelled.Label != "" {
				question.Options = append(question.Options, labelled.Label)
			}
		}
		out = append(out, question)
	}
	return out
}

// toolResultText flattens tool_result content, which can be a plain string or
// an array of content blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, " ")
	}
	return string(raw)
}

// toolSummary pulls the most useful input field for display per tool.
func toolSummary(toolName string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(input, &fields); err != nil {
		return truncate(collapseSpace(string(input)), 120)
	}

	var key string
	switch toolName {
	case "Bash":
		key = "command"
	case "Read", "Write", "Edit":
		key = "file_path"
	case "Grep", "Glob":
		key = "pattern"
	case "WebFetch":
		key = "url"
	case "WebSearch":
		key = "query"
	case "Task":
		key = "prompt"
	}

	if key != "" {
		if val, ok := fields[key]; ok {
			var s string
			if err := json.Unmarshal(val, &s); err == nil {
				return truncate(collapseSpace(s), 120)
			}
		}
	}
	return truncate(collapseSpace(string(input)), 120)
}

func addBlock(ctx *Context, b Block) Event {
	b.Seq = ctx.BlockSeq
	ctx.BlockSeq++
	return Event{Kind: AddBlock, Block: &b}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
