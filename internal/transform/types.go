// Package transform derives semantic block events from raw transcript
// records. It is a pure layer: Apply consumes a batch of JSONL records plus a
// serialisable context and returns the events and the advanced context,
// touching no shared state.
package transform

import "encoding/json"

// BlockKind identifies the semantic role of a transcript block.
type BlockKind string

const (
	BlockUser       BlockKind = "user"
	BlockAssistant  BlockKind = "assistant"
	BlockThinking   BlockKind = "thinking"
	BlockToolCall   BlockKind = "tool_call"
	BlockDuration   BlockKind = "duration"
	BlockSystem     BlockKind = "system"
	BlockQuestion   BlockKind = "question"
	BlockCompaction BlockKind = "compaction"
)

// Question is one question posed to the user by an AskUserQuestion tool call.
type Question struct {
	ToolUseID string   `json:"tool_use_id"`
	Index     int      `json:"index"`
	Text      string   `json:"text"`
	Options   []string `json:"options,omitempty"`
	Answered  bool     `json:"answered"`
	Answer    string   `json:"answer,omitempty"`
}

// Block is one rendered unit of a session. Seq is assigned by the transformer
// and is unique for the life of the session (it survives ClearAll).
type Block struct {
	Seq         int        `json:"seq"`
	Kind        BlockKind  `json:"kind"`
	Text        string     `json:"text,omitempty"`
	ToolName    string     `json:"tool_name,omitempty"`
	ToolUseID   string     `json:"tool_use_id,omitempty"`
	ToolSummary string     `json:"tool_summary,omitempty"`
	ToolDone    bool       `json:"tool_done,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
	Questions   []Question `json:"questions,omitempty"`
}

// EventKind tags the event variants.
type EventKind string

const (
	AddBlock    EventKind = "add_block"
	UpdateBlock EventKind = "update_block"
	ClearAll    EventKind = "clear_all"
)

// Event is the transformer output. AddBlock and UpdateBlock carry the block;
// ClearAll carries nothing and supersedes all prior blocks.
type Event struct {
	Kind  EventKind `json:"kind"`
	Block *Block    `json:"block,omitempty"`
}

// Context is the transformer's resumable state. It round-trips through JSON
// so it can be persisted in a session checkpoint.
type Context struct {
	// BlockSeq is the next block sequence number. Never reset, so block
	// sequences stay unique across ClearAll.
	BlockSeq int `json:"block_seq"`
	// OpenToolUse maps a tool_use_id to the block seq of its TOOL_CALL or
	// QUESTION block, until the matching tool_result arrives.
	OpenToolUse map[string]int `json:"open_tool_use,omitempty"`
}

// NewContext returns a fresh transformer context.
func NewContext() *Context {
	return &Context{OpenToolUse: map[string]int{}}
}

// ParseContext restores a context from its serialised form. Empty or corrupt
// input yields a fresh context.
func ParseContext(data []byte) *Context {
	if len(data) == 0 {
		return NewContext()
	}
	var ctx Context
	if err := json.Unmarshal(data, &ctx); err != nil {
		return NewContext()
	}
	if ctx.OpenToolUse == nil {
		ctx.OpenToolUse = map[string]int{}
	}
	return &ctx
}

// Marshal serialises the context for checkpointing.
func (c *Context) Marshal() []byte {
	data, _ := json.Marshal(c)
	return data
}

func (c *Context) clone() *Context {
	out := &Context{
		BlockSeq:    c.BlockSeq,
		OpenToolUse: make(map[string]int, len(c.OpenToolUse)),
	}
	for k, v := range c.OpenToolUse {
		out.OpenToolUse[k] = v
	}
	return out
}
